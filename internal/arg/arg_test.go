package arg

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		scope        Scope
		step         Scope
		runSecondCpp bool
		want         bool
	}{
		{Preprocessor, Preprocessor, false, true},
		{Shared, Preprocessor, false, false},
		{Shared, Preprocessor, true, true},
		{Compiler, Preprocessor, true, false},
		{Compiler, Compiler, false, true},
		{Shared, Compiler, false, true},
		{Preprocessor, Compiler, false, false},
		{Ignore, Compiler, false, false},
	}
	for _, c := range cases {
		if got := Matches(c.scope, c.step, c.runSecondCpp); got != c.want {
			t.Errorf("Matches(%v, %v, %v) = %v, want %v", c.scope, c.step, c.runSecondCpp, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	good := []Arg{
		Input{Kind: Source, Path: "a.cpp"},
		Output{Kind: Object, Path: "a.obj"},
	}
	if err := Validate(good, false); err != nil {
		t.Fatalf("Validate(good) = %v, want nil", err)
	}

	noSource := []Arg{Output{Kind: Object, Path: "a.obj"}}
	if err := Validate(noSource, false); err == nil {
		t.Fatal("Validate(noSource) = nil, want error")
	}

	bothPCH := []Arg{
		Input{Kind: Source, Path: "a.cpp"},
		Input{Kind: Precompiled, Path: "a.pch"},
		Output{Kind: OutputMarker, Path: "b.pch"},
	}
	if err := Validate(bothPCH, true); err == nil {
		t.Fatal("Validate(bothPCH, preprocessOnly) = nil, want error")
	}
	if err := Validate(bothPCH, false); err != nil {
		t.Fatalf("Validate(bothPCH, compile) = %v, want nil", err)
	}
}
