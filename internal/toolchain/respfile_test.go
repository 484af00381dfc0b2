package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpandResponseFilesOneLevel(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.rsp")
	if err := os.WriteFile(inner, []byte(`-DFOO=1 "quoted value"`), 0o644); err != nil {
		t.Fatal(err)
	}
	outer := filepath.Join(dir, "outer.rsp")
	if err := os.WriteFile(outer, []byte("-c @"+inner), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ExpandResponseFiles([]string{"-o", "x.o", "@" + outer}, TokenizeUnix)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-o", "x.o", "-c", "-DFOO=1", "quoted value"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExpandResponseFiles() mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandResponseFilesRejectsDeepNesting(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.rsp")
	b := filepath.Join(dir, "b.rsp")
	c := filepath.Join(dir, "c.rsp")
	if err := os.WriteFile(c, []byte("-DX"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("@"+c), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(a, []byte("@"+b), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ExpandResponseFiles([]string{"@" + a}, TokenizeUnix); err == nil {
		t.Fatal("ExpandResponseFiles() = nil error, want nesting error")
	}
}

func TestTokenizeQuotedPreservesInternalWhitespace(t *testing.T) {
	got := tokenizeQuoted(`-I"C:/Program Files/inc" -DFOO='bar baz'`)
	if len(got) != 2 {
		t.Fatalf("tokenizeQuoted() = %#v, want 2 tokens", got)
	}
	if got[0] != "-IC:/Program Files/inc" {
		t.Fatalf("tokenizeQuoted()[0] = %q", got[0])
	}
	if got[1] != "-DFOO=bar baz" {
		t.Fatalf("tokenizeQuoted()[1] = %q", got[1])
	}
}
