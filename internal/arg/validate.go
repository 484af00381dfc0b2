package arg

import "golang.org/x/xerrors"

// Validate enforces the per-task invariants of §3: exactly one
// Input{Source}; at most one Output{Object}; at most one precompiled
// input and one precompiled output, and never both at once when
// preprocessOnly is set (a pure preprocess step can produce a PCH, or
// consume one, but not both).
func Validate(args []Arg, preprocessOnly bool) error {
	var sources, objects, pchIn, pchOut int
	for _, a := range args {
		switch v := a.(type) {
		case Input:
			switch v.Kind {
			case Source:
				sources++
			case Precompiled:
				pchIn++
			}
		case Output:
			switch v.Kind {
			case Object:
				objects++
			case OutputMarker:
				pchOut++
			}
		}
	}
	if sources != 1 {
		return xerrors.Errorf("expected exactly one source input, got %d", sources)
	}
	if objects > 1 {
		return xerrors.Errorf("expected at most one object output, got %d", objects)
	}
	if pchIn > 1 {
		return xerrors.Errorf("expected at most one precompiled input, got %d", pchIn)
	}
	if pchOut > 1 {
		return xerrors.Errorf("expected at most one precompiled output, got %d", pchOut)
	}
	if preprocessOnly && pchIn > 0 && pchOut > 0 {
		return xerrors.Errorf("preprocess-only step cannot both consume and produce a precompiled header")
	}
	return nil
}
