package octobuild

import (
	"strconv"

	"golang.org/x/xerrors"
)

// ParseError is returned by a toolchain adapter's CreateTasks when the
// argument list cannot be classified: an unknown flag, a multi-source
// invocation combined with -o, or a missing source file. It causes
// the caller to fall back to a plain exec of the original argv.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse: " + e.Reason }

// PreprocessFailed wraps the OutputInfo of a preprocess invocation
// that exited non-zero. The task fails; the scheduler stops
// scheduling new work once it observes this.
type PreprocessFailed struct {
	Output OutputInfo
}

func (e *PreprocessFailed) Error() string {
	return "preprocess failed with exit status " + strconv.Itoa(e.Output.Status)
}

// ErrCacheInvalid marks a cache frame that failed header/footer/count
// validation on read. It is never returned to a caller as a build
// failure: compiler.SharedState.Compile treats it as a miss and
// proceeds to compile.
var ErrCacheInvalid = xerrors.New("cache entry invalid")

// RemoteUnavailable wraps any transport failure, missing-builder
// condition, or 5xx response encountered while trying to dispatch a
// compile remotely. Callers log it at trace level and fall back to a
// local compile.
type RemoteUnavailable struct {
	Reason string
	Err    error
}

func (e *RemoteUnavailable) Error() string {
	if e.Err != nil {
		return "remote unavailable: " + e.Reason + ": " + e.Err.Error()
	}
	return "remote unavailable: " + e.Reason
}

func (e *RemoteUnavailable) Unwrap() error { return e.Err }

// ErrGraphCycle is returned by graph validation and surfaced as the
// driver's exit code 500.
var ErrGraphCycle = xerrors.New("cycles in build dependencies")
