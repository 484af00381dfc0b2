package builder

import (
	"github.com/octobuild/octobuild/internal/arg"
	"github.com/octobuild/octobuild/internal/memstream"
)

// newPreprocessedStream wraps raw preprocessed bytes received over
// the wire back into the MemStream shape RunCompile expects, so the
// builder's compile path is identical whether the step originated
// locally or from a remote request.
func newPreprocessedStream(data []byte) *memstream.MemStream {
	m := memstream.New()
	m.Write(data)
	return m
}

// argsFromWire rebuilds the Compiler-scoped flag list a CompileRequest
// carried as plain strings (see client.stepArgsText, which flattens
// Flag/Param alike into one string per argument). The Flag/Param
// distinction does not survive the wire, which is fine here: a
// builder only ever calls RunCompile, and arg.Matches treats every
// Compiler-scoped Flag and Param identically for that step.
func argsFromWire(texts []string) []arg.Arg {
	out := make([]arg.Arg, 0, len(texts))
	for _, t := range texts {
		out = append(out, arg.Flag{Scope: arg.Compiler, Name: t})
	}
	return out
}
