package client

import (
	"io"
	"os"
	"path/filepath"

	"github.com/octobuild/octobuild/internal/arg"
	"github.com/octobuild/octobuild/internal/memstream"
	"github.com/octobuild/octobuild/internal/toolchain"
)

func readAll(m *memstream.MemStream) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return io.ReadAll(m.Reader())
}

func readFileBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// stepArgsText renders a CompileStep's Compiler/Shared-scoped flags
// (those that determine the compiled output) as plain strings for
// the wire request; inputs/outputs are excluded since the builder
// names its own tempfiles and streams the object back explicitly.
func stepArgsText(step toolchain.CompileStep) []string {
	var out []string
	for _, a := range step.Args {
		switch v := a.(type) {
		case arg.Flag:
			if v.Scope == arg.Compiler || v.Scope == arg.Shared {
				out = append(out, v.Name)
			}
		case arg.Param:
			if v.Scope == arg.Compiler || v.Scope == arg.Shared {
				out = append(out, v.Name+v.Value)
			}
		}
	}
	return out
}
