// Package driver runs one compiler invocation end to end: select a
// toolchain adapter for the program name, parse it into tasks,
// preprocess, build a CompileStep, and hand it to a
// compiler.SharedState (cache, optional cluster dispatch, local
// fallback). A ParseError from CreateTasks falls back to a plain exec
// of the original argv, per §4.2/§7.
//
// This is the single place octo_cl, octo_clang and xgConsole all go
// through, mirroring how distri's cmdbuild is the one place
// internal/build gets invoked from regardless of which verb the user
// typed.
package driver

import (
	"context"
	"os/exec"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/compiler"
	"github.com/octobuild/octobuild/internal/toolchain"
)

// Run executes one compiler invocation described by command+args,
// using tc to parse/preprocess/compile and shared for caching and
// remote dispatch. toolchainID should be a stable identifier for tc
// (see toolchain.Toolchain.Identifier); it is cached by the caller
// since probing the compiler version is comparatively expensive.
func Run(ctx context.Context, tc toolchain.Toolchain, toolchainID string, shared *compiler.SharedState, command octobuild.CommandInfo, args []string) (octobuild.OutputInfo, error) {
	tasks, err := tc.CreateTasks(command, args)
	if err != nil {
		return runDirect(ctx, command, args)
	}
	if len(tasks) == 0 {
		return runDirect(ctx, command, args)
	}

	var last octobuild.OutputInfo
	for _, task := range tasks {
		preprocessed, err := tc.RunPreprocess(ctx, task)
		if err != nil {
			if pf, ok := err.(*octobuild.PreprocessFailed); ok {
				return pf.Output, err
			}
			return octobuild.OutputInfo{}, err
		}

		step, err := tc.CreateCompileStep(task, preprocessed)
		if err != nil {
			return octobuild.OutputInfo{}, err
		}

		out, err := shared.Compile(ctx, tc, toolchainID, step)
		if err != nil {
			return out, err
		}
		last = out
		if !out.Success() {
			return out, nil
		}
	}
	return last, nil
}

// runDirect execs the original argv unmodified, for invocations the
// adapter does not recognize (§4.2/§7: ParseError falls back here).
func runDirect(ctx context.Context, command octobuild.CommandInfo, args []string) (octobuild.OutputInfo, error) {
	cmd := exec.CommandContext(ctx, command.Program, args...)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	stdout, err := cmd.Output()
	status := 0
	var stderr []byte
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
			stderr = exitErr.Stderr
		} else {
			return octobuild.OutputInfo{}, err
		}
	}
	return octobuild.OutputInfo{Status: status, Stdout: stdout, Stderr: stderr}, nil
}

// SelectToolchain picks an adapter by matching the compiler program's
// base name, per §4.8: "cl.exe"-like names get MSVC, "clang"-like
// names get Clang. Returns nil if nothing matches, signaling the
// caller should exec the compiler directly instead.
func SelectToolchain(program string) toolchain.Toolchain {
	switch toolchainKind(program) {
	case kindMSVC:
		return &toolchain.MSVC{}
	case kindClang:
		return &toolchain.Clang{}
	default:
		return nil
	}
}

type kind int

const (
	kindUnknown kind = iota
	kindMSVC
	kindClang
)

func toolchainKind(program string) kind {
	base := baseName(program)
	switch {
	case matchesAny(base, "cl.exe", "cl"):
		return kindMSVC
	case matchesAny(base, "clang++", "clang", "clang-cl"):
		return kindClang
	default:
		return kindUnknown
	}
}

func baseName(program string) string {
	for i := len(program) - 1; i >= 0; i-- {
		if program[i] == '/' || program[i] == '\\' {
			return program[i+1:]
		}
	}
	return program
}

func matchesAny(s string, candidates ...string) bool {
	lower := toLower(s)
	for _, c := range candidates {
		if lower == c {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
