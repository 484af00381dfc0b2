package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/arg"
	"github.com/octobuild/octobuild/internal/memstream"
	"github.com/octobuild/octobuild/internal/msvcfilter"
)

// msvcBoolFlags is the recognized subset of cl.exe boolean switches
// and the step they belong to. Anything not listed here (and not a
// recognized param or input/output below) causes CreateTasks to fail
// with a *octobuild.ParseError, falling the whole invocation back to
// a direct exec -- this is deliberate per spec §4.2, not a TODO.
var msvcBoolFlags = map[string]arg.Scope{
	"/nologo":       arg.Shared,
	"/c":            arg.Compiler,
	"/EHsc":         arg.Compiler,
	"/MD":           arg.Compiler,
	"/MDd":          arg.Compiler,
	"/MT":           arg.Compiler,
	"/MTd":          arg.Compiler,
	"/Zi":           arg.Compiler,
	"/Z7":           arg.Compiler,
	"/Od":           arg.Compiler,
	"/O1":           arg.Compiler,
	"/O2":           arg.Compiler,
	"/Ox":           arg.Compiler,
	"/GL":           arg.Compiler,
	"/GR":           arg.Compiler,
	"/GR-":          arg.Compiler,
	"/W0":           arg.Shared,
	"/W1":           arg.Shared,
	"/W2":           arg.Shared,
	"/W3":           arg.Shared,
	"/W4":           arg.Shared,
	"/WX":           arg.Shared,
	"/FC":           arg.Shared,
	"/showIncludes": arg.Preprocessor,
	"/fp:fast":      arg.Compiler,
	"/fp:precise":   arg.Compiler,
}

// msvcParamFlags is the recognized subset of flags that take a value,
// either concatenated ("/Dfoo=bar") or space-separated ("/D foo=bar").
var msvcParamFlags = map[string]arg.Scope{
	"/D": arg.Preprocessor,
	"/I": arg.Preprocessor,
	"/U": arg.Preprocessor,
	"/F": arg.Preprocessor, // /FI forced-include handled as /FI above
}

var sourceExts = map[string]bool{
	".c": true, ".cpp": true, ".cc": true, ".cxx": true,
}

// MSVC implements Toolchain for cl.exe.
type MSVC struct {
	// RunSecondCpp mirrors the distri-style "std.Clone()" knob:
	// whether Shared-scoped args also reach the preprocess step.
	RunSecondCpp bool
}

func (m *MSVC) CreateTasks(command octobuild.CommandInfo, rawArgs []string) ([]CompilationTask, error) {
	expanded, err := ExpandResponseFiles(rawArgs, TokenizeMSVC)
	if err != nil {
		return nil, err
	}

	var (
		parsed     []arg.Arg
		sourcePath string
		objectPath string
		markerPCH  string
		inputPCH   string
		outputPCH  string
		pchPath    string // /Fp value
	)
	nSources := 0

	for i := 0; i < len(expanded); i++ {
		a := expanded[i]
		switch {
		case a == "/c":
			parsed = append(parsed, arg.Flag{Scope: arg.Compiler, Name: a})
			continue
		case strings.HasPrefix(a, "/Fo"):
			objectPath = strings.TrimPrefix(a, "/Fo")
			continue
		case strings.HasPrefix(a, "/Fp"):
			pchPath = strings.TrimPrefix(a, "/Fp")
			continue
		case strings.HasPrefix(a, "/Yc"):
			markerPCH = strings.TrimPrefix(a, "/Yc")
			outputPCH = "" // resolved against /Fp once parsing finishes
			continue
		case strings.HasPrefix(a, "/Yu"):
			markerPCH = strings.TrimPrefix(a, "/Yu")
			inputPCH = "" // resolved against /Fp once parsing finishes
			continue
		case strings.HasPrefix(a, "/FI"):
			parsed = append(parsed, arg.Param{Scope: arg.Preprocessor, Name: "/FI", Value: strings.TrimPrefix(a, "/FI")})
			continue
		}

		if scope, ok := msvcBoolFlags[a]; ok {
			parsed = append(parsed, arg.Flag{Scope: scope, Name: a})
			continue
		}

		matchedParam := false
		for prefix, scope := range msvcParamFlags {
			if !strings.HasPrefix(a, prefix) {
				continue
			}
			value := strings.TrimPrefix(a, prefix)
			if value == "" {
				if i+1 >= len(expanded) {
					return nil, &octobuild.ParseError{Reason: "missing value for " + prefix}
				}
				i++
				value = expanded[i]
			}
			parsed = append(parsed, arg.Param{Scope: scope, Name: prefix, Value: value})
			matchedParam = true
			break
		}
		if matchedParam {
			continue
		}

		if strings.HasPrefix(a, "/") || strings.HasPrefix(a, "-") {
			return nil, &octobuild.ParseError{Reason: "unknown flag " + a}
		}

		// Bare token: a source file.
		ext := strings.ToLower(filepath.Ext(a))
		if !sourceExts[ext] {
			return nil, &octobuild.ParseError{Reason: "unrecognized input " + a}
		}
		nSources++
		sourcePath = a
	}

	if nSources == 0 {
		return nil, &octobuild.ParseError{Reason: "no source file"}
	}
	if nSources > 1 && objectPath != "" {
		return nil, &octobuild.ParseError{Reason: "multiple sources with an explicit /Fo"}
	}

	if markerPCH != "" && pchPath != "" {
		if strings.Contains(strings.Join(expanded, " "), "/Yc") {
			outputPCH = pchPath
		} else {
			inputPCH = pchPath
		}
	}

	if objectPath == "" {
		objectPath = strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath)) + ".obj"
	}
	parsed = append(parsed,
		arg.Input{Kind: arg.Source, Path: sourcePath},
		arg.Output{Kind: arg.Object, Path: objectPath},
	)
	if inputPCH != "" {
		parsed = append(parsed, arg.Input{Kind: arg.Precompiled, Path: inputPCH})
	}
	if outputPCH != "" {
		parsed = append(parsed, arg.Output{Kind: arg.OutputMarker, Path: outputPCH})
	}
	if markerPCH != "" {
		parsed = append(parsed, arg.Input{Kind: arg.Marker, Path: markerPCH})
	}

	if err := arg.Validate(parsed, false); err != nil {
		return nil, err
	}

	task := CompilationTask{
		Args: &CompilationArgs{
			Command:           command,
			Args:              parsed,
			MarkerPrecompiled: markerPCH,
			InputPrecompiled:  inputPCH,
			OutputPrecompiled: outputPCH,
		},
		Language:     "c++",
		InputSource:  sourcePath,
		OutputObject: objectPath,
	}
	return []CompilationTask{task}, nil
}

func (m *MSVC) RunPreprocess(ctx context.Context, task CompilationTask) (*memstream.MemStream, error) {
	args := []string{"/P", "/c", task.InputSource}
	for _, a := range task.Args.Args {
		if isInputOrOutput(a) {
			continue
		}
		if arg.Matches(a.ArgScope(), arg.Preprocessor, m.RunSecondCpp) {
			args = append(args, flagText(a))
		}
	}

	cmd := exec.CommandContext(ctx, task.Args.Command.Program, args...)
	cmd.Dir = task.Args.Command.Dir
	cmd.Env = task.Args.Command.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		status := exitStatus(err)
		return nil, &octobuild.PreprocessFailed{Output: octobuild.OutputInfo{
			Status: status, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(),
		}}
	}

	out := stdout.Bytes()
	if task.Args.InputPrecompiled != "" || task.Args.OutputPrecompiled != "" {
		f := &msvcfilter.Filter{
			Marker:      task.Args.MarkerPrecompiled,
			KeepHeaders: task.Args.OutputPrecompiled != "",
		}
		filtered, err := f.Run(out)
		if err != nil {
			return nil, err
		}
		out = filtered
	}

	ms := memstream.New()
	if _, err := ms.Write(out); err != nil {
		return nil, err
	}
	return ms, nil
}

func (m *MSVC) CreateCompileStep(task CompilationTask, preprocessed *memstream.MemStream) (CompileStep, error) {
	return CompileStep{
		Command:           task.Args.Command,
		Language:          task.Language,
		Preprocessed:      preprocessed,
		Args:              task.Args.Args,
		OutputObject:      task.OutputObject,
		MarkerPrecompiled: task.Args.MarkerPrecompiled,
		InputPrecompiled:  task.Args.InputPrecompiled,
		OutputPrecompiled: task.Args.OutputPrecompiled,
		RunSecondCpp:      m.RunSecondCpp,
	}, nil
}

func (m *MSVC) RunCompile(ctx context.Context, step CompileStep) (octobuild.OutputInfo, error) {
	// MSVC cannot read preprocessed input from a pipe; stage it in a
	// tempfile under the system temp directory instead.
	tmp, err := os.CreateTemp("", "octobuild-*.i")
	if err != nil {
		return octobuild.OutputInfo{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, step.Preprocessed.Reader()); err != nil {
		tmp.Close()
		return octobuild.OutputInfo{}, err
	}
	if err := tmp.Close(); err != nil {
		return octobuild.OutputInfo{}, err
	}

	args := []string{"/c", tmp.Name(), "/Fo" + step.OutputObject}
	switch {
	case step.OutputPrecompiled != "":
		args = append(args, "/Yc"+step.MarkerPrecompiled, "/Fp"+step.OutputPrecompiled)
	case step.InputPrecompiled != "":
		args = append(args, "/Yu"+step.MarkerPrecompiled, "/Fp"+step.InputPrecompiled)
	}
	for _, a := range step.Args {
		if isInputOrOutput(a) {
			continue
		}
		if arg.Matches(a.ArgScope(), arg.Compiler, step.RunSecondCpp) {
			args = append(args, flagText(a))
		}
	}
	if step.OutputPrecompiled != "" {
		for _, a := range step.Args {
			if isInputOrOutput(a) {
				continue
			}
			if a.ArgScope() == arg.Preprocessor {
				args = append(args, flagText(a))
			}
		}
	}

	program := step.Command.Program
	if program == "" {
		program = "cl.exe"
	}
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = step.Command.Dir
	cmd.Env = step.Command.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	status := exitStatus(err)
	if err != nil && status == -1 {
		return octobuild.OutputInfo{}, err
	}

	stdoutBytes := stdout.Bytes()
	if status == 0 {
		stdoutBytes = postProcessMSVCStdout(stdoutBytes, tmp.Name())
	}
	return octobuild.OutputInfo{Status: status, Stdout: stdoutBytes, Stderr: stderr.Bytes()}, nil
}

func (m *MSVC) Identifier() (string, error) {
	cmd := exec.Command("cl.exe")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// cl.exe with no args prints its banner to stderr and exits
	// non-zero; any other failure means it could not be run at all.
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", err
		}
	}
	h := sha256.Sum256(stderr.Bytes())
	return "msvc-" + hex.EncodeToString(h[:8]), nil
}

// postProcessMSVCStdout strips the input-tempfile banner line MSVC
// emits (it names the temp .i file, which is meaningless to the
// user) and collapses duplicated "warning C4628" noise that MSVC
// emits once per translation unit when compiling from a tempfile.
func postProcessMSVCStdout(out []byte, tmpName string) []byte {
	base := filepath.Base(tmpName)
	var kept [][]byte
	seenC4628 := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.Contains(line, []byte(base)) && !bytes.Contains(line, []byte("error")) && !bytes.Contains(line, []byte("warning")) {
			continue
		}
		if bytes.Contains(line, []byte("warning C4628")) {
			if seenC4628 {
				continue
			}
			seenC4628 = true
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		kept = append(kept, cp)
	}
	return bytes.Join(kept, []byte("\n"))
}

// isInputOrOutput reports whether a is the source/object/PCH file
// that the caller already places on the command line explicitly --
// these carry Shared scope for bookkeeping purposes only and must not
// also be re-emitted by the generic flag-forwarding loops.
func isInputOrOutput(a arg.Arg) bool {
	switch a.(type) {
	case arg.Input, arg.Output:
		return true
	default:
		return false
	}
}

func flagText(a arg.Arg) string {
	switch v := a.(type) {
	case arg.Flag:
		return v.Name
	case arg.Param:
		return v.Name + v.Value
	case arg.Input:
		return v.Path
	case arg.Output:
		return v.Path
	default:
		return ""
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
