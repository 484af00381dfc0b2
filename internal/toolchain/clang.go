package toolchain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/arg"
	"github.com/octobuild/octobuild/internal/memstream"
)

var clangBoolFlags = map[string]arg.Scope{
	"-c":       arg.Compiler,
	"-g":       arg.Compiler,
	"-O0":      arg.Compiler,
	"-O1":      arg.Compiler,
	"-O2":      arg.Compiler,
	"-O3":      arg.Compiler,
	"-Os":      arg.Compiler,
	"-fPIC":    arg.Compiler,
	"-fPIE":    arg.Compiler,
	"-pthread": arg.Shared,
	"-Wall":    arg.Shared,
	"-Wextra":  arg.Shared,
	"-Werror":  arg.Shared,
	"-MD":      arg.Preprocessor,
	"-MMD":     arg.Preprocessor,
	"-MP":      arg.Preprocessor,
}

var clangParamFlags = map[string]arg.Scope{
	"-D":       arg.Preprocessor,
	"-I":       arg.Preprocessor,
	"-U":       arg.Preprocessor,
	"-std=":    arg.Compiler,
	"-include": arg.Preprocessor,
	"-isystem": arg.Preprocessor,
}

var clangSourceExts = map[string]bool{
	".c": true, ".cpp": true, ".cc": true, ".cxx": true, ".m": true, ".mm": true,
}

// Clang implements Toolchain for clang/clang++.
type Clang struct {
	RunSecondCpp bool
}

func (c *Clang) CreateTasks(command octobuild.CommandInfo, rawArgs []string) ([]CompilationTask, error) {
	expanded, err := ExpandResponseFiles(rawArgs, TokenizeUnix)
	if err != nil {
		return nil, err
	}

	var (
		parsed     []arg.Arg
		sourcePath string
		objectPath string
		depFile    string
		markerPCH  string
		inputPCH   string
	)
	nSources := 0

	for i := 0; i < len(expanded); i++ {
		a := expanded[i]

		switch a {
		case "-o":
			if i+1 >= len(expanded) {
				return nil, &octobuild.ParseError{Reason: "missing value for -o"}
			}
			i++
			objectPath = expanded[i]
			continue
		case "-MF":
			if i+1 >= len(expanded) {
				return nil, &octobuild.ParseError{Reason: "missing value for -MF"}
			}
			i++
			depFile = expanded[i]
			continue
		case "-include-pch":
			if i+1 >= len(expanded) {
				return nil, &octobuild.ParseError{Reason: "missing value for -include-pch"}
			}
			i++
			inputPCH = expanded[i]
			continue
		}

		if scope, ok := clangBoolFlags[a]; ok {
			parsed = append(parsed, arg.Flag{Scope: scope, Name: a})
			continue
		}

		matchedParam := false
		for prefix, scope := range clangParamFlags {
			if !strings.HasPrefix(a, prefix) {
				continue
			}
			value := strings.TrimPrefix(a, prefix)
			if value == "" && !strings.HasSuffix(prefix, "=") {
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

		if strings.HasPrefix(a, "-") {
			return nil, &octobuild.ParseError{Reason: "unknown flag " + a}
		}

		ext := strings.ToLower(filepath.Ext(a))
		if !clangSourceExts[ext] {
			return nil, &octobuild.ParseError{Reason: "unrecognized input " + a}
		}
		nSources++
		sourcePath = a
		if inputPCH != "" {
			markerPCH = strings.TrimSuffix(filepath.Base(inputPCH), ".pch")
		}
	}

	if nSources == 0 {
		return nil, &octobuild.ParseError{Reason: "no source file"}
	}
	if nSources > 1 && objectPath != "" {
		return nil, &octobuild.ParseError{Reason: "multiple sources with an explicit -o"}
	}
	if objectPath == "" {
		objectPath = strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath)) + ".o"
	}

	parsed = append(parsed,
		arg.Input{Kind: arg.Source, Path: sourcePath},
		arg.Output{Kind: arg.Object, Path: objectPath},
	)
	if inputPCH != "" {
		parsed = append(parsed, arg.Input{Kind: arg.Precompiled, Path: inputPCH})
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
		},
		Language:     "c++",
		InputSource:  sourcePath,
		OutputObject: objectPath,
	}
	task.depFile = depFile
	return []CompilationTask{task}, nil
}

func (c *Clang) RunPreprocess(ctx context.Context, task CompilationTask) (*memstream.MemStream, error) {
	args := []string{"-E", task.InputSource}
	for _, a := range task.Args.Args {
		if isInputOrOutput(a) {
			continue
		}
		if arg.Matches(a.ArgScope(), arg.Preprocessor, c.RunSecondCpp) {
			args = append(args, clangFlagText(a)...)
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

	ms := memstream.New()
	if _, err := ms.Write(stdout.Bytes()); err != nil {
		return nil, err
	}
	return ms, nil
}

func (c *Clang) CreateCompileStep(task CompilationTask, preprocessed *memstream.MemStream) (CompileStep, error) {
	return CompileStep{
		Command:           task.Args.Command,
		Language:          task.Language,
		Preprocessed:      preprocessed,
		Args:              task.Args.Args,
		OutputObject:      task.OutputObject,
		MarkerPrecompiled: task.Args.MarkerPrecompiled,
		InputPrecompiled:  task.Args.InputPrecompiled,
		OutputPrecompiled: task.Args.OutputPrecompiled,
		RunSecondCpp:      c.RunSecondCpp,
		depFile:           task.depFile,
	}, nil
}

func (c *Clang) RunCompile(ctx context.Context, step CompileStep) (octobuild.OutputInfo, error) {
	args := []string{"-x", "c++-cpp-output", "-", "-c", "-o", step.OutputObject}
	if step.InputPrecompiled != "" {
		args = append(args, "-include-pch", step.InputPrecompiled)
	}
	if step.depFile != "" {
		args = append(args, "-MF", step.depFile)
	}
	for _, a := range step.Args {
		if isInputOrOutput(a) {
			continue
		}
		if arg.Matches(a.ArgScope(), arg.Compiler, step.RunSecondCpp) {
			args = append(args, clangFlagText(a)...)
		}
	}

	program := step.Command.Program
	if program == "" {
		program = "clang++"
	}
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = step.Command.Dir
	cmd.Env = step.Command.Env
	cmd.Stdin = step.Preprocessed.Reader()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	status := exitStatus(runErr)
	if runErr != nil && status == -1 {
		return octobuild.OutputInfo{}, runErr
	}

	if status == 0 && step.depFile != "" {
		if err := fixDependencyFile(step.depFile, step.OutputObject); err != nil {
			return octobuild.OutputInfo{}, err
		}
	}

	return octobuild.OutputInfo{Status: status, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func (c *Clang) Identifier() (string, error) {
	cmd := exec.Command("clang++", "--version")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	h := sha256.Sum256(stdout.Bytes())
	return "clang-" + hex.EncodeToString(h[:8]), nil
}

// fixDependencyFile rewrites a stray leading "-" target in a -MF
// dependency file (produced because the compile step reads the
// translation unit from stdin) to name the real object path instead.
func fixDependencyFile(depFile, objectPath string) error {
	content, err := os.ReadFile(depFile)
	if err != nil {
		return err
	}
	fixed := bytes.Replace(content, []byte("-:"), []byte(objectPath+":"), 1)
	if bytes.Equal(fixed, content) {
		return nil
	}
	return os.WriteFile(depFile, fixed, 0o644)
}

func clangFlagText(a arg.Arg) []string {
	switch v := a.(type) {
	case arg.Flag:
		return []string{v.Name}
	case arg.Param:
		if strings.HasSuffix(v.Name, "=") {
			return []string{v.Name + v.Value}
		}
		if v.Name == "-D" || v.Name == "-I" || v.Name == "-U" || v.Name == "-isystem" {
			return []string{v.Name + v.Value}
		}
		return []string{v.Name, v.Value}
	default:
		return nil
	}
}
