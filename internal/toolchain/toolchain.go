// Package toolchain defines the compiler-adapter contract of spec
// §4.8 and the shared task/step types of §3 that every adapter
// (MSVC and Clang) operates on.
package toolchain

import (
	"context"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/arg"
	"github.com/octobuild/octobuild/internal/memstream"
)

// CompilationArgs is the immutable, reference-shared argument set for
// one compiler invocation; multiple CompilationTasks from a
// multi-source invocation share one CompilationArgs by reference.
type CompilationArgs struct {
	Command           octobuild.CommandInfo
	Args              []arg.Arg
	MarkerPrecompiled string // the /Yc or /Yu header path, "" if unused
	InputPrecompiled  string // path to a consumed .pch, "" if unused
	OutputPrecompiled string // path to a generated .pch, "" if unused
}

// CompilationTask is one source file of a (possibly multi-source)
// invocation.
type CompilationTask struct {
	Args         *CompilationArgs
	Language     string
	InputSource  string
	OutputObject string

	// depFile is Clang-specific: the -MF dependency-file path, if any.
	depFile string
}

// CompileStep is the post-preprocess artifact handed to a compile
// backend (local or remote).
type CompileStep struct {
	Command           octobuild.CommandInfo
	Language          string
	Preprocessed      *memstream.MemStream
	Args              []arg.Arg
	OutputObject      string // "" if this step does not produce an object
	MarkerPrecompiled string
	InputPrecompiled  string
	OutputPrecompiled string
	RunSecondCpp      bool

	// depFile is Clang-specific: the -MF dependency-file path, if any.
	depFile string
}

// Toolchain is the capability set every compiler adapter implements.
// Remote dispatch is not a Toolchain: compiler.SharedState sends the
// compile step to its RemoteBackend and falls back to the local
// adapter's RunCompile; every other method always runs locally.
type Toolchain interface {
	// CreateTasks parses command+args into zero or more
	// CompilationTasks. Zero tasks means "unsupported invocation,
	// fall back to a plain exec".
	CreateTasks(command octobuild.CommandInfo, args []string) ([]CompilationTask, error)

	// RunPreprocess invokes the compiler with only Preprocessor-scoped
	// flags (plus Shared-scoped ones when RunSecondCpp is set) and
	// captures stdout.
	RunPreprocess(ctx context.Context, task CompilationTask) (*memstream.MemStream, error)

	// CreateCompileStep builds the CompileStep for the compile
	// backend from a task and its preprocessed output.
	CreateCompileStep(task CompilationTask, preprocessed *memstream.MemStream) (CompileStep, error)

	// RunCompile invokes the compiler with Compiler/Shared-scoped
	// flags (and Preprocessor flags too when emitting a PCH).
	RunCompile(ctx context.Context, step CompileStep) (octobuild.OutputInfo, error)

	// Identifier returns a string stable across processes, derived
	// from a hash of the compiler's version banner. It returns an error
	// when the compiler cannot be run.
	Identifier() (string, error)
}

// Scope is re-exported for adapter convenience.
type Scope = arg.Scope

const (
	Preprocessor = arg.Preprocessor
	Compiler     = arg.Compiler
	Shared       = arg.Shared
	Ignore       = arg.Ignore
)
