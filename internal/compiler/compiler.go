// Package compiler is the dispatch façade of §4: given a CompileStep
// produced by a toolchain adapter, it computes a cache key, serves a
// cache hit directly, and otherwise runs the step (remotely if a
// cluster client is configured, falling back to local) under a
// bounded-concurrency throttle, then stores the result.
//
// The throttle is grounded on nocc's CompilerLauncher.serverCompilerThrottle:
// a capacity-N channel used purely as a counting semaphore around the
// (expensive, CPU-bound) compiler invocation, independent of whatever
// concurrency the task scheduler itself is running at.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/arg"
	"github.com/octobuild/octobuild/internal/cache"
	"github.com/octobuild/octobuild/internal/toolchain"
)

// RemoteBackend is implemented by a cluster client capable of
// dispatching a CompileStep to a builder. SharedState falls back to
// running the step locally when Compile returns a *octobuild.RemoteUnavailable.
type RemoteBackend interface {
	Compile(ctx context.Context, toolchainID string, step toolchain.CompileStep) (octobuild.OutputInfo, error)
}

// SharedState is the per-process state shared by every in-flight
// compilation: the file cache, running statistics, an optional remote
// backend, and the local-process throttle.
type SharedState struct {
	Cache  *cache.Cache
	Stat   *octobuild.Statistic
	Remote RemoteBackend

	throttle chan struct{}
}

// NewSharedState returns state that allows at most processLimit local
// compiler processes to run concurrently.
func NewSharedState(c *cache.Cache, stat *octobuild.Statistic, processLimit int) *SharedState {
	if processLimit < 1 {
		processLimit = 1
	}
	return &SharedState{
		Cache:    c,
		Stat:     stat,
		throttle: make(chan struct{}, processLimit),
	}
}

// Compile serves step from cache when possible, otherwise executes it
// (remotely then locally, or locally only if no Remote is configured)
// and stores the result for next time.
func (s *SharedState) Compile(ctx context.Context, tc toolchain.Toolchain, toolchainID string, step toolchain.CompileStep) (octobuild.OutputInfo, error) {
	key, err := cacheKey(toolchainID, step)
	if err != nil {
		return octobuild.OutputInfo{}, err
	}

	if s.Cache != nil {
		// A corrupt cache entry is treated the same as a miss; we
		// fall through and recompile, overwriting it below.
		if entry, ok, err := s.Cache.Lookup(key); err == nil && ok {
			if err := restoreObject(step.OutputObject, entry); err != nil {
				return octobuild.OutputInfo{}, err
			}
			return outputFromEntry(entry), nil
		}
	}

	out, err := s.runCompile(ctx, tc, toolchainID, step)
	if err != nil {
		return out, err
	}

	if s.Cache != nil && out.Success() {
		if entry, err := captureObject(step.OutputObject, out); err == nil {
			_ = s.Cache.Store(key, entry)
		}
	}
	return out, nil
}

func restoreObject(objectPath string, entry *cache.Entry) error {
	if objectPath == "" || len(entry.Files) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(objectPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(objectPath, entry.Files[0], 0o644)
}

func captureObject(objectPath string, out octobuild.OutputInfo) (*cache.Entry, error) {
	entry := &cache.Entry{Stdout: out.Stdout, Stderr: out.Stderr}
	if objectPath == "" {
		return entry, nil
	}
	data, err := os.ReadFile(objectPath)
	if err != nil {
		return nil, err
	}
	entry.Files = [][]byte{data}
	return entry, nil
}

func (s *SharedState) runCompile(ctx context.Context, tc toolchain.Toolchain, toolchainID string, step toolchain.CompileStep) (octobuild.OutputInfo, error) {
	if s.Remote != nil && step.OutputPrecompiled == "" {
		out, err := s.Remote.Compile(ctx, toolchainID, step)
		if err == nil {
			if s.Stat != nil {
				s.Stat.AddRemote()
			}
			return out, nil
		}
		if _, unavailable := err.(*octobuild.RemoteUnavailable); !unavailable {
			return out, err
		}
		// fall through to local compile
	}

	select {
	case s.throttle <- struct{}{}:
	case <-ctx.Done():
		return octobuild.OutputInfo{}, ctx.Err()
	}
	defer func() { <-s.throttle }()

	return tc.RunCompile(ctx, step)
}

func outputFromEntry(entry *cache.Entry) octobuild.OutputInfo {
	return octobuild.OutputInfo{Status: 0, Stdout: entry.Stdout, Stderr: entry.Stderr}
}

// cacheKey hashes the toolchain identity, the language tag, the
// argument list, a flag bit for PCH use plus the content hash of any
// consumed precompiled header, and the full preprocessed source --
// the inputs spec §4.2 step 3 names. This is nocc's MakeObjCacheKey
// inputs minus the client-specific include paths (octobuild has no
// multi-client path remapping, so there is nothing to normalize out),
// plus the PCH content hash nocc doesn't need because it never
// reorders which .pch a given marker path resolves to.
//
// The PCH content hash matters because msvcfilter.Filter strips the
// PCH prefix from the preprocessed stream in consume mode: without it,
// rebuilding a .pch with different content under the same marker and
// object paths would hash identically to the old one and serve a
// stale object as a false cache hit.
func cacheKey(toolchainID string, step toolchain.CompileStep) (string, error) {
	h := sha256.New()
	h.Write([]byte(toolchainID))
	h.Write([]byte("\x00lang:" + step.Language))
	for _, a := range step.Args {
		h.Write([]byte(argCacheText(a)))
	}
	if step.InputPrecompiled != "" {
		h.Write([]byte("\x00pch:1"))
		pchHash, err := hashFile(step.InputPrecompiled)
		if err != nil {
			return "", err
		}
		h.Write(pchHash)
	} else {
		h.Write([]byte("\x00pch:0"))
	}
	if step.Preprocessed != nil {
		if err := step.Preprocessed.HashInto(h); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// argCacheText renders an argument for cache-key hashing. Output
// paths are deliberately excluded: where the caller wants the object
// written has no bearing on what gets compiled, and including it
// would make the same translation unit miss the cache on every
// differently-named build directory (the same reasoning nocc applies
// by hashing only path.Base(cppInFile), not the full client path).
func argCacheText(a arg.Arg) string {
	switch v := a.(type) {
	case arg.Flag:
		return v.Name
	case arg.Param:
		return v.Name + "\x00" + v.Value
	case arg.Input:
		return "in:" + filepath.Base(v.Path)
	case arg.Output:
		return ""
	default:
		return ""
	}
}
