// Package builder implements the §4.7 builder fleet member: an HTTP
// server exposing per-hash PCH upload endpoints and a compile-task
// endpoint, plus a heartbeat loop that keeps its advertisement fresh
// on the coordinator. Upload handling follows cmd/distri's
// atomic-rename-after-verify pattern (adapted here from a local
// package-store write to an HTTP upload), and per-hash locking
// mirrors nocc's per-session throttling philosophy applied to the
// upload path instead of the compile path.
package builder

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cluster/wire"
	"github.com/octobuild/octobuild/internal/compiler"
	"github.com/octobuild/octobuild/internal/toolchain"
)

// Builder serves compile requests dispatched by cluster clients.
type Builder struct {
	Guid           string // stable for the process lifetime; identifies this builder to the coordinator across rebinds
	Name           string
	Endpoint       string
	CoordinatorURL string
	Toolchains     map[string]toolchain.Toolchain // keyed by Identifier()
	Shared         *compiler.SharedState
	PCHDir         string

	mu       sync.Mutex
	pchLocks map[string]*sync.Mutex
}

func New(endpoint, coordinatorURL, pchDir string, toolchains map[string]toolchain.Toolchain, shared *compiler.SharedState) *Builder {
	return &Builder{
		Guid:           newGuid(),
		Name:           hostname(),
		Endpoint:       endpoint,
		CoordinatorURL: coordinatorURL,
		Toolchains:     toolchains,
		Shared:         shared,
		PCHDir:         pchDir,
		pchLocks:       make(map[string]*sync.Mutex),
	}
}

func newGuid() string {
	var b [16]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func (b *Builder) lockFor(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.pchLocks[key]
	if !ok {
		l = &sync.Mutex{}
		b.pchLocks[key] = l
	}
	return l
}

func (b *Builder) pchPath(key string) (string, error) {
	if strings.ContainsAny(key, "/\\.") || key == "" {
		return "", &octobuild.ParseError{Reason: "invalid upload key " + key}
	}
	return filepath.Join(b.PCHDir, key+".pch"), nil
}

func errHandlerFunc(h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			log.Printf("HTTP serving error: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// NewServeMux wires the builder's two HTTP endpoints.
func (b *Builder) NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/rpc/v1/builder/upload/", errHandlerFunc(b.handleUpload))
	mux.Handle("/rpc/v1/builder/task", errHandlerFunc(b.handleTask))
	return mux
}

func (b *Builder) handleUpload(w http.ResponseWriter, r *http.Request) error {
	key := strings.TrimPrefix(r.URL.Path, "/rpc/v1/builder/upload/")
	path, err := b.pchPath(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	lock := b.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	switch r.Method {
	case http.MethodHead:
		if _, err := os.Stat(path); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return nil
		}
		w.WriteHeader(http.StatusOK)
		return nil
	case http.MethodPost:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != key {
			http.Error(w, "content hash does not match upload key", http.StatusBadRequest)
			return nil
		}
		if err := os.MkdirAll(b.PCHDir, 0o755); err != nil {
			return err
		}
		f, err := renameio.TempFile("", path)
		if err != nil {
			return err
		}
		defer f.Cleanup()
		if _, err := f.Write(data); err != nil {
			return err
		}
		if err := f.CloseAtomicallyReplace(); err != nil {
			return err
		}
		w.WriteHeader(http.StatusCreated)
		return nil
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
}

func (b *Builder) handleTask(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	req, err := wire.ReadCompileRequest(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	tc, ok := b.Toolchains[req.ToolchainID]
	if !ok {
		http.Error(w, "unknown toolchain "+req.ToolchainID, http.StatusBadRequest)
		return nil
	}

	objectFile, err := os.CreateTemp("", "octobuild-remote-*.o")
	if err != nil {
		return err
	}
	objectPath := objectFile.Name()
	objectFile.Close()
	defer os.Remove(objectPath)

	step := toolchain.CompileStep{
		Preprocessed: newPreprocessedStream(req.Preprocessed),
		Args:         argsFromWire(req.Args),
		OutputObject: objectPath,
	}
	if req.PrecompiledKey != "" {
		path, err := b.pchPath(req.PrecompiledKey)
		if err != nil {
			return err
		}
		step.InputPrecompiled = path
	}

	out, err := b.Shared.Compile(r.Context(), tc, req.ToolchainID, step)
	if err != nil {
		return err
	}

	objectBytes, _ := os.ReadFile(objectPath)
	return wire.WriteCompileResponse(w, wire.CompileResponse{
		Status: int32(out.Status),
		Object: objectBytes,
		Stdout: out.Stdout,
		Stderr: out.Stderr,
	})
}

// RunHeartbeat posts a BuilderInfoUpdate to the coordinator every
// second until ctx is cancelled, per §9(b)'s fixed 1s interval.
func (b *Builder) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.heartbeatOnce(ctx); err != nil {
				log.Printf("heartbeat to %s failed: %v", b.CoordinatorURL, err)
			}
		}
	}
}

func (b *Builder) heartbeatOnce(ctx context.Context) error {
	toolchainIDs := make([]string, 0, len(b.Toolchains))
	for id := range b.Toolchains {
		toolchainIDs = append(toolchainIDs, id)
	}
	var body bytes.Buffer
	update := wire.BuilderInfoUpdate{
		Guid:      b.Guid,
		Info:      wire.BuilderInfo{Name: b.Name, Endpoint: b.Endpoint, Toolchains: toolchainIDs, Version: octobuild.Version},
		ExpiresAt: time.Now().Add(5 * time.Second),
	}
	if err := wire.WriteBuilderInfoUpdate(&body, update); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.CoordinatorURL+"/rpc/v1/builder/update", &body)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
