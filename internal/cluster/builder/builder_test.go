package builder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cache"
	"github.com/octobuild/octobuild/internal/cluster/wire"
	"github.com/octobuild/octobuild/internal/compiler"
	"github.com/octobuild/octobuild/internal/memstream"
	"github.com/octobuild/octobuild/internal/toolchain"
)

type fakeToolchain struct{ calls int }

func (f *fakeToolchain) CreateTasks(octobuild.CommandInfo, []string) ([]toolchain.CompilationTask, error) {
	return nil, nil
}
func (f *fakeToolchain) RunPreprocess(context.Context, toolchain.CompilationTask) (*memstream.MemStream, error) {
	return nil, nil
}
func (f *fakeToolchain) CreateCompileStep(toolchain.CompilationTask, *memstream.MemStream) (toolchain.CompileStep, error) {
	return toolchain.CompileStep{}, nil
}
func (f *fakeToolchain) RunCompile(_ context.Context, step toolchain.CompileStep) (octobuild.OutputInfo, error) {
	f.calls++
	if err := os.WriteFile(step.OutputObject, []byte("built-object"), 0o644); err != nil {
		return octobuild.OutputInfo{}, err
	}
	return octobuild.OutputInfo{Status: 0, Stdout: []byte("ok\n")}, nil
}
func (f *fakeToolchain) Identifier() (string, error) { return "fake", nil }

func newTestBuilder(t *testing.T) (*Builder, *fakeToolchain) {
	t.Helper()
	dir := t.TempDir()
	stat := &octobuild.Statistic{}
	c, err := cache.New(filepath.Join(dir, "cache"), 0, stat)
	if err != nil {
		t.Fatal(err)
	}
	shared := compiler.NewSharedState(c, stat, 2)
	tc := &fakeToolchain{}
	b := New("http://builder", "http://coordinator", filepath.Join(dir, "pch"), map[string]toolchain.Toolchain{"fake-id": tc}, shared)
	return b, tc
}

func TestUploadHeadThenPostThenHead(t *testing.T) {
	b, _ := newTestBuilder(t)
	srv := httptest.NewServer(b.NewServeMux())
	defer srv.Close()

	data := []byte("precompiled header bytes")
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	url := srv.URL + "/rpc/v1/builder/upload/" + key

	headReq, _ := http.NewRequest(http.MethodHead, url, nil)
	resp, err := http.DefaultClient.Do(headReq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("HEAD before upload = %d, want 404", resp.StatusCode)
	}

	postResp, err := http.Post(url, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusCreated {
		t.Fatalf("POST upload = %d, want 201", postResp.StatusCode)
	}

	headReq2, _ := http.NewRequest(http.MethodHead, url, nil)
	resp2, err := http.DefaultClient.Do(headReq2)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("HEAD after upload = %d, want 200", resp2.StatusCode)
	}
}

func TestUploadRejectsMismatchedHash(t *testing.T) {
	b, _ := newTestBuilder(t)
	srv := httptest.NewServer(b.NewServeMux())
	defer srv.Close()

	url := srv.URL + "/rpc/v1/builder/upload/" + "deadbeef"
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader([]byte("not matching")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleTaskCompilesAndReturnsObject(t *testing.T) {
	b, tc := newTestBuilder(t)
	srv := httptest.NewServer(b.NewServeMux())
	defer srv.Close()

	var body bytes.Buffer
	if err := wire.WriteCompileRequest(&body, wire.CompileRequest{
		ToolchainID:  "fake-id",
		Args:         []string{"/EHsc"},
		Preprocessed: []byte("int main(){}"),
	}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(srv.URL+"/rpc/v1/builder/task", "application/octet-stream", &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	cresp, err := wire.ReadCompileResponse(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(cresp.Object) != "built-object" {
		t.Fatalf("Object = %q, want %q", cresp.Object, "built-object")
	}
	if tc.calls != 1 {
		t.Fatalf("calls = %d, want 1", tc.calls)
	}

	// A second, identical request should be served from the shared
	// cache without invoking the toolchain again.
	var body2 bytes.Buffer
	if err := wire.WriteCompileRequest(&body2, wire.CompileRequest{
		ToolchainID:  "fake-id",
		Args:         []string{"/EHsc"},
		Preprocessed: []byte("int main(){}"),
	}); err != nil {
		t.Fatal(err)
	}
	resp2, err := http.Post(srv.URL+"/rpc/v1/builder/task", "application/octet-stream", &body2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if _, err := wire.ReadCompileResponse(resp2.Body); err != nil {
		t.Fatal(err)
	}
	if tc.calls != 1 {
		t.Fatalf("calls after cached repeat = %d, want still 1", tc.calls)
	}
}

func TestHandleTaskRejectsUnknownToolchain(t *testing.T) {
	b, _ := newTestBuilder(t)
	srv := httptest.NewServer(b.NewServeMux())
	defer srv.Close()

	var body bytes.Buffer
	if err := wire.WriteCompileRequest(&body, wire.CompileRequest{ToolchainID: "nope"}); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/rpc/v1/builder/task", "application/octet-stream", &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
