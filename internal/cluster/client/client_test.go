package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/octobuild/octobuild"
	"github.com/octobuild/octobuild/internal/cluster/coordinator"
	"github.com/octobuild/octobuild/internal/cluster/wire"
	"github.com/octobuild/octobuild/internal/memstream"
	"github.com/octobuild/octobuild/internal/toolchain"
)

// fakeBuilderServer serves the two builder endpoints a Client talks
// to, recording how many times each is hit so tests can assert on the
// upload-dedup behavior.
type fakeBuilderServer struct {
	uploadPosts int
	uploadHeads int
	taskPosts   int
}

func (f *fakeBuilderServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/v1/builder/upload/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			f.uploadHeads++
			if f.uploadPosts > 0 {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodPost:
			f.uploadPosts++
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/rpc/v1/builder/task", func(w http.ResponseWriter, r *http.Request) {
		f.taskPosts++
		req, err := wire.ReadCompileRequest(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wire.WriteCompileResponse(w, wire.CompileResponse{
			Status: 0,
			Object: []byte("remote-object:" + req.ToolchainID),
			Stdout: []byte("remote ok\n"),
		})
	})
	return mux
}

func TestClientDispatchesToAdvertisedBuilder(t *testing.T) {
	fb := &fakeBuilderServer{}
	builderSrv := httptest.NewServer(fb.mux())
	defer builderSrv.Close()

	coord := coordinator.New()
	coordSrv := httptest.NewServer(coord.NewServeMux())
	defer coordSrv.Close()

	coord.Update("guid-1", wire.BuilderInfo{Endpoint: builderSrv.URL, Toolchains: []string{"msvc-abc"}}, time.Now())

	c := New(coordSrv.URL)

	ms := memstream.New()
	ms.Write([]byte("int main(){}"))
	dir := t.TempDir()
	step := toolchain.CompileStep{Preprocessed: ms, OutputObject: dir + "/out.obj"}

	out, err := c.Compile(context.Background(), "msvc-abc", step)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if out.Status != 0 {
		t.Fatalf("Status = %d, want 0", out.Status)
	}
	if fb.taskPosts != 1 {
		t.Fatalf("taskPosts = %d, want 1", fb.taskPosts)
	}

	data, err := readFileBytes(step.OutputObject)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "remote-object:msvc-abc" {
		t.Fatalf("written object = %q", data)
	}
}

func TestClientReturnsRemoteUnavailableWhenNoBuilderMatches(t *testing.T) {
	coord := coordinator.New()
	coordSrv := httptest.NewServer(coord.NewServeMux())
	defer coordSrv.Close()

	c := New(coordSrv.URL)
	ms := memstream.New()
	ms.Write([]byte("int main(){}"))

	_, err := c.Compile(context.Background(), "msvc-abc", toolchain.CompileStep{Preprocessed: ms})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, ok := err.(*octobuild.RemoteUnavailable); !ok {
		t.Fatalf("error type = %T, want *octobuild.RemoteUnavailable", err)
	}
}

func TestEnsurePrecompiledUploadedSkipsWhenBuilderAlreadyHasIt(t *testing.T) {
	fb := &fakeBuilderServer{uploadPosts: 1} // simulate: builder already holds it
	builderSrv := httptest.NewServer(fb.mux())
	defer builderSrv.Close()

	c := New("unused")
	path := t.TempDir() + "/header.pch"
	if err := writeFile(path, []byte("pch bytes")); err != nil {
		t.Fatal(err)
	}

	if _, err := c.ensurePrecompiledUploaded(context.Background(), builderSrv.URL, path); err != nil {
		t.Fatal(err)
	}
	if fb.uploadPosts != 1 {
		t.Fatalf("uploadPosts = %d, want still 1 (dedup via HEAD)", fb.uploadPosts)
	}
	if fb.uploadHeads != 1 {
		t.Fatalf("uploadHeads = %d, want 1", fb.uploadHeads)
	}
}

func TestEnsurePrecompiledUploadedPostsWhenMissing(t *testing.T) {
	fb := &fakeBuilderServer{}
	builderSrv := httptest.NewServer(fb.mux())
	defer builderSrv.Close()

	c := New("unused")
	path := t.TempDir() + "/header.pch"
	if err := writeFile(path, []byte("pch bytes")); err != nil {
		t.Fatal(err)
	}

	if _, err := c.ensurePrecompiledUploaded(context.Background(), builderSrv.URL, path); err != nil {
		t.Fatal(err)
	}
	if fb.uploadPosts != 1 {
		t.Fatalf("uploadPosts = %d, want 1", fb.uploadPosts)
	}
}
