package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestBuilderInfoUpdateRoundTrip(t *testing.T) {
	want := BuilderInfoUpdate{
		Guid: "a1b2c3d4e5f6",
		Info: BuilderInfo{
			Name:       "builder-1",
			Endpoint:   "http://10.0.0.5:9000",
			Toolchains: []string{"msvc-abc123", "clang-def456"},
			Version:    "1.2.3",
		},
		ExpiresAt: time.Unix(1700000000, 0).UTC(),
	}

	var buf bytes.Buffer
	if err := WriteBuilderInfoUpdate(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBuilderInfoUpdate(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("BuilderInfoUpdate round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileRequestResponseRoundTrip(t *testing.T) {
	req := CompileRequest{
		ToolchainID:    "msvc-abc123",
		Args:           []string{"/EHsc", "/O2"},
		Preprocessed:   []byte("int main(){return 0;}"),
		PrecompiledKey: "",
	}
	var buf bytes.Buffer
	if err := WriteCompileRequest(&buf, req); err != nil {
		t.Fatal(err)
	}
	gotReq, err := ReadCompileRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req, gotReq, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("CompileRequest round trip mismatch (-want +got):\n%s", diff)
	}

	resp := CompileResponse{Status: 0, Object: []byte{0xde, 0xad, 0xbe, 0xef}, Stdout: []byte("ok\n")}
	buf.Reset()
	if err := WriteCompileResponse(&buf, resp); err != nil {
		t.Fatal(err)
	}
	gotResp, err := ReadCompileResponse(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(resp, gotResp, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("CompileResponse round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCompileRequestRejectsImplausibleLength(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, "msvc")
	writeInt64(&buf, 1<<40) // implausible arg count
	if _, err := ReadCompileRequest(&buf); err == nil {
		t.Fatal("ReadCompileRequest() = nil error, want rejection of implausible length")
	}
}
