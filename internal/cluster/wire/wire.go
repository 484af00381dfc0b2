// Package wire implements the length-prefixed binary encoding of §6
// for the cluster HTTP endpoints: BuilderInfo/BuilderInfoUpdate
// exchanged between a builder and the coordinator, and the
// CompileRequest/CompileResponse exchanged between a client and a
// builder. Framing follows internal/squashfs's hand-rolled
// encoding/binary style rather than a schema compiler: the wire
// surface here is small, stable, and entirely internal to this
// module, so protobuf/gRPC would add a toolchain dependency for no
// benefit over a few dozen lines of Read/Write helpers.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// BuilderInfo describes one builder machine as advertised to clients
// via the coordinator's builder list.
type BuilderInfo struct {
	Name       string
	Endpoint   string
	Toolchains []string
	Version    string
}

// BuilderInfoUpdate is POSTed by a builder to the coordinator on its
// heartbeat interval. Guid is stable for the lifetime of the builder
// process and is how the coordinator dedups repeated advertisements
// from the same builder (a builder may rebind to a different
// endpoint across restarts without the coordinator retaining a stale
// entry under the old one).
type BuilderInfoUpdate struct {
	Guid      string
	Info      BuilderInfo
	ExpiresAt time.Time
}

func WriteBuilderInfo(w io.Writer, info BuilderInfo) error {
	if err := writeString(w, info.Name); err != nil {
		return err
	}
	if err := writeString(w, info.Endpoint); err != nil {
		return err
	}
	if err := writeStringSlice(w, info.Toolchains); err != nil {
		return err
	}
	return writeString(w, info.Version)
}

func ReadBuilderInfo(r io.Reader) (BuilderInfo, error) {
	var info BuilderInfo
	var err error
	if info.Name, err = readString(r); err != nil {
		return info, xerrors.Errorf("reading name: %w", err)
	}
	if info.Endpoint, err = readString(r); err != nil {
		return info, xerrors.Errorf("reading endpoint: %w", err)
	}
	if info.Toolchains, err = readStringSlice(r); err != nil {
		return info, xerrors.Errorf("reading toolchains: %w", err)
	}
	if info.Version, err = readString(r); err != nil {
		return info, xerrors.Errorf("reading version: %w", err)
	}
	return info, nil
}

// WriteBuilderInfoList encodes the builder fleet returned by a
// coordinator's builder-list endpoint.
func WriteBuilderInfoList(w io.Writer, infos []BuilderInfo) error {
	if err := writeInt64(w, int64(len(infos))); err != nil {
		return err
	}
	for _, info := range infos {
		if err := WriteBuilderInfo(w, info); err != nil {
			return err
		}
	}
	return nil
}

func ReadBuilderInfoList(r io.Reader) ([]BuilderInfo, error) {
	n, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxBlobSize {
		return nil, xerrors.Errorf("implausible builder count %d", n)
	}
	out := make([]BuilderInfo, 0, n)
	for i := int64(0); i < n; i++ {
		info, err := ReadBuilderInfo(r)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func WriteBuilderInfoUpdate(w io.Writer, u BuilderInfoUpdate) error {
	if err := writeString(w, u.Guid); err != nil {
		return err
	}
	if err := WriteBuilderInfo(w, u.Info); err != nil {
		return err
	}
	return writeInt64(w, u.ExpiresAt.UnixNano())
}

func ReadBuilderInfoUpdate(r io.Reader) (BuilderInfoUpdate, error) {
	var u BuilderInfoUpdate
	var err error
	if u.Guid, err = readString(r); err != nil {
		return u, xerrors.Errorf("reading guid: %w", err)
	}
	info, err := ReadBuilderInfo(r)
	if err != nil {
		return u, err
	}
	u.Info = info
	nanos, err := readInt64(r)
	if err != nil {
		return u, xerrors.Errorf("reading expires_at: %w", err)
	}
	u.ExpiresAt = time.Unix(0, nanos).UTC()
	return u, nil
}

// CompileRequest is sent by a client to a builder to run one compile
// step against a toolchain already known to that builder.
type CompileRequest struct {
	ToolchainID    string
	Args           []string
	Preprocessed   []byte
	PrecompiledKey string // content hash of an already-uploaded PCH, "" if none
}

func WriteCompileRequest(w io.Writer, req CompileRequest) error {
	if err := writeString(w, req.ToolchainID); err != nil {
		return err
	}
	if err := writeStringSlice(w, req.Args); err != nil {
		return err
	}
	if err := writeCompressedBytes(w, req.Preprocessed); err != nil {
		return err
	}
	return writeString(w, req.PrecompiledKey)
}

func ReadCompileRequest(r io.Reader) (CompileRequest, error) {
	var req CompileRequest
	var err error
	if req.ToolchainID, err = readString(r); err != nil {
		return req, xerrors.Errorf("reading toolchain id: %w", err)
	}
	if req.Args, err = readStringSlice(r); err != nil {
		return req, xerrors.Errorf("reading args: %w", err)
	}
	if req.Preprocessed, err = readCompressedBytes(r); err != nil {
		return req, xerrors.Errorf("reading preprocessed bytes: %w", err)
	}
	if req.PrecompiledKey, err = readString(r); err != nil {
		return req, xerrors.Errorf("reading precompiled key: %w", err)
	}
	return req, nil
}

// CompileResponse is the builder's reply to a CompileRequest.
type CompileResponse struct {
	Status int32
	Object []byte
	Stdout []byte
	Stderr []byte
}

func WriteCompileResponse(w io.Writer, resp CompileResponse) error {
	if err := writeInt64(w, int64(resp.Status)); err != nil {
		return err
	}
	if err := writeCompressedBytes(w, resp.Object); err != nil {
		return err
	}
	if err := writeBytes(w, resp.Stdout); err != nil {
		return err
	}
	return writeBytes(w, resp.Stderr)
}

func ReadCompileResponse(r io.Reader) (CompileResponse, error) {
	var resp CompileResponse
	status, err := readInt64(r)
	if err != nil {
		return resp, xerrors.Errorf("reading status: %w", err)
	}
	resp.Status = int32(status)
	if resp.Object, err = readCompressedBytes(r); err != nil {
		return resp, xerrors.Errorf("reading object: %w", err)
	}
	if resp.Stdout, err = readBytes(r); err != nil {
		return resp, xerrors.Errorf("reading stdout: %w", err)
	}
	if resp.Stderr, err = readBytes(r); err != nil {
		return resp, xerrors.Errorf("reading stderr: %w", err)
	}
	return resp, nil
}

const maxBlobSize = 1 << 30

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeInt64(w, int64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxBlobSize {
		return nil, xerrors.Errorf("implausible length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeCompressedBytes frames b as a parallel-gzip stream behind the
// same length-prefix convention as writeBytes, trading a little CPU
// for less bytes-on-the-wire on the two blobs that dominate cluster
// RPC size: preprocessed source and the compiled object.
func writeCompressedBytes(w io.Writer, b []byte) error {
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return writeBytes(w, buf.Bytes())
}

func readCompressedBytes(r io.Reader) ([]byte, error) {
	compressed, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	zr, err := pgzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, xerrors.Errorf("opening compressed stream: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxBlobSize))
	if err != nil {
		return nil, xerrors.Errorf("decompressing: %w", err)
	}
	return out, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeStringSlice(w io.Writer, ss []string) error {
	if err := writeInt64(w, int64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStringSlice(r io.Reader) ([]string, error) {
	n, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxBlobSize {
		return nil, xerrors.Errorf("implausible slice length %d", n)
	}
	out := make([]string, 0, n)
	for i := int64(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
