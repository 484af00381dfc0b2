package memstream

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	m := New()
	data := bytes.Repeat([]byte("x"), BlockSize+137)
	n, err := m.Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("Write() = %d, %v, want %d, nil", n, err, len(data))
	}
	if m.Len() != int64(len(data)) {
		t.Fatalf("Len() = %d, want %d", m.Len(), len(data))
	}
	if len(m.Blocks()) != 2 {
		t.Fatalf("len(Blocks()) = %d, want 2", len(m.Blocks()))
	}

	got, err := io.ReadAll(m.Reader())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestHashIntoStableUnderChunking(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 50000)

	var oneShot MemStream
	oneShot.Write(data)

	var piecewise MemStream
	for _, chunk := range bytes.SplitAfter(data, []byte("abc")) {
		piecewise.Write(chunk)
	}

	h1, h2 := sha256.New(), sha256.New()
	if err := oneShot.HashInto(h1); err != nil {
		t.Fatal(err)
	}
	if err := piecewise.HashInto(h2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h1.Sum(nil), h2.Sum(nil)) {
		t.Fatal("HashInto depends on Write call pattern, want content-only")
	}
}
