// Package cache implements the content-addressed on-disk cache of
// §4.4: an LZ4-framed archive per cache key, stored under a two-level
// hex-fanout directory layout and evicted LRU-by-mtime once the
// configured size limit is exceeded.
//
// The archive frame format is hand-rolled with encoding/binary,
// following the style of internal/squashfs's superblock/inode framing
// rather than a schema-driven codec: a fixed magic header, a file
// count, one (size, bytes) pair per output file, then
// length-prefixed stdout/stderr blobs, and a trailing magic footer
// that lets Lookup sanity-check a read before trusting it.
package cache

import (
	"bufio"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

const (
	frameMagicHeader uint32 = 0x4f435442 // "OCTB"
	frameMagicFooter uint32 = 0x42544359 // "BTCY" (differs from the header, a cheap asymmetry check)
)

// Entry is one cached compilation result: the output files it
// produced (in the order the caller asked for them) plus the captured
// stdout/stderr of the compiler invocation.
type Entry struct {
	Files  [][]byte
	Stdout []byte
	Stderr []byte
}

// WriteFrame serializes entry using the wire format described above.
func WriteFrame(w io.Writer, entry *Entry) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, frameMagicHeader); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(len(entry.Files))); err != nil {
		return err
	}
	for _, f := range entry.Files {
		if err := writeBlob(bw, f); err != nil {
			return err
		}
	}
	if err := writeBlob(bw, entry.Stdout); err != nil {
		return err
	}
	if err := writeBlob(bw, entry.Stderr); err != nil {
		return err
	}
	if err := writeU32(bw, frameMagicFooter); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFrame parses the wire format written by WriteFrame.
func ReadFrame(r io.Reader) (*Entry, error) {
	br := bufio.NewReader(r)

	header, err := readU32(br)
	if err != nil {
		return nil, xerrors.Errorf("reading frame header: %w", err)
	}
	if header != frameMagicHeader {
		return nil, xerrors.Errorf("bad frame header %#x", header)
	}

	count, err := readU32(br)
	if err != nil {
		return nil, xerrors.Errorf("reading file count: %w", err)
	}
	// A corrupt or truncated frame could otherwise claim an enormous
	// count and drive an unbounded number of allocations below.
	const maxFiles = 1 << 16
	if count > maxFiles {
		return nil, xerrors.Errorf("implausible file count %d", count)
	}

	entry := &Entry{Files: make([][]byte, 0, count)}
	for i := uint32(0); i < count; i++ {
		b, err := readBlob(br)
		if err != nil {
			return nil, xerrors.Errorf("reading file %d: %w", i, err)
		}
		entry.Files = append(entry.Files, b)
	}

	entry.Stdout, err = readBlob(br)
	if err != nil {
		return nil, xerrors.Errorf("reading stdout: %w", err)
	}
	entry.Stderr, err = readBlob(br)
	if err != nil {
		return nil, xerrors.Errorf("reading stderr: %w", err)
	}

	footer, err := readU32(br)
	if err != nil {
		return nil, xerrors.Errorf("reading frame footer: %w", err)
	}
	if footer != frameMagicFooter {
		return nil, xerrors.Errorf("bad frame footer %#x", footer)
	}
	return entry, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeBlob(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

const maxBlobSize = 1 << 30 // 1 GiB; guards against a corrupt length prefix

func readBlob(r io.Reader) ([]byte, error) {
	size, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if size > maxBlobSize {
		return nil, xerrors.Errorf("implausible blob size %d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
