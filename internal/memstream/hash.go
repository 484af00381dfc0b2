package memstream

import (
	"encoding/binary"
	"hash"
)

// HashInto feeds every block into h, each one prefixed with its own
// little-endian uint64 length so that adjacent blocks cannot be
// confused with a single concatenated one. Because Write always fills
// a block to BlockSize before starting the next, the block boundaries
// -- and therefore the hash -- depend only on the total bytes written,
// not on the sequence of Write calls that produced them.
func (m *MemStream) HashInto(h hash.Hash) error {
	var lenBuf [8]byte
	for _, b := range m.blocks {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		if _, err := h.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := h.Write(b); err != nil {
			return err
		}
	}
	return nil
}
