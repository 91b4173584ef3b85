package bitset

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

const wordBits = 64

// BitSet is a fixed-size bitset backed by uint64 words.
//
// It is not safe for concurrent use; the allocators that own one serialize
// access behind their own mutex, which is required anyway to keep multi-bit
// operations (scatter rollback, contiguous probing) atomic with the
// allocation hint.
type BitSet struct {
	words []uint64
	size  uint32
}

// New creates a BitSet holding size bits, all clear.
func New(size uint32) *BitSet {
	return &BitSet{
		words: make([]uint64, (int(size)+wordBits-1)/wordBits),
		size:  size,
	}
}

// Len returns the number of bits.
func (b *BitSet) Len() uint32 { return b.size }

// Set sets bit i. Out-of-range indices are ignored.
func (b *BitSet) Set(i uint32) {
	if i >= b.size {
		return
	}
	b.words[i/wordBits] |= 1 << (i % wordBits)
}

// Clear clears bit i. Out-of-range indices are ignored.
func (b *BitSet) Clear(i uint32) {
	if i >= b.size {
		return
	}
	b.words[i/wordBits] &^= 1 << (i % wordBits)
}

// Test reports whether bit i is set. Out-of-range indices read as set so
// that scans never hand out a bit past the end.
func (b *BitSet) Test(i uint32) bool {
	if i >= b.size {
		return true
	}
	return b.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() uint32 {
	var n int
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return uint32(n)
}

// NextClear returns the index of the first clear bit at or after from,
// wrapping once past the end. The second return is false when every bit is
// set.
func (b *BitSet) NextClear(from uint32) (uint32, bool) {
	if b.size == 0 {
		return 0, false
	}
	from %= b.size
	for off := uint32(0); off < b.size; off++ {
		i := (from + off) % b.size
		if !b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// Reset clears every bit.
func (b *BitSet) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Encode writes the bitset: length in bits (u32, little-endian) followed by
// the words verbatim.
func (b *BitSet) Encode(w io.Writer) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], b.size)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, 8*len(b.words))
	for i, word := range b.words {
		binary.LittleEndian.PutUint64(buf[8*i:], word)
	}
	_, err := w.Write(buf)
	return err
}

// Decode reads a bitset written by Encode.
func Decode(r io.Reader) (*BitSet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	b := New(size)
	buf := make([]byte, 8*len(b.words))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("bitset body truncated: %w", err)
	}
	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return b, nil
}
