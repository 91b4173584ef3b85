package inode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hupe1980/blockfs/internal/bitset"
)

var (
	// ErrNotFound is returned for out-of-range or unallocated inode numbers.
	ErrNotFound = errors.New("inode not found")
	// ErrNoFreeInodes is returned when the table is exhausted.
	ErrNoFreeInodes = errors.New("no free inodes")
)

// Table is a fixed-capacity array of inodes with a parallel free bitmap.
// The usable pool is numbered 1..count; slot 0 is a permanently reserved
// sentinel that exists only so inode number 0 can mean "invalid"
// everywhere (directory tombstones, unset pointers).
type Table struct {
	mu      sync.Mutex
	records []Inode // index 0 is the sentinel
	used    *bitset.BitSet
	hint    uint32
	logger  *slog.Logger
}

// NewTable creates a table with count usable inodes.
func NewTable(count uint32, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Table{
		records: make([]Inode, count+1),
		used:    bitset.New(count + 1),
		hint:    1,
		logger:  logger,
	}
	t.used.Set(0)
	return t
}

// Count returns the usable pool size.
func (t *Table) Count() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.records)) - 1
}

// FreeCount returns the number of allocatable inodes.
func (t *Table) FreeCount() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.records)) - t.used.Count()
}

// Allocate returns the number of a previously free inode, scanning from a
// rotating hint.
func (t *Table) Allocate() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.used.NextClear(t.hint)
	if !ok {
		return 0, ErrNoFreeInodes
	}
	t.used.Set(n)
	t.hint = n + 1
	if t.hint >= uint32(len(t.records)) {
		t.hint = 1
	}
	return n, nil
}

// Deallocate zeroes the record and clears the bit. Deallocating a free
// inode is a warning-only no-op; inode 0 is never touched.
func (t *Table) Deallocate(n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n == 0 || n >= uint32(len(t.records)) {
		t.logger.Warn("deallocate of invalid inode ignored", "inode", n)
		return
	}
	if !t.used.Test(n) {
		t.logger.Warn("deallocate of free inode ignored", "inode", n)
		return
	}
	t.records[n] = Inode{}
	t.used.Clear(n)
}

// Get copies the inode numbered n.
func (t *Table) Get(n uint32) (Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n == 0 || n >= uint32(len(t.records)) || !t.used.Test(n) {
		return Inode{}, fmt.Errorf("%w: %d", ErrNotFound, n)
	}
	return t.records[n], nil
}

// Put stores ino at slot n. The slot must be allocated.
func (t *Table) Put(n uint32, ino Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n == 0 || n >= uint32(len(t.records)) || !t.used.Test(n) {
		return fmt.Errorf("%w: %d", ErrNotFound, n)
	}
	t.records[n] = ino
	return nil
}

// IsAllocated reports whether n holds a live inode.
func (t *Table) IsAllocated(n uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return n != 0 && n < uint32(len(t.records)) && t.used.Test(n)
}

// MarkUsed forces slot n allocated, for WAL replay.
func (t *Table) MarkUsed(n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 && n < uint32(len(t.records)) {
		t.used.Set(n)
	}
}

// Range calls fn for every live inode. fn must not call back into the table.
func (t *Table) Range(fn func(n uint32, ino Inode) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n := uint32(1); n < uint32(len(t.records)); n++ {
		if t.used.Test(n) {
			if !fn(n, t.records[n]) {
				return
			}
		}
	}
}

// Encode writes the pool size, each record (sentinel included), then the
// free bitmap.
func (t *Table) Encode(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(t.records))-1)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, RecordSize)
	for i := range t.records {
		t.records[i].Encode(buf)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return t.used.Encode(w)
}

// DecodeTable reads a table written by Encode and validates its geometry
// against expectCount.
func DecodeTable(r io.Reader, expectCount uint32, logger *slog.Logger) (*Table, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(hdr[:])
	if count != expectCount {
		return nil, fmt.Errorf("inode table count mismatch: got %d, want %d", count, expectCount)
	}

	t := NewTable(count, logger)
	buf := make([]byte, RecordSize)
	for i := uint32(0); i <= count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("inode table truncated at %d: %w", i, err)
		}
		DecodeInto(&t.records[i], buf)
	}

	used, err := bitset.Decode(r)
	if err != nil {
		return nil, err
	}
	if used.Len() != count+1 {
		return nil, fmt.Errorf("inode bitmap length mismatch: got %d, want %d", used.Len()-1, count)
	}
	t.used = used
	t.used.Set(0)
	return t, nil
}
