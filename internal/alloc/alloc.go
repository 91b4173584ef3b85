// Package alloc implements the bitmap-backed data block allocator.
package alloc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hupe1980/blockfs/internal/bitset"
)

var (
	// ErrOutOfSpace is returned when no free block satisfies a request.
	ErrOutOfSpace = errors.New("out of space")
	// ErrInvalidBlock is returned for block 0 or out-of-range ids.
	ErrInvalidBlock = errors.New("invalid block")
)

// BlockAllocator tracks data block usage in a bitmap. Block 0 is reserved
// for the superblock at construction and can never be allocated or freed.
type BlockAllocator struct {
	mu     sync.Mutex
	bits   *bitset.BitSet
	total  uint32
	hint   uint32
	logger *slog.Logger
}

// New creates an allocator over total blocks with the given initial hint.
func New(total uint32, hint uint32, logger *slog.Logger) *BlockAllocator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if hint == 0 || hint >= total {
		hint = 1
	}
	a := &BlockAllocator{
		bits:   bitset.New(total),
		total:  total,
		hint:   hint,
		logger: logger,
	}
	a.bits.Set(0)
	return a
}

// Total returns the number of blocks under management.
func (a *BlockAllocator) Total() uint32 { return a.total }

// Allocate returns the first free block at or after the rotating hint and
// advances the hint past it.
func (a *BlockAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked()
}

func (a *BlockAllocator) allocateLocked() (uint32, error) {
	n, ok := a.bits.NextClear(a.hint)
	if !ok {
		return 0, ErrOutOfSpace
	}
	a.bits.Set(n)
	a.hint = n + 1
	if a.hint >= a.total {
		a.hint = 1
	}
	return n, nil
}

// AllocateRun returns n blocks. It first attempts one contiguous run
// starting at the hint; after one full scan without a fit it falls back to
// scattered allocation. A scattered failure rolls back every block marked
// in this call.
func (a *BlockAllocator) AllocateRun(n uint32) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if run, ok := a.findRunLocked(n); ok {
		out := make([]uint32, n)
		for i := uint32(0); i < n; i++ {
			a.bits.Set(run + i)
			out[i] = run + i
		}
		a.hint = run + n
		if a.hint >= a.total {
			a.hint = 1
		}
		return out, nil
	}

	out := make([]uint32, 0, n)
	for uint32(len(out)) < n {
		blk, err := a.allocateLocked()
		if err != nil {
			for _, b := range out {
				a.bits.Clear(b)
			}
			return nil, err
		}
		out = append(out, blk)
	}
	return out, nil
}

// findRunLocked scans once around the bitmap for n contiguous free blocks.
func (a *BlockAllocator) findRunLocked(n uint32) (uint32, bool) {
	if n > a.total-1 {
		return 0, false
	}
	start := a.hint
	if start == 0 || start >= a.total {
		start = 1
	}
	for scanned := uint32(0); scanned < a.total; {
		// Runs do not wrap around the end of the device.
		if start+n > a.total {
			scanned += a.total - start
			start = 1
			continue
		}
		length := uint32(0)
		for length < n && !a.bits.Test(start+length) {
			length++
		}
		if length == n {
			return start, true
		}
		scanned += length + 1
		start += length + 1
	}
	return 0, false
}

// Deallocate clears the bit for id. Freeing an already-free block logs a
// warning and is a no-op. Block 0 and out-of-range ids fail.
func (a *BlockAllocator) Deallocate(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deallocateLocked(id)
}

func (a *BlockAllocator) deallocateLocked(id uint32) error {
	if id == 0 || id >= a.total {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, id)
	}
	if !a.bits.Test(id) {
		a.logger.Warn("deallocate of free block ignored", "block", id)
		return nil
	}
	a.bits.Clear(id)
	return nil
}

// DeallocateAll frees every id, stopping at the first invalid one.
func (a *BlockAllocator) DeallocateAll(ids []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if err := a.deallocateLocked(id); err != nil {
			return err
		}
	}
	return nil
}

// IsFree reports whether id is free. Out-of-range ids report as used.
func (a *BlockAllocator) IsFree(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.bits.Test(id)
}

// MarkUsed forces the bit set, for WAL replay and repair.
func (a *BlockAllocator) MarkUsed(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < a.total {
		a.bits.Set(id)
	}
}

// MarkFree forces the bit clear, for WAL replay and repair. Block 0 stays
// reserved.
func (a *BlockAllocator) MarkFree(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id > 0 && id < a.total {
		a.bits.Clear(id)
	}
}

// FreeCount returns the number of free blocks.
func (a *BlockAllocator) FreeCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.bits.Count()
}

// UsedCount returns the number of used blocks, including block 0.
func (a *BlockAllocator) UsedCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Count()
}

// Used returns all set block numbers. For consistency checking.
func (a *BlockAllocator) Used() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint32, 0, a.bits.Count())
	for i := uint32(0); i < a.total; i++ {
		if a.bits.Test(i) {
			out = append(out, i)
		}
	}
	return out
}

// Encode writes the bitmap verbatim, prefixed by its length in bits.
func (a *BlockAllocator) Encode(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Encode(w)
}

// Decode loads a bitmap written by Encode, rejecting a length mismatch.
func (a *BlockAllocator) Decode(r io.Reader) error {
	bits, err := bitset.Decode(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bits.Len() != a.total {
		return fmt.Errorf("block bitmap length mismatch: got %d, want %d", bits.Len(), a.total)
	}
	a.bits = bits
	a.bits.Set(0)
	return nil
}

// Defragment compacts the bitmap view so the first k bits are used and the
// rest free (k = used count). It does not move data: callers must hold the
// filesystem idle and relocate block contents afterwards.
func (a *BlockAllocator) Defragment() {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := a.bits.Count()
	a.bits.Reset()
	for i := uint32(0); i < k; i++ {
		a.bits.Set(i)
	}
	a.hint = k
	if a.hint >= a.total {
		a.hint = 1
	}
}
