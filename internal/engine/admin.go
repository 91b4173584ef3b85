package engine

import (
	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/txn"
)

// Info is the filesystem geometry and usage summary.
type Info struct {
	TotalBlocks       uint32
	FreeBlocks        uint32
	TotalInodes       uint32
	FreeInodes        uint32
	BlockSize         uint32
	UsagePercent      float64
	InodeUsagePercent float64
}

// Stats aggregates content and transaction counters.
type Stats struct {
	Files              uint32
	Directories        uint32
	TotalDataSize      uint64
	ActiveTransactions uint32
	Transactions       txn.Stats
}

// Info returns the filesystem summary.
func (e *Engine) Info() (Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return Info{}, ErrNotMounted
	}
	return Info{
		TotalBlocks:       e.sb.TotalBlocks,
		FreeBlocks:        e.sb.FreeBlocks,
		TotalInodes:       e.sb.InodeCount,
		FreeInodes:        e.sb.FreeInodes,
		BlockSize:         e.sb.BlockSize,
		UsagePercent:      e.sb.UsagePercent(),
		InodeUsagePercent: e.sb.InodeUsagePercent(),
	}, nil
}

// Stats walks the inode table and returns content counters.
func (e *Engine) Stats() (Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return Stats{}, ErrNotMounted
	}

	st := Stats{Transactions: e.txmgr.Stats()}
	st.ActiveTransactions = st.Transactions.Active
	e.itable.Range(func(n uint32, ino inode.Inode) bool {
		switch {
		case ino.IsDir():
			st.Directories++
		case ino.IsRegular():
			st.Files++
			st.TotalDataSize += ino.Size
		}
		return true
	})
	// The root directory is structural, not user content.
	if st.Directories > 0 {
		st.Directories--
	}
	return st, nil
}

// Defragment compacts the allocator's bitmap view. It takes the mount lock
// exclusively, so it only runs with the filesystem otherwise idle; block
// contents are NOT moved, and the caller is responsible for relocating
// data to the compacted block numbers afterwards.
func (e *Engine) Defragment() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted {
		return ErrNotMounted
	}
	e.balloc.Defragment()
	e.syncCounters()
	e.logger.Warn("bitmap defragmented; data was not moved")
	return nil
}
