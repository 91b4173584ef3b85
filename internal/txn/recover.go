package txn

import (
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/blockfs/internal/wal"
)

// Applier re-applies a committed record to the filesystem state during
// recovery. Application must be idempotent.
type Applier interface {
	Apply(rec *wal.Record) error
}

// RecoverResult summarizes one recovery pass.
type RecoverResult struct {
	Applied   int   // records re-applied from committed transactions
	Committed int   // committed transactions replayed
	Discarded int   // transactions dropped (aborted or missing terminator)
	Truncated bool  // a corrupt tail was cut off
	ValidSize int64 // log size after recovery
}

// Recover scans the WAL from the start, accumulating records per
// transaction. A COMMIT marker applies the accumulated records in order; an
// ABORT marker discards them. Transactions without a terminator at EOF are
// implicitly aborted. The first record that fails its checksum truncates
// the log at that offset.
func (m *Manager) Recover(applier Applier) (RecoverResult, error) {
	var res RecoverResult

	r, err := m.log.Reader()
	if err != nil {
		return res, err
	}
	defer r.Close()

	staged := make(map[uint64][]*wal.Record)
	var maxID uint64

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, wal.ErrCorrupt) || errors.Is(err, wal.ErrRecordTooLarge) {
				m.logger.Warn("corrupt WAL tail, truncating",
					"offset", r.Offset(), "error", err)
				res.Truncated = true
				break
			}
			return res, fmt.Errorf("read WAL: %w", err)
		}

		if rec.TxID > maxID {
			maxID = rec.TxID
		}

		switch rec.Op {
		case wal.OpCommit:
			for _, pending := range staged[rec.TxID] {
				if err := applier.Apply(pending); err != nil {
					return res, fmt.Errorf("replay tx %d: %w", rec.TxID, err)
				}
				res.Applied++
			}
			res.Committed++
			delete(staged, rec.TxID)
		case wal.OpAbort:
			if _, ok := staged[rec.TxID]; ok {
				res.Discarded++
				delete(staged, rec.TxID)
			}
		case wal.OpBegin:
			if _, ok := staged[rec.TxID]; !ok {
				staged[rec.TxID] = nil
			}
		default:
			staged[rec.TxID] = append(staged[rec.TxID], rec)
		}
	}

	// Tail without a terminator: implicitly aborted.
	res.Discarded += len(staged)

	if res.Truncated {
		if err := m.log.TruncateTail(r.Offset()); err != nil {
			return res, fmt.Errorf("truncate WAL tail: %w", err)
		}
	}
	res.ValidSize = r.Offset()

	// Never reuse an id seen in the log.
	for {
		cur := m.nextID.Load()
		if cur >= maxID || m.nextID.CompareAndSwap(cur, maxID) {
			break
		}
	}

	m.logger.Info("recovery complete",
		"applied", res.Applied,
		"committed", res.Committed,
		"discarded", res.Discarded,
		"truncated", res.Truncated)
	return res, nil
}
