package engine

import (
	"github.com/hupe1980/blockfs/internal/txn"
)

// BeginTransaction opens an explicit transaction for grouping several
// operations. The caller must finish it with CommitTransaction or
// RollbackTransaction; the sweeper aborts it after the configured timeout.
func (e *Engine) BeginTransaction() (*txn.Tx, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return nil, ErrNotMounted
	}
	return e.txmgr.Begin(), nil
}

// LookupTransaction resolves an active transaction id.
func (e *Engine) LookupTransaction(id uint64) (*txn.Tx, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return nil, ErrNotMounted
	}
	return e.txmgr.Lookup(id)
}

// CommitTransaction makes every operation grouped under tx durable and
// applies it in place.
func (e *Engine) CommitTransaction(tx *txn.Tx) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return ErrNotMounted
	}
	if err := e.txmgr.Commit(tx); err != nil {
		if tx.State() == txn.StateAborted {
			e.releaseTxAllocations(tx)
		}
		return err
	}
	return e.applyTx(tx)
}

// RollbackTransaction discards every operation grouped under tx and hands
// back its reservations.
func (e *Engine) RollbackTransaction(tx *txn.Tx) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return ErrNotMounted
	}
	state := tx.State()
	if err := e.txmgr.Rollback(tx); err != nil {
		return err
	}
	if state == txn.StateActive {
		e.releaseTxAllocations(tx)
	}
	return nil
}

// WithTransaction begins a transaction, runs fn, and commits it; any error
// rolls back instead.
func (e *Engine) WithTransaction(fn func(tx *txn.Tx) error) error {
	tx, err := e.BeginTransaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := e.RollbackTransaction(tx); rbErr != nil {
			e.logger.Warn("rollback after failure", "tx", tx.ID(), "error", rbErr)
		}
		return err
	}
	return e.CommitTransaction(tx)
}
