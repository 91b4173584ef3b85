// Package txn implements the transaction lifecycle over the write-ahead
// log: staging, commit, rollback, expiry sweeping, and crash recovery.
package txn

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/blockfs/internal/wal"
)

var (
	// ErrNotFound is returned for transactions unknown to the manager.
	ErrNotFound = errors.New("transaction not found")
	// ErrAborted is returned when operating on an aborted transaction.
	ErrAborted = errors.New("transaction aborted")
	// ErrAlreadyCommitted is returned when rolling back a committed
	// transaction.
	ErrAlreadyCommitted = errors.New("transaction already committed")
)

// State is the lifecycle state of a transaction.
type State int32

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Tx is an in-memory transaction: an ordered list of staged records plus
// the set of inodes it touched.
type Tx struct {
	id    uint64
	start time.Time

	mu       sync.Mutex
	state    State
	records  []*wal.Record
	inodes   map[uint32]struct{}
	released bool
}

// ClaimRelease reports whether the caller is the first to claim the
// hand-back of the transaction's eager reservations. Both the sweeper and
// a failing commit path try; exactly one wins, so a block freed once can
// never be freed again after someone else reuses it.
func (tx *Tx) ClaimRelease() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.released {
		return false
	}
	tx.released = true
	return true
}

// ID returns the transaction id.
func (tx *Tx) ID() uint64 { return tx.id }

// State returns the current lifecycle state.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Start returns the begin time.
func (tx *Tx) Start() time.Time { return tx.start }

// Touch records that the transaction involves inode n.
func (tx *Tx) Touch(n uint32) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.inodes[n] = struct{}{}
}

// Inodes returns the participating inode numbers in ascending order.
func (tx *Tx) Inodes() []uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]uint32, 0, len(tx.inodes))
	for n := range tx.inodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Records returns the staged records.
func (tx *Tx) Records() []*wal.Record {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*wal.Record(nil), tx.records...)
}

// Stats aggregates manager counters.
type Stats struct {
	Active          uint32
	TotalStarted    uint64
	RecordsAppended uint64
	Committed       uint64
	Aborted         uint64
}

// Manager owns the active-transaction map and the WAL writer.
type Manager struct {
	mu     sync.Mutex
	active map[uint64]*Tx

	nextID    atomic.Uint64
	appended  atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64

	log     *wal.WAL
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager creates a manager writing to log. IDs start at 1 and are never
// reused.
func NewManager(log *wal.WAL, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		active:  make(map[uint64]*Tx),
		log:     log,
		timeout: timeout,
		logger:  logger,
	}
}

// Timeout returns the sweep threshold.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Begin starts a fresh transaction.
func (m *Manager) Begin() *Tx {
	tx := &Tx{
		id:     m.nextID.Add(1),
		start:  time.Now(),
		inodes: make(map[uint32]struct{}),
	}
	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	m.logger.Debug("transaction started", "tx", tx.id)
	return tx
}

// Lookup returns the active transaction with the given id.
func (m *Manager) Lookup(id uint64) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return tx, nil
}

// Append stages a copy of rec on tx with a fresh checksum.
func (m *Manager) Append(tx *Tx, rec *wal.Record) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		if tx.state == StateAborted {
			return fmt.Errorf("%w: %d", ErrAborted, tx.id)
		}
		return fmt.Errorf("%w: %d not active", ErrNotFound, tx.id)
	}
	cp := *rec
	cp.TxID = tx.id
	cp.OldData = append([]byte(nil), rec.OldData...)
	cp.NewData = append([]byte(nil), rec.NewData...)
	cp.UpdateChecksum()
	tx.records = append(tx.records, &cp)
	if cp.Inode != 0 {
		tx.inodes[cp.Inode] = struct{}{}
	}
	m.appended.Add(1)
	return nil
}

// Commit writes every staged record followed by a COMMIT marker, flushes
// the WAL, and retires the transaction. Committing a committed transaction
// is a success no-op; committing an aborted one fails.
func (m *Manager) Commit(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case StateCommitted:
		return nil
	case StateAborted:
		return fmt.Errorf("%w: %d", ErrAborted, tx.id)
	}

	for _, rec := range tx.records {
		if err := m.log.Append(rec); err != nil {
			m.abortLocked(tx, "commit write failed")
			return fmt.Errorf("append record for tx %d: %w", tx.id, err)
		}
	}
	commit := &wal.Record{TxID: tx.id, Op: wal.OpCommit, Timestamp: uint64(time.Now().Unix())}
	commit.UpdateChecksum()
	if err := m.log.Append(commit); err != nil {
		m.abortLocked(tx, "commit marker failed")
		return fmt.Errorf("append commit for tx %d: %w", tx.id, err)
	}
	if err := m.log.Sync(); err != nil {
		m.abortLocked(tx, "commit sync failed")
		return fmt.Errorf("sync commit for tx %d: %w", tx.id, err)
	}

	tx.state = StateCommitted
	m.retire(tx)
	m.committed.Add(1)
	m.logger.Debug("transaction committed", "tx", tx.id, "records", len(tx.records))
	return nil
}

// Rollback aborts an active transaction. Rolling back an aborted
// transaction is a success no-op; a committed one fails.
func (m *Manager) Rollback(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case StateCommitted:
		return fmt.Errorf("%w: %d", ErrAlreadyCommitted, tx.id)
	case StateAborted:
		return nil
	}
	m.abortLocked(tx, "rolled back")
	return nil
}

// abortLocked marks tx aborted, best-effort appends an ABORT marker, and
// retires it. Caller holds tx.mu.
func (m *Manager) abortLocked(tx *Tx, reason string) {
	tx.state = StateAborted
	abort := &wal.Record{TxID: tx.id, Op: wal.OpAbort, Timestamp: uint64(time.Now().Unix())}
	abort.UpdateChecksum()
	if err := m.log.Append(abort); err != nil {
		m.logger.Warn("abort marker not written", "tx", tx.id, "error", err)
	}
	m.retire(tx)
	m.aborted.Add(1)
	m.logger.Debug("transaction aborted", "tx", tx.id, "reason", reason)
}

func (m *Manager) retire(tx *Tx) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
}

// Expired returns the active transactions begun more than the timeout
// before now, without aborting them. Callers that reserved resources
// against a transaction roll it back themselves.
func (m *Manager) Expired(now time.Time) []*Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tx
	for _, tx := range m.active {
		if now.Sub(tx.start) > m.timeout {
			out = append(out, tx)
		}
	}
	return out
}

// Drain returns every active transaction.
func (m *Manager) Drain() []*Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tx, 0, len(m.active))
	for _, tx := range m.active {
		out = append(out, tx)
	}
	return out
}

// SweepExpired aborts every active transaction begun more than the timeout
// before now and returns how many it reaped.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	var expired []*Tx
	for _, tx := range m.active {
		if now.Sub(tx.start) > m.timeout {
			expired = append(expired, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range expired {
		tx.mu.Lock()
		if tx.state == StateActive {
			m.abortLocked(tx, "expired")
		}
		tx.mu.Unlock()
	}
	if len(expired) > 0 {
		m.logger.Info("swept expired transactions", "count", len(expired))
	}
	return len(expired)
}

// Checkpoint flushes the WAL to durable storage.
func (m *Manager) Checkpoint() error {
	return m.log.Sync()
}

// ActiveCount returns the number of in-flight transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stats returns aggregate counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:          uint32(m.ActiveCount()),
		TotalStarted:    m.nextID.Load(),
		RecordsAppended: m.appended.Load(),
		Committed:       m.committed.Load(),
		Aborted:         m.aborted.Load(),
	}
}
