package txn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockfs/internal/wal"
)

// memApplier replays WRITE_BLOCK records into a map.
type memApplier struct {
	blocks map[uint32][]byte
}

func newMemApplier() *memApplier {
	return &memApplier{blocks: make(map[uint32][]byte)}
}

func (a *memApplier) Apply(rec *wal.Record) error {
	if rec.Op == wal.OpWriteBlock {
		a.blocks[rec.Block] = append([]byte(nil), rec.NewData...)
	}
	return nil
}

func reopen(t *testing.T, path string) (*Manager, *wal.WAL) {
	t.Helper()
	w, err := wal.Open(nil, path)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return NewManager(w, 30*time.Second, nil), w
}

func TestRecoverAppliesCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockfs.wal")

	m, w := reopen(t, path)
	tx := m.Begin()
	require.NoError(t, m.Append(tx, writeRec(1, "v1")))
	require.NoError(t, m.Append(tx, writeRec(2, "v2")))
	require.NoError(t, m.Commit(tx))
	require.NoError(t, w.Close())

	m2, _ := reopen(t, path)
	app := newMemApplier()
	res, err := m2.Recover(app)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Committed)
	assert.Zero(t, res.Discarded)
	assert.False(t, res.Truncated)
	assert.Equal(t, []byte("v1"), app.blocks[1])
	assert.Equal(t, []byte("v2"), app.blocks[2])
}

func TestRecoverDiscardsAborted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockfs.wal")

	// A crashed commit can leave staged records followed by an ABORT.
	w, err := wal.Open(nil, path)
	require.NoError(t, err)
	doomed := &wal.Record{TxID: 1, Op: wal.OpWriteBlock, Block: 1, NewData: []byte("doomed")}
	doomed.UpdateChecksum()
	require.NoError(t, w.Append(doomed))
	abort := &wal.Record{TxID: 1, Op: wal.OpAbort}
	abort.UpdateChecksum()
	require.NoError(t, w.Append(abort))
	require.NoError(t, w.Close())

	m2, _ := reopen(t, path)
	app := newMemApplier()
	res, err := m2.Recover(app)
	require.NoError(t, err)

	assert.Zero(t, res.Applied)
	assert.Equal(t, 1, res.Discarded)
	assert.Empty(t, app.blocks)
}

func TestRecoverImplicitAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockfs.wal")

	// Write records by hand without a terminator.
	w, err := wal.Open(nil, path)
	require.NoError(t, err)
	rec := &wal.Record{TxID: 1, Op: wal.OpWriteBlock, Block: 3, NewData: []byte("lost")}
	rec.UpdateChecksum()
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Close())

	m, _ := reopen(t, path)
	app := newMemApplier()
	res, err := m.Recover(app)
	require.NoError(t, err)

	assert.Zero(t, res.Applied)
	assert.Equal(t, 1, res.Discarded)
	assert.Empty(t, app.blocks)
}

func TestRecoverTruncatesCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockfs.wal")

	m, w := reopen(t, path)
	tx := m.Begin()
	require.NoError(t, m.Append(tx, writeRec(1, "v1")))
	require.NoError(t, m.Commit(tx))
	validSize := w.Size()

	tx2 := m.Begin()
	require.NoError(t, m.Append(tx2, writeRec(2, "v2")))
	require.NoError(t, m.Commit(tx2))
	require.NoError(t, w.Close())

	// Flip a byte in the second transaction's first record.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[validSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	m2, _ := reopen(t, path)
	app := newMemApplier()
	res, err := m2.Recover(app)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, validSize, res.ValidSize)
	assert.Equal(t, []byte("v1"), app.blocks[1])
	assert.NotContains(t, app.blocks, uint32(2))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, validSize, st.Size())
}

func TestRecoverIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockfs.wal")

	m, w := reopen(t, path)
	tx := m.Begin()
	require.NoError(t, m.Append(tx, writeRec(1, "stable")))
	require.NoError(t, m.Commit(tx))
	require.NoError(t, w.Close())

	m2, _ := reopen(t, path)
	app := newMemApplier()
	res1, err := m2.Recover(app)
	require.NoError(t, err)
	res2, err := m2.Recover(app)
	require.NoError(t, err)

	assert.Equal(t, res1, res2)
	assert.Equal(t, []byte("stable"), app.blocks[1])
}

func TestRecoverAdvancesNextID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockfs.wal")

	m, w := reopen(t, path)
	for i := 0; i < 3; i++ {
		tx := m.Begin()
		require.NoError(t, m.Commit(tx))
	}
	require.NoError(t, w.Close())

	m2, _ := reopen(t, path)
	_, err := m2.Recover(newMemApplier())
	require.NoError(t, err)

	tx := m2.Begin()
	assert.Equal(t, uint64(4), tx.ID(), "ids are never reused")
}
