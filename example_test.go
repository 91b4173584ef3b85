package blockfs_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockfs"
)

func TestExampleWorkflow(t *testing.T) {
	fs := blockfs.Open(filepath.Join(t.TempDir(), "dev.img"))
	require.NoError(t, fs.Format(1000, 4096))
	require.NoError(t, fs.Mount())
	defer fs.Unmount()

	require.NoError(t, fs.CreateDirectory("/logs", 0755))
	require.NoError(t, fs.CreateFile("/logs/app.log", 0644))
	for i := 0; i < 3; i++ {
		require.NoError(t, fs.AppendFile("/logs/app.log", []byte(fmt.Sprintf("line %d\n", i))))
	}

	data, err := fs.ReadFile("/logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, "line 0\nline 1\nline 2\n", string(data))
}

func TestSweeperAbortsExpiredTransactions(t *testing.T) {
	fs := blockfs.Open(
		filepath.Join(t.TempDir(), "dev.img"),
		blockfs.WithTransactionTimeout(100*time.Millisecond),
	)
	require.NoError(t, fs.Format(1000, 4096))
	require.NoError(t, fs.Mount())
	defer fs.Unmount()

	tx, err := fs.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.CreateFile("/stale", 0644))

	// The background sweeper runs every second; wait until it has reaped the
	// expired transaction before committing.
	require.Eventually(t, func() bool {
		st, err := fs.GetFilesystemStats()
		return err == nil && st.ActiveTransactions == 0
	}, 5*time.Second, 200*time.Millisecond)
	assert.ErrorIs(t, fs.CommitTransaction(tx), blockfs.ErrTransactionAborted)

	exists, err := fs.FileExists("/stale")
	require.NoError(t, err)
	assert.False(t, exists)

	info, err := fs.GetFilesystemInfo()
	require.NoError(t, err)
	assert.Equal(t, info.TotalInodes-1, info.FreeInodes, "reservation returned by the sweeper")
}
