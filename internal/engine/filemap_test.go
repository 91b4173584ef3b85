package engine

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallBlockEngine uses 512-byte blocks so the indirection levels are
// reachable with modest data: 12 direct blocks, then 128 via the indirect
// block, then 128² via the double indirect.
func smallBlockEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(filepath.Join(t.TempDir(), "dev.img"), Options{})
	require.NoError(t, e.Format(2000, 512))
	require.NoError(t, e.Mount())
	t.Cleanup(func() {
		if e.Mounted() {
			require.NoError(t, e.Unmount())
		}
	})
	return e
}

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 31)
	}
	return out
}

func TestDirectBlocksOnly(t *testing.T) {
	e := smallBlockEngine(t)
	require.NoError(t, e.CreateFile(nil, "/f", 0644))

	data := patterned(12 * 512)
	require.NoError(t, e.WriteFile(nil, "/f", data))

	got, err := e.ReadFile(nil, "/f")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, ino, err := e.GetInode(nil, "/f")
	require.NoError(t, err)
	assert.Zero(t, ino.Indirect, "12 blocks fit in the direct pointers")
}

func TestIndirectBlocks(t *testing.T) {
	e := smallBlockEngine(t)
	require.NoError(t, e.CreateFile(nil, "/f", 0644))

	data := patterned(40 * 512)
	require.NoError(t, e.WriteFile(nil, "/f", data))

	got, err := e.ReadFile(nil, "/f")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, ino, err := e.GetInode(nil, "/f")
	require.NoError(t, err)
	assert.NotZero(t, ino.Indirect)
	assert.Zero(t, ino.DoubleInd)
}

func TestDoubleIndirectBlocks(t *testing.T) {
	e := smallBlockEngine(t)
	require.NoError(t, e.CreateFile(nil, "/f", 0644))

	// 12 + 128 = 140 blocks through direct+indirect; go past it.
	data := patterned(200 * 512)
	require.NoError(t, e.WriteFile(nil, "/f", data))

	got, err := e.ReadFile(nil, "/f")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, ino, err := e.GetInode(nil, "/f")
	require.NoError(t, err)
	assert.NotZero(t, ino.DoubleInd)

	// Replacing with a small file returns every tree block.
	require.NoError(t, e.WriteFile(nil, "/f", []byte("small")))
	require.NoError(t, e.DeleteFile(nil, "/f"))

	info, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, info.TotalBlocks-1, info.FreeBlocks)
}

func TestTreeBlockAccounting(t *testing.T) {
	e := smallBlockEngine(t)
	require.NoError(t, e.CreateFile(nil, "/f", 0644))
	require.NoError(t, e.WriteFile(nil, "/f", patterned(150*512)))

	report, err := e.CheckFilesystem()
	require.NoError(t, err)
	assert.True(t, report.Clean(), "problems: %v", report.Problems)

	_, ino, err := e.GetInode(nil, "/f")
	require.NoError(t, err)
	// 150 data blocks + indirect + double-indirect root + one child.
	assert.Equal(t, uint64(153), ino.Blocks)
}

func TestUnalignedSizes(t *testing.T) {
	e := smallBlockEngine(t)
	require.NoError(t, e.CreateFile(nil, "/f", 0644))

	data := patterned(5*512 + 123)
	require.NoError(t, e.WriteFile(nil, "/f", data))

	got, err := e.ReadFile(nil, "/f")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	more := patterned(301)
	require.NoError(t, e.AppendFile(nil, "/f", more))
	got, err = e.ReadFile(nil, "/f")
	require.NoError(t, err)
	assert.Equal(t, append(data, more...), got)
}

func TestLargeWriteReadBackExact(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/big", 0644))

	data := bytes.Repeat(patterned(997), 300) // ~292 KiB, not block aligned
	require.NoError(t, e.WriteFile(nil, "/big", data))

	got, err := e.ReadFile(nil, "/big")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
