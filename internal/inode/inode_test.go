package inode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	var ino Inode
	ino.Initialize(ModeRegular|0644, 10, 20, 99)

	assert.True(t, ino.IsRegular())
	assert.False(t, ino.IsDir())
	assert.Equal(t, uint32(1), ino.LinkCount)
	assert.Equal(t, uint32(1), ino.Replication)
	assert.Equal(t, uint64(99), ino.Ctime)
	assert.True(t, ino.ChecksumOK())
}

func TestPermString(t *testing.T) {
	var file, dir Inode
	file.Initialize(ModeRegular|0644, 0, 0, 0)
	dir.Initialize(ModeDir|0755, 0, 0, 0)

	assert.Equal(t, "-rw-r--r--", file.PermString())
	assert.Equal(t, "drwxr-xr-x", dir.PermString())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var ino Inode
	ino.Initialize(ModeDir|0700, 1000, 1000, 42)
	ino.Size = 1 << 33
	ino.Blocks = 77
	ino.Direct = [NumDirect]uint32{9, 8, 7, 6, 5, 4, 3, 2, 1, 10, 11, 12}
	ino.Indirect = 100
	ino.DoubleInd = 200
	ino.TripleInd = 300
	ino.LinkCount = 3
	ino.UpdateChecksum()

	buf := make([]byte, RecordSize)
	ino.Encode(buf)

	var got Inode
	DecodeInto(&got, buf)
	assert.Equal(t, ino, got)
	assert.True(t, got.ChecksumOK())
}

func TestChecksumDetectsCorruption(t *testing.T) {
	var ino Inode
	ino.Initialize(ModeRegular|0644, 0, 0, 1)
	ino.Size = 5
	assert.False(t, ino.ChecksumOK(), "stale after mutation")
	ino.UpdateChecksum()
	assert.True(t, ino.ChecksumOK())
}

func TestTableAllocate(t *testing.T) {
	tbl := NewTable(16, nil)

	n, err := tbl.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	n2, err := tbl.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n2)

	assert.Equal(t, uint32(14), tbl.FreeCount())
}

func TestTableExhaustion(t *testing.T) {
	tbl := NewTable(4, nil)
	for want := uint32(1); want <= 4; want++ {
		n, err := tbl.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	_, err := tbl.Allocate()
	assert.ErrorIs(t, err, ErrNoFreeInodes)
	assert.Zero(t, tbl.FreeCount())
}

func TestTableGetPut(t *testing.T) {
	tbl := NewTable(8, nil)
	n, err := tbl.Allocate()
	require.NoError(t, err)

	var ino Inode
	ino.Initialize(ModeRegular|0600, 0, 0, 7)
	require.NoError(t, tbl.Put(n, ino))

	got, err := tbl.Get(n)
	require.NoError(t, err)
	assert.Equal(t, ino, got)

	_, err = tbl.Get(5)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.Get(0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tbl.Get(100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTableDeallocate(t *testing.T) {
	tbl := NewTable(8, nil)
	n, err := tbl.Allocate()
	require.NoError(t, err)

	var ino Inode
	ino.Initialize(ModeRegular|0600, 0, 0, 7)
	require.NoError(t, tbl.Put(n, ino))

	tbl.Deallocate(n)
	_, err = tbl.Get(n)
	assert.ErrorIs(t, err, ErrNotFound)

	// Warning-only no-ops.
	tbl.Deallocate(n)
	tbl.Deallocate(0)
	tbl.Deallocate(999)

	// Freed slot is reusable after the hint wraps.
	for {
		got, err := tbl.Allocate()
		require.NoError(t, err)
		if got == n {
			break
		}
	}
}

func TestTableEncodeDecode(t *testing.T) {
	tbl := NewTable(12, nil)
	n, err := tbl.Allocate()
	require.NoError(t, err)
	var ino Inode
	ino.Initialize(ModeDir|0755, 0, 0, 3)
	ino.LinkCount = 2
	ino.UpdateChecksum()
	require.NoError(t, tbl.Put(n, ino))

	var buf bytes.Buffer
	require.NoError(t, tbl.Encode(&buf))

	got, err := DecodeTable(&buf, 12, nil)
	require.NoError(t, err)
	assert.Equal(t, tbl.FreeCount(), got.FreeCount())
	gotIno, err := got.Get(n)
	require.NoError(t, err)
	assert.Equal(t, ino, gotIno)

	// Count mismatch is rejected.
	var buf2 bytes.Buffer
	require.NoError(t, tbl.Encode(&buf2))
	_, err = DecodeTable(&buf2, 13, nil)
	assert.Error(t, err)
}
