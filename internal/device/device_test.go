package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	d, err := Create(nil, filepath.Join(t.TempDir(), "dev.img"), 64, 512)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestReadWriteBlock(t *testing.T) {
	d := newDevice(t)

	data := make([]byte, 512)
	copy(data, "block seven")
	require.NoError(t, d.WriteBlock(7, data))

	got, err := d.ReadBlock(7)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Neighbors are untouched.
	got, err = d.ReadBlock(8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)
}

func TestFreshDeviceReadsZeros(t *testing.T) {
	d := newDevice(t)
	got, err := d.ReadBlock(63)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)
}

func TestZeroBlock(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.WriteBlock(3, []byte("junk")))
	require.NoError(t, d.ZeroBlock(3))

	got, err := d.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)
}

func TestOutOfRange(t *testing.T) {
	d := newDevice(t)
	_, err := d.ReadBlock(64)
	assert.ErrorIs(t, err, ErrInvalidBlock)
	assert.ErrorIs(t, d.WriteBlock(1000, nil), ErrInvalidBlock)
	assert.ErrorIs(t, d.WriteBlock(1, make([]byte, 513)), ErrInvalidBlock)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.img")

	d, err := Create(nil, path, 32, 1024)
	require.NoError(t, err)
	require.NoError(t, d.WriteBlock(5, []byte("persisted")))
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	d2, err := Open(nil, path, 32, 1024)
	require.NoError(t, err)
	defer d2.Close()

	got, err := d2.ReadBlock(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got[:9])

	// Wrong geometry is rejected.
	_, err = Open(nil, path, 64, 1024)
	assert.Error(t, err)
}

func TestTail(t *testing.T) {
	d := newDevice(t)

	got, err := d.ReadTail()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, d.WriteTail([]byte("metadata region")))
	got, err = d.ReadTail()
	require.NoError(t, err)
	assert.Equal(t, []byte("metadata region"), got)

	// A shorter rewrite cuts the old tail completely.
	require.NoError(t, d.WriteTail([]byte("tiny")))
	got, err = d.ReadTail()
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got)

	// Blocks are unaffected.
	blk, err := d.ReadBlock(63)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), blk)
}

func TestClosed(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err := d.ReadBlock(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Sync(), ErrClosed)
}
