package bitset

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	b := New(130)

	assert.False(t, b.Test(0))
	b.Set(0)
	b.Set(64)
	b.Set(129)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(64))
	assert.True(t, b.Test(129))
	assert.Equal(t, uint32(3), b.Count())

	b.Clear(64)
	assert.False(t, b.Test(64))
	assert.Equal(t, uint32(2), b.Count())
}

func TestOutOfRange(t *testing.T) {
	b := New(10)
	b.Set(10)   // ignored
	b.Clear(99) // ignored
	assert.Equal(t, uint32(0), b.Count())
	assert.True(t, b.Test(10), "out-of-range reads as set")
}

func TestNextClear(t *testing.T) {
	b := New(8)
	for i := uint32(0); i < 4; i++ {
		b.Set(i)
	}

	i, ok := b.NextClear(0)
	require.True(t, ok)
	assert.Equal(t, uint32(4), i)

	// Wraps past the end.
	i, ok = b.NextClear(6)
	require.True(t, ok)
	assert.Equal(t, uint32(6), i)
	b.Set(6)
	b.Set(7)
	i, ok = b.NextClear(6)
	require.True(t, ok)
	assert.Equal(t, uint32(4), i)

	for i := uint32(0); i < 8; i++ {
		b.Set(i)
	}
	_, ok = b.NextClear(0)
	assert.False(t, ok)
}

func TestEncodeDecode(t *testing.T) {
	b := New(100)
	b.Set(0)
	b.Set(63)
	b.Set(64)
	b.Set(99)

	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got.Len())
	assert.Equal(t, uint32(4), got.Count())
	for _, i := range []uint32{0, 63, 64, 99} {
		assert.True(t, got.Test(i))
	}
}

func TestDecodeTruncated(t *testing.T) {
	b := New(1000)
	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))

	short := buf.Bytes()[:buf.Len()-8]
	_, err := Decode(bytes.NewReader(short))
	assert.Error(t, err)
}
