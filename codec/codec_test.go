package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Codec, payload []byte) {
	t.Helper()

	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := c.NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("superblock"),
		"zero block": make([]byte, 4096),
		"mixed":      append(bytes.Repeat([]byte{0xAB}, 1000), make([]byte, 1000)...),
	}
	for _, c := range []Codec{None{}, Zstd{}, LZ4{}} {
		for name, payload := range payloads {
			t.Run(c.Name()+"/"+name, func(t *testing.T) {
				roundTrip(t, c, payload)
			})
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"none", "zstd", "lz4"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())
	}
	_, ok := ByName("snappy")
	assert.False(t, ok)
}

func TestZstdCompresses(t *testing.T) {
	payload := bytes.Repeat([]byte("blockfs "), 4096)

	var buf bytes.Buffer
	w, err := Zstd{}.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Less(t, buf.Len(), len(payload)/10)
}
