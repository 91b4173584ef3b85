package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Zstd compresses with zstd. The zero value uses the encoder default
// level, a good balance for device images.
type Zstd struct {
	// Level overrides the encoder level when non-zero.
	Level zstd.EncoderLevel
}

func (Zstd) Name() string { return "zstd" }

func (z Zstd) NewWriter(w io.Writer) (io.WriteCloser, error) {
	opts := []zstd.EOption{}
	if z.Level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(z.Level))
	}
	return zstd.NewWriter(w, opts...)
}

func (Zstd) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}
