package codec

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

// LZ4 compresses with lz4, trading ratio for speed. Useful when backups
// run against a rate-limited store and CPU is the bottleneck.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (LZ4) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
