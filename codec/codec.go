// Package codec centralizes the stream compression used for backup images.
//
// Backup images are self-describing: the image header stores the codec
// name, and Restore resolves it with ByName. Changing a codec's wire format
// is therefore a breaking change for existing images.
package codec

import (
	"io"
)

// Codec compresses and decompresses byte streams.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Name is the stable identifier stored in image headers.
	Name() string
	// NewWriter wraps w with a compressing writer. Close flushes the
	// stream but does not close w.
	NewWriter(w io.Writer) (io.WriteCloser, error)
	// NewReader wraps r with a decompressing reader.
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// Default is the codec used when none is configured.
var Default Codec = Zstd{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "none":
		return None{}, true
	case "zstd":
		return Zstd{}, true
	case "lz4":
		return LZ4{}, true
	default:
		return nil, false
	}
}

// None passes data through uncompressed.
type None struct{}

func (None) Name() string { return "none" }

func (None) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (None) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
