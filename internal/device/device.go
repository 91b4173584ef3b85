// Package device provides fixed-size block I/O over a backing file.
package device

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hupe1980/blockfs/internal/fs"
)

var (
	// ErrInvalidBlock is returned for block numbers outside the device.
	ErrInvalidBlock = errors.New("invalid block number")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("device closed")
)

// Device exposes a backing file as an array of fixed-size blocks. Block N
// occupies bytes [N*blockSize, (N+1)*blockSize).
type Device struct {
	mu          sync.Mutex
	file        fs.File
	blockSize   uint32
	totalBlocks uint32
	closed      bool
}

// Create creates (or truncates) the backing file for a fresh device and
// sizes it to totalBlocks*blockSize, preallocating where the platform
// supports it.
func Create(fsys fs.FileSystem, path string, totalBlocks, blockSize uint32) (*Device, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(totalBlocks) * int64(blockSize)
	if err := preallocate(f, size); err != nil {
		f.Close()
		return nil, err
	}
	return &Device{file: f, blockSize: blockSize, totalBlocks: totalBlocks}, nil
}

// Open opens an existing device file with known geometry.
func Open(fsys fs.FileSystem, path string, totalBlocks, blockSize uint32) (*Device, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	want := int64(totalBlocks) * int64(blockSize)
	if st.Size() < want {
		f.Close()
		return nil, fmt.Errorf("device too small: %d bytes, want %d", st.Size(), want)
	}
	return &Device{file: f, blockSize: blockSize, totalBlocks: totalBlocks}, nil
}

// BlockSize returns the device block size.
func (d *Device) BlockSize() uint32 { return d.blockSize }

// TotalBlocks returns the number of blocks.
func (d *Device) TotalBlocks() uint32 { return d.totalBlocks }

func (d *Device) check(n uint32) error {
	if d.closed {
		return ErrClosed
	}
	if n >= d.totalBlocks {
		return fmt.Errorf("%w: %d (device has %d)", ErrInvalidBlock, n, d.totalBlocks)
	}
	return nil
}

// ReadBlock returns the contents of block n. A read past the end of a short
// file fails; Create sizes the image and Open rejects a file that is too
// small, so this does not happen for a device opened through them.
func (d *Device) ReadBlock(n uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(n); err != nil {
		return nil, err
	}
	buf := make([]byte, d.blockSize)
	if _, err := d.file.ReadAt(buf, int64(n)*int64(d.blockSize)); err != nil {
		return nil, fmt.Errorf("read block %d: %w", n, err)
	}
	return buf, nil
}

// WriteBlock writes p (at most one block) at the start of block n.
func (d *Device) WriteBlock(n uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(n); err != nil {
		return err
	}
	if uint32(len(p)) > d.blockSize {
		return fmt.Errorf("%w: payload %d exceeds block size %d", ErrInvalidBlock, len(p), d.blockSize)
	}
	if _, err := d.file.WriteAt(p, int64(n)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("write block %d: %w", n, err)
	}
	return nil
}

// ZeroBlock overwrites block n with zeros.
func (d *Device) ZeroBlock(n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(n); err != nil {
		return err
	}
	zero := make([]byte, d.blockSize)
	if _, err := d.file.WriteAt(zero, int64(n)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("zero block %d: %w", n, err)
	}
	return nil
}

// WriteTail replaces the metadata region that lives past the last block
// (inode table and bitmaps, which are not block-addressed). The file is cut
// to exactly blocks+tail so stale metadata never survives.
func (d *Device) WriteTail(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	base := int64(d.totalBlocks) * int64(d.blockSize)
	if _, err := d.file.WriteAt(p, base); err != nil {
		return fmt.Errorf("write metadata tail: %w", err)
	}
	return d.file.Truncate(base + int64(len(p)))
}

// ReadTail returns the metadata region past the last block.
func (d *Device) ReadTail() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	st, err := d.file.Stat()
	if err != nil {
		return nil, err
	}
	base := int64(d.totalBlocks) * int64(d.blockSize)
	n := st.Size() - base
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := d.file.ReadAt(buf, base); err != nil {
		return nil, fmt.Errorf("read metadata tail: %w", err)
	}
	return buf, nil
}

// Sync flushes the device to durable storage.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.file.Sync()
}

// Close releases the backing file. It is safe to call twice.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}
