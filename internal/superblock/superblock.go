// Package superblock implements the durable global metadata block that
// occupies block 0 of the backing device.
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/hupe1980/blockfs/internal/checksum"
)

// Magic identifies a blockfs device.
const Magic = 0xDF5F0001

// Version is the current on-disk format version.
const Version = 1

const (
	// headerSize is the encoded size of the fields plus the 64-byte pad;
	// the remainder of block 0 is zero-filled.
	fieldsSize = 52
	padSize    = 64
	headerSize = fieldsSize + padSize

	// MinBlockSize and MaxBlockSize bound the format-time block size.
	MinBlockSize = 512
	MaxBlockSize = 65536

	// MinTotalBlocks is the smallest formattable device.
	MinTotalBlocks = 10

	// MinInodeCount is the floor for the derived inode count.
	MinInodeCount = 16
)

var (
	ErrBadMagic     = errors.New("superblock: bad magic")
	ErrInvalid      = errors.New("superblock: invalid")
	ErrChecksum     = errors.New("superblock: checksum mismatch")
	ErrNoFreeBlocks = errors.New("superblock: no free blocks")
	ErrNoFreeInodes = errors.New("superblock: no free inodes")
)

// SuperBlock holds the global filesystem metadata.
type SuperBlock struct {
	Magic         uint32
	BlockSize     uint32
	TotalBlocks   uint32
	FreeBlocks    uint32
	InodeCount    uint32
	FreeInodes    uint32
	RootInode     uint32
	LastMountTime uint64
	LastWriteTime uint64
	Version       uint32
	Checksum      uint32
}

// Initialize resets the superblock for a freshly formatted device.
// Block 0 and inode 1 are accounted as reserved.
func (sb *SuperBlock) Initialize(totalBlocks, blockSize uint32) {
	inodeCount := totalBlocks / 4
	if inodeCount < MinInodeCount {
		inodeCount = MinInodeCount
	}
	*sb = SuperBlock{
		Magic:       Magic,
		BlockSize:   blockSize,
		TotalBlocks: totalBlocks,
		FreeBlocks:  totalBlocks - 1,
		InodeCount:  inodeCount,
		FreeInodes:  inodeCount - 1,
		RootInode:   1,
		Version:     Version,
	}
	sb.UpdateChecksum()
}

// Validate checks every structural invariant. It returns ErrBadMagic,
// ErrChecksum, or ErrInvalid (wrapped with the failing condition).
func (sb *SuperBlock) Validate() error {
	if sb.Magic != Magic {
		return fmt.Errorf("%w: 0x%08X", ErrBadMagic, sb.Magic)
	}
	if sb.BlockSize < MinBlockSize || sb.BlockSize > MaxBlockSize || bits.OnesCount32(sb.BlockSize) != 1 {
		return fmt.Errorf("%w: block size %d", ErrInvalid, sb.BlockSize)
	}
	if sb.TotalBlocks < MinTotalBlocks {
		return fmt.Errorf("%w: total blocks %d", ErrInvalid, sb.TotalBlocks)
	}
	if sb.InodeCount > sb.TotalBlocks {
		return fmt.Errorf("%w: inode count %d exceeds total blocks %d", ErrInvalid, sb.InodeCount, sb.TotalBlocks)
	}
	if sb.FreeBlocks > sb.TotalBlocks {
		return fmt.Errorf("%w: free blocks %d exceeds total %d", ErrInvalid, sb.FreeBlocks, sb.TotalBlocks)
	}
	if sb.FreeInodes > sb.InodeCount {
		return fmt.Errorf("%w: free inodes %d exceeds count %d", ErrInvalid, sb.FreeInodes, sb.InodeCount)
	}
	if sb.RootInode < 1 || sb.RootInode >= sb.InodeCount {
		return fmt.Errorf("%w: root inode %d", ErrInvalid, sb.RootInode)
	}
	if sb.Checksum != sb.computeChecksum() {
		return ErrChecksum
	}
	return nil
}

// UpdateChecksum recomputes the checksum field.
func (sb *SuperBlock) UpdateChecksum() {
	sb.Checksum = sb.computeChecksum()
}

func (sb *SuperBlock) computeChecksum() uint32 {
	var buf [fieldsSize]byte
	sb.encodeFields(buf[:], 0)
	return checksum.Sum(buf[:])
}

// ReserveBlock accounts one allocated data block.
func (sb *SuperBlock) ReserveBlock() error {
	if sb.FreeBlocks == 0 {
		return ErrNoFreeBlocks
	}
	sb.FreeBlocks--
	sb.UpdateChecksum()
	return nil
}

// ReleaseBlock accounts one freed data block.
func (sb *SuperBlock) ReleaseBlock() {
	if sb.FreeBlocks < sb.TotalBlocks {
		sb.FreeBlocks++
	}
	sb.UpdateChecksum()
}

// ReserveInode accounts one allocated inode.
func (sb *SuperBlock) ReserveInode() error {
	if sb.FreeInodes == 0 {
		return ErrNoFreeInodes
	}
	sb.FreeInodes--
	sb.UpdateChecksum()
	return nil
}

// ReleaseInode accounts one freed inode.
func (sb *SuperBlock) ReleaseInode() {
	if sb.FreeInodes < sb.InodeCount {
		sb.FreeInodes++
	}
	sb.UpdateChecksum()
}

// TouchMount stamps the last mount time.
func (sb *SuperBlock) TouchMount(now uint64) {
	sb.LastMountTime = now
	sb.UpdateChecksum()
}

// TouchWrite stamps the last write time.
func (sb *SuperBlock) TouchWrite(now uint64) {
	sb.LastWriteTime = now
	sb.UpdateChecksum()
}

// UsagePercent returns the data block usage in percent.
func (sb *SuperBlock) UsagePercent() float64 {
	if sb.TotalBlocks == 0 {
		return 0
	}
	return float64(sb.TotalBlocks-sb.FreeBlocks) / float64(sb.TotalBlocks) * 100
}

// InodeUsagePercent returns the inode usage in percent.
func (sb *SuperBlock) InodeUsagePercent() float64 {
	if sb.InodeCount == 0 {
		return 0
	}
	return float64(sb.InodeCount-sb.FreeInodes) / float64(sb.InodeCount) * 100
}

// encodeFields writes the fields into buf with the given checksum value.
func (sb *SuperBlock) encodeFields(buf []byte, sum uint32) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], sb.Magic)
	le.PutUint32(buf[4:], sb.BlockSize)
	le.PutUint32(buf[8:], sb.TotalBlocks)
	le.PutUint32(buf[12:], sb.FreeBlocks)
	le.PutUint32(buf[16:], sb.InodeCount)
	le.PutUint32(buf[20:], sb.FreeInodes)
	le.PutUint32(buf[24:], sb.RootInode)
	le.PutUint64(buf[28:], sb.LastMountTime)
	le.PutUint64(buf[36:], sb.LastWriteTime)
	le.PutUint32(buf[44:], sb.Version)
	le.PutUint32(buf[48:], sum)
}

// Encode writes the superblock padded out to blockSize bytes.
func (sb *SuperBlock) Encode(w io.Writer, blockSize uint32) error {
	if blockSize < headerSize {
		return fmt.Errorf("%w: block size %d below header size", ErrInvalid, blockSize)
	}
	buf := make([]byte, blockSize)
	sb.encodeFields(buf, sb.Checksum)
	_, err := w.Write(buf)
	return err
}

// Decode reads the fixed header portion of block 0.
func Decode(r io.Reader) (*SuperBlock, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	sb := &SuperBlock{
		Magic:         le.Uint32(buf[0:]),
		BlockSize:     le.Uint32(buf[4:]),
		TotalBlocks:   le.Uint32(buf[8:]),
		FreeBlocks:    le.Uint32(buf[12:]),
		InodeCount:    le.Uint32(buf[16:]),
		FreeInodes:    le.Uint32(buf[20:]),
		RootInode:     le.Uint32(buf[24:]),
		LastMountTime: le.Uint64(buf[28:]),
		LastWriteTime: le.Uint64(buf[36:]),
		Version:       le.Uint32(buf[44:]),
		Checksum:      le.Uint32(buf[48:]),
	}
	return sb, nil
}
