// Package inode implements the on-disk inode record and the fixed-capacity
// inode table.
package inode

import (
	"encoding/binary"

	"github.com/hupe1980/blockfs/internal/checksum"
)

// Mode bits, following the POSIX layout.
const (
	ModeTypeMask = 0170000
	ModeDir      = 0040000
	ModeRegular  = 0100000
	ModePermMask = 0777
)

// NumDirect is the number of direct block pointers per inode.
const NumDirect = 12

// RecordSize is the fixed encoded size of an inode.
const RecordSize = 128

// fieldsSize is the number of encoded bytes before the trailing padding.
const fieldsSize = 118

// Inode holds the metadata of a single file or directory.
type Inode struct {
	Mode        uint16
	UID         uint16
	GID         uint16
	Size        uint64
	Blocks      uint64
	Atime       uint64
	Mtime       uint64
	Ctime       uint64
	Direct      [NumDirect]uint32
	Indirect    uint32
	DoubleInd   uint32
	TripleInd   uint32
	Replication uint32
	Checksum    uint32
	LinkCount   uint32
}

// Initialize resets the inode for a fresh allocation.
func (ino *Inode) Initialize(mode, uid, gid uint16, now uint64) {
	*ino = Inode{
		Mode:        mode,
		UID:         uid,
		GID:         gid,
		Atime:       now,
		Mtime:       now,
		Ctime:       now,
		Replication: 1,
		LinkCount:   1,
	}
	ino.UpdateChecksum()
}

// IsDir reports whether the inode is a directory.
func (ino *Inode) IsDir() bool { return ino.Mode&ModeTypeMask == ModeDir }

// IsRegular reports whether the inode is a regular file.
func (ino *Inode) IsRegular() bool { return ino.Mode&ModeTypeMask == ModeRegular }

// PermString renders the mode as "drwxr-xr-x".
func (ino *Inode) PermString() string {
	buf := []byte("----------")
	if ino.IsDir() {
		buf[0] = 'd'
	}
	rwx := []byte("rwx")
	for i := 0; i < 9; i++ {
		if ino.Mode&(1<<(8-i)) != 0 {
			buf[1+i] = rwx[i%3]
		}
	}
	return string(buf)
}

// UpdateChecksum recomputes the checksum field.
func (ino *Inode) UpdateChecksum() {
	ino.Checksum = ino.computeChecksum()
}

// ChecksumOK reports whether the stored checksum matches the body.
func (ino *Inode) ChecksumOK() bool {
	return ino.Checksum == ino.computeChecksum()
}

func (ino *Inode) computeChecksum() uint32 {
	var buf [RecordSize]byte
	ino.encode(buf[:], 0)
	return checksum.Sum(buf[:])
}

func (ino *Inode) encode(buf []byte, sum uint32) {
	le := binary.LittleEndian
	le.PutUint16(buf[0:], ino.Mode)
	le.PutUint16(buf[2:], ino.UID)
	le.PutUint16(buf[4:], ino.GID)
	le.PutUint64(buf[6:], ino.Size)
	le.PutUint64(buf[14:], ino.Blocks)
	le.PutUint64(buf[22:], ino.Atime)
	le.PutUint64(buf[30:], ino.Mtime)
	le.PutUint64(buf[38:], ino.Ctime)
	for i, blk := range ino.Direct {
		le.PutUint32(buf[46+4*i:], blk)
	}
	le.PutUint32(buf[94:], ino.Indirect)
	le.PutUint32(buf[98:], ino.DoubleInd)
	le.PutUint32(buf[102:], ino.TripleInd)
	le.PutUint32(buf[106:], ino.Replication)
	le.PutUint32(buf[110:], sum)
	le.PutUint32(buf[114:], ino.LinkCount)
	for i := fieldsSize; i < RecordSize; i++ {
		buf[i] = 0
	}
}

// Encode writes the inode as a RecordSize-byte record.
func (ino *Inode) Encode(buf []byte) {
	ino.encode(buf, ino.Checksum)
}

// DecodeInto parses a RecordSize-byte record into ino.
func DecodeInto(ino *Inode, buf []byte) {
	le := binary.LittleEndian
	ino.Mode = le.Uint16(buf[0:])
	ino.UID = le.Uint16(buf[2:])
	ino.GID = le.Uint16(buf[4:])
	ino.Size = le.Uint64(buf[6:])
	ino.Blocks = le.Uint64(buf[14:])
	ino.Atime = le.Uint64(buf[22:])
	ino.Mtime = le.Uint64(buf[30:])
	ino.Ctime = le.Uint64(buf[38:])
	for i := range ino.Direct {
		ino.Direct[i] = le.Uint32(buf[46+4*i:])
	}
	ino.Indirect = le.Uint32(buf[94:])
	ino.DoubleInd = le.Uint32(buf[98:])
	ino.TripleInd = le.Uint32(buf[102:])
	ino.Replication = le.Uint32(buf[106:])
	ino.Checksum = le.Uint32(buf[110:])
	ino.LinkCount = le.Uint32(buf[114:])
}
