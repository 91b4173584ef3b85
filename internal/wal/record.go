// Package wal implements the append-only write-ahead log: the record codec,
// a serialized writer, and a replay reader that tracks the last valid
// offset so a torn tail can be truncated.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/blockfs/internal/checksum"
)

// Op identifies the kind of change a record describes.
type Op uint32

const (
	OpBegin Op = iota + 1
	OpCreate
	OpWriteBlock
	OpAllocInode
	OpFreeInode
	OpAllocBlock
	OpFreeBlock
	OpDirAdd
	OpDirRemove
	OpCommit
	OpAbort
)

func (op Op) String() string {
	switch op {
	case OpBegin:
		return "BEGIN"
	case OpCreate:
		return "CREATE"
	case OpWriteBlock:
		return "WRITE_BLOCK"
	case OpAllocInode:
		return "ALLOC_INODE"
	case OpFreeInode:
		return "FREE_INODE"
	case OpAllocBlock:
		return "ALLOC_BLOCK"
	case OpFreeBlock:
		return "FREE_BLOCK"
	case OpDirAdd:
		return "DIR_ADD"
	case OpDirRemove:
		return "DIR_REMOVE"
	case OpCommit:
		return "COMMIT"
	case OpAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("Op(%d)", uint32(op))
	}
}

var (
	// ErrCorrupt marks a record whose checksum does not validate.
	ErrCorrupt = errors.New("corrupt WAL record")
	// ErrRecordTooLarge guards replay against insane length prefixes.
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// maxPayload caps a single old/new payload during replay.
const maxPayload = 1 << 27 // 128 MiB

// fixedSize is the encoded size of the fixed fields:
// txid(8) op(4) inode(4) block(4) timestamp(8) checksum(4).
const fixedSize = 32

// Record is the unit of durable change.
type Record struct {
	TxID      uint64
	Op        Op
	Inode     uint32
	Block     uint32
	Timestamp uint64
	Checksum  uint32
	OldData   []byte
	NewData   []byte
}

// Size returns the encoded size in bytes.
func (r *Record) Size() int64 {
	return fixedSize + 4 + int64(len(r.OldData)) + 4 + int64(len(r.NewData))
}

func (r *Record) encodeFixed(buf []byte, sum uint32) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:], r.TxID)
	le.PutUint32(buf[8:], uint32(r.Op))
	le.PutUint32(buf[12:], r.Inode)
	le.PutUint32(buf[16:], r.Block)
	le.PutUint64(buf[20:], r.Timestamp)
	le.PutUint32(buf[28:], sum)
}

// ComputeChecksum returns the checksum over the fixed fields (with the
// checksum slot zeroed) and both payload bodies.
func (r *Record) ComputeChecksum() uint32 {
	var fixed [fixedSize]byte
	r.encodeFixed(fixed[:], 0)
	crc := checksum.Sum(fixed[:])
	crc = checksum.Update(crc, r.OldData)
	crc = checksum.Update(crc, r.NewData)
	return crc
}

// UpdateChecksum recomputes the checksum field.
func (r *Record) UpdateChecksum() {
	r.Checksum = r.ComputeChecksum()
}

// Valid reports whether the stored checksum matches the body.
func (r *Record) Valid() bool {
	return r.Checksum == r.ComputeChecksum()
}

// Encode writes the record to w in its on-disk layout.
func (r *Record) Encode(w io.Writer) error {
	buf := make([]byte, r.Size())
	r.encodeFixed(buf, r.Checksum)
	le := binary.LittleEndian
	off := fixedSize
	le.PutUint32(buf[off:], uint32(len(r.OldData)))
	off += 4
	copy(buf[off:], r.OldData)
	off += len(r.OldData)
	le.PutUint32(buf[off:], uint32(len(r.NewData)))
	off += 4
	copy(buf[off:], r.NewData)
	_, err := w.Write(buf)
	return err
}

// Decode reads one record from r. The second return is the number of bytes
// consumed. io.EOF with zero consumed means a clean end of log; any other
// error marks a torn or corrupt tail.
func Decode(r io.Reader) (*Record, int64, error) {
	var fixed [fixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, fixedSize, fmt.Errorf("%w: torn header: %v", ErrCorrupt, err)
	}

	le := binary.LittleEndian
	rec := &Record{
		TxID:      le.Uint64(fixed[0:]),
		Op:        Op(le.Uint32(fixed[8:])),
		Inode:     le.Uint32(fixed[12:]),
		Block:     le.Uint32(fixed[16:]),
		Timestamp: le.Uint64(fixed[20:]),
		Checksum:  le.Uint32(fixed[28:]),
	}

	consumed := int64(fixedSize)
	readPayload := func() ([]byte, error) {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: torn length: %v", ErrCorrupt, err)
		}
		consumed += 4
		n := le.Uint32(lenBuf[:])
		if n > maxPayload {
			return nil, fmt.Errorf("%w: payload %d", ErrRecordTooLarge, n)
		}
		if n == 0 {
			return nil, nil
		}
		p := make([]byte, n)
		if _, err := io.ReadFull(r, p); err != nil {
			return nil, fmt.Errorf("%w: torn payload: %v", ErrCorrupt, err)
		}
		consumed += int64(n)
		return p, nil
	}

	var err error
	if rec.OldData, err = readPayload(); err != nil {
		return nil, consumed, err
	}
	if rec.NewData, err = readPayload(); err != nil {
		return nil, consumed, err
	}

	if !rec.Valid() {
		return nil, consumed, ErrCorrupt
	}
	return rec, consumed, nil
}
