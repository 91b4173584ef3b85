package engine

import (
	"fmt"
	"time"

	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/txn"
	"github.com/hupe1980/blockfs/internal/wal"
)

// view layers an operation's staged-but-uncommitted images over the
// committed state, so work inside one transaction reads its own writes.
//
// Records stage into the view first and reach the transaction manager only
// when the whole operation succeeded; a failed operation therefore leaves
// an explicit caller transaction untouched. Blocks and inodes reserved
// eagerly from the allocators are tracked so a failure can hand them back.
type view struct {
	eng    *Engine
	tx     *txn.Tx
	blocks map[uint32][]byte
	inodes map[uint32]*inode.Inode // nil entry = freed in this view

	records []*wal.Record

	newBlocks []uint32
	newInodes []uint32
}

// newView builds a view over tx, replaying any records earlier operations
// already staged on it. tx may be nil for read-only work.
func newView(e *Engine, tx *txn.Tx) *view {
	v := &view{
		eng:    e,
		tx:     tx,
		blocks: make(map[uint32][]byte),
		inodes: make(map[uint32]*inode.Inode),
	}
	if tx != nil {
		for _, rec := range tx.Records() {
			v.absorb(rec)
		}
	}
	return v
}

// absorb folds one staged record into the overlay.
func (v *view) absorb(rec *wal.Record) {
	switch rec.Op {
	case wal.OpWriteBlock, wal.OpDirAdd, wal.OpDirRemove:
		if rec.Block != 0 {
			v.blocks[rec.Block] = rec.NewData
		}
	case wal.OpCreate:
		if len(rec.NewData) == inode.RecordSize {
			ino := new(inode.Inode)
			inode.DecodeInto(ino, rec.NewData)
			v.inodes[rec.Inode] = ino
		}
	case wal.OpFreeInode:
		v.inodes[rec.Inode] = nil
	}
}

// readBlock returns the view of block n.
func (v *view) readBlock(n uint32) ([]byte, error) {
	if img, ok := v.blocks[n]; ok {
		return img, nil
	}
	return v.eng.dev.ReadBlock(n)
}

// getInode returns the view of inode n.
func (v *view) getInode(n uint32) (inode.Inode, error) {
	if ino, ok := v.inodes[n]; ok {
		if ino == nil {
			return inode.Inode{}, fmt.Errorf("%w: %d", inode.ErrNotFound, n)
		}
		return *ino, nil
	}
	return v.eng.itable.Get(n)
}

func (v *view) stamp() uint64 {
	return uint64(time.Now().Unix())
}

func (v *view) stage(rec *wal.Record) {
	rec.Timestamp = v.stamp()
	rec.UpdateChecksum()
	v.records = append(v.records, rec)
	v.absorb(rec)
}

// stageBlockWrite stages a full after-image for block n. op selects the
// record type (WRITE_BLOCK, DIR_ADD, DIR_REMOVE); all three apply alike.
func (v *view) stageBlockWrite(op wal.Op, inoNum, n uint32, old, img []byte) {
	v.stage(&wal.Record{
		Op:      op,
		Inode:   inoNum,
		Block:   n,
		OldData: old,
		NewData: img,
	})
}

// stageInode stages an inode after-image.
func (v *view) stageInode(n uint32, ino *inode.Inode) {
	ino.UpdateChecksum()
	img := make([]byte, inode.RecordSize)
	ino.Encode(img)
	v.stage(&wal.Record{Op: wal.OpCreate, Inode: n, NewData: img})
}

// allocBlock reserves a data or pointer block eagerly and stages the
// allocation.
func (v *view) allocBlock() (uint32, error) {
	n, err := v.eng.balloc.Allocate()
	if err != nil {
		return 0, err
	}
	v.newBlocks = append(v.newBlocks, n)
	v.stage(&wal.Record{Op: wal.OpAllocBlock, Block: n})
	return n, nil
}

// freeBlock stages a deferred block free; the bit clears at apply time so
// a rollback costs nothing.
func (v *view) freeBlock(n uint32) {
	v.stage(&wal.Record{Op: wal.OpFreeBlock, Block: n})
}

// allocInode reserves an inode eagerly and stages the allocation.
func (v *view) allocInode() (uint32, error) {
	n, err := v.eng.itable.Allocate()
	if err != nil {
		return 0, err
	}
	v.newInodes = append(v.newInodes, n)
	v.stage(&wal.Record{Op: wal.OpAllocInode, Inode: n})
	return n, nil
}

// freeInode stages a deferred inode free.
func (v *view) freeInode(n uint32, old *inode.Inode) {
	var oldImg []byte
	if old != nil {
		oldImg = make([]byte, inode.RecordSize)
		old.Encode(oldImg)
	}
	v.stage(&wal.Record{Op: wal.OpFreeInode, Inode: n, OldData: oldImg})
}

// discard hands back everything the operation reserved eagerly.
func (v *view) discard() {
	for _, n := range v.newBlocks {
		if err := v.eng.balloc.Deallocate(n); err != nil {
			v.eng.logger.Warn("discard block failed", "block", n, "error", err)
		}
	}
	for _, n := range v.newInodes {
		v.eng.itable.Deallocate(n)
	}
	v.records = nil
	v.newBlocks = nil
	v.newInodes = nil
}

// flush moves the staged records onto the transaction. Once a record is
// appended, its reservation belongs to the transaction (whose rollback
// path releases it); on a mid-flush failure only the un-appended remainder
// stays with the view for discard.
func (v *view) flush() error {
	for i, rec := range v.records {
		if err := v.eng.txmgr.Append(v.tx, rec); err != nil {
			v.disown(v.records[:i])
			return err
		}
	}
	v.records = nil
	v.newBlocks = nil
	v.newInodes = nil
	return nil
}

// disown drops reservations whose records were handed to the transaction.
func (v *view) disown(appended []*wal.Record) {
	ownedBlocks := make(map[uint32]struct{})
	ownedInodes := make(map[uint32]struct{})
	for _, rec := range appended {
		switch rec.Op {
		case wal.OpAllocBlock:
			ownedBlocks[rec.Block] = struct{}{}
		case wal.OpAllocInode:
			ownedInodes[rec.Inode] = struct{}{}
		}
	}
	keepB := v.newBlocks[:0]
	for _, b := range v.newBlocks {
		if _, ok := ownedBlocks[b]; !ok {
			keepB = append(keepB, b)
		}
	}
	v.newBlocks = keepB
	keepI := v.newInodes[:0]
	for _, n := range v.newInodes {
		if _, ok := ownedInodes[n]; !ok {
			keepI = append(keepI, n)
		}
	}
	v.newInodes = keepI
}
