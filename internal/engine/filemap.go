package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/wal"
)

// File content addressing: logical block indices 0..11 map through the
// direct pointers, the next K through the indirect block, then K² and K³
// through the double and triple indirect blocks, where K = blockSize / 4.
// A zero anywhere in the tree is a hole and reads as zeros.

func (e *Engine) ptrPerBlock() uint64 {
	return uint64(e.sb.BlockSize) / 4
}

// maxFileBlocks returns the largest addressable logical block count.
func (e *Engine) maxFileBlocks() uint64 {
	k := e.ptrPerBlock()
	return uint64(inode.NumDirect) + k + k*k + k*k*k
}

func ptrGet(img []byte, i uint64) uint32 {
	return binary.LittleEndian.Uint32(img[i*4:])
}

func ptrSet(img []byte, i uint64, val uint32) {
	binary.LittleEndian.PutUint32(img[i*4:], val)
}

// getBlock maps a logical block index to a device block number, 0 for a
// hole.
func (e *Engine) getBlock(v *view, ino *inode.Inode, idx uint64) (uint32, error) {
	k := e.ptrPerBlock()

	if idx < uint64(inode.NumDirect) {
		return ino.Direct[idx], nil
	}
	idx -= uint64(inode.NumDirect)

	walk := func(root uint32, path ...uint64) (uint32, error) {
		cur := root
		for _, i := range path {
			if cur == 0 {
				return 0, nil
			}
			img, err := v.readBlock(cur)
			if err != nil {
				return 0, err
			}
			cur = ptrGet(img, i)
		}
		return cur, nil
	}

	switch {
	case idx < k:
		return walk(ino.Indirect, idx)
	case idx < k+k*k:
		idx -= k
		return walk(ino.DoubleInd, idx/k, idx%k)
	case idx < k+k*k+k*k*k:
		idx -= k + k*k
		return walk(ino.TripleInd, idx/(k*k), (idx/k)%k, idx%k)
	default:
		return 0, fmt.Errorf("%w: block index %d", ErrFileTooLarge, idx)
	}
}

// stagePtrEntry updates one entry of a pointer block through the view.
func (e *Engine) stagePtrEntry(v *view, inoNum, blk uint32, entry uint64, val uint32) error {
	cur, err := v.readBlock(blk)
	if err != nil {
		return err
	}
	img := make([]byte, e.sb.BlockSize)
	copy(img, cur)
	ptrSet(img, entry, val)
	v.stageBlockWrite(wal.OpWriteBlock, inoNum, blk, cur, img)
	return nil
}

// materializePtrBlock allocates a zeroed pointer block.
func (e *Engine) materializePtrBlock(v *view, inoNum uint32, ino *inode.Inode) (uint32, error) {
	blk, err := v.allocBlock()
	if err != nil {
		return 0, err
	}
	v.stageBlockWrite(wal.OpWriteBlock, inoNum, blk, nil, make([]byte, e.sb.BlockSize))
	ino.Blocks++
	return blk, nil
}

// setBlock binds logical index idx to device block blk, materializing
// pointer blocks on demand. Pointer block allocations are WAL-logged like
// any other.
func (e *Engine) setBlock(v *view, inoNum uint32, ino *inode.Inode, idx uint64, blk uint32) error {
	k := e.ptrPerBlock()

	if idx < uint64(inode.NumDirect) {
		ino.Direct[idx] = blk
		return nil
	}
	idx -= uint64(inode.NumDirect)

	// descend materializes the next level below parent entry i.
	descend := func(cur uint32, i uint64) (uint32, error) {
		img, err := v.readBlock(cur)
		if err != nil {
			return 0, err
		}
		child := ptrGet(img, i)
		if child != 0 {
			return child, nil
		}
		child, err = e.materializePtrBlock(v, inoNum, ino)
		if err != nil {
			return 0, err
		}
		if err := e.stagePtrEntry(v, inoNum, cur, i, child); err != nil {
			return 0, err
		}
		return child, nil
	}

	ensureRoot := func(root *uint32) error {
		if *root != 0 {
			return nil
		}
		b, err := e.materializePtrBlock(v, inoNum, ino)
		if err != nil {
			return err
		}
		*root = b
		return nil
	}

	switch {
	case idx < k:
		if err := ensureRoot(&ino.Indirect); err != nil {
			return err
		}
		return e.stagePtrEntry(v, inoNum, ino.Indirect, idx, blk)

	case idx < k+k*k:
		idx -= k
		if err := ensureRoot(&ino.DoubleInd); err != nil {
			return err
		}
		l1, err := descend(ino.DoubleInd, idx/k)
		if err != nil {
			return err
		}
		return e.stagePtrEntry(v, inoNum, l1, idx%k, blk)

	case idx < k+k*k+k*k*k:
		idx -= k + k*k
		if err := ensureRoot(&ino.TripleInd); err != nil {
			return err
		}
		l1, err := descend(ino.TripleInd, idx/(k*k))
		if err != nil {
			return err
		}
		l2, err := descend(l1, (idx/k)%k)
		if err != nil {
			return err
		}
		return e.stagePtrEntry(v, inoNum, l2, idx%k, blk)

	default:
		return fmt.Errorf("%w: block index %d", ErrFileTooLarge, idx)
	}
}

// collectBlocks returns every device block referenced by the inode: the
// data blocks and the pointer blocks, in that order.
func (e *Engine) collectBlocks(v *view, ino *inode.Inode) (data []uint32, ptrs []uint32, err error) {
	bs := uint64(e.sb.BlockSize)
	nIdx := (ino.Size + bs - 1) / bs

	for idx := uint64(0); idx < nIdx; idx++ {
		blk, err := e.getBlock(v, ino, idx)
		if err != nil {
			return nil, nil, err
		}
		if blk != 0 {
			data = append(data, blk)
		}
	}

	// Pointer blocks, walking only materialized subtrees.
	var walkPtrs func(root uint32, depth int) error
	walkPtrs = func(root uint32, depth int) error {
		if root == 0 {
			return nil
		}
		ptrs = append(ptrs, root)
		if depth == 0 {
			return nil
		}
		img, err := v.readBlock(root)
		if err != nil {
			return err
		}
		for i := uint64(0); i < e.ptrPerBlock(); i++ {
			if err := walkPtrs(ptrGet(img, i), depth-1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walkPtrs(ino.Indirect, 0); err != nil {
		return nil, nil, err
	}
	if err := walkPtrs(ino.DoubleInd, 1); err != nil {
		return nil, nil, err
	}
	if err := walkPtrs(ino.TripleInd, 2); err != nil {
		return nil, nil, err
	}
	return data, ptrs, nil
}

// readRange reads [off, off+n) of the inode's content through the pointer
// tree. Holes read as zeros; the range is clamped to the file size.
func (e *Engine) readRange(v *view, ino *inode.Inode, off, n uint64) ([]byte, error) {
	if off >= ino.Size {
		return nil, nil
	}
	if off+n > ino.Size || n == 0 {
		n = ino.Size - off
	}

	bs := uint64(e.sb.BlockSize)
	out := make([]byte, n)
	for pos := uint64(0); pos < n; {
		idx := (off + pos) / bs
		within := (off + pos) % bs
		chunk := bs - within
		if chunk > n-pos {
			chunk = n - pos
		}
		blk, err := e.getBlock(v, ino, idx)
		if err != nil {
			return nil, err
		}
		if blk != 0 {
			img, err := v.readBlock(blk)
			if err != nil {
				return nil, err
			}
			copy(out[pos:pos+chunk], img[within:within+chunk])
		}
		pos += chunk
	}
	return out, nil
}

// truncateToZero stages the release of every block the inode references
// and resets its pointer tree.
func (e *Engine) truncateToZero(v *view, ino *inode.Inode) error {
	data, ptrs, err := e.collectBlocks(v, ino)
	if err != nil {
		return err
	}
	for _, blk := range data {
		v.freeBlock(blk)
	}
	for _, blk := range ptrs {
		v.freeBlock(blk)
	}
	ino.Direct = [inode.NumDirect]uint32{}
	ino.Indirect = 0
	ino.DoubleInd = 0
	ino.TripleInd = 0
	ino.Size = 0
	ino.Blocks = 0
	return nil
}

// appendData writes data starting at offset off (the current size for
// appends, 0 after a truncate), allocating data and pointer blocks on
// demand and staging full block images with blockOp.
func (e *Engine) appendData(v *view, inoNum uint32, ino *inode.Inode, off uint64, data []byte, blockOp wal.Op) error {
	if len(data) == 0 {
		ino.Size = max(ino.Size, off)
		return nil
	}
	bs := uint64(e.sb.BlockSize)
	if (off+uint64(len(data))+bs-1)/bs > e.maxFileBlocks() {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, off+uint64(len(data)))
	}

	pos := uint64(0)
	for pos < uint64(len(data)) {
		idx := (off + pos) / bs
		within := (off + pos) % bs
		chunk := bs - within
		if chunk > uint64(len(data))-pos {
			chunk = uint64(len(data)) - pos
		}

		blk, err := e.getBlock(v, ino, idx)
		if err != nil {
			return err
		}

		img := make([]byte, bs)
		if blk == 0 {
			blk, err = v.allocBlock()
			if err != nil {
				return err
			}
			ino.Blocks++
			if err := e.setBlock(v, inoNum, ino, idx, blk); err != nil {
				return err
			}
		} else if within != 0 {
			// Partial overwrite of an existing tail block.
			cur, err := v.readBlock(blk)
			if err != nil {
				return err
			}
			copy(img, cur)
		}
		copy(img[within:], data[pos:pos+chunk])
		v.stageBlockWrite(blockOp, inoNum, blk, nil, img)
		pos += chunk
	}

	if off+uint64(len(data)) > ino.Size {
		ino.Size = off + uint64(len(data))
	}
	return nil
}

// writeContent atomically replaces the inode's content: the old extent is
// released and a fresh tree is built, all within the operation's
// transaction.
func (e *Engine) writeContent(v *view, inoNum uint32, ino *inode.Inode, data []byte, blockOp wal.Op) error {
	if err := e.truncateToZero(v, ino); err != nil {
		return err
	}
	return e.appendData(v, inoNum, ino, 0, data, blockOp)
}
