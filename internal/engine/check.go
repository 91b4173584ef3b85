package engine

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/blockfs/internal/inode"
)

// CheckReport is the outcome of a structural verification pass.
type CheckReport struct {
	// Problems lists every inconsistency found, empty when clean.
	Problems []string

	InodesChecked   uint32
	ReachableBlocks uint64
	LeakedBlocks    []uint32
	MissingBlocks   []uint32
	SharedBlocks    []uint32
}

// Clean reports whether the filesystem passed every check.
func (r *CheckReport) Clean() bool { return len(r.Problems) == 0 }

func (r *CheckReport) problemf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// inodeScan is one inode's contribution to the reachability analysis.
type inodeScan struct {
	num    uint32
	blocks *roaring.Bitmap
	issues []string
}

// CheckFilesystem verifies the superblock, every live inode, and the
// cross-consistency of the pointer trees with the block bitmap. Inodes are
// scanned in parallel; the bitmap set algebra runs on roaring bitmaps.
func (e *Engine) CheckFilesystem() (*CheckReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return nil, ErrNotMounted
	}

	report := &CheckReport{}

	if err := e.sb.Validate(); err != nil {
		report.problemf("superblock: %v", err)
	}

	// Snapshot the live inodes.
	type numbered struct {
		num uint32
		ino inode.Inode
	}
	var live []numbered
	e.itable.Range(func(n uint32, ino inode.Inode) bool {
		live = append(live, numbered{n, ino})
		return true
	})
	report.InodesChecked = uint32(len(live))

	// Scan pointer trees in parallel.
	var (
		g       errgroup.Group
		mu      sync.Mutex
		scans   []inodeScan
		workers = runtime.NumCPU()
	)
	g.SetLimit(workers)
	v := newView(e, nil)
	bs := uint64(e.sb.BlockSize)

	for _, item := range live {
		g.Go(func() error {
			scan := inodeScan{num: item.num, blocks: roaring.New()}
			ino := item.ino

			if !ino.ChecksumOK() {
				scan.issues = append(scan.issues, fmt.Sprintf("inode %d: checksum mismatch", item.num))
			}
			if ino.LinkCount < 1 {
				scan.issues = append(scan.issues, fmt.Sprintf("inode %d: link count %d", item.num, ino.LinkCount))
			}

			data, ptrs, err := e.collectBlocks(v, &ino)
			if err != nil {
				scan.issues = append(scan.issues, fmt.Sprintf("inode %d: pointer tree: %v", item.num, err))
			} else {
				maxData := (ino.Size + bs - 1) / bs
				if uint64(len(data)) > maxData {
					scan.issues = append(scan.issues,
						fmt.Sprintf("inode %d: %d data blocks exceed size %d", item.num, len(data), ino.Size))
				}
				for _, blk := range data {
					scan.blocks.Add(blk)
				}
				for _, blk := range ptrs {
					scan.blocks.Add(blk)
				}
			}

			mu.Lock()
			scans = append(scans, scan)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge reachability and find blocks claimed by more than one tree.
	reachable := roaring.New()
	shared := roaring.New()
	for _, scan := range scans {
		report.Problems = append(report.Problems, scan.issues...)
		shared.Or(roaring.And(reachable, scan.blocks))
		reachable.Or(scan.blocks)
	}
	reachable.Add(0) // superblock
	report.ReachableBlocks = reachable.GetCardinality()

	claimed := roaring.New()
	for _, blk := range e.balloc.Used() {
		claimed.Add(blk)
	}

	leaked := roaring.AndNot(claimed, reachable)
	missing := roaring.AndNot(reachable, claimed)
	report.LeakedBlocks = leaked.ToArray()
	report.MissingBlocks = missing.ToArray()
	report.SharedBlocks = shared.ToArray()

	if !leaked.IsEmpty() {
		report.problemf("%d blocks marked used but unreachable", leaked.GetCardinality())
	}
	if !missing.IsEmpty() {
		report.problemf("%d blocks referenced but marked free", missing.GetCardinality())
	}
	if !shared.IsEmpty() {
		report.problemf("%d blocks referenced by more than one inode", shared.GetCardinality())
	}

	// Accounting invariants.
	if got, want := e.balloc.FreeCount(), e.sb.FreeBlocks; got != want {
		report.problemf("free block count %d disagrees with superblock %d", got, want)
	}
	if got, want := e.itable.FreeCount(), e.sb.FreeInodes; got != want {
		report.problemf("free inode count %d disagrees with superblock %d", got, want)
	}

	e.logger.Info("filesystem check finished",
		"inodes", report.InodesChecked,
		"problems", len(report.Problems))
	return report, nil
}

// RepairFilesystem rebuilds the block bitmap and the superblock counters
// from the inode reachability scan: leaked blocks are freed, referenced
// blocks are re-marked, and counters are recomputed. Structural damage
// inside an inode (bad checksum) is repaired by resealing the record.
func (e *Engine) RepairFilesystem() (*CheckReport, error) {
	report, err := e.CheckFilesystem()
	if err != nil {
		return nil, err
	}
	if report.Clean() {
		return report, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted {
		return nil, ErrNotMounted
	}

	for _, blk := range report.LeakedBlocks {
		e.balloc.MarkFree(blk)
	}
	for _, blk := range report.MissingBlocks {
		e.balloc.MarkUsed(blk)
	}

	// Reseal inodes whose checksum went stale.
	var reseal []uint32
	e.itable.Range(func(n uint32, ino inode.Inode) bool {
		if !ino.ChecksumOK() {
			reseal = append(reseal, n)
		}
		return true
	})
	for _, n := range reseal {
		ino, err := e.itable.Get(n)
		if err != nil {
			continue
		}
		ino.UpdateChecksum()
		if err := e.itable.Put(n, ino); err != nil {
			e.logger.Warn("reseal failed", "inode", n, "error", err)
		}
	}

	e.syncCounters()
	if err := e.checkpointLocked(); err != nil {
		return report, err
	}

	e.logger.Info("filesystem repaired",
		"freed", len(report.LeakedBlocks),
		"reclaimed", len(report.MissingBlocks),
		"resealed", len(reseal))
	return report, nil
}
