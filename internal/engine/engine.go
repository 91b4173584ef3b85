// Package engine binds the superblock, allocators, inode table, WAL and
// lock table into the filesystem the public package exposes.
//
// Mutations follow a redo-only write-ahead discipline: an operation stages
// full after-images in a transaction, the commit makes the batch durable in
// the WAL, and only then are the images applied in place. Recovery replays
// the same application path for every committed batch, so a crash at any
// point leaves either all or none of a transaction's effects.
package engine

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hupe1980/blockfs/internal/alloc"
	"github.com/hupe1980/blockfs/internal/device"
	"github.com/hupe1980/blockfs/internal/fs"
	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/lockmap"
	"github.com/hupe1980/blockfs/internal/resource"
	"github.com/hupe1980/blockfs/internal/superblock"
	"github.com/hupe1980/blockfs/internal/txn"
	"github.com/hupe1980/blockfs/internal/wal"
)

// Options configures an Engine.
type Options struct {
	// WALPath is the log file location. Defaults to devicePath + ".wal".
	WALPath string
	// TransactionTimeout is the sweeper threshold. Defaults to 30s.
	TransactionTimeout time.Duration
	// AtimeUpdates controls access time maintenance on reads.
	AtimeUpdates bool
	// AllocatorHint seeds the block allocator's rotating hint.
	AllocatorHint uint32
	// Logger receives structured events. Nil discards.
	Logger *slog.Logger
	// FS overrides the host file system, for fault injection.
	FS fs.FileSystem
	// Resource bounds maintenance work.
	Resource resource.Config
}

func (o *Options) withDefaults(devPath string) {
	if o.WALPath == "" {
		o.WALPath = devPath + ".wal"
	}
	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = 30 * time.Second
	}
	if o.AllocatorHint == 0 {
		o.AllocatorHint = 1
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.FS == nil {
		o.FS = fs.Default
	}
}

// Engine is a single mounted (or mountable) filesystem instance.
type Engine struct {
	devPath string
	opts    Options
	logger  *slog.Logger
	rc      *resource.Controller

	// mu is the filesystem mount lock: held shared by every operation,
	// exclusively by mount, unmount, defragment, backup and repair.
	mu      sync.RWMutex
	mounted bool

	sb     *superblock.SuperBlock
	dev    *device.Device
	balloc *alloc.BlockAllocator
	itable *inode.Table
	wlog   *wal.WAL
	txmgr  *txn.Manager
	locks  *lockmap.LockMap

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce *sync.Once

	lastRecovery txn.RecoverResult
}

// New creates an engine for the device at devPath. The device must be
// formatted (once) and mounted before use.
func New(devPath string, opts Options) *Engine {
	opts.withDefaults(devPath)
	return &Engine{
		devPath: devPath,
		opts:    opts,
		logger:  opts.Logger,
		rc:      resource.NewController(opts.Resource),
	}
}

// Format writes a fresh filesystem onto the device: superblock, empty
// inode table and bitmaps, and the root directory (inode 1). Any existing
// data on the device and any stale WAL are destroyed.
func (e *Engine) Format(totalBlocks, blockSize uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mounted {
		return ErrAlreadyMounted
	}

	var sb superblock.SuperBlock
	sb.Initialize(totalBlocks, blockSize)
	if err := sb.Validate(); err != nil {
		return err
	}

	dev, err := device.Create(e.opts.FS, e.devPath, totalBlocks, blockSize)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	defer dev.Close()

	balloc := alloc.New(totalBlocks, e.opts.AllocatorHint, e.logger)
	itable := inode.NewTable(sb.InodeCount, e.logger)

	rootIno, err := itable.Allocate()
	if err != nil {
		return err
	}
	if rootIno != sb.RootInode {
		return fmt.Errorf("%w: root inode allocated as %d", ErrFilesystemCorrupt, rootIno)
	}
	var root inode.Inode
	root.Initialize(inode.ModeDir|0755, 0, 0, uint64(time.Now().Unix()))
	// "." and ".." are structural, but they still account for two links.
	root.LinkCount = 2
	root.UpdateChecksum()
	if err := itable.Put(rootIno, root); err != nil {
		return err
	}

	if err := persistState(dev, &sb, itable, balloc); err != nil {
		return err
	}
	if err := dev.Sync(); err != nil {
		return err
	}

	// A log from a previous life of this device must not replay here.
	if err := e.opts.FS.Remove(e.opts.WALPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale WAL: %w", err)
	}

	e.logger.Info("formatted filesystem",
		"device", e.devPath,
		"total_blocks", totalBlocks,
		"block_size", blockSize,
		"inode_count", sb.InodeCount)
	return nil
}

// persistState writes the superblock into block 0 and the inode table plus
// block bitmap into the metadata tail past the last block.
func persistState(dev *device.Device, sb *superblock.SuperBlock, itable *inode.Table, balloc *alloc.BlockAllocator) error {
	var sbBuf bytes.Buffer
	if err := sb.Encode(&sbBuf, sb.BlockSize); err != nil {
		return err
	}
	if err := dev.WriteBlock(0, sbBuf.Bytes()); err != nil {
		return err
	}

	var tail bytes.Buffer
	if err := itable.Encode(&tail); err != nil {
		return err
	}
	if err := balloc.Encode(&tail); err != nil {
		return err
	}
	return dev.WriteTail(tail.Bytes())
}

// Mount loads the on-disk state, replays the WAL, and brings the engine
// online. Mounting a mounted engine fails with ErrAlreadyMounted.
func (e *Engine) Mount() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mounted {
		return ErrAlreadyMounted
	}

	sb, err := e.readSuperblock()
	if err != nil {
		return err
	}
	if err := sb.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrFilesystemCorrupt, err)
	}

	dev, err := device.Open(e.opts.FS, e.devPath, sb.TotalBlocks, sb.BlockSize)
	if err != nil {
		return err
	}

	itable, balloc, err := e.readState(dev, sb)
	if err != nil {
		dev.Close()
		return err
	}

	wlog, err := wal.Open(e.opts.FS, e.opts.WALPath)
	if err != nil {
		dev.Close()
		return err
	}

	e.sb = sb
	e.dev = dev
	e.itable = itable
	e.balloc = balloc
	e.wlog = wlog
	e.txmgr = txn.NewManager(wlog, e.opts.TransactionTimeout, e.logger)
	e.locks = lockmap.New()

	abandon := func() {
		e.wlog.Close()
		e.dev.Close()
		e.teardownLocked()
	}

	res, err := e.txmgr.Recover(e)
	if err != nil {
		abandon()
		return fmt.Errorf("recover: %w", err)
	}
	e.lastRecovery = res
	e.syncCounters()
	e.sb.TouchMount(uint64(time.Now().Unix()))

	// Fold the replayed state into a fresh checkpoint so the log starts
	// empty.
	if err := e.checkpointLocked(); err != nil {
		abandon()
		return err
	}

	e.mounted = true
	e.sweepStop = make(chan struct{})
	e.sweepDone = make(chan struct{})
	e.sweepOnce = new(sync.Once)
	go e.sweepLoop(e.sweepStop, e.sweepDone)

	e.logger.Info("mounted filesystem",
		"device", e.devPath,
		"replayed", res.Applied,
		"truncated_tail", res.Truncated)
	return nil
}

func (e *Engine) readSuperblock() (*superblock.SuperBlock, error) {
	f, err := e.opts.FS.OpenFile(e.devPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return superblock.Decode(f)
}

func (e *Engine) readState(dev *device.Device, sb *superblock.SuperBlock) (*inode.Table, *alloc.BlockAllocator, error) {
	tail, err := dev.ReadTail()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read metadata: %w", ErrFilesystemCorrupt, err)
	}
	r := bytes.NewReader(tail)

	itable, err := inode.DecodeTable(r, sb.InodeCount, e.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: inode table: %w", ErrFilesystemCorrupt, err)
	}
	balloc := alloc.New(sb.TotalBlocks, e.opts.AllocatorHint, e.logger)
	if err := balloc.Decode(r); err != nil {
		return nil, nil, fmt.Errorf("%w: block bitmap: %w", ErrFilesystemCorrupt, err)
	}
	return itable, balloc, nil
}

// Unmount flushes all state, persists the superblock, and closes the WAL
// and device. Errors along the way are logged; the device is released on
// every path.
func (e *Engine) Unmount() error {
	// Stop the sweeper before taking the mount lock: its auto-checkpoint
	// path takes the lock itself and must not be waited for while we hold
	// it.
	e.mu.RLock()
	if !e.mounted {
		e.mu.RUnlock()
		return ErrNotMounted
	}
	stop, done, once := e.sweepStop, e.sweepDone, e.sweepOnce
	e.mu.RUnlock()
	once.Do(func() { close(stop) })
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.mounted {
		return ErrNotMounted
	}

	// Abort whatever is still in flight; its effects were never applied.
	for _, tx := range e.txmgr.Drain() {
		e.rollbackTx(tx)
	}

	var firstErr error
	if err := e.checkpointLocked(); err != nil {
		e.logger.Error("unmount checkpoint failed", "error", err)
		firstErr = err
	}
	if err := e.wlog.Close(); err != nil {
		e.logger.Error("unmount WAL close failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := e.dev.Close(); err != nil {
		e.logger.Error("unmount device close failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	e.teardownLocked()
	e.logger.Info("unmounted filesystem", "device", e.devPath)
	return firstErr
}

func (e *Engine) teardownLocked() {
	e.mounted = false
	e.sb = nil
	e.dev = nil
	e.itable = nil
	e.balloc = nil
	e.wlog = nil
	e.txmgr = nil
	e.locks = nil
}

// checkpointLocked makes the in-memory state durable and resets the WAL:
// device sync, superblock and metadata persist, then log truncation.
// Caller holds e.mu (either mode) with components initialized.
func (e *Engine) checkpointLocked() error {
	if err := e.dev.Sync(); err != nil {
		return err
	}
	e.sb.TouchWrite(uint64(time.Now().Unix()))
	if err := persistState(e.dev, e.sb, e.itable, e.balloc); err != nil {
		return err
	}
	if err := e.dev.Sync(); err != nil {
		return err
	}
	return e.wlog.TruncateTail(0)
}

// Checkpoint flushes the WAL and folds it into the durable state.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted {
		return ErrNotMounted
	}
	return e.checkpointLocked()
}

// LastRecovery returns the outcome of the recovery pass run by the most
// recent successful Mount.
func (e *Engine) LastRecovery() txn.RecoverResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRecovery
}

// Mounted reports whether the engine is mounted.
func (e *Engine) Mounted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mounted
}

// Apply re-applies one committed record in place. It is the single
// application path shared by live commits and recovery replay, and it is
// idempotent.
func (e *Engine) Apply(rec *wal.Record) error {
	switch rec.Op {
	case wal.OpWriteBlock, wal.OpDirAdd, wal.OpDirRemove:
		if rec.Block == 0 {
			return nil
		}
		return e.dev.WriteBlock(rec.Block, rec.NewData)
	case wal.OpAllocBlock:
		e.balloc.MarkUsed(rec.Block)
	case wal.OpFreeBlock:
		e.balloc.MarkFree(rec.Block)
	case wal.OpAllocInode:
		e.itable.MarkUsed(rec.Inode)
	case wal.OpCreate:
		if len(rec.NewData) != inode.RecordSize {
			return fmt.Errorf("%w: inode image of %d bytes", ErrFilesystemCorrupt, len(rec.NewData))
		}
		e.itable.MarkUsed(rec.Inode)
		var ino inode.Inode
		inode.DecodeInto(&ino, rec.NewData)
		return e.itable.Put(rec.Inode, ino)
	case wal.OpFreeInode:
		e.itable.Deallocate(rec.Inode)
	case wal.OpBegin, wal.OpCommit, wal.OpAbort:
		// Markers carry no state.
	}
	return nil
}

// applyTx applies every staged record of a committed transaction and
// refreshes the superblock counters.
func (e *Engine) applyTx(tx *txn.Tx) error {
	for _, rec := range tx.Records() {
		if err := e.Apply(rec); err != nil {
			return err
		}
	}
	e.syncCounters()
	return nil
}

// syncCounters derives the superblock counters from the bitmaps, keeping
// the accounting invariants exact.
func (e *Engine) syncCounters() {
	e.sb.FreeBlocks = e.sb.TotalBlocks - e.balloc.UsedCount()
	e.sb.FreeInodes = e.itable.FreeCount()
	e.sb.TouchWrite(uint64(time.Now().Unix()))
}

// rollbackTx releases the blocks and inodes an aborted transaction had
// reserved eagerly, then retires it.
func (e *Engine) rollbackTx(tx *txn.Tx) {
	e.releaseTxAllocations(tx)
	if err := e.txmgr.Rollback(tx); err != nil {
		e.logger.Warn("rollback failed", "tx", tx.ID(), "error", err)
	}
}

// autoCheckpointBytes is the WAL size past which the sweeper folds the log
// into the durable state.
const autoCheckpointBytes = 64 << 20

// sweepLoop reaps expired transactions and checkpoints an oversized WAL in
// the background.
func (e *Engine) sweepLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			var logSize int64
			e.mu.RLock()
			if e.mounted {
				for _, tx := range e.txmgr.Expired(now) {
					e.logger.Warn("aborting expired transaction", "tx", tx.ID())
					e.rollbackTx(tx)
				}
				logSize = e.wlog.Size()
			}
			e.mu.RUnlock()

			if logSize > autoCheckpointBytes {
				if err := e.Checkpoint(); err != nil && err != ErrNotMounted {
					e.logger.Error("auto-checkpoint failed", "error", err)
				}
			}
		}
	}
}

// deviceReader opens an independent sequential reader over the raw device
// image, for backups.
func (e *Engine) deviceReader() (io.ReadCloser, error) {
	f, err := e.opts.FS.OpenFile(e.devPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}
