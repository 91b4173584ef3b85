package blockfs

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/blockfs/blobstore"
	"github.com/hupe1980/blockfs/codec"
	"github.com/hupe1980/blockfs/internal/engine"
	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/txn"
)

// FileSystem is a block-structured filesystem with ACID semantics over a
// single backing device. Every public operation is a synchronous blocking
// call, safe for concurrent use.
type FileSystem struct {
	eng     *engine.Engine
	logger  *Logger
	metrics MetricsCollector
	device  string
	store   blobstore.BlobStore
	codec   codec.Codec
}

// Open creates a FileSystem handle for the device at devicePath. The
// device must be formatted once with Format and brought online with
// Mount.
func Open(devicePath string, optFns ...Option) *FileSystem {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	eng := engine.New(devicePath, engine.Options{
		WALPath:            o.walPath,
		TransactionTimeout: o.txTimeout,
		AtimeUpdates:       o.atimeUpdates,
		AllocatorHint:      o.allocatorHint,
		Logger:             o.logger.Logger,
		Resource:           o.resource,
	})
	return &FileSystem{
		eng:     eng,
		logger:  o.logger.WithDevice(devicePath),
		metrics: o.metrics,
		device:  devicePath,
		store:   o.store,
		codec:   o.codec,
	}
}

func (fs *FileSystem) instrument(op, path string, fn func() error) error {
	start := time.Now()
	err := translateError(fn())
	fs.metrics.RecordOperation(op, time.Since(start), err)
	fs.logger.LogOperation(op, path, err)
	return err
}

// Format writes a fresh, empty filesystem onto the device. blockSize must
// be a power of two in [512, 65536]; totalBlocks at least 10. Existing
// data is lost.
func (fs *FileSystem) Format(totalBlocks, blockSize uint32) error {
	return fs.instrument("format", fs.device, func() error {
		return fs.eng.Format(totalBlocks, blockSize)
	})
}

// Mount loads the filesystem and replays the write-ahead log. A second
// mount fails with ErrAlreadyMounted.
func (fs *FileSystem) Mount() error {
	err := translateError(fs.eng.Mount())
	fs.logger.LogMount(fs.device, err)
	if err == nil {
		res := fs.eng.LastRecovery()
		fs.metrics.RecordRecovery(res.Applied)
		fs.logger.LogRecovery(res.Applied, res.Truncated, nil)
	}
	return err
}

// Unmount flushes state, persists the superblock, and releases the device
// and the log.
func (fs *FileSystem) Unmount() error {
	err := translateError(fs.eng.Unmount())
	fs.logger.LogUnmount(fs.device, err)
	return err
}

// Mounted reports whether the filesystem is online.
func (fs *FileSystem) Mounted() bool { return fs.eng.Mounted() }

// CreateFile creates an empty regular file with the given permission
// bits.
func (fs *FileSystem) CreateFile(path string, mode uint16) error {
	return fs.instrument("create_file", path, func() error {
		return fs.eng.CreateFile(nil, path, mode)
	})
}

// CreateDirectory creates an empty directory with the given permission
// bits.
func (fs *FileSystem) CreateDirectory(path string, mode uint16) error {
	return fs.instrument("create_directory", path, func() error {
		return fs.eng.CreateDirectory(nil, path, mode)
	})
}

// DeleteFile unlinks a regular file and releases its storage.
func (fs *FileSystem) DeleteFile(path string) error {
	return fs.instrument("delete_file", path, func() error {
		return fs.eng.DeleteFile(nil, path)
	})
}

// DeleteDirectory removes an empty directory.
func (fs *FileSystem) DeleteDirectory(path string) error {
	return fs.instrument("delete_directory", path, func() error {
		return fs.eng.DeleteDirectory(nil, path)
	})
}

// ReadFile returns the whole content of the file at path.
func (fs *FileSystem) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := fs.instrument("read_file", path, func() error {
		var err error
		data, err = fs.eng.ReadFile(nil, path)
		return err
	})
	return data, err
}

// ReadFileRange returns length bytes starting at offset, clamped to the
// file size. A zero length reads to the end.
func (fs *FileSystem) ReadFileRange(path string, offset, length uint64) ([]byte, error) {
	var data []byte
	err := fs.instrument("read_file_range", path, func() error {
		var err error
		data, err = fs.eng.ReadFileRange(nil, path, offset, length)
		return err
	})
	return data, err
}

// WriteFile atomically replaces the file's content.
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	return fs.instrument("write_file", path, func() error {
		return fs.eng.WriteFile(nil, path, data)
	})
}

// AppendFile extends the file with data.
func (fs *FileSystem) AppendFile(path string, data []byte) error {
	return fs.instrument("append_file", path, func() error {
		return fs.eng.AppendFile(nil, path, data)
	})
}

// FileExists reports whether path names a regular file.
func (fs *FileSystem) FileExists(path string) (bool, error) {
	ok, err := fs.eng.FileExists(path)
	return ok, translateError(err)
}

// DirectoryExists reports whether path names a directory.
func (fs *FileSystem) DirectoryExists(path string) (bool, error) {
	ok, err := fs.eng.DirectoryExists(path)
	return ok, translateError(err)
}

// GetFileSize returns the file size in bytes.
func (fs *FileSystem) GetFileSize(path string) (uint64, error) {
	size, err := fs.eng.GetFileSize(nil, path)
	return size, translateError(err)
}

// ListDirectory returns the sorted entry names of the directory at path.
func (fs *FileSystem) ListDirectory(path string) ([]string, error) {
	var names []string
	err := fs.instrument("list_directory", path, func() error {
		var err error
		names, err = fs.eng.ListDirectory(nil, path)
		return err
	})
	return names, err
}

// Rename atomically moves oldPath to newPath. The target must not exist.
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	return fs.instrument("rename", oldPath, func() error {
		return fs.eng.Rename(nil, oldPath, newPath)
	})
}

// InodeInfo is a point-in-time snapshot of an inode's metadata.
type InodeInfo struct {
	Number      uint32
	Mode        uint16
	UID         uint16
	GID         uint16
	Size        uint64
	Blocks      uint64
	LinkCount   uint32
	Atime       time.Time
	Mtime       time.Time
	Ctime       time.Time
	IsDir       bool
	Permissions string
}

func toInodeInfo(num uint32, ino inode.Inode) InodeInfo {
	return InodeInfo{
		Number:      num,
		Mode:        ino.Mode,
		UID:         ino.UID,
		GID:         ino.GID,
		Size:        ino.Size,
		Blocks:      ino.Blocks,
		LinkCount:   ino.LinkCount,
		Atime:       time.Unix(int64(ino.Atime), 0),
		Mtime:       time.Unix(int64(ino.Mtime), 0),
		Ctime:       time.Unix(int64(ino.Ctime), 0),
		IsDir:       ino.IsDir(),
		Permissions: ino.PermString(),
	}
}

// GetInode returns the metadata snapshot for path.
func (fs *FileSystem) GetInode(path string) (InodeInfo, error) {
	num, ino, err := fs.eng.GetInode(nil, path)
	if err != nil {
		return InodeInfo{}, translateError(err)
	}
	return toInodeInfo(num, ino), nil
}

// SetPermissions replaces the permission bits at path.
func (fs *FileSystem) SetPermissions(path string, perm uint16) error {
	return fs.instrument("set_permissions", path, func() error {
		return fs.eng.SetPermissions(nil, path, perm)
	})
}

// SetOwnership replaces the owner at path.
func (fs *FileSystem) SetOwnership(path string, uid, gid uint16) error {
	return fs.instrument("set_ownership", path, func() error {
		return fs.eng.SetOwnership(nil, path, uid, gid)
	})
}

// Tx groups several operations into one atomic unit. All of them become
// durable at Commit or none of them do.
type Tx struct {
	fs    *FileSystem
	inner *txn.Tx
}

// ID returns the transaction id. Ids start at 1 and are never reused.
func (tx *Tx) ID() uint64 { return tx.inner.ID() }

// BeginTransaction opens an explicit transaction. Unfinished transactions
// are aborted by the sweeper after the configured timeout.
func (fs *FileSystem) BeginTransaction() (*Tx, error) {
	inner, err := fs.eng.BeginTransaction()
	if err != nil {
		return nil, translateError(err)
	}
	fs.logger.LogTransaction("begin", inner.ID(), nil)
	return &Tx{fs: fs, inner: inner}, nil
}

// CommitTransaction makes the grouped operations durable and visible.
// Committing twice is a no-op.
func (fs *FileSystem) CommitTransaction(tx *Tx) error {
	records := len(tx.inner.Records())
	err := translateError(fs.eng.CommitTransaction(tx.inner))
	if err == nil {
		fs.metrics.RecordCommit(records)
	}
	fs.logger.LogCommit(tx.ID(), records, err)
	return err
}

// RollbackTransaction discards the grouped operations.
func (fs *FileSystem) RollbackTransaction(tx *Tx) error {
	err := translateError(fs.eng.RollbackTransaction(tx.inner))
	fs.logger.LogTransaction("rollback", tx.ID(), err)
	return err
}

// WithTransaction begins a transaction, runs fn, and commits; any error
// from fn rolls back instead.
func (fs *FileSystem) WithTransaction(fn func(tx *Tx) error) error {
	tx, err := fs.BeginTransaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := fs.RollbackTransaction(tx); rbErr != nil {
			fs.logger.Warn("rollback after failed transaction", "tx", tx.ID(), "error", rbErr)
		}
		return err
	}
	return fs.CommitTransaction(tx)
}

// Transactional operation variants.

// CreateFile creates a file within the transaction.
func (tx *Tx) CreateFile(path string, mode uint16) error {
	return translateError(tx.fs.eng.CreateFile(tx.inner, path, mode))
}

// CreateDirectory creates a directory within the transaction.
func (tx *Tx) CreateDirectory(path string, mode uint16) error {
	return translateError(tx.fs.eng.CreateDirectory(tx.inner, path, mode))
}

// DeleteFile unlinks a file within the transaction.
func (tx *Tx) DeleteFile(path string) error {
	return translateError(tx.fs.eng.DeleteFile(tx.inner, path))
}

// DeleteDirectory removes an empty directory within the transaction.
func (tx *Tx) DeleteDirectory(path string) error {
	return translateError(tx.fs.eng.DeleteDirectory(tx.inner, path))
}

// ReadFile reads through the transaction, observing its staged writes.
func (tx *Tx) ReadFile(path string) ([]byte, error) {
	data, err := tx.fs.eng.ReadFile(tx.inner, path)
	return data, translateError(err)
}

// WriteFile replaces content within the transaction.
func (tx *Tx) WriteFile(path string, data []byte) error {
	return translateError(tx.fs.eng.WriteFile(tx.inner, path, data))
}

// AppendFile extends a file within the transaction.
func (tx *Tx) AppendFile(path string, data []byte) error {
	return translateError(tx.fs.eng.AppendFile(tx.inner, path, data))
}

// Rename moves an entry within the transaction.
func (tx *Tx) Rename(oldPath, newPath string) error {
	return translateError(tx.fs.eng.Rename(tx.inner, oldPath, newPath))
}

// Info mirrors engine geometry and usage counters.
type Info = engine.Info

// Stats mirrors engine content and transaction counters.
type Stats = engine.Stats

// CheckReport is the outcome of CheckFilesystem.
type CheckReport = engine.CheckReport

// GetFilesystemInfo returns geometry and usage.
func (fs *FileSystem) GetFilesystemInfo() (Info, error) {
	info, err := fs.eng.Info()
	return info, translateError(err)
}

// GetFilesystemStats returns content and transaction counters.
func (fs *FileSystem) GetFilesystemStats() (Stats, error) {
	st, err := fs.eng.Stats()
	return st, translateError(err)
}

// CheckFilesystem runs a full structural verification pass.
func (fs *FileSystem) CheckFilesystem() (*CheckReport, error) {
	report, err := fs.eng.CheckFilesystem()
	return report, translateError(err)
}

// RepairFilesystem rebuilds bitmaps and counters from the reachability
// scan and reseals damaged inodes.
func (fs *FileSystem) RepairFilesystem() (*CheckReport, error) {
	report, err := fs.eng.RepairFilesystem()
	return report, translateError(err)
}

// Checkpoint folds the write-ahead log into the durable on-device state.
func (fs *FileSystem) Checkpoint() error {
	return fs.instrument("checkpoint", fs.device, fs.eng.Checkpoint)
}

// Defragment compacts the allocator bitmap. It runs only while the
// filesystem is otherwise idle and does NOT move block contents; the
// caller must relocate data afterwards.
func (fs *FileSystem) Defragment() error {
	return fs.instrument("defragment", fs.device, fs.eng.Defragment)
}

// Backup streams a consistent, compressed device image into store under
// name. A nil store falls back to the WithBlobStore default; a nil codec
// falls back to the WithCodec default.
func (fs *FileSystem) Backup(ctx context.Context, store blobstore.BlobStore, c codec.Codec, name string) error {
	return fs.instrument("backup", name, func() error {
		store, err := fs.pickStore(store)
		if err != nil {
			return err
		}
		if c == nil {
			c = fs.codec
		}
		return fs.eng.Backup(ctx, store, c, name)
	})
}

// Restore replaces the (unmounted) device with the named backup image. A
// nil store falls back to the WithBlobStore default.
func (fs *FileSystem) Restore(ctx context.Context, store blobstore.BlobStore, name string) error {
	return fs.instrument("restore", name, func() error {
		store, err := fs.pickStore(store)
		if err != nil {
			return err
		}
		return fs.eng.Restore(ctx, store, name)
	})
}

func (fs *FileSystem) pickStore(store blobstore.BlobStore) (blobstore.BlobStore, error) {
	if store != nil {
		return store, nil
	}
	if fs.store == nil {
		return nil, fmt.Errorf("%w: no blob store configured", ErrConfiguration)
	}
	return fs.store, nil
}
