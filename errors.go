package blockfs

import (
	"errors"
	"fmt"

	"github.com/hupe1980/blockfs/internal/alloc"
	"github.com/hupe1980/blockfs/internal/device"
	"github.com/hupe1980/blockfs/internal/dirent"
	"github.com/hupe1980/blockfs/internal/engine"
	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/superblock"
	"github.com/hupe1980/blockfs/internal/txn"
	"github.com/hupe1980/blockfs/internal/wal"
)

// Path errors.
var (
	// ErrInvalidPath is returned for malformed paths.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNotADirectory is returned when a non-directory appears mid-path
	// or where a directory is required.
	ErrNotADirectory = errors.New("not a directory")
	// ErrNotAFile is returned when a file operation targets a directory.
	ErrNotAFile = errors.New("not a file")
	// ErrFileNotFound is returned when a path component does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrDirectoryNotFound is returned when a parent directory is missing.
	ErrDirectoryNotFound = errors.New("directory not found")
	// ErrFileAlreadyExists is returned when creating over an existing name.
	ErrFileAlreadyExists = errors.New("file already exists")
	// ErrDirectoryNotEmpty is returned when deleting a non-empty directory.
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	// ErrPermissionDenied is reserved for callers layering access control
	// on top of the core.
	ErrPermissionDenied = errors.New("permission denied")
)

// Storage errors.
var (
	// ErrOutOfSpace is returned when blocks or inodes are exhausted.
	ErrOutOfSpace = errors.New("out of space")
	// ErrInvalidBlock is returned for out-of-range block references.
	ErrInvalidBlock = errors.New("invalid block")
	// ErrBlockCorrupt is returned when block data fails verification.
	ErrBlockCorrupt = errors.New("block corrupt")
	// ErrInodeNotFound is returned for dangling inode references.
	ErrInodeNotFound = errors.New("inode not found")
	// ErrInodeCorrupt is returned when an inode fails its checksum.
	ErrInodeCorrupt = errors.New("inode corrupt")
)

// Transaction errors.
var (
	// ErrTransactionNotFound is returned for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionAborted is returned when operating on an aborted
	// transaction, including ones reaped by the expiry sweeper.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrAlreadyCommitted is returned when rolling back a committed
	// transaction.
	ErrAlreadyCommitted = errors.New("transaction already committed")
	// ErrTransactionTimeout is reserved for callers implementing their own
	// deadline handling.
	ErrTransactionTimeout = errors.New("transaction timeout")
)

// System errors.
var (
	// ErrNotMounted is returned when the filesystem is not mounted.
	ErrNotMounted = errors.New("not mounted")
	// ErrAlreadyMounted is returned on repeated mounts.
	ErrAlreadyMounted = errors.New("already mounted")
	// ErrFilesystemCorrupt is returned when on-disk structures fail
	// validation at mount or check time.
	ErrFilesystemCorrupt = errors.New("filesystem corrupt")
	// ErrIO wraps device and log I/O failures.
	ErrIO = errors.New("i/o error")
	// ErrConfiguration is returned for invalid option values.
	ErrConfiguration = errors.New("configuration error")
)

// ErrConcurrentAccess is a hint-only error; internal retries absorb most
// contention.
var ErrConcurrentAccess = errors.New("concurrent access")

// translateError folds internal errors into the public taxonomy. The
// original error stays reachable through errors.Is and errors.As.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	wrap := func(sentinel error) error {
		return fmt.Errorf("%w: %w", sentinel, err)
	}

	// Errors already expressed in the public taxonomy pass through.
	if errors.Is(err, ErrConfiguration) {
		return err
	}

	switch {
	// Path taxonomy.
	case errors.Is(err, engine.ErrInvalidPath):
		return wrap(ErrInvalidPath)
	case errors.Is(err, engine.ErrNotADirectory):
		return wrap(ErrNotADirectory)
	case errors.Is(err, engine.ErrNotAFile):
		return wrap(ErrNotAFile)
	case errors.Is(err, engine.ErrFileNotFound):
		return wrap(ErrFileNotFound)
	case errors.Is(err, engine.ErrDirectoryNotFound):
		return wrap(ErrDirectoryNotFound)
	case errors.Is(err, engine.ErrFileExists), errors.Is(err, dirent.ErrExists):
		return wrap(ErrFileAlreadyExists)
	case errors.Is(err, engine.ErrDirectoryNotEmpty):
		return wrap(ErrDirectoryNotEmpty)
	case errors.Is(err, dirent.ErrNameTooLong):
		return wrap(ErrInvalidPath)

	// Storage taxonomy.
	case errors.Is(err, alloc.ErrOutOfSpace),
		errors.Is(err, superblock.ErrNoFreeBlocks),
		errors.Is(err, superblock.ErrNoFreeInodes),
		errors.Is(err, inode.ErrNoFreeInodes),
		errors.Is(err, engine.ErrFileTooLarge):
		return wrap(ErrOutOfSpace)
	case errors.Is(err, alloc.ErrInvalidBlock), errors.Is(err, device.ErrInvalidBlock):
		return wrap(ErrInvalidBlock)
	case errors.Is(err, inode.ErrNotFound):
		return wrap(ErrInodeNotFound)
	case errors.Is(err, dirent.ErrCorrupt), errors.Is(err, wal.ErrCorrupt):
		return wrap(ErrFilesystemCorrupt)

	// Transaction taxonomy.
	case errors.Is(err, txn.ErrNotFound):
		return wrap(ErrTransactionNotFound)
	case errors.Is(err, txn.ErrAborted):
		return wrap(ErrTransactionAborted)
	case errors.Is(err, txn.ErrAlreadyCommitted):
		return wrap(ErrAlreadyCommitted)

	// System taxonomy.
	case errors.Is(err, engine.ErrNotMounted):
		return wrap(ErrNotMounted)
	case errors.Is(err, engine.ErrAlreadyMounted):
		return wrap(ErrAlreadyMounted)
	case errors.Is(err, engine.ErrFilesystemCorrupt), errors.Is(err, superblock.ErrBadMagic),
		errors.Is(err, superblock.ErrInvalid), errors.Is(err, superblock.ErrChecksum):
		return wrap(ErrFilesystemCorrupt)
	}

	return fmt.Errorf("%w: %w", ErrIO, err)
}
