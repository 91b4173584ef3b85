package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/blockfs/internal/dirent"
	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/txn"
	"github.com/hupe1980/blockfs/internal/wal"
)

// withOp runs one filesystem operation. The work function stages its
// mutations on the view and returns the lock release for the inodes it
// holds; locks stay held until the transaction's effects are applied so a
// reader that wins the lock next observes everything the commit wrote.
//
// With tx == nil the operation runs in its own transaction, committed (and
// applied) before return. With a caller transaction, mutations stay staged
// until CommitTransaction.
func (e *Engine) withOp(tx *txn.Tx, fn func(v *view) (func(), error)) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return ErrNotMounted
	}

	implicit := tx == nil
	if implicit {
		tx = e.txmgr.Begin()
	} else if tx.State() != txn.StateActive {
		return fmt.Errorf("%w: %d", txn.ErrAborted, tx.ID())
	}

	v := newView(e, tx)
	release, err := fn(v)
	if release == nil {
		release = func() {}
	}
	defer release()

	if err != nil {
		v.discard()
		if implicit {
			if rbErr := e.txmgr.Rollback(tx); rbErr != nil {
				e.logger.Warn("implicit rollback failed", "tx", tx.ID(), "error", rbErr)
			}
		}
		return err
	}

	if err := v.flush(); err != nil {
		v.discard()
		return err
	}
	if implicit {
		if err := e.txmgr.Commit(tx); err != nil {
			e.releaseTxAllocations(tx)
			return err
		}
		return e.applyTx(tx)
	}
	return nil
}

// withRead runs a read-only operation: no transaction is opened, but an
// explicit caller transaction still overlays its staged images.
func (e *Engine) withRead(tx *txn.Tx, fn func(v *view) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.mounted {
		return ErrNotMounted
	}
	return fn(newView(e, tx))
}

// releaseTxAllocations hands back eager reservations of a transaction that
// will never apply. Exactly one caller wins the claim; the rest no-op.
func (e *Engine) releaseTxAllocations(tx *txn.Tx) {
	if !tx.ClaimRelease() {
		return
	}
	for _, rec := range tx.Records() {
		switch rec.Op {
		case wal.OpAllocBlock:
			if err := e.balloc.Deallocate(rec.Block); err != nil {
				e.logger.Warn("release block failed", "block", rec.Block, "error", err)
			}
		case wal.OpAllocInode:
			e.itable.Deallocate(rec.Inode)
		}
	}
}

func now() uint64 { return uint64(time.Now().Unix()) }

// loadDirData returns a directory's entry region.
func (e *Engine) loadDirData(v *view, ino *inode.Inode) ([]byte, error) {
	return e.readRange(v, ino, 0, ino.Size)
}

// storeDirData rewrites a directory's content, trimming the dead tail so
// shrinking below a block boundary releases blocks.
func (e *Engine) storeDirData(v *view, dirNum uint32, dir *inode.Inode, data []byte, op wal.Op) error {
	tail, err := dirent.LiveTail(data)
	if err != nil {
		return err
	}
	if err := e.writeContent(v, dirNum, dir, data[:tail], op); err != nil {
		return err
	}
	dir.Mtime = now()
	dir.Ctime = dir.Mtime
	v.stageInode(dirNum, dir)
	return nil
}

// createNode allocates an inode of the given mode and links it under the
// parent directory.
func (e *Engine) createNode(v *view, path string, mode uint16) (func(), error) {
	parentNum, name, err := e.resolveParent(v, path)
	if err != nil {
		return nil, err
	}
	release := func() { e.locks.Unlock(parentNum) }
	e.locks.Lock(parentNum)

	parent, err := v.getInode(parentNum)
	if err != nil {
		return release, fmt.Errorf("%w: parent of %q", ErrDirectoryNotFound, path)
	}
	if !parent.IsDir() {
		return release, fmt.Errorf("%w: parent of %q", ErrNotADirectory, path)
	}

	data, err := e.loadDirData(v, &parent)
	if err != nil {
		return release, err
	}
	if _, err := dirent.Find(data, name); err == nil {
		return release, fmt.Errorf("%w: %q", ErrFileExists, path)
	}

	childNum, err := v.allocInode()
	if err != nil {
		return release, err
	}
	var child inode.Inode
	child.Initialize(mode, 0, 0, now())
	if child.IsDir() {
		// One link from the parent entry, one from its own ".".
		child.LinkCount = 2
	}
	v.stageInode(childNum, &child)

	data, err = dirent.Append(data, name, childNum)
	if err != nil {
		return release, err
	}
	if err := e.storeDirData(v, parentNum, &parent, data, wal.OpDirAdd); err != nil {
		return release, err
	}
	return release, nil
}

// CreateFile creates a regular file. The permission bits of mode apply;
// the type bits are forced to regular.
func (e *Engine) CreateFile(tx *txn.Tx, path string, mode uint16) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		return e.createNode(v, path, inode.ModeRegular|(mode&inode.ModePermMask))
	})
}

// CreateDirectory creates a directory.
func (e *Engine) CreateDirectory(tx *txn.Tx, path string, mode uint16) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		return e.createNode(v, path, inode.ModeDir|(mode&inode.ModePermMask))
	})
}

// deleteNode unlinks path. wantDir selects directory versus file
// semantics.
func (e *Engine) deleteNode(v *view, path string, wantDir bool) (func(), error) {
	parentNum, name, err := e.resolveParent(v, path)
	if err != nil {
		return nil, err
	}
	childNum, err := e.lookupChild(v, parentNum, name)
	if err != nil {
		return nil, err
	}

	release := e.locks.LockOrdered(parentNum, childNum)

	parent, err := v.getInode(parentNum)
	if err != nil {
		return release, err
	}
	child, err := v.getInode(childNum)
	if err != nil {
		return release, err
	}

	if wantDir {
		if !child.IsDir() {
			return release, fmt.Errorf("%w: %q", ErrNotADirectory, path)
		}
		data, err := e.loadDirData(v, &child)
		if err != nil {
			return release, err
		}
		entries, err := dirent.Entries(data)
		if err != nil {
			return release, err
		}
		if len(entries) > 0 {
			return release, fmt.Errorf("%w: %q", ErrDirectoryNotEmpty, path)
		}
	} else if child.IsDir() {
		return release, fmt.Errorf("%w: %q", ErrNotAFile, path)
	}

	// Unlink from the parent. The name must still resolve to the inode we
	// locked; a concurrent rename loses.
	data, err := e.loadDirData(v, &parent)
	if err != nil {
		return release, err
	}
	if cur, err := dirent.Find(data, name); err != nil || cur != childNum {
		return release, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	if _, err := dirent.Remove(data, name); err != nil {
		return release, err
	}
	if err := e.storeDirData(v, parentNum, &parent, data, wal.OpDirRemove); err != nil {
		return release, err
	}

	// Directories lose their "." self-link along with the parent entry.
	drop := uint32(1)
	if child.IsDir() {
		drop = 2
	}
	if child.LinkCount > drop {
		child.LinkCount -= drop
		child.Ctime = now()
		v.stageInode(childNum, &child)
		return release, nil
	}

	// Last link: release content and the inode itself.
	if err := e.truncateToZero(v, &child); err != nil {
		return release, err
	}
	v.freeInode(childNum, &child)
	return release, nil
}

// DeleteFile removes a regular file.
func (e *Engine) DeleteFile(tx *txn.Tx, path string) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		return e.deleteNode(v, path, false)
	})
}

// DeleteDirectory removes an empty directory.
func (e *Engine) DeleteDirectory(tx *txn.Tx, path string) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		return e.deleteNode(v, path, true)
	})
}

// resolveFile resolves path to a regular file inode.
func (e *Engine) resolveFile(v *view, path string) (uint32, inode.Inode, error) {
	num, err := e.resolve(v, path)
	if err != nil {
		return 0, inode.Inode{}, err
	}
	ino, err := v.getInode(num)
	if err != nil {
		return 0, inode.Inode{}, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	if !ino.IsRegular() {
		return 0, inode.Inode{}, fmt.Errorf("%w: %q", ErrNotAFile, path)
	}
	return num, ino, nil
}

// touchAtime refreshes the access time of the committed inode in memory
// only; it is flushed with the inode table at unmount, never WAL-logged.
func (e *Engine) touchAtime(num uint32) {
	if !e.opts.AtimeUpdates {
		return
	}
	ino, err := e.itable.Get(num)
	if err != nil {
		return
	}
	ino.Atime = now()
	ino.UpdateChecksum()
	if err := e.itable.Put(num, ino); err != nil {
		e.logger.Warn("atime update failed", "inode", num, "error", err)
	}
}

// ReadFile returns the whole content of the file at path.
func (e *Engine) ReadFile(tx *txn.Tx, path string) ([]byte, error) {
	return e.ReadFileRange(tx, path, 0, 0)
}

// ReadFileRange returns length bytes starting at offset. A zero length
// reads to the end.
func (e *Engine) ReadFileRange(tx *txn.Tx, path string, offset, length uint64) ([]byte, error) {
	var out []byte
	err := e.withRead(tx, func(v *view) error {
		num, _, err := e.resolveFile(v, path)
		if err != nil {
			return err
		}
		e.locks.RLock(num)
		defer e.locks.RUnlock(num)

		// Re-read under the lock: the snapshot taken during resolution may
		// predate a writer that committed while we waited.
		ino, err := v.getInode(num)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrFileNotFound, path)
		}
		out, err = e.readRange(v, &ino, offset, length)
		if err != nil {
			return err
		}
		e.touchAtime(num)
		return nil
	})
	return out, err
}

// lockFileFresh locks the file's writer lock and re-reads the inode under
// it, so the mutation builds on the latest committed state rather than the
// snapshot taken during resolution.
func (e *Engine) lockFileFresh(v *view, path string) (uint32, inode.Inode, func(), error) {
	num, _, err := e.resolveFile(v, path)
	if err != nil {
		return 0, inode.Inode{}, nil, err
	}
	e.locks.Lock(num)
	release := func() { e.locks.Unlock(num) }

	ino, err := v.getInode(num)
	if err != nil {
		return 0, inode.Inode{}, release, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	if !ino.IsRegular() {
		return 0, inode.Inode{}, release, fmt.Errorf("%w: %q", ErrNotAFile, path)
	}
	return num, ino, release, nil
}

// WriteFile atomically replaces the content of the file at path.
func (e *Engine) WriteFile(tx *txn.Tx, path string, data []byte) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		num, ino, release, err := e.lockFileFresh(v, path)
		if err != nil {
			return release, err
		}
		if err := e.writeContent(v, num, &ino, data, wal.OpWriteBlock); err != nil {
			return release, err
		}
		ino.Mtime = now()
		ino.Ctime = ino.Mtime
		v.stageInode(num, &ino)
		return release, nil
	})
}

// AppendFile extends the file at path with data.
func (e *Engine) AppendFile(tx *txn.Tx, path string, data []byte) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		num, ino, release, err := e.lockFileFresh(v, path)
		if err != nil {
			return release, err
		}
		if err := e.appendData(v, num, &ino, ino.Size, data, wal.OpWriteBlock); err != nil {
			return release, err
		}
		ino.Mtime = now()
		ino.Ctime = ino.Mtime
		v.stageInode(num, &ino)
		return release, nil
	})
}

// FileExists reports whether path names a regular file.
func (e *Engine) FileExists(path string) (bool, error) {
	exists := false
	err := e.withRead(nil, func(v *view) error {
		if _, _, err := e.resolveFile(v, path); err == nil {
			exists = true
		}
		return nil
	})
	return exists, err
}

// DirectoryExists reports whether path names a directory.
func (e *Engine) DirectoryExists(path string) (bool, error) {
	exists := false
	err := e.withRead(nil, func(v *view) error {
		num, err := e.resolve(v, path)
		if err != nil {
			return nil
		}
		ino, err := v.getInode(num)
		if err == nil && ino.IsDir() {
			exists = true
		}
		return nil
	})
	return exists, err
}

// GetFileSize returns the size of the file at path.
func (e *Engine) GetFileSize(tx *txn.Tx, path string) (uint64, error) {
	var size uint64
	err := e.withRead(tx, func(v *view) error {
		num, _, err := e.resolveFile(v, path)
		if err != nil {
			return err
		}
		e.locks.RLock(num)
		defer e.locks.RUnlock(num)
		ino, err := v.getInode(num)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrFileNotFound, path)
		}
		size = ino.Size
		return nil
	})
	return size, err
}

// ListDirectory returns the sorted entry names of the directory at path.
func (e *Engine) ListDirectory(tx *txn.Tx, path string) ([]string, error) {
	var names []string
	err := e.withRead(tx, func(v *view) error {
		num, err := e.resolve(v, path)
		if err != nil {
			if comps, splitErr := splitPath(path); splitErr == nil && len(comps) > 0 {
				return fmt.Errorf("%w: %q", ErrDirectoryNotFound, path)
			}
			return err
		}
		ino, err := v.getInode(num)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrDirectoryNotFound, path)
		}
		if !ino.IsDir() {
			return fmt.Errorf("%w: %q", ErrNotADirectory, path)
		}
		e.locks.RLock(num)
		defer e.locks.RUnlock(num)

		ino, err = v.getInode(num)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrDirectoryNotFound, path)
		}
		data, err := e.loadDirData(v, &ino)
		if err != nil {
			return err
		}
		entries, err := dirent.Entries(data)
		if err != nil {
			return err
		}
		names = make([]string, 0, len(entries))
		for _, ent := range entries {
			names = append(names, ent.Name)
		}
		sort.Strings(names)
		e.touchAtime(num)
		return nil
	})
	return names, err
}

// GetInode returns the inode number and a snapshot of the metadata at
// path.
func (e *Engine) GetInode(tx *txn.Tx, path string) (uint32, inode.Inode, error) {
	var (
		num uint32
		ino inode.Inode
	)
	err := e.withRead(tx, func(v *view) error {
		n, err := e.resolve(v, path)
		if err != nil {
			return err
		}
		i, err := v.getInode(n)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrFileNotFound, path)
		}
		num, ino = n, i
		return nil
	})
	return num, ino, err
}

// SetPermissions replaces the permission bits at path.
func (e *Engine) SetPermissions(tx *txn.Tx, path string, perm uint16) error {
	return e.mutateInode(tx, path, func(ino *inode.Inode) {
		ino.Mode = ino.Mode&inode.ModeTypeMask | perm&inode.ModePermMask
	})
}

// SetOwnership replaces the uid/gid at path.
func (e *Engine) SetOwnership(tx *txn.Tx, path string, uid, gid uint16) error {
	return e.mutateInode(tx, path, func(ino *inode.Inode) {
		ino.UID = uid
		ino.GID = gid
	})
}

func (e *Engine) mutateInode(tx *txn.Tx, path string, fn func(*inode.Inode)) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		num, err := e.resolve(v, path)
		if err != nil {
			return nil, err
		}
		e.locks.Lock(num)
		release := func() { e.locks.Unlock(num) }

		ino, err := v.getInode(num)
		if err != nil {
			return release, fmt.Errorf("%w: %q", ErrFileNotFound, path)
		}
		fn(&ino)
		ino.Ctime = now()
		v.stageInode(num, &ino)
		return release, nil
	})
}

// Rename atomically moves oldPath to newPath within one transaction. The
// target must not exist.
func (e *Engine) Rename(tx *txn.Tx, oldPath, newPath string) error {
	return e.withOp(tx, func(v *view) (func(), error) {
		oldParent, oldName, err := e.resolveParent(v, oldPath)
		if err != nil {
			return nil, err
		}
		newParent, newName, err := e.resolveParent(v, newPath)
		if err != nil {
			return nil, err
		}

		release := e.locks.LockOrdered(oldParent, newParent)

		op, err := v.getInode(oldParent)
		if err != nil {
			return release, err
		}
		oldData, err := e.loadDirData(v, &op)
		if err != nil {
			return release, err
		}
		child, err := dirent.Find(oldData, oldName)
		if err != nil {
			return release, fmt.Errorf("%w: %q", ErrFileNotFound, oldPath)
		}

		if oldParent == newParent {
			if oldName == newName {
				return release, nil
			}
			if _, err := dirent.Find(oldData, newName); err == nil {
				return release, fmt.Errorf("%w: %q", ErrFileExists, newPath)
			}
			if _, err := dirent.Remove(oldData, oldName); err != nil {
				return release, err
			}
			oldData, err = dirent.Append(oldData, newName, child)
			if err != nil {
				return release, err
			}
			return release, e.storeDirData(v, oldParent, &op, oldData, wal.OpDirAdd)
		}

		np, err := v.getInode(newParent)
		if err != nil {
			return release, err
		}
		if !np.IsDir() {
			return release, fmt.Errorf("%w: parent of %q", ErrNotADirectory, newPath)
		}
		newData, err := e.loadDirData(v, &np)
		if err != nil {
			return release, err
		}
		if _, err := dirent.Find(newData, newName); err == nil {
			return release, fmt.Errorf("%w: %q", ErrFileExists, newPath)
		}

		if _, err := dirent.Remove(oldData, oldName); err != nil {
			return release, err
		}
		if err := e.storeDirData(v, oldParent, &op, oldData, wal.OpDirRemove); err != nil {
			return release, err
		}
		newData, err = dirent.Append(newData, newName, child)
		if err != nil {
			return release, err
		}
		return release, e.storeDirData(v, newParent, &np, newData, wal.OpDirAdd)
	})
}
