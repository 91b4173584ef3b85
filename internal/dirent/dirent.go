// Package dirent encodes and decodes the packed directory entry format
// stored in directory data blocks.
//
// An entry is (inode u32, nameLen u16, name, pad to 4 bytes). An entry with
// inode 0 is a tombstone whose space may be reclaimed by a later insert.
package dirent

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxNameLen bounds a single path component.
const MaxNameLen = 255

const headerLen = 6

var (
	// ErrNameTooLong is returned for components above MaxNameLen bytes.
	ErrNameTooLong = errors.New("name too long")
	// ErrExists is returned when adding a name that is already present.
	ErrExists = errors.New("entry exists")
	// ErrNotFound is returned when removing or finding a missing name.
	ErrNotFound = errors.New("entry not found")
	// ErrCorrupt is returned for undecodable directory data.
	ErrCorrupt = errors.New("corrupt directory data")
)

// Entry is a single live directory entry.
type Entry struct {
	Inode uint32
	Name  string
}

// entrySize returns the padded on-disk size for a name of length n.
func entrySize(n int) int {
	return (headerLen + n + 3) &^ 3
}

// walk iterates raw entries (including tombstones), calling fn with the
// byte offset, inode, name and padded size. fn returns false to stop.
func walk(data []byte, fn func(off int, ino uint32, name []byte, size int) bool) error {
	off := 0
	for off+headerLen <= len(data) {
		ino := binary.LittleEndian.Uint32(data[off:])
		nameLen := int(binary.LittleEndian.Uint16(data[off+4:]))
		if nameLen > MaxNameLen {
			return fmt.Errorf("%w: name length %d at offset %d", ErrCorrupt, nameLen, off)
		}
		size := entrySize(nameLen)
		if off+size > len(data) {
			return fmt.Errorf("%w: truncated entry at offset %d", ErrCorrupt, off)
		}
		if ino == 0 && nameLen == 0 {
			// Tail: the block past the last entry is zero-filled.
			return nil
		}
		if !fn(off, ino, data[off+headerLen:off+headerLen+nameLen], size) {
			return nil
		}
		off += size
	}
	return nil
}

// Entries returns the live entries in data.
func Entries(data []byte) ([]Entry, error) {
	var out []Entry
	err := walk(data, func(_ int, ino uint32, name []byte, _ int) bool {
		if ino != 0 {
			out = append(out, Entry{Inode: ino, Name: string(name)})
		}
		return true
	})
	return out, err
}

// Find returns the inode for name, or ErrNotFound.
func Find(data []byte, name string) (uint32, error) {
	var found uint32
	err := walk(data, func(_ int, ino uint32, entName []byte, _ int) bool {
		if ino != 0 && string(entName) == name {
			found = ino
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return found, nil
}

// Append writes an entry for (name, ino) into data, reusing the first
// tombstone of exactly the same padded size or claiming space at the tail. It returns the
// mutated slice, which grows when the tail did not fit.
func Append(data []byte, name string, ino uint32) ([]byte, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	need := entrySize(len(name))

	var (
		tombOff  = -1
		tailOff  = 0
		conflict bool
	)
	err := walk(data, func(off int, entIno uint32, entName []byte, size int) bool {
		if entIno != 0 && string(entName) == name {
			conflict = true
			return false
		}
		// Entries carry no record length, so a tombstone is only reusable
		// when the padded sizes match exactly; anything else would shift
		// the decode of every entry after it.
		if entIno == 0 && size == need && tombOff < 0 {
			tombOff = off
		}
		tailOff = off + size
		return true
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}

	off := tailOff
	if tombOff >= 0 {
		off = tombOff
	} else if off+need > len(data) {
		grown := make([]byte, off+need)
		copy(grown, data)
		data = grown
	}

	binary.LittleEndian.PutUint32(data[off:], ino)
	binary.LittleEndian.PutUint16(data[off+4:], uint16(len(name)))
	copy(data[off+headerLen:], name)
	for i := off + headerLen + len(name); i < off+need; i++ {
		data[i] = 0
	}
	return data, nil
}

// Remove tombstones the entry for name and returns the removed inode.
func Remove(data []byte, name string) (uint32, error) {
	var removed uint32
	err := walk(data, func(off int, ino uint32, entName []byte, _ int) bool {
		if ino != 0 && string(entName) == name {
			removed = ino
			binary.LittleEndian.PutUint32(data[off:], 0)
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return removed, nil
}

// LiveTail returns the end offset of the last live entry, which is the
// number of bytes a shrinking directory still needs.
func LiveTail(data []byte) (int, error) {
	end := 0
	err := walk(data, func(off int, ino uint32, _ []byte, size int) bool {
		if ino != 0 {
			end = off + size
		}
		return true
	})
	return end, err
}
