package engine

import (
	"fmt"
	"strings"

	"github.com/hupe1980/blockfs/internal/dirent"
)

// splitPath validates p and returns its components. Paths are absolute,
// '/'-separated, with no empty components and each component at most 255
// bytes. "." and ".." are resolved structurally: there are no symlinks, so
// a textual pop is exact.
func splitPath(p string) ([]string, error) {
	if p == "" || p[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if p == "/" {
		return nil, nil
	}
	parts := strings.Split(p[1:], "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "":
			return nil, fmt.Errorf("%w: empty component in %q", ErrInvalidPath, p)
		case ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			if len(part) > dirent.MaxNameLen {
				return nil, fmt.Errorf("%w: component too long in %q", ErrInvalidPath, p)
			}
			out = append(out, part)
		}
	}
	return out, nil
}

// lookupChild finds name in the directory inode dir.
func (e *Engine) lookupChild(v *view, dir uint32, name string) (uint32, error) {
	ino, err := v.getInode(dir)
	if err != nil {
		return 0, err
	}
	if !ino.IsDir() {
		return 0, fmt.Errorf("%w: inode %d", ErrNotADirectory, dir)
	}
	data, err := e.readRange(v, &ino, 0, ino.Size)
	if err != nil {
		return 0, err
	}
	child, err := dirent.Find(data, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	return child, nil
}

// resolve walks components from the root and returns the final inode
// number.
func (e *Engine) resolve(v *view, p string) (uint32, error) {
	comps, err := splitPath(p)
	if err != nil {
		return 0, err
	}
	cur := e.sb.RootInode
	for _, name := range comps {
		next, err := e.lookupChild(v, cur, name)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}

// resolveParent resolves the directory containing p and returns its inode
// number plus the final component. The root has no parent.
func (e *Engine) resolveParent(v *view, p string) (uint32, string, error) {
	comps, err := splitPath(p)
	if err != nil {
		return 0, "", err
	}
	if len(comps) == 0 {
		return 0, "", fmt.Errorf("%w: %q has no parent", ErrInvalidPath, p)
	}
	cur := e.sb.RootInode
	for _, name := range comps[:len(comps)-1] {
		next, err := e.lookupChild(v, cur, name)
		if err != nil {
			return 0, "", fmt.Errorf("%w: %q", ErrDirectoryNotFound, name)
		}
		cur = next
	}
	// The parent itself must be a directory.
	ino, err := v.getInode(cur)
	if err != nil {
		return 0, "", err
	}
	if !ino.IsDir() {
		return 0, "", fmt.Errorf("%w: inode %d", ErrNotADirectory, cur)
	}
	return cur, comps[len(comps)-1], nil
}
