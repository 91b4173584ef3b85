//go:build !linux

package device

import "github.com/hupe1980/blockfs/internal/fs"

func preallocate(f fs.File, size int64) error {
	return f.Truncate(size)
}
