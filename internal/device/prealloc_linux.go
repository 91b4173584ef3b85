//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/hupe1980/blockfs/internal/fs"
)

// preallocate reserves the full device extent up front so later block
// writes cannot fail with ENOSPC mid-transaction. Falls back to truncate
// when the file is not a real *os.File or the filesystem lacks fallocate.
func preallocate(f fs.File, size int64) error {
	if osf, ok := f.(*os.File); ok {
		err := unix.Fallocate(int(osf.Fd()), 0, 0, size)
		if err == nil {
			return nil
		}
		if err != unix.EOPNOTSUPP && err != unix.ENOSYS {
			return err
		}
	}
	return f.Truncate(size)
}
