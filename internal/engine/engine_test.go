package engine

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockfs/internal/fs"
	"github.com/hupe1980/blockfs/internal/inode"
	"github.com/hupe1980/blockfs/internal/txn"
)

const (
	testBlocks    = 1000
	testBlockSize = 4096
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := New(filepath.Join(t.TempDir(), "dev.img"), opts)
	require.NoError(t, e.Format(testBlocks, testBlockSize))
	require.NoError(t, e.Mount())
	t.Cleanup(func() {
		if e.Mounted() {
			require.NoError(t, e.Unmount())
		}
	})
	return e
}

func TestFormatMount(t *testing.T) {
	e := newEngine(t, Options{})

	info, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, uint32(testBlocks), info.TotalBlocks)
	assert.Equal(t, uint32(testBlocks-1), info.FreeBlocks)
	assert.Equal(t, uint32(testBlocks/4), info.TotalInodes)
	assert.Equal(t, info.TotalInodes-1, info.FreeInodes)

	names, err := e.ListDirectory(nil, "/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMountTwice(t *testing.T) {
	e := newEngine(t, Options{})
	assert.ErrorIs(t, e.Mount(), ErrAlreadyMounted)
	require.NoError(t, e.Unmount())
	assert.ErrorIs(t, e.Unmount(), ErrNotMounted)
	require.NoError(t, e.Mount())
}

func TestNotMounted(t *testing.T) {
	e := New(filepath.Join(t.TempDir(), "dev.img"), Options{})
	require.NoError(t, e.Format(testBlocks, testBlockSize))

	_, err := e.ReadFile(nil, "/a")
	assert.ErrorIs(t, err, ErrNotMounted)
	assert.ErrorIs(t, e.CreateFile(nil, "/a", 0644), ErrNotMounted)
	_, err = e.Info()
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestCreateWriteRead(t *testing.T) {
	e := newEngine(t, Options{})

	require.NoError(t, e.CreateFile(nil, "/a", 0644))
	require.NoError(t, e.WriteFile(nil, "/a", []byte("hello")))

	data, err := e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, err := e.GetFileSize(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	exists, err := e.FileExists("/a")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = e.FileExists("/b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWriteReplacesAtomically(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))

	big := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB, spills past direct blocks
	require.NoError(t, e.WriteFile(nil, "/a", big))
	got, err := e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	infoBefore, err := e.Info()
	require.NoError(t, err)

	require.NoError(t, e.WriteFile(nil, "/a", []byte("tiny")))
	got, err = e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got)

	infoAfter, err := e.Info()
	require.NoError(t, err)
	assert.Greater(t, infoAfter.FreeBlocks, infoBefore.FreeBlocks, "shrinking releases blocks")
}

func TestReadRange(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))
	require.NoError(t, e.WriteFile(nil, "/a", []byte("hello world")))

	got, err := e.ReadFileRange(nil, "/a", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	// Past EOF clamps.
	got, err = e.ReadFileRange(nil, "/a", 6, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	got, err = e.ReadFileRange(nil, "/a", 100, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppend(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/log", 0644))

	require.NoError(t, e.AppendFile(nil, "/log", []byte("one ")))
	require.NoError(t, e.AppendFile(nil, "/log", []byte("two")))

	got, err := e.ReadFile(nil, "/log")
	require.NoError(t, err)
	assert.Equal(t, []byte("one two"), got)

	// Equivalent to one write of the concatenation.
	require.NoError(t, e.CreateFile(nil, "/w", 0644))
	require.NoError(t, e.WriteFile(nil, "/w", []byte("one two")))
	want, err := e.ReadFile(nil, "/w")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAppendAcrossBlockBoundary(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))

	first := bytes.Repeat([]byte("x"), testBlockSize-10)
	second := bytes.Repeat([]byte("y"), 100)
	require.NoError(t, e.AppendFile(nil, "/a", first))
	require.NoError(t, e.AppendFile(nil, "/a", second))

	got, err := e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), got)
}

func TestDirectories(t *testing.T) {
	e := newEngine(t, Options{})

	require.NoError(t, e.CreateDirectory(nil, "/d", 0755))
	require.NoError(t, e.CreateFile(nil, "/d/x", 0644))

	names, err := e.ListDirectory(nil, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)

	err = e.DeleteDirectory(nil, "/d")
	assert.ErrorIs(t, err, ErrDirectoryNotEmpty)

	// Entries survive the failed delete.
	names, err = e.ListDirectory(nil, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)

	require.NoError(t, e.DeleteFile(nil, "/d/x"))
	require.NoError(t, e.DeleteDirectory(nil, "/d"))

	info, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, info.TotalInodes-1, info.FreeInodes, "all inodes returned")
	assert.Equal(t, uint32(testBlocks-1), info.FreeBlocks, "all blocks returned")
}

func TestNestedPaths(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateDirectory(nil, "/a", 0755))
	require.NoError(t, e.CreateDirectory(nil, "/a/b", 0755))
	require.NoError(t, e.CreateFile(nil, "/a/b/c", 0644))
	require.NoError(t, e.WriteFile(nil, "/a/b/c", []byte("deep")))

	got, err := e.ReadFile(nil, "/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), got)

	// Dot components resolve structurally.
	got, err = e.ReadFile(nil, "/a/./b/../b/c")
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), got)
}

func TestPathErrors(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/f", 0644))

	_, err := e.ReadFile(nil, "relative")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = e.ReadFile(nil, "/a//b")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = e.ReadFile(nil, "/missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = e.ReadFile(nil, "/f/x")
	assert.ErrorIs(t, err, ErrNotADirectory)

	err = e.CreateFile(nil, "/f", 0644)
	assert.ErrorIs(t, err, ErrFileExists)
	err = e.CreateFile(nil, "/nodir/x", 0644)
	assert.ErrorIs(t, err, ErrDirectoryNotFound)

	_, err = e.ReadFile(nil, "/")
	assert.Error(t, err)
}

func TestCreateExistingLeavesStateUntouched(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))

	before, err := e.Info()
	require.NoError(t, err)

	assert.ErrorIs(t, e.CreateFile(nil, "/a", 0644), ErrFileExists)

	after, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)
}

func TestMetadata(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))

	require.NoError(t, e.SetPermissions(nil, "/a", 0600))
	require.NoError(t, e.SetOwnership(nil, "/a", 42, 43))

	_, ino, err := e.GetInode(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, uint16(inode.ModeRegular|0600), ino.Mode)
	assert.Equal(t, uint16(42), ino.UID)
	assert.Equal(t, uint16(43), ino.GID)
	assert.True(t, ino.ChecksumOK())
}

func TestRename(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/old", 0644))
	require.NoError(t, e.WriteFile(nil, "/old", []byte("content")))
	numBefore, _, err := e.GetInode(nil, "/old")
	require.NoError(t, err)

	require.NoError(t, e.Rename(nil, "/old", "/new"))

	_, err = e.ReadFile(nil, "/old")
	assert.ErrorIs(t, err, ErrFileNotFound)
	got, err := e.ReadFile(nil, "/new")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)

	numAfter, _, err := e.GetInode(nil, "/new")
	require.NoError(t, err)
	assert.Equal(t, numBefore, numAfter, "rename moves the entry, not the inode")

	// Round trip is a no-op.
	require.NoError(t, e.Rename(nil, "/new", "/old"))
	names, err := e.ListDirectory(nil, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, names)
}

func TestRenameAcrossDirectories(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateDirectory(nil, "/src", 0755))
	require.NoError(t, e.CreateDirectory(nil, "/dst", 0755))
	require.NoError(t, e.CreateFile(nil, "/src/f", 0644))
	require.NoError(t, e.WriteFile(nil, "/src/f", []byte("moved")))

	require.NoError(t, e.Rename(nil, "/src/f", "/dst/g"))

	names, err := e.ListDirectory(nil, "/src")
	require.NoError(t, err)
	assert.Empty(t, names)
	got, err := e.ReadFile(nil, "/dst/g")
	require.NoError(t, err)
	assert.Equal(t, []byte("moved"), got)
}

func TestRenameTargetExists(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))
	require.NoError(t, e.CreateFile(nil, "/b", 0644))
	assert.ErrorIs(t, e.Rename(nil, "/a", "/b"), ErrFileExists)
}

func TestPersistenceAcrossRemount(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateDirectory(nil, "/d", 0755))
	require.NoError(t, e.CreateFile(nil, "/d/f", 0644))
	require.NoError(t, e.WriteFile(nil, "/d/f", []byte("durable")))
	require.NoError(t, e.Unmount())

	require.NoError(t, e.Mount())
	got, err := e.ReadFile(nil, "/d/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestExplicitTransactionRollback(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))
	require.NoError(t, e.WriteFile(nil, "/a", []byte("before")))

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(tx, "/a", []byte("inside")))

	// The transaction reads its own staged write.
	got, err := e.ReadFile(tx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("inside"), got)

	// Other readers still see the committed state.
	got, err = e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)

	require.NoError(t, e.RollbackTransaction(tx))

	got, err = e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), got)

	info, err := e.Info()
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(nil, "/a", []byte("before")))
	info2, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, info.FreeBlocks, info2.FreeBlocks, "rolled-back reservations were returned")
}

func TestExplicitTransactionCommit(t *testing.T) {
	e := newEngine(t, Options{})

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, e.CreateDirectory(tx, "/d", 0755))
	require.NoError(t, e.CreateFile(tx, "/d/f", 0644))
	require.NoError(t, e.WriteFile(tx, "/d/f", []byte("grouped")))
	require.NoError(t, e.CommitTransaction(tx))

	got, err := e.ReadFile(nil, "/d/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("grouped"), got)
}

func TestWithTransaction(t *testing.T) {
	e := newEngine(t, Options{})

	err := e.WithTransaction(func(tx *txn.Tx) error {
		if err := e.CreateFile(tx, "/guarded", 0644); err != nil {
			return err
		}
		return e.WriteFile(tx, "/guarded", []byte("ok"))
	})
	require.NoError(t, err)

	got, err := e.ReadFile(nil, "/guarded")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)

	// A failing body rolls everything back.
	err = e.WithTransaction(func(tx *txn.Tx) error {
		if err := e.CreateFile(tx, "/doomed", 0644); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	exists, err := e.FileExists("/doomed")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOutOfSpaceAtomic(t *testing.T) {
	e := New(filepath.Join(t.TempDir(), "dev.img"), Options{})
	require.NoError(t, e.Format(16, 512))
	require.NoError(t, e.Mount())
	defer e.Unmount()

	require.NoError(t, e.CreateFile(nil, "/a", 0644))
	before, err := e.Info()
	require.NoError(t, err)

	// Far more than the 16-block device can hold.
	err = e.WriteFile(nil, "/a", bytes.Repeat([]byte("x"), 512*64))
	require.Error(t, err)

	after, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks, "failed write reserves nothing")

	got, err := e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "dev.img")
	ffs := fs.NewFaultyFS(nil)
	ffs.InjectFault("dev.img.wal", fs.Fault{FailAfterBytes: -1})

	e1 := New(devPath, Options{FS: ffs})
	require.NoError(t, e1.Format(testBlocks, testBlockSize))
	require.NoError(t, e1.Mount())
	require.NoError(t, e1.CreateFile(nil, "/a", 0644))
	require.NoError(t, e1.WriteFile(nil, "/a", []byte("v1")))

	// Cut the WAL budget so the next commit tears mid-record: no COMMIT
	// marker becomes durable.
	ffs.SetLimit("dev.img.wal", ffs.Written("dev.img.wal")+40)
	err := e1.WriteFile(nil, "/a", []byte("v2"))
	require.Error(t, err)

	// Crash: no unmount. A fresh engine mounts over the same files.
	e2 := New(devPath, Options{})
	require.NoError(t, e2.Mount())
	defer e2.Unmount()

	got, err := e2.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	report, err := e2.CheckFilesystem()
	require.NoError(t, err)
	assert.True(t, report.Clean(), "problems: %v", report.Problems)
}

func TestConcurrentAppends(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/log", 0644))

	const (
		threads = 8
		writes  = 100
	)
	var wg sync.WaitGroup
	for id := 0; id < threads; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload := []byte{byte('A' + id)}
			for i := 0; i < writes; i++ {
				if err := e.AppendFile(nil, "/log", payload); err != nil {
					t.Error(err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	got, err := e.ReadFile(nil, "/log")
	require.NoError(t, err)
	require.Len(t, got, threads*writes)

	counts := make(map[byte]int)
	for _, b := range got {
		counts[b]++
	}
	for id := 0; id < threads; id++ {
		assert.Equal(t, writes, counts[byte('A'+id)])
	}
}

func TestConcurrentWritersTotalOrder(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))

	contenders := [][]byte{[]byte("first writer"), []byte("second writer")}
	var wg sync.WaitGroup
	for _, data := range contenders {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			assert.NoError(t, e.WriteFile(nil, "/a", data))
		}(data)
	}
	wg.Wait()

	got, err := e.ReadFile(nil, "/a")
	require.NoError(t, err)
	assert.Contains(t, [][]byte{contenders[0], contenders[1]}, got)
}

func TestStats(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateDirectory(nil, "/d", 0755))
	require.NoError(t, e.CreateFile(nil, "/d/f", 0644))
	require.NoError(t, e.WriteFile(nil, "/d/f", []byte("12345")))

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.Files)
	assert.Equal(t, uint32(1), st.Directories)
	assert.Equal(t, uint64(5), st.TotalDataSize)
	assert.Zero(t, st.ActiveTransactions)
}

func TestCheckClean(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))
	require.NoError(t, e.WriteFile(nil, "/a", bytes.Repeat([]byte("z"), 3*testBlockSize)))

	report, err := e.CheckFilesystem()
	require.NoError(t, err)
	assert.True(t, report.Clean(), "problems: %v", report.Problems)
	assert.Equal(t, uint32(2), report.InodesChecked, "root plus one file")
}

func TestRepairLeakedBlock(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.CreateFile(nil, "/a", 0644))

	// Leak a block behind the allocator's back.
	e.balloc.MarkUsed(500)
	report, err := e.CheckFilesystem()
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Contains(t, report.LeakedBlocks, uint32(500))

	_, err = e.RepairFilesystem()
	require.NoError(t, err)

	report, err = e.CheckFilesystem()
	require.NoError(t, err)
	assert.True(t, report.Clean(), "problems: %v", report.Problems)
}

func TestDefragment(t *testing.T) {
	e := newEngine(t, Options{})
	used := e.balloc.UsedCount()
	require.NoError(t, e.Defragment())
	assert.Equal(t, used, e.balloc.UsedCount(), "defragment preserves the used count")
}
