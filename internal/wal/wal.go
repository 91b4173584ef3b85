package wal

import (
	"bufio"
	"os"
	"sync"

	"github.com/hupe1980/blockfs/internal/fs"
)

// WAL is the append-only log file. Appends are serialized by one mutex;
// commit order on the WAL defines the serialization order across
// transactions. The file carries no outer framing: it is a bare
// concatenation of records.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	cw   *countingWriter
	path string
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error { return cw.w.Flush() }

// Open opens or creates the WAL at path.
func Open(fsys fs.FileSystem, path string) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &WAL{
		fs:   fsys,
		file: f,
		cw:   &countingWriter{w: bufio.NewWriter(f), n: stat.Size()},
		path: path,
	}, nil
}

// Size returns the current size in bytes, including buffered appends.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

// Append encodes rec at the tail. Durability requires a later Sync.
func (w *WAL) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := rec.Encode(w.cw); err != nil {
		return err
	}
	return w.cw.Flush()
}

// Sync flushes buffered records to durable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// TruncateTail discards everything past off. Used by recovery to drop a
// torn or corrupt tail.
func (w *WAL) TruncateTail(off int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}
	if err := w.fs.Truncate(w.path, off); err != nil {
		return err
	}
	w.cw.n = off
	return nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	flushErr := w.cw.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Reader opens an independent read handle at the start of the log.
// The caller closes it.
func (w *WAL) Reader() (*Reader, error) {
	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// Reader iterates records from the start of the log.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next returns the next record. io.EOF means a clean end; ErrCorrupt (or a
// wrapped variant) means the log is only valid up to Offset().
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err != nil {
		return nil, err
	}
	r.offset += n
	return rec, nil
}

// Offset returns the end of the last fully valid record.
func (r *Reader) Offset() int64 { return r.offset }

// Close closes the read handle.
func (r *Reader) Close() error { return r.f.Close() }
