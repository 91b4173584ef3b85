package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Fault describes failure behavior for files whose name contains a pattern.
type Fault struct {
	// FailAfterBytes fails any write once this many bytes were written to
	// the matching file. -1 disables the limit. Partial writes up to the
	// limit succeed, which is how the crash tests produce torn WAL tails.
	FailAfterBytes int64
	FailOnSync     bool
	Err            error
}

// FaultyFS wraps a FileSystem and injects faults into matching files.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]*faultState
}

type faultState struct {
	fault   Fault
	written int64
}

// NewFaultyFS creates a FaultyFS wrapping fs (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]*faultState),
	}
}

// InjectFault registers a fault for files whose name contains pattern.
func (f *FaultyFS) InjectFault(pattern string, fault Fault) {
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &faultState{fault: fault}
}

// SetLimit adjusts the write budget of an already-registered fault. Open
// files sharing the rule observe the new limit immediately, which lets a
// test let a file grow freely and then cut it off mid-record.
func (f *FaultyFS) SetLimit(pattern string, limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.rules[pattern]; ok {
		st.fault.FailAfterBytes = limit
	}
}

// ClearFaults removes all registered faults.
func (f *FaultyFS) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*faultState)
}

// Written returns the bytes written so far to files matching pattern.
func (f *FaultyFS) Written(pattern string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.rules[pattern]; ok {
		return st.written
	}
	return 0
}

func (f *FaultyFS) stateFor(name string) *faultState {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, st := range f.rules {
		if strings.Contains(name, pattern) {
			return st
		}
	}
	return nil
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	st := f.stateFor(name)
	if st == nil {
		return file, nil
	}
	return &faultyFile{File: file, fs: f, state: st}, nil
}

func (f *FaultyFS) Remove(name string) error              { return f.FS.Remove(name) }
func (f *FaultyFS) Rename(o, n string) error              { return f.FS.Rename(o, n) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }
func (f *FaultyFS) Truncate(name string, size int64) error {
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs    *FaultyFS
	state *faultState
}

// admit returns how many of n bytes may still be written, and the fault
// error once the budget is exhausted.
func (ff *faultyFile) admit(n int) (int, error) {
	ff.fs.mu.Lock()
	defer ff.fs.mu.Unlock()

	limit := ff.state.fault.FailAfterBytes
	if limit < 0 {
		ff.state.written += int64(n)
		return n, nil
	}
	remaining := limit - ff.state.written
	if remaining <= 0 {
		return 0, ff.state.fault.Err
	}
	if int64(n) > remaining {
		n = int(remaining)
	}
	ff.state.written += int64(n)
	return n, nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	allowed, err := ff.admit(len(p))
	if err != nil {
		return 0, err
	}
	n, werr := ff.File.Write(p[:allowed])
	if werr != nil {
		return n, werr
	}
	if allowed < len(p) {
		return n, ff.state.fault.Err
	}
	return n, nil
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	allowed, err := ff.admit(len(p))
	if err != nil {
		return 0, err
	}
	n, werr := ff.File.WriteAt(p[:allowed], off)
	if werr != nil {
		return n, werr
	}
	if allowed < len(p) {
		return n, ff.state.fault.Err
	}
	return n, nil
}

func (ff *faultyFile) Sync() error {
	ff.fs.mu.Lock()
	failOnSync := ff.state.fault.FailOnSync
	err := ff.state.fault.Err
	ff.fs.mu.Unlock()
	if failOnSync {
		return err
	}
	return ff.File.Sync()
}
