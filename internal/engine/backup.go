package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/blockfs/blobstore"
	"github.com/hupe1980/blockfs/codec"
)

// backupMagic opens every backup image, followed by the codec name so a
// restore can pick the right decompressor.
var backupMagic = []byte("BFSBKP01")

func writeBackupHeader(w io.Writer, codecName string) error {
	if _, err := w.Write(backupMagic); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(codecName)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, codecName)
	return err
}

func readBackupHeader(r io.Reader) (string, error) {
	magic := make([]byte, len(backupMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return "", fmt.Errorf("read backup header: %w", err)
	}
	if string(magic) != string(backupMagic) {
		return "", fmt.Errorf("not a backup image (magic %q)", magic)
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("read backup header: %w", err)
	}
	name := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, name); err != nil {
		return "", fmt.Errorf("read backup header: %w", err)
	}
	return string(name), nil
}

// Backup checkpoints the filesystem and streams the device image,
// compressed with c, into store under name. The mount lock is held
// exclusively for the duration, so the image is a consistent snapshot;
// the stream is metered by the resource controller.
func (e *Engine) Backup(ctx context.Context, store blobstore.BlobStore, c codec.Codec, name string) error {
	if c == nil {
		c = codec.Default
	}
	if err := e.rc.AcquireJob(ctx); err != nil {
		return err
	}
	defer e.rc.ReleaseJob()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted {
		return ErrNotMounted
	}

	// Fold the WAL into the device so the image alone is complete.
	if err := e.checkpointLocked(); err != nil {
		return err
	}

	src, err := e.deviceReader()
	if err != nil {
		return err
	}
	defer src.Close()

	pr, pw := io.Pipe()
	go func() {
		err := func() error {
			if err := writeBackupHeader(pw, c.Name()); err != nil {
				return err
			}
			cw, err := c.NewWriter(pw)
			if err != nil {
				return err
			}
			if _, err := io.Copy(cw, e.rc.MeterReader(ctx, src)); err != nil {
				cw.Close()
				return err
			}
			return cw.Close()
		}()
		pw.CloseWithError(err)
	}()

	if err := store.Put(ctx, name, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("store backup %q: %w", name, err)
	}
	e.logger.Info("backup complete", "name", name, "codec", c.Name())
	return nil
}

// Restore replaces the device file with the named backup image. The
// filesystem must be unmounted; mount afterwards to use the restored
// state.
func (e *Engine) Restore(ctx context.Context, store blobstore.BlobStore, name string) error {
	if err := e.rc.AcquireJob(ctx); err != nil {
		return err
	}
	defer e.rc.ReleaseJob()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mounted {
		return ErrAlreadyMounted
	}

	blob, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer blob.Close()

	codecName, err := readBackupHeader(blob)
	if err != nil {
		return err
	}
	c, ok := codec.ByName(codecName)
	if !ok {
		return fmt.Errorf("backup %q uses unknown codec %q", name, codecName)
	}
	cr, err := c.NewReader(blob)
	if err != nil {
		return err
	}
	defer cr.Close()

	f, err := e.opts.FS.OpenFile(e.devPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, e.rc.MeterReader(ctx, cr)); err != nil {
		f.Close()
		return fmt.Errorf("restore %q: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// The restored image is self-contained; a WAL from the previous
	// incarnation must not replay over it.
	if err := e.opts.FS.Remove(e.opts.WALPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale WAL: %w", err)
	}
	e.logger.Info("restore complete", "name", name, "codec", codecName)
	return nil
}
