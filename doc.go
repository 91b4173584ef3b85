// Package blockfs implements a single-node, block-structured filesystem
// with ACID semantics on top of a fixed-size backing device.
//
// Files and directories persist as numbered fixed-size blocks; metadata
// lives in an indexed inode table; every mutation is serialized through a
// write-ahead log so commit and rollback semantics survive crashes. The
// isolation model is read-committed with per-inode writer exclusion.
//
// # Basic usage
//
//	fs := blockfs.Open("/var/lib/app/dev.img")
//	if err := fs.Format(100_000, 4096); err != nil { ... } // once
//	if err := fs.Mount(); err != nil { ... }
//	defer fs.Unmount()
//
//	fs.CreateFile("/hello.txt", 0644)
//	fs.WriteFile("/hello.txt", []byte("hello world"))
//	data, _ := fs.ReadFile("/hello.txt")
//
// # Transactions
//
// Each operation runs in its own transaction by default. Several
// operations group atomically with an explicit transaction:
//
//	err := fs.WithTransaction(func(tx *blockfs.Tx) error {
//	    if err := tx.CreateFile("/a", 0644); err != nil {
//	        return err
//	    }
//	    return tx.WriteFile("/a", payload)
//	})
//
// # Maintenance
//
// CheckFilesystem verifies structural invariants, RepairFilesystem
// rebuilds the allocation state from the reachability scan, and Backup
// streams a compressed consistent image into a blobstore.BlobStore
// (local directory, MinIO, or S3).
package blockfs
