package engine

import "errors"

// Path errors.
var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrNotADirectory     = errors.New("not a directory")
	ErrNotAFile          = errors.New("not a file")
	ErrFileNotFound      = errors.New("file not found")
	ErrDirectoryNotFound = errors.New("directory not found")
	ErrFileExists        = errors.New("file already exists")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
)

// System errors.
var (
	ErrNotMounted        = errors.New("filesystem not mounted")
	ErrAlreadyMounted    = errors.New("filesystem already mounted")
	ErrFilesystemCorrupt = errors.New("filesystem corrupt")
	ErrFileTooLarge      = errors.New("file exceeds maximum size")
)
