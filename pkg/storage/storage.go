// Package storage defines the FileStore interface for persisting training
// artifacts. It abstracts the backend so checkpoint writers can target
// local disk during development and an S3-compatible object store in
// production without changing caller code.
//
// A checkpoint is a small directory of files (weights, dictionary,
// manifest) written under a run-scoped prefix; [FileStore.List] exists so
// resumption can discover what a previous run left behind.
package storage

import (
	"context"
	"io"
)

// FileStore is a minimal interface for file-oriented artifact storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing.
	// If the file already exists it is truncated.
	// Parent directories are created automatically.
	// The caller must close the returned WriteCloser to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the paths of all files under the given prefix, in
	// lexical order. A missing prefix yields an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]string, error)
}
