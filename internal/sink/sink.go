// Package sink defines the OutputSink boundary (§9): the backup and
// restore engines interact with storage only through this abstract API.
// Three concrete variants live in subpackages: fssink (a plain
// directory, supporting atomic rename), zipsink (a single growing zip
// archive, single-writer), and s3sink (streams to an S3-compatible
// bucket).
package sink

import "io"

// Writer is an open handle to one stream file being written. Sinks that
// support atomic rename (fssink) hold the file under a ".partial" suffix
// until Close succeeds; Abort discards it instead.
type Writer interface {
	io.Writer
	io.WriterAt
	// Close finalizes the member: for fssink this renames .partial to the
	// final name; for zipsink it closes the archive entry; for s3sink it
	// completes the multipart upload.
	Close() error
	// Abort discards the in-progress write. Safe to call after Close has
	// already failed; a no-op once Close has succeeded.
	Abort() error
}

// Reader is a seekable handle to a finished stream file, used by restore
// and dump.
type Reader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
	Size() (int64, error)
}

// Sink is the abstract storage surface the backup/restore engines use.
// MaxWorkers is the concurrency the engine is allowed to use against
// this sink: a zip sink forces this to 1 (§5 "single-writer discipline").
type Sink interface {
	// Create opens name for writing. finalName is the name the member
	// will have once Close succeeds (used by fssink for the atomic
	// rename and recorded by zipsink/s3sink as the member/object key).
	Create(finalName string) (Writer, error)

	// Open opens an existing member for reading.
	Open(name string) (Reader, error)

	// List returns the names of members matching prefix, in an
	// unspecified but stable order (callers that need "latest first"
	// sort by embedded checkpoint/timestamp themselves).
	List(prefix string) ([]string, error)

	// MaxWorkers bounds concurrent writers against this sink. 0 means
	// unbounded (left to the caller's own worker-count decision).
	MaxWorkers() int
}
