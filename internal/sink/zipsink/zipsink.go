// Package zipsink implements sink.Sink as a single growing zip archive.
// Per §5 ("single-writer discipline"), only one member may be open for
// writing at a time; MaxWorkers always reports 1. Zip entries are
// append-only, so this sink does not support WriteAt/raw-format streams
// (§4.D "raw" passthrough is only offered by fssink).
package zipsink

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/asch/virtnbdbackup/internal/sink"
)

// ErrWriteAtUnsupported is returned by a zip member's WriteAt: zip
// entries are append-only.
var ErrWriteAtUnsupported = errors.New("zipsink: WriteAt unsupported, zip members are append-only")

// Zip is a zip-archive OutputSink. It owns the archive's single writer
// lock for the lifetime of the process.
type Zip struct {
	zw *zip.Writer
	mu sync.Mutex
}

func New(w io.Writer) *Zip {
	return &Zip{zw: zip.NewWriter(w)}
}

type writer struct {
	z      *Zip
	wc     io.Writer
	closed bool
}

// Create opens a new member inside the archive. It holds the sink's
// single-writer lock until Close or Abort releases it.
func (z *Zip) Create(finalName string) (sink.Writer, error) {
	z.mu.Lock()

	wc, err := z.zw.Create(finalName)
	if err != nil {
		z.mu.Unlock()
		return nil, fmt.Errorf("zipsink: create member %q: %w", finalName, err)
	}

	return &writer{z: z, wc: wc}, nil
}

func (w *writer) Write(p []byte) (int, error) { return w.wc.Write(p) }

func (w *writer) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrWriteAtUnsupported
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.z.mu.Unlock()
	return nil
}

func (w *writer) Abort() error {
	// The zip format has no entry-removal primitive; an aborted member
	// leaves a (harmless, unreferenced-by-caller) entry behind. Callers
	// should avoid relying on Abort for zip sinks beyond releasing the
	// writer lock.
	return w.Close()
}

func (z *Zip) Open(name string) (sink.Reader, error) {
	return nil, fmt.Errorf("zipsink: reading from an in-progress archive is not supported")
}

func (z *Zip) List(prefix string) ([]string, error) {
	return nil, fmt.Errorf("zipsink: listing an in-progress archive is not supported")
}

func (z *Zip) MaxWorkers() int { return 1 }

// Finish closes the underlying zip.Writer, writing its central
// directory. Call once, after all disks have completed.
func (z *Zip) Finish() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.zw.Close()
}
