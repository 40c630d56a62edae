// Package fssink implements sink.Sink over a plain filesystem directory,
// matching §3's ownership rule: stream files are held under a ".partial"
// suffix during write and atomically renamed on success.
package fssink

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/asch/virtnbdbackup/internal/sink"
)

const partialSuffix = ".partial"

// Dir is a filesystem-directory OutputSink.
type Dir struct {
	Path string
}

func New(path string) *Dir { return &Dir{Path: path} }

type writer struct {
	f         *os.File
	partial   string
	final     string
	closed    bool
}

func (d *Dir) Create(finalName string) (sink.Writer, error) {
	final := filepath.Join(d.Path, finalName)
	partial := final + partialSuffix

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fssink: create %q: %w", partial, err)
	}

	return &writer{f: f, partial: partial, final: final}, nil
}

func (w *writer) Write(p []byte) (int, error)              { return w.f.Write(p) }
func (w *writer) WriteAt(p []byte, off int64) (int, error) { return w.f.WriteAt(p, off) }

// Truncate sizes the underlying file, used by the backup engine for
// "raw" passthrough streams (§4.D step 6). Not part of sink.Writer;
// callers type-assert for it and skip truncation against sinks whose
// writers do not implement it (zipsink, s3sink).
func (w *writer) Truncate(size int64) error { return w.f.Truncate(size) }

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("fssink: close %q: %w", w.partial, err)
	}
	if err := os.Rename(w.partial, w.final); err != nil {
		return fmt.Errorf("fssink: rename %q -> %q: %w", w.partial, w.final, err)
	}
	return nil
}

func (w *writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.partial)
}

type reader struct {
	f *os.File
}

func (d *Dir) Open(name string) (sink.Reader, error) {
	f, err := os.Open(filepath.Join(d.Path, name))
	if err != nil {
		return nil, fmt.Errorf("fssink: open %q: %w", name, err)
	}
	return &reader{f: f}, nil
}

func (r *reader) Read(p []byte) (int, error)              { return r.f.Read(p) }
func (r *reader) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r *reader) Seek(offset int64, whence int) (int64, error) { return r.f.Seek(offset, whence) }
func (r *reader) Close() error                             { return r.f.Close() }
func (r *reader) Size() (int64, error) {
	st, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (d *Dir) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("fssink: list %q: %w", d.Path, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) MaxWorkers() int { return 0 }

// HasPartialResidue reports whether any ".partial" file exists, used by
// the orchestrator to reject inc/diff after a prior failed run (§4.G).
func (d *Dir) HasPartialResidue() (bool, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), partialSuffix) {
			return true, nil
		}
	}
	return false, nil
}
