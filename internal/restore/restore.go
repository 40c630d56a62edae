// Package restore implements the restore engine (component E): locate
// a disk's chain, allocate a target image, and replay stream files in
// order against a freshly started NBD endpoint.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/asch/virtnbdbackup/internal/checkpoint"
	"github.com/asch/virtnbdbackup/internal/imagecreator"
	"github.com/asch/virtnbdbackup/internal/nbdserver"
	"github.com/asch/virtnbdbackup/internal/nbdtransport"
	"github.com/asch/virtnbdbackup/internal/sink"
	"github.com/asch/virtnbdbackup/internal/stream"
)

// Error kinds from §7.
var (
	ErrRestore              = errors.New("restore: disk restore failed")
	ErrNoBaseFile           = errors.New("restore: no full/copy base file found for disk")
	ErrDataSizeMismatch     = errors.New("restore: restored byte count does not match metadata dataSize")
)

// UntilCheckpointReached names the non-error condition of chain replay
// stopping cleanly at the requested checkpoint (§7). RestoreDisk does
// not return it; it reports the stop through Result.StoppedAtUntil.
var UntilCheckpointReached = errors.New("restore: until checkpoint reached")

// Config is the run-wide restore configuration.
type Config struct {
	Sink             sink.Sink
	ImageCreator     imagecreator.ImageCreator
	CheckpointPrefix string
	OutputDir        string
	Until            string

	NBDSocketDir string

	Logger zerolog.Logger
}

// Result summarizes one disk's restore.
type Result struct {
	DiskTarget     string
	BytesRestored  uint64
	FilesApplied   []string
	StoppedAtUntil bool
}

// chain locates, for one disk, the base file and every inc/diff file
// belonging to it, in replay order: base, then incs by ascending
// checkpoint suffix, then diffs by ascending embedded epoch.
func chainFor(names []string, prefix, diskTarget string) ([]streamFile, error) {
	var base *streamFile
	var incs, diffs []streamFile

	for _, n := range names {
		sf, ok := parseStreamFileName(n)
		if !ok || sf.Disk != diskTarget {
			continue
		}
		switch sf.Kind {
		case "full", "copy":
			if base != nil {
				return nil, fmt.Errorf("restore: disk %q has more than one base file (%q, %q)", diskTarget, base.Name, sf.Name)
			}
			cp := sf
			base = &cp
		case "inc":
			incs = append(incs, sf)
		case "diff":
			diffs = append(diffs, sf)
		}
	}

	if base == nil {
		return nil, fmt.Errorf("%w: disk %q", ErrNoBaseFile, diskTarget)
	}

	sort.Slice(incs, func(i, j int) bool {
		si, _ := checkpoint.Suffix(prefix, incs[i].Extra)
		sj, _ := checkpoint.Suffix(prefix, incs[j].Extra)
		return si < sj
	})
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Extra < diffs[j].Extra })

	result := append([]streamFile{*base}, incs...)
	result = append(result, diffs...)
	return result, nil
}

// latestQcowSidecar picks the qcow sidecar with the lexicographically
// greatest name. This is not necessarily the most recent one: checkpoint
// names compare as strings (".10" sorts before ".9"), and copy-mode
// idents are random UUIDs with no time order.
func latestQcowSidecar(names []string, diskTarget string) string {
	var latest string
	for _, n := range names {
		if isQcowSidecar(n, diskTarget) && n > latest {
			latest = n
		}
	}
	return latest
}

// RestoreDisk implements §4.E for one disk target.
func RestoreDisk(ctx context.Context, cfg Config, diskTarget string) (Result, error) {
	names, err := cfg.Sink.List("")
	if err != nil {
		return Result{}, fmt.Errorf("%w: listing input: %v", ErrRestore, err)
	}

	files, err := chainFor(names, cfg.CheckpointPrefix, diskTarget)
	if err != nil {
		return Result{}, err
	}

	baseMeta, err := readMetaOnly(cfg.Sink, files[0].Name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading base metadata: %v", ErrRestore, err)
	}

	targetPath := filepath.Join(cfg.OutputDir, diskTarget)

	var qcow imagecreator.QcowOptions
	if sidecar := latestQcowSidecar(names, diskTarget); sidecar != "" {
		r, err := cfg.Sink.Open(sidecar)
		if err != nil {
			cfg.Logger.Warn().Str("file", sidecar).Err(err).Msg("could not open qcow sidecar, using tool defaults")
		} else {
			buf, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				cfg.Logger.Warn().Str("file", sidecar).Err(err).Msg("could not read qcow sidecar, using tool defaults")
			} else if qcow, err = parseQcowSidecar(buf); err != nil {
				cfg.Logger.Warn().Str("file", sidecar).Err(err).Msg("could not parse qcow sidecar, using tool defaults")
			}
		}
	}

	if err := cfg.ImageCreator.Create(ctx, imagecreator.Options{
		Path:        targetPath,
		VirtualSize: baseMeta.VirtualSize,
		Format:      baseMeta.DiskFormat,
		Qcow:        qcow,
	}); err != nil {
		return Result{}, fmt.Errorf("%w: allocating target: %v", ErrRestore, err)
	}

	srv := nbdserver.ListenUnix(filepath.Join(cfg.NBDSocketDir, "restore."+diskTarget))
	if err := srv.Start(ctx, cfg.Logger, []nbdserver.Export{{Name: diskTarget, Path: targetPath}}); err != nil {
		return Result{}, fmt.Errorf("%w: starting restore nbd server: %v", ErrRestore, err)
	}
	defer srv.Stop()

	transport, err := connectRetry(ctx, filepath.Join(cfg.NBDSocketDir, "restore."+diskTarget))
	if err != nil {
		return Result{}, fmt.Errorf("%w: connecting to restore nbd server: %v", ErrRestore, err)
	}
	defer transport.Disconnect()

	result := Result{DiskTarget: diskTarget}

	for _, sf := range files {
		n, stop, err := playFile(cfg, sf.Name, cfg.Until, transport)
		result.BytesRestored += n
		result.FilesApplied = append(result.FilesApplied, sf.Name)
		if err != nil {
			return result, err
		}
		if stop {
			result.StoppedAtUntil = true
			break
		}
	}

	return result, nil
}

const connectRetries = 50
const connectRetryDelay = 100 * time.Millisecond

func connectRetry(ctx context.Context, socketPath string) (*nbdtransport.Transport, error) {
	var lastErr error
	for i := 0; i < connectRetries; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t, err := nbdtransport.ConnectUnix(socketPath, "base:allocation")
		if err == nil {
			return t, nil
		}
		lastErr = err
		time.Sleep(connectRetryDelay)
	}
	return nil, lastErr
}

// readMetaOnly opens name, reads just its META frame and returns the
// parsed metadata without processing the rest of the file.
func readMetaOnly(s sink.Sink, name string) (stream.StreamMetadata, error) {
	r, err := s.Open(name)
	if err != nil {
		return stream.StreamMetadata{}, err
	}
	defer r.Close()

	br := bufio.NewReader(r)
	kind, _, length, err := stream.ReadFrame(br)
	if err != nil {
		return stream.StreamMetadata{}, err
	}
	if kind != stream.META {
		return stream.StreamMetadata{}, fmt.Errorf("%w: expected META frame, got %s", stream.ErrFormat, kind)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return stream.StreamMetadata{}, err
	}
	if err := stream.ReadTerm(br); err != nil {
		return stream.StreamMetadata{}, err
	}

	return stream.LoadMetadata(buf)
}

// loadTrailer scans name's frames from the start without interpreting
// payloads, to recover the compression trailer appended after STOP.
func loadTrailer(s sink.Sink, name string) ([]stream.ChunkSizes, error) {
	r, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	br := bufio.NewReader(r)

	kind, _, length, err := stream.ReadFrame(br)
	if err != nil {
		return nil, err
	}
	if kind != stream.META {
		return nil, fmt.Errorf("%w: expected META frame, got %s", stream.ErrFormat, kind)
	}
	if err := skipPayload(br, length); err != nil {
		return nil, err
	}

	for {
		kind, _, length, err := stream.ReadFrame(br)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning for trailer: %v", stream.ErrFormat, err)
		}

		switch kind {
		case stream.DATA:
			if err := skipPayload(br, length); err != nil {
				return nil, err
			}
		case stream.ZERO:
			// no payload
		case stream.STOP:
			raw, err := io.ReadAll(br)
			if err != nil {
				return nil, err
			}
			if len(raw) == 0 {
				return nil, nil
			}
			return stream.ReadCompressionTrailer(raw)
		default:
			return nil, fmt.Errorf("%w: unexpected frame kind %s before STOP", stream.ErrFormat, kind)
		}
	}
}

func skipPayload(br *bufio.Reader, length uint64) error {
	if _, err := io.CopyN(io.Discard, br, int64(length)); err != nil {
		return fmt.Errorf("%w: skipping payload: %v", stream.ErrFormat, err)
	}
	return stream.ReadTerm(br)
}

// playFile implements §4.E step e-f for one chain file: replay META →
// DATA/ZERO* → STOP against transport, stopping (and returning stop=
// true) if this file's checkpointName equals until.
func playFile(cfg Config, name string, until string, transport *nbdtransport.Transport) (uint64, bool, error) {
	r, err := cfg.Sink.Open(name)
	if err != nil {
		return 0, false, fmt.Errorf("%w: opening %q: %v", ErrRestore, name, err)
	}
	defer r.Close()

	br := bufio.NewReader(r)

	kind, _, length, err := stream.ReadFrame(br)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrRestore, err)
	}
	if kind != stream.META {
		return 0, false, fmt.Errorf("%w: %q: expected META frame, got %s", ErrRestore, name, kind)
	}

	metaBuf := make([]byte, length)
	if _, err := io.ReadFull(br, metaBuf); err != nil {
		return 0, false, fmt.Errorf("%w: %q: reading metadata: %v", ErrRestore, name, err)
	}
	if err := stream.ReadTerm(br); err != nil {
		return 0, false, fmt.Errorf("%w: %q: %v", ErrRestore, name, err)
	}

	meta, err := stream.LoadMetadata(metaBuf)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q: %v", ErrRestore, name, err)
	}

	var trailer []stream.ChunkSizes
	if meta.Compressed {
		trailer, err = loadTrailer(cfg.Sink, name)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %q: loading compression trailer: %v", ErrRestore, name, err)
		}
	}

	maxReq := transport.MaxRequestSize()
	var restored uint64
	dataIndex := 0

	for {
		kind, start, length, err := stream.ReadFrame(br)
		if err != nil {
			return restored, false, fmt.Errorf("%w: %q: %v", ErrRestore, name, err)
		}

		switch kind {
		case stream.ZERO:
			// implicit hole in the target; nothing to write.

		case stream.DATA:
			raw := make([]byte, length)
			if _, err := io.ReadFull(br, raw); err != nil {
				return restored, false, fmt.Errorf("%w: %q: reading data payload: %v", ErrRestore, name, err)
			}
			if err := stream.ReadTerm(br); err != nil {
				return restored, false, fmt.Errorf("%w: %q: %v", ErrRestore, name, err)
			}

			n, err := writeDataPayload(transport, start, raw, meta.Compressed, trailerFor(trailer, dataIndex), maxReq)
			if err != nil {
				return restored, false, fmt.Errorf("%w: %q: %v", ErrRestore, name, err)
			}
			restored += n
			dataIndex++

		case stream.STOP:
			if meta.DataSize != restored {
				return restored, false, fmt.Errorf("%w: %q: metadata says %d, restored %d", ErrDataSizeMismatch, name, meta.DataSize, restored)
			}
			return restored, meta.CheckpointName != "" && meta.CheckpointName == until, nil

		default:
			return restored, false, fmt.Errorf("%w: %q: unexpected frame kind %s", ErrRestore, name, kind)
		}
	}
}

func trailerFor(trailer []stream.ChunkSizes, i int) stream.ChunkSizes {
	if i >= len(trailer) {
		return stream.ChunkSizes{}
	}
	return trailer[i]
}

// writeDataPayload decompresses (if needed) and writes one DATA
// frame's payload to transport at start, splitting pwrite calls to
// maxReq and, for a chunked compressed frame, splitting the payload
// itself per the trailer's recorded compressed chunk lengths.
func writeDataPayload(transport *nbdtransport.Transport, start uint64, raw []byte, compressed bool, sizes stream.ChunkSizes, maxReq uint64) (uint64, error) {
	var plain []byte

	switch {
	case !compressed:
		plain = raw

	case sizes.Chunked:
		var buf bytes.Buffer
		off := 0
		for _, cLen := range sizes.UncompressedLen {
			if off+int(cLen) > len(raw) {
				return 0, fmt.Errorf("trailer chunk length exceeds payload")
			}
			chunk, err := decompressChunkBytes(raw[off : off+int(cLen)])
			if err != nil {
				return 0, err
			}
			buf.Write(chunk)
			off += int(cLen)
		}
		plain = buf.Bytes()

	default:
		chunk, err := decompressChunkBytes(raw)
		if err != nil {
			return 0, err
		}
		plain = chunk
	}

	for off := 0; off < len(plain); {
		l := int(maxReq)
		if l == 0 || off+l > len(plain) {
			l = len(plain) - off
		}
		if err := transport.Pwrite(plain[off:off+l], start+uint64(off)); err != nil {
			return 0, err
		}
		off += l
	}

	return uint64(len(plain)), nil
}
