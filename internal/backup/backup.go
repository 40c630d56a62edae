// Package backup implements the per-disk backup engine (component D):
// extent query, NBD reads, stream framing, and the atomic-rename
// ownership discipline over an OutputSink.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/asch/virtnbdbackup/internal/checkpoint"
	"github.com/asch/virtnbdbackup/internal/extent"
	"github.com/asch/virtnbdbackup/internal/hypervisor"
	"github.com/asch/virtnbdbackup/internal/nbdserver"
	"github.com/asch/virtnbdbackup/internal/nbdtransport"
	"github.com/asch/virtnbdbackup/internal/sink"
	"github.com/asch/virtnbdbackup/internal/stream"
)

// Error kinds from §7, fatal to the current disk only.
var (
	ErrDiskBackupFailed  = errors.New("backup: disk backup failed")
	ErrWriterException   = errors.New("backup: writer failed")
	ErrOutput            = errors.New("backup: output sink failed")
)

// Config is the immutable, run-wide configuration shared by every disk
// worker (§9 "pass an immutable RunConfig").
type Config struct {
	Domain           string
	Sink             sink.Sink
	CheckpointPrefix string

	// CompressLevel > 0 enables lz4 compression at that level.
	CompressLevel int

	// Offline is true when the domain is shut off and this engine must
	// start its own local NBD server rather than connect to one the
	// hypervisor already exposed.
	Offline       bool
	RawPassthrough bool

	NBDSocketDir  string
	NBDBasePort   int
	NBDRemoteHost string // empty selects a local Unix socket
	NBDTLS        bool

	// ImageInspector, if set, is run against qcow2 disks after a
	// successful backup to capture the image-format sidecar (§6). Nil
	// skips sidecar capture entirely.
	ImageInspector func(ctx context.Context, sourcePath string) ([]byte, error)

	Logger zerolog.Logger
}

// Job is the per-worker input (§9 "per-worker WorkerContext"): which
// disk, that disk's position in the run (WorkerIndex, used to derive a
// disjoint NBD port), and the checkpoint decision already resolved for
// this run.
type Job struct {
	Disk        hypervisor.Disk
	WorkerIndex int
	Mode        checkpoint.Mode
	Decision    checkpoint.Decision
}

// Result summarizes one disk's completed backup.
type Result struct {
	DiskTarget     string
	FinalName      string
	ThinBackupSize uint64
	Warning        bool
}

const connectRetries = 50
const connectRetryDelay = 100 * time.Millisecond

// BackupDisk runs the full §4.D pipeline for one disk. It is safe to
// call concurrently for distinct disks, provided job.WorkerIndex values
// are distinct (NBD socket/port disjointness, §5).
func BackupDisk(ctx context.Context, cfg Config, job Job) (Result, error) {
	disk := job.Disk
	log := cfg.Logger.With().Str("disk", disk.Target).Logger()

	streamType := "stream"
	if disk.Format == "raw" && cfg.RawPassthrough {
		streamType = "raw"
	}

	metaContext := "base:allocation"
	if job.Mode == checkpoint.ModeInc || job.Mode == checkpoint.ModeDiff {
		metaContext = extent.MetaContextName(job.Decision.Parent, disk.Target, cfg.Offline)
	}

	var nbdServer *nbdserver.Server
	socketPath := disk.NBDSocket
	remotePort := 0

	if cfg.Offline {
		if cfg.NBDRemoteHost == "" {
			socketPath = filepath.Join(cfg.NBDSocketDir, "socketfile."+disk.Target)
			nbdServer = nbdserver.ListenUnix(socketPath)
		} else {
			remotePort = cfg.NBDBasePort + job.WorkerIndex
			nbdServer = nbdserver.ListenTCP(fmt.Sprintf("%s:%d", cfg.NBDRemoteHost, remotePort))
		}

		if err := nbdServer.Start(ctx, cfg.Logger, []nbdserver.Export{{
			Name: disk.Target,
			Path: disk.SourceFile,
		}}); err != nil {
			return Result{}, fmt.Errorf("%w: start local nbd server: %v", ErrDiskBackupFailed, err)
		}
		defer nbdServer.Stop()
	}

	transport, err := connect(ctx, cfg, socketPath, remotePort, metaContext)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDiskBackupFailed, err)
	}
	defer transport.Disconnect()

	diskSize, err := transport.GetSize()
	if err != nil {
		return Result{}, fmt.Errorf("%w: get size: %v", ErrDiskBackupFailed, err)
	}

	handler := &extent.NBDHandler{Client: transport, DiskSize: diskSize}
	extents, err := handler.QueryBlockStatus()
	if err != nil {
		return Result{}, fmt.Errorf("%w: query extents: %v", ErrDiskBackupFailed, err)
	}

	warning := false
	if extents == nil {
		log.Warn().Msg("extent query returned no data, treating as empty backup")
		warning = true
	}

	var thinBackupSize uint64
	for _, e := range extents {
		if e.Data {
			thinBackupSize += e.Length
		}
	}

	finalName := streamFileName(disk.Target, job.Mode, job.Decision, time.Now())

	w, err := cfg.Sink.Create(finalName)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create %q: %v", ErrOutput, finalName, err)
	}

	if err := writeStream(w, cfg, job, streamType, diskSize, thinBackupSize, transport, extents); err != nil {
		w.Abort()
		return Result{}, err
	}

	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: close %q: %v", ErrOutput, finalName, err)
	}

	if disk.Format == "qcow2" && cfg.ImageInspector != nil {
		if buf, err := cfg.ImageInspector(ctx, disk.SourceFile); err != nil {
			log.Warn().Err(err).Msg("qcow sidecar capture failed, restore will fall back to image-creator defaults")
		} else if sw, err := cfg.Sink.Create(QcowSidecarName(disk.Target, job.Decision)); err != nil {
			log.Warn().Err(err).Msg("could not open qcow sidecar for writing")
		} else {
			if _, err := sw.Write(buf); err != nil {
				sw.Abort()
				log.Warn().Err(err).Msg("could not write qcow sidecar")
			} else if err := sw.Close(); err != nil {
				log.Warn().Err(err).Msg("could not close qcow sidecar")
			}
		}
	}

	return Result{
		DiskTarget:     disk.Target,
		FinalName:      finalName,
		ThinBackupSize: thinBackupSize,
		Warning:        warning,
	}, nil
}

func connect(ctx context.Context, cfg Config, socketPath string, remotePort int, metaContext string) (*nbdtransport.Transport, error) {
	var lastErr error
	for i := 0; i < connectRetries; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var t *nbdtransport.Transport
		var err error
		if remotePort != 0 {
			t, err = nbdtransport.ConnectTCP(nbdtransport.TCPOptions{
				Host: cfg.NBDRemoteHost,
				Port: remotePort,
				TLS:  cfg.NBDTLS,
			}, metaContext)
		} else {
			t, err = nbdtransport.ConnectUnix(socketPath, metaContext)
		}

		if err == nil {
			return t, nil
		}
		lastErr = err
		time.Sleep(connectRetryDelay)
	}
	return nil, lastErr
}

// writeStream implements §4.D steps 5-8: open, header, extent loop,
// trailer.
func writeStream(w sink.Writer, cfg Config, job Job, streamType string, diskSize, thinBackupSize uint64, transport *nbdtransport.Transport, extents []extent.Extent) error {
	disk := job.Disk
	compressed := cfg.CompressLevel > 0

	if streamType == "raw" {
		if tr, ok := w.(interface{ Truncate(int64) error }); ok {
			if err := tr.Truncate(int64(diskSize)); err != nil {
				return fmt.Errorf("%w: truncate: %v", ErrWriterException, err)
			}
		}
		return writeRaw(w, transport, extents)
	}

	metaBytes, err := stream.WriteMetadata(stream.StreamMetadata{
		VirtualSize:      diskSize,
		DataSize:         thinBackupSize,
		DiskName:         disk.Target,
		DiskFormat:       disk.Format,
		CheckpointName:   job.Decision.Name,
		ParentCheckpoint: job.Decision.Parent,
		StreamVersion:    stream.CurrentStreamVersion,
		Incremental:      job.Mode == checkpoint.ModeInc || job.Mode == checkpoint.ModeDiff,
		Compressed:       compressed,
		CompressionMethod: func() string {
			if compressed {
				return "lz4"
			}
			return ""
		}(),
		CompressionLevel: func() int {
			if compressed {
				return cfg.CompressLevel
			}
			return 0
		}(),
		Date: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", ErrWriterException, err)
	}

	if err := stream.WriteFrame(w, stream.META, 0, uint64(len(metaBytes))); err != nil {
		return fmt.Errorf("%w: write meta frame: %v", ErrWriterException, err)
	}
	if _, err := w.Write(metaBytes); err != nil {
		return fmt.Errorf("%w: write metadata payload: %v", ErrWriterException, err)
	}
	if _, err := w.Write(stream.TERM); err != nil {
		return fmt.Errorf("%w: write meta term: %v", ErrWriterException, err)
	}

	var trailer []stream.ChunkSizes

	maxReq := transport.MaxRequestSize()

	for _, e := range extents {
		if e.Data {
			_, sizes, err := writeDataFrame(w, transport, e, maxReq, cfg.CompressLevel)
			if err != nil {
				return err
			}
			if compressed {
				trailer = append(trailer, sizes)
			}
			continue
		}

		// !data
		switch job.Mode {
		case checkpoint.ModeFull, checkpoint.ModeCopy:
			if err := stream.WriteFrame(w, stream.ZERO, e.Offset, e.Length); err != nil {
				return fmt.Errorf("%w: write zero frame: %v", ErrWriterException, err)
			}
		default:
			// inc/diff: holes are implicit, omit entirely.
		}
	}

	if err := stream.WriteFrame(w, stream.STOP, 0, 0); err != nil {
		return fmt.Errorf("%w: write stop frame: %v", ErrWriterException, err)
	}

	if compressed {
		if err := stream.WriteCompressionTrailer(w, trailer); err != nil {
			return fmt.Errorf("%w: write compression trailer: %v", ErrWriterException, err)
		}
	}

	return nil
}

// writeDataFrame reads one "data" extent from NBD, splitting into
// maxReq-sized chunks, optionally lz4-compressing each chunk, and
// emits a single DATA frame whose payload is every chunk concatenated.
func writeDataFrame(w sink.Writer, transport *nbdtransport.Transport, e extent.Extent, maxReq uint64, compressLevel int) (uint64, stream.ChunkSizes, error) {
	compressed := compressLevel > 0

	type chunk struct {
		offset uint64
		length uint64
	}
	var chunks []chunk
	for off := uint64(0); off < e.Length; {
		l := maxReq
		if l == 0 || off+l > e.Length {
			l = e.Length - off
		}
		chunks = append(chunks, chunk{offset: off, length: l})
		off += l
	}

	payload := make([][]byte, 0, len(chunks))
	var total uint64
	var cLens []int64

	for _, c := range chunks {
		buf := make([]byte, c.length)
		if err := transport.Pread(buf, e.Offset+c.offset); err != nil {
			return 0, stream.ChunkSizes{}, fmt.Errorf("%w: pread at %d: %v", ErrDiskBackupFailed, e.Offset+c.offset, err)
		}

		if compressed {
			out, err := compressChunk(buf, compressLevel)
			if err != nil {
				return 0, stream.ChunkSizes{}, fmt.Errorf("%w: compress chunk: %v", ErrWriterException, err)
			}
			payload = append(payload, out)
			cLens = append(cLens, int64(len(out)))
			total += uint64(len(out))
		} else {
			payload = append(payload, buf)
			total += uint64(len(buf))
		}
	}

	if err := stream.WriteFrame(w, stream.DATA, e.Offset, total); err != nil {
		return 0, stream.ChunkSizes{}, fmt.Errorf("%w: write data frame: %v", ErrWriterException, err)
	}
	for _, p := range payload {
		if _, err := w.Write(p); err != nil {
			return 0, stream.ChunkSizes{}, fmt.Errorf("%w: write data payload: %v", ErrWriterException, err)
		}
	}
	if _, err := w.Write(stream.TERM); err != nil {
		return 0, stream.ChunkSizes{}, fmt.Errorf("%w: write data term: %v", ErrWriterException, err)
	}

	sizes := stream.ChunkSizes{}
	if len(chunks) > 1 {
		sizes.Chunked = true
		sizes.UncompressedLen = cLens
	} else if compressed {
		sizes.Single = cLens[0]
	}

	return total, sizes, nil
}

// writeRaw implements the raw-passthrough path: seek and write plain
// bytes, leaving holes unwritten (§4.D step 7 "raw → seek forward").
func writeRaw(w sink.Writer, transport *nbdtransport.Transport, extents []extent.Extent) error {
	maxReq := transport.MaxRequestSize()

	for _, e := range extents {
		if !e.Data {
			continue
		}
		for off := uint64(0); off < e.Length; {
			l := maxReq
			if l == 0 || off+l > e.Length {
				l = e.Length - off
			}
			buf := make([]byte, l)
			if err := transport.Pread(buf, e.Offset+off); err != nil {
				return fmt.Errorf("%w: pread at %d: %v", ErrDiskBackupFailed, e.Offset+off, err)
			}
			if _, err := w.WriteAt(buf, int64(e.Offset+off)); err != nil {
				return fmt.Errorf("%w: write at %d: %v", ErrWriterException, e.Offset+off, err)
			}
			off += l
		}
	}
	return nil
}
