// Package nbdserver runs a local, Go-native NBD export backed by an
// *os.File, used for offline-mode backup (exporting a domain's raw/qcow
// disk while it is shut off) and for restore's replay target. The
// server loop and logging-bridge pattern follow gonbdserver's
// file-serving examples in the wider ecosystem.
package nbdserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/rclone/gonbdserver/nbd"
	"github.com/rs/zerolog"
)

const backendName = "virtnbdbackup-file"

// Export describes one file-backed NBD export.
type Export struct {
	Name     string
	Path     string
	ReadOnly bool
}

// Server owns the lifetime of a gonbdserver instance serving one or
// more file-backed exports over a Unix socket or TCP listener.
type Server struct {
	addr     string
	protocol string

	wg        sync.WaitGroup
	sessionWg sync.WaitGroup
	logR      *io.PipeReader
	logW      *io.PipeWriter

	cancel context.CancelFunc
}

// ListenUnix configures a server that listens on a Unix socket.
func ListenUnix(socketPath string) *Server {
	return &Server{protocol: "unix", addr: socketPath}
}

// ListenTCP configures a server that listens on host:port.
func ListenTCP(addr string) *Server {
	return &Server{protocol: "tcp", addr: addr}
}

// Start registers the file backend and begins serving exports in the
// background. Call Wait to block until the server stops, and Stop (via
// the context passed to the enclosing caller) to shut it down.
func (s *Server) Start(ctx context.Context, logger zerolog.Logger, exports []Export) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	nbd.RegisterBackend(backendName, newFileBackend)

	ecs := make([]nbd.ExportConfig, 0, len(exports))
	for _, e := range exports {
		ecs = append(ecs, nbd.ExportConfig{
			Name:               e.Name,
			Description:        e.Path,
			Driver:             backendName,
			ReadOnly:           e.ReadOnly,
			Workers:            8,
			MinimumBlockSize:   1,
			PreferredBlockSize: 4096,
			MaximumBlockSize:   32 * 1024 * 1024,
			DriverParameters: nbd.DriverParametersConfig{
				"path": e.Path,
			},
		})
	}

	defaultExport := ""
	if len(ecs) > 0 {
		defaultExport = ecs[0].Name
	}

	s.logR, s.logW = io.Pipe()
	go s.pumpLogs(logger)
	stdlog := log.New(s.logW, "", 0)

	cfg := nbd.ServerConfig{
		Protocol:      s.protocol,
		Address:       s.addr,
		DefaultExport: defaultExport,
		Exports:       ecs,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nbd.StartServer(ctx, ctx, &s.sessionWg, stdlog, cfg)
	}()

	return nil
}

func (s *Server) pumpLogs(logger zerolog.Logger) {
	scanner := bufio.NewScanner(s.logR)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "[ERROR]"), strings.HasPrefix(line, "[CRIT]"):
			logger.Error().Str("component", "nbdserver").Msg(line)
		case strings.HasPrefix(line, "[WARN]"):
			logger.Warn().Str("component", "nbdserver").Msg(line)
		case strings.HasPrefix(line, "[DEBUG]"):
			logger.Debug().Str("component", "nbdserver").Msg(line)
		default:
			logger.Info().Str("component", "nbdserver").Msg(line)
		}
	}
}

// Stop cancels the server's context and waits for it to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.logW != nil {
		_ = s.logW.Close()
		_ = s.logR.Close()
	}
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() { s.wg.Wait() }

// fileBackend implements nbd.Backend over a single *os.File.
type fileBackend struct {
	f        *os.File
	size     int64
	readOnly bool
}

func newFileBackend(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
	path, ok := ec.DriverParameters["path"]
	if !ok {
		return nil, fmt.Errorf("nbdserver: export %q missing path parameter", ec.Name)
	}

	flag := os.O_RDWR
	if ec.ReadOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("nbdserver: open %q: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("nbdserver: stat %q: %w", path, err)
	}

	return &fileBackend{f: f, size: st.Size(), readOnly: ec.ReadOnly}, nil
}

func (b *fileBackend) WriteAt(ctx context.Context, p []byte, offset int64, fua bool) (int, error) {
	if b.readOnly {
		return 0, fmt.Errorf("nbdserver: write to read-only export")
	}
	n, err := b.f.WriteAt(p, offset)
	if err == nil && fua {
		err = b.f.Sync()
	}
	return n, err
}

func (b *fileBackend) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	return b.f.ReadAt(p, offset)
}

func (b *fileBackend) TrimArea(ctx context.Context, offset, length int64) error {
	// Plain files have no discard primitive; treat as a no-op success
	// rather than zeroing, matching qemu-nbd's behavior for raw files
	// without preallocation metadata.
	return nil
}

func (b *fileBackend) Flush(ctx context.Context) error {
	return b.f.Sync()
}

func (b *fileBackend) Close(ctx context.Context) error {
	return b.f.Close()
}

func (b *fileBackend) Geometry(ctx context.Context) (uint64, uint64, uint64, error) {
	return uint64(b.size), 1, 32 * 1024 * 1024, nil
}

func (b *fileBackend) HasFua(ctx context.Context) bool { return true }

func (b *fileBackend) HasFlush(ctx context.Context) bool { return true }
