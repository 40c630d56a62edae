// Package nbdtransport is the NBD client transport (component B). It
// wraps libguestfs.org/libnbd with pread/pwrite that reject requests
// above the server's advertised maximum request size (callers split
// larger regions), and optional metadata
// context negotiation used by the extent handler to query dirty bitmaps.
package nbdtransport

import (
	"errors"
	"fmt"
	"strings"

	"libguestfs.org/libnbd"
)

// TransportError wraps any NBD I/O or protocol failure. It is fatal to
// the current disk worker but does not abort the whole run.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("nbd transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// ErrRequestTooLarge is returned by Pread/Pwrite when length exceeds
// MaxRequestSize; callers are responsible for splitting.
var ErrRequestTooLarge = errors.New("nbd transport: request exceeds maxRequestSize")

// defaultMaxRequestSize is used when the server does not advertise one.
const defaultMaxRequestSize = 32 * 1024 * 1024

// TCPOptions configures a remote connection.
type TCPOptions struct {
	Host string
	Port int
	TLS  bool
}

// Transport is a connected NBD client bound to one export.
type Transport struct {
	handle         *libnbd.Libnbd
	maxRequestSize uint64
	metaContext    string
}

// ConnectUnix connects to a local NBD server over a Unix socket,
// optionally negotiating metaContext (e.g. a dirty-bitmap name). If the
// server does not support the named context, the connection still
// succeeds but dirty queries will fail later.
func ConnectUnix(socketPath, metaContext string) (*Transport, error) {
	h, err := libnbd.Create()
	if err != nil {
		return nil, wrap("create", err)
	}

	if metaContext != "" {
		if err := h.AddMetaContext(metaContext); err != nil {
			return nil, wrap("add-meta-context", err)
		}
	}

	if err := h.ConnectUnix(socketPath); err != nil {
		h.Close()
		return nil, wrap("connect-unix", err)
	}

	return newTransport(h, metaContext)
}

// ConnectTCP connects to a remote NBD server, optionally over TLS.
func ConnectTCP(opt TCPOptions, metaContext string) (*Transport, error) {
	h, err := libnbd.Create()
	if err != nil {
		return nil, wrap("create", err)
	}

	if metaContext != "" {
		if err := h.AddMetaContext(metaContext); err != nil {
			return nil, wrap("add-meta-context", err)
		}
	}

	if opt.TLS {
		if err := h.SetTls(libnbd.TLS_REQUIRE); err != nil {
			h.Close()
			return nil, wrap("set-tls", err)
		}
	}

	if err := h.ConnectTcp(opt.Host, fmt.Sprintf("%d", opt.Port)); err != nil {
		h.Close()
		return nil, wrap("connect-tcp", err)
	}

	return newTransport(h, metaContext)
}

func newTransport(h *libnbd.Libnbd, metaContext string) (*Transport, error) {
	max, err := h.GetBlockSize(libnbd.SIZE_MAXIMUM)
	if err != nil || max == 0 {
		max = defaultMaxRequestSize
	}

	return &Transport{handle: h, maxRequestSize: max, metaContext: metaContext}, nil
}

// MaxRequestSize is the largest single pread/pwrite the server accepts.
// Callers split larger regions into chunks of at most this size.
func (t *Transport) MaxRequestSize() uint64 {
	return t.maxRequestSize
}

// MetaContext returns the negotiated metadata context name, or "" if
// none was requested.
func (t *Transport) MetaContext() string {
	return t.metaContext
}

// GetSize returns the export's size in bytes.
func (t *Transport) GetSize() (uint64, error) {
	size, err := t.handle.GetSize()
	return size, wrap("get-size", err)
}

// Pread reads len(buf) bytes starting at offset. It rejects requests
// exceeding MaxRequestSize; callers split.
func (t *Transport) Pread(buf []byte, offset uint64) error {
	if uint64(len(buf)) > t.maxRequestSize {
		return ErrRequestTooLarge
	}
	return wrap("pread", t.handle.Pread(buf, offset, nil))
}

// Pwrite writes buf starting at offset. It rejects requests exceeding
// MaxRequestSize; callers split.
func (t *Transport) Pwrite(buf []byte, offset uint64) error {
	if uint64(len(buf)) > t.maxRequestSize {
		return ErrRequestTooLarge
	}
	return wrap("pwrite", t.handle.Pwrite(buf, offset, nil))
}

// Client is the capability surface the extent handler depends on.
// *Transport implements it; tests substitute an in-memory fake.
type Client interface {
	GetSize() (uint64, error)
	MaxRequestSize() uint64
	Pread(buf []byte, offset uint64) error
	Pwrite(buf []byte, offset uint64) error
	BlockStatus(offset, length uint64) ([]Extent, error)
	Disconnect() error
}

// Extent mirrors the data model's {offset, length, data} triple as
// reported by a single block_status chunk before merging.
type Extent struct {
	Offset uint64
	Length uint64
	Data   bool
}

// BlockStatus enumerates allocated/dirty regions of [offset, offset+length)
// over the negotiated metadata context. It returns nil with no error when
// the server reports no data for the context (callers treat that as a
// successful, all-clean query).
func (t *Transport) BlockStatus(offset, length uint64) ([]Extent, error) {
	if t.metaContext == "" {
		return nil, fmt.Errorf("nbd transport: block-status requires a negotiated metadata context")
	}

	var extents []Extent
	var innerErr error

	cb := libnbd.BlockStatusCallback{
		Callback: func(metacontext string, extOffset uint64, extents32 []uint32, err *int) int {
			if metacontext != t.metaContext {
				return 0
			}
			cur := extOffset
			dirtyContext := strings.HasPrefix(metacontext, "qemu:dirty-bitmap:")
			for i := 0; i+1 < len(extents32); i += 2 {
				length := uint64(extents32[i])
				flags := extents32[i+1]

				var data bool
				if dirtyContext {
					// Bit 0 of a dirty-bitmap context means "dirty since the
					// checkpoint this bitmap tracks".
					data = flags&1 != 0
				} else {
					// base:allocation: bit 0 is NBD_STATE_HOLE.
					data = flags&libnbd.STATE_HOLE == 0
				}

				extents = append(extents, Extent{
					Offset: cur,
					Length: length,
					Data:   data,
				})
				cur += length
			}
			return 0
		},
	}

	if err := t.handle.BlockStatus(length, offset, cb, nil); err != nil {
		innerErr = err
	}

	if innerErr != nil {
		return nil, wrap("block-status", innerErr)
	}

	return extents, nil
}

// Disconnect releases the connection. Safe to call multiple times.
func (t *Transport) Disconnect() error {
	if t.handle == nil {
		return nil
	}
	err := t.handle.Shutdown(nil)
	t.handle.Close()
	t.handle = nil
	if err != nil {
		return wrap("disconnect", err)
	}
	return nil
}
