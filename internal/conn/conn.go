// Package conn turns a TCP stream into kl_tcp frames with integrity checks.
//
// A Conn owns one socket. Frames are written under a single write lock so
// the session's receive loop and the output relay can both send; reads are
// expected from a single goroutine. The first fatal error breaks the
// connection: the socket is closed, Broken() is closed, and every later call
// returns that error.
package conn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/klustron/klagent/internal/buffer"
	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/wire"
)

// HeaderLen is the length+checksum prefix in front of every payload.
const HeaderLen = 8

// DefaultMaxFrame bounds the payload length accepted from a peer.
const DefaultMaxFrame = 131072

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 60 * time.Second
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSequenceMismatch = errors.New("sequence mismatch")
	ErrSocketTimeout    = errors.New("socket timeout")
	ErrSocketClosed     = errors.New("socket closed by peer")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrClosed           = errors.New("connection closed")
)

// Flags are per-connection behavior switches configured out of band.
type Flags uint32

const (
	FlagFile Flags = 1 << iota
	FlagOverwrite
	FlagDaemon
	FlagNoChecksum
	FlagKillChild
)

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Options configures a Conn.
type Options struct {
	Flags        Flags
	MaxFrame     uint32
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Conn is a framed kl_tcp connection.
type Conn struct {
	nc     net.Conn
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
	errMu    sync.Mutex
	err      error

	seq    atomic.Uint32
	seqSet atomic.Bool

	writeMu sync.Mutex
	out     Tally
	limiter *rate.Limiter
}

// New wraps nc. Zero option fields take defaults.
func New(nc net.Conn, opts Options) *Conn {
	if opts.MaxFrame == 0 {
		opts.MaxFrame = DefaultMaxFrame
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		nc:     nc,
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	c.out = c.NewTally()
	return c
}

// Flags returns the connection's behavior flags.
func (c *Conn) Flags() Flags { return c.opts.Flags }

// ReadTimeout returns the per-read poll budget.
func (c *Conn) ReadTimeout() time.Duration { return c.opts.ReadTimeout }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// SetSequence fixes the session nonce before the first frame is exchanged.
// Clients call it; servers learn the nonce from the first received frame.
func (c *Conn) SetSequence(seq uint32) {
	c.seq.Store(seq)
	c.seqSet.Store(true)
}

// Sequence returns the session nonce and whether it is established.
func (c *Conn) Sequence() (uint32, bool) {
	return c.seq.Load(), c.seqSet.Load()
}

// SetRateLimit throttles SendPack to kib KiB per second. Zero disables it.
func (c *Conn) SetRateLimit(kib uint32) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if kib == 0 {
		c.limiter = nil
		return
	}
	perSec := int(kib) * 1024
	burst := perSec
	if burst < int(c.opts.MaxFrame) {
		burst = int(c.opts.MaxFrame)
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

// Broken is closed once the connection has failed or been closed.
func (c *Conn) Broken() <-chan struct{} { return c.ctx.Done() }

// Context is cancelled together with Broken.
func (c *Conn) Context() context.Context { return c.ctx }

// Err returns the error that broke the connection, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Healthy reports whether the connection can still carry frames.
func (c *Conn) Healthy() bool { return c.Err() == nil }

// Fail breaks the connection with err. Only the first call has effect; the
// winning error is returned.
func (c *Conn) Fail(err error) error {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.cancel()
		c.nc.Close()
		if !errors.Is(err, ErrClosed) {
			metrics.ProtocolErrorsTotal.WithLabelValues(errKind(err)).Inc()
			c.logger.Debug("connection broken", slog.String("error", err.Error()))
		}
	})
	return c.Err()
}

// Close releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.Fail(ErrClosed)
	return nil
}

// IsFatal reports whether err must end the connection. Only a read timeout
// that consumed no bytes is recoverable.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrSocketTimeout)
}

// PollWrite writes all of p, waiting at most timeout for the socket to
// accept it.
func (c *Conn) PollWrite(p []byte, timeout time.Duration) (int, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	c.nc.SetWriteDeadline(deadline(timeout))
	n, err := c.nc.Write(p)
	if err != nil {
		if brokenErr := c.Err(); brokenErr != nil {
			return n, brokenErr
		}
		if isTimeout(err) {
			return n, fmt.Errorf("%w: write stalled after %d of %d bytes", ErrSocketTimeout, n, len(p))
		}
		return n, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

// PollRead reads exactly len(p) bytes within timeout. A timeout before any
// byte arrives is ErrSocketTimeout; a timeout or EOF after a partial read is
// a truncation and reports how far it got.
func (c *Conn) PollRead(p []byte, timeout time.Duration) (int, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	c.nc.SetReadDeadline(deadline(timeout))
	n, err := io.ReadFull(c.nc, p)
	if err == nil {
		return n, nil
	}
	if brokenErr := c.Err(); brokenErr != nil {
		return n, brokenErr
	}
	switch {
	case isTimeout(err) && n == 0:
		return 0, ErrSocketTimeout
	case isTimeout(err):
		return n, fmt.Errorf("%w: timed out after %d of %d bytes", wire.ErrTruncatedMessage, n, len(p))
	case errors.Is(err, io.EOF):
		return 0, ErrSocketClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, fmt.Errorf("%w: peer closed after %d of %d bytes", wire.ErrTruncatedMessage, n, len(p))
	default:
		return n, fmt.Errorf("read: %w", err)
	}
}

// CalcChecksum hashes p[offset:], or returns its length when checksums are
// disabled on this connection.
func (c *Conn) CalcChecksum(p []byte, offset int) uint32 {
	if c.opts.Flags.Has(FlagNoChecksum) {
		return uint32(len(p) - offset)
	}
	return wire.Checksum(p[offset:])
}

// CompareChecksum recomputes the checksum of p[offset:] and compares it
// with received.
func (c *Conn) CompareChecksum(p []byte, offset int, received uint32) bool {
	return c.CalcChecksum(p, offset) == received
}

// SendMessage writes one frame: length, checksum, payload.
func (c *Conn) SendMessage(payload []byte, checksum uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(payload, checksum)
}

func (c *Conn) writeFrame(payload []byte, checksum uint32) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if uint64(len(payload)) > uint64(c.opts.MaxFrame) {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit %d", ErrMalformedFrame, len(payload), c.opts.MaxFrame)
	}
	frame := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], checksum)
	copy(frame[HeaderLen:], payload)
	if _, err := c.PollWrite(frame, c.opts.WriteTimeout); err != nil {
		return c.Fail(err)
	}
	return nil
}

// RecvMessage reads one frame into out and returns the header checksum and
// payload length. The declared length is validated before anything is
// allocated. A timeout before the header is recoverable; every other error
// breaks the connection.
func (c *Conn) RecvMessage(out *buffer.Buffer, timeout time.Duration) (uint32, int, error) {
	var hdr [HeaderLen]byte
	if _, err := c.PollRead(hdr[:], timeout); err != nil {
		if errors.Is(err, ErrSocketTimeout) {
			return 0, 0, err
		}
		return 0, 0, c.Fail(err)
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	checksum := binary.BigEndian.Uint32(hdr[4:8])
	if length == 0 || length > c.opts.MaxFrame {
		return 0, 0, c.Fail(fmt.Errorf("%w: declared length %d (limit %d)", ErrMalformedFrame, length, c.opts.MaxFrame))
	}

	out.EnsureWritable(int(length))
	if _, err := c.PollRead(out.Writable()[:length], timeout); err != nil {
		if errors.Is(err, ErrSocketTimeout) {
			err = fmt.Errorf("%w: frame body timed out", wire.ErrTruncatedMessage)
		}
		return 0, 0, c.Fail(err)
	}
	out.Commit(int(length))
	return checksum, int(length), nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errKind(err error) string {
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrSequenceMismatch):
		return "sequence"
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, wire.ErrTruncatedMessage):
		return "malformed"
	case errors.Is(err, ErrSocketClosed):
		return "peer_closed"
	case errors.Is(err, ErrSocketTimeout):
		return "timeout"
	default:
		return "io"
	}
}
