// Package client drives one kl_tcp command from the caller's side.
//
// Run dials the agent, sends the CMD request, streams local stdin as PACK
// frames and writes relayed output to local stdout until the agent answers
// with END. A run with no frame from the agent for longer than the timeout
// budget is abandoned: a TIMEOUT notice is sent on a best-effort basis and
// Run returns ErrTimeout.
//
// Usage:
//
//	code, err := client.Run(ctx, client.Options{
//		Addr:    "10.0.0.5:9999",
//		Command: "df -h",
//		Stdin:   os.Stdin,
//		Stdout:  os.Stdout,
//		Stderr:  os.Stderr,
//	})
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/klustron/klagent/internal/conn"
	"github.com/klustron/klagent/internal/wire"
)

// Defaults for the CLI surface.
const (
	DefaultTimeout     = 86400000 * time.Millisecond
	DefaultReadTimeout = 5000 * time.Millisecond
	DefaultMode        = "rwc"
)

var (
	// ErrTimeout means the run was abandoned locally.
	ErrTimeout = errors.New("no response from agent within timeout")

	// ErrFileUnsupported rejects file-transfer mode.
	ErrFileUnsupported = errors.New("file transfer is not supported")

	// ErrContentChecksum means the agent's CHECKSUM disagrees with the
	// output received so far.
	ErrContentChecksum = errors.New("output checksum mismatch")
)

// Options describes one remote command.
type Options struct {
	Addr        string
	Timeout     time.Duration
	ReadTimeout time.Duration
	Flags       conn.Flags
	MaxFrame    uint32

	Command   string
	OpenType  uint32
	Mode      string
	RateLimit uint32

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Mode == "" {
		o.Mode = DefaultMode
	}
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	if o.Stderr == nil {
		o.Stderr = io.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Run executes the command and returns the code the process should exit
// with. On success that is the agent's END code. Local failures return
// wire.CodeLocalFailure, abandonment returns wire.CodeTimeout, both with a
// non-nil error.
func Run(ctx context.Context, opts Options) (int, error) {
	opts.applyDefaults()
	if opts.Flags.Has(conn.FlagFile) {
		return int(wire.CodeLocalFailure), ErrFileUnsupported
	}

	dialer := net.Dialer{Timeout: opts.ReadTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return int(wire.CodeLocalFailure), fmt.Errorf("connect %s: %w", opts.Addr, err)
	}

	c := conn.New(nc, conn.Options{
		Flags:       opts.Flags,
		MaxFrame:    opts.MaxFrame,
		ReadTimeout: opts.ReadTimeout,
		Logger:      opts.Logger,
	})
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.SetSequence(nonce())
	d := &driver{opts: opts, conn: c, logger: opts.Logger, tally: c.NewTally()}
	return d.run(ctx)
}

// nonce picks a non-zero session identifier.
func nonce() uint32 {
	for {
		if n := rand.Uint32(); n != 0 {
			return n
		}
	}
}

type driver struct {
	opts   Options
	conn   *conn.Conn
	logger *slog.Logger
	tally  conn.Tally
}

func (d *driver) run(ctx context.Context) (int, error) {
	c := d.conn
	err := c.Send(wire.CmdOp, &wire.CmdReq{
		RateLimit: d.opts.RateLimit,
		Cmd:       []byte(d.opts.Command),
		OpenType:  d.opts.OpenType,
		Mode:      []byte(d.opts.Mode),
	})
	if err != nil {
		return int(wire.CodeLocalFailure), fmt.Errorf("send command: %w", err)
	}
	d.logger.Debug("command sent",
		slog.String("command", d.opts.Command),
		slog.Uint64("open_type", uint64(d.opts.OpenType)),
	)

	if d.opts.OpenType == wire.OpenStream {
		go d.pumpStdin()
	}

	lastProgress := time.Now()
	for {
		pkt, err := c.Recv(d.opts.ReadTimeout)
		if errors.Is(err, conn.ErrSocketTimeout) {
			if time.Since(lastProgress) >= d.opts.Timeout {
				return d.abandon()
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return int(wire.CodeLocalFailure), ctxErr
			}
			return int(wire.CodeLocalFailure), fmt.Errorf("receive: %w", err)
		}
		lastProgress = time.Now()

		switch pkt.Type() {
		case wire.PackOp:
			var req wire.CommReq
			if err := pkt.Decode(&req); err != nil {
				return int(wire.CodeLocalFailure), err
			}
			d.tally.Add(req.Payload)
			if _, err := d.opts.Stdout.Write(req.Payload); err != nil {
				return int(wire.CodeLocalFailure), fmt.Errorf("write output: %w", err)
			}

		case wire.ChecksumOp:
			if pkt.Content != d.tally.Sum() {
				return int(wire.CodeChecksum), fmt.Errorf("%w: agent %d, local %d", ErrContentChecksum, pkt.Content, d.tally.Sum())
			}

		case wire.RespOp, wire.EndOp:
			var resp wire.CommResp
			if err := pkt.Decode(&resp); err != nil {
				return int(wire.CodeLocalFailure), err
			}
			if len(resp.ErrInfo) > 0 {
				fmt.Fprintln(d.opts.Stderr, string(resp.ErrInfo))
			}
			if pkt.Type() == wire.EndOp {
				d.logger.Debug("command ended", slog.Int("code", int(resp.ErrCode)))
				return int(resp.ErrCode), nil
			}

		default:
			return int(wire.CodeLocalFailure), fmt.Errorf("%w: unexpected %s from agent", conn.ErrMalformedFrame, pkt.Type())
		}
	}
}

// pumpStdin forwards local input, then its checksum and END. In daemon mode
// no input is sent.
func (d *driver) pumpStdin() {
	c := d.conn
	if d.opts.Stdin != nil && !d.opts.Flags.Has(conn.FlagDaemon) {
		buf := make([]byte, c.MaxChunk())
		for {
			n, err := d.opts.Stdin.Read(buf)
			if n > 0 {
				if c.SendPack(buf[:n]) != nil {
					return
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				d.logger.Warn("stdin read failed", slog.String("error", err.Error()))
				break
			}
		}
		if c.SendChecksum() != nil {
			return
		}
	}
	c.Send(wire.EndOp, nil)
}

// abandon gives up locally and tells the agent, best effort.
func (d *driver) abandon() (int, error) {
	d.logger.Warn("timed out waiting for agent", slog.Duration("timeout", d.opts.Timeout))
	if err := d.conn.Send(wire.TimeoutOp, wire.EncodeUint32Payload(uint32(d.opts.Flags))); err != nil {
		d.logger.Debug("timeout notice not sent", slog.String("error", err.Error()))
	}
	return int(wire.CodeTimeout), ErrTimeout
}
