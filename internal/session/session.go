// Package session serves one kl_tcp connection on the agent side.
//
// A session moves through INITIALIZE (first frame fixes the nonce),
// AUTHORIZE (the CMD request is decoded and the command started) and, for
// streamed commands, CMD_INPUT, where client stdin is fed to the child while
// a relay goroutine streams child output back. Every path ends in CONN_END
// with the connection closed and the child either observed, killed or handed
// to the reaper.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/klustron/klagent/internal/conn"
	"github.com/klustron/klagent/internal/journal"
	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/procexec"
	"github.com/klustron/klagent/internal/wire"
)

// DefaultMode is used when a CMD request carries no mode.
const DefaultMode = "rwc"

var (
	errClientTimeout = errors.New("client reported timeout")
	errClientQuit    = errors.New("client quit")
	errDropped       = errors.New("connection dropped by hook")
	errShutdown      = errors.New("server shutting down")
)

// State is a step of the session state machine.
type State int

const (
	StateInitialize State = iota
	StateAuthorize
	StateCmdInput
	StateConnEnd
)

func (s State) String() string {
	switch s {
	case StateInitialize:
		return "INITIALIZE"
	case StateAuthorize:
		return "AUTHORIZE"
	case StateCmdInput:
		return "CMD_INPUT"
	case StateConnEnd:
		return "CONN_END"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the per-connection settings taken from the server config.
type Config struct {
	Flags       conn.Flags
	MaxFrame    uint32
	PollTimeout time.Duration
	ExitWait    time.Duration
	Shell       string
}

func (c *Config) applyDefaults() {
	if c.MaxFrame == 0 {
		c.MaxFrame = conn.DefaultMaxFrame
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.ExitWait <= 0 {
		c.ExitWait = 3 * time.Second
	}
	if c.Shell == "" {
		c.Shell = procexec.DefaultShell
	}
}

// Hooks let tests intervene at fixed points of a session. Nil fields are
// skipped.
type Hooks struct {
	// OnSpawn is called with the pid of every streamed child.
	OnSpawn func(pid int)
	// BeforeExec can veto a command; the error text is sent to the client.
	BeforeExec func(command string) error
	// DropAfter closes the connection right after a frame of the given type
	// is received, before it is processed.
	DropAfter func(t wire.CmdType) bool
}

// Reaper takes ownership of children whose exit was not observed.
type Reaper interface {
	Add(pid int, command, sessionID string)
}

// Journal stores finished commands.
type Journal interface {
	Append(r *journal.Record) error
}

// Handler creates a session for each accepted connection.
type Handler struct {
	cfg     Config
	reaper  Reaper
	journal Journal
	hooks   Hooks
	logger  *slog.Logger
}

// NewHandler returns a Handler. reaper and j may be nil.
func NewHandler(cfg Config, reaper Reaper, j Journal, hooks Hooks, logger *slog.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{
		cfg:     cfg,
		reaper:  reaper,
		journal: j,
		hooks:   hooks,
		logger:  logger,
	}
}

// session is the per-connection state.
type session struct {
	h      *Handler
	id     string
	conn   *conn.Conn
	logger *slog.Logger
	state  State

	req       wire.CmdReq
	startedAt time.Time
	proc      *procexec.Handle
	relay     *relay
	input     *stdinWriter
	in        conn.Tally
	result    string
}

// Serve runs one session to completion. It closes nc before returning.
func (h *Handler) Serve(ctx context.Context, nc net.Conn) {
	id := uuid.NewString()
	logger := h.logger.With(
		slog.String("session_id", id),
		slog.String("remote", nc.RemoteAddr().String()),
	)
	c := conn.New(nc, conn.Options{
		Flags:       h.cfg.Flags,
		MaxFrame:    h.cfg.MaxFrame,
		ReadTimeout: h.cfg.PollTimeout,
		Logger:      logger,
	})
	s := &session{
		h:      h,
		id:     id,
		conn:   c,
		logger: logger,
		state:  StateInitialize,
		in:     c.NewTally(),
		result: "error",
	}

	stop := context.AfterFunc(ctx, func() { c.Fail(errShutdown) })
	defer stop()

	logger.Debug("session started")
	s.run(ctx)
	s.finish()
	metrics.SessionsTotal.WithLabelValues(s.result).Inc()
	logger.Debug("session ended", slog.String("result", s.result))
}

func (s *session) setState(st State) {
	s.logger.Debug("session state", slog.String("from", s.state.String()), slog.String("to", st.String()))
	s.state = st
}

func (s *session) run(ctx context.Context) {
	pkt, err := s.conn.Recv(s.h.cfg.PollTimeout)
	if err != nil {
		s.logger.Debug("no command received", slog.String("error", err.Error()))
		return
	}
	if s.dropAfter(pkt) {
		return
	}

	switch pkt.Type() {
	case wire.CmdOp:
	case wire.FileOp:
		s.conn.SendEnd(wire.CodeUnsupported, "file transfer is not supported")
		s.result = "unsupported"
		return
	default:
		s.conn.Fail(fmt.Errorf("%w: %s before CMD", conn.ErrMalformedFrame, pkt.Type()))
		return
	}

	s.setState(StateAuthorize)
	if err := pkt.Decode(&s.req); err != nil {
		s.reject(wire.CodeMalformed, err)
		return
	}
	s.logger = s.logger.With(slog.String("command", string(s.req.Cmd)))

	if hook := s.h.hooks.BeforeExec; hook != nil {
		if err := hook(string(s.req.Cmd)); err != nil {
			s.reject(wire.CodeSpawnFailed, err)
			return
		}
	}

	switch s.req.OpenType {
	case wire.OpenSystem:
		s.runSystem(ctx)
	case wire.OpenStream:
		if err := s.openStream(); err != nil {
			s.reject(errorCode(err), err)
			return
		}
		s.setState(StateCmdInput)
		s.cmdInput(ctx)
	default:
		s.reject(wire.CodeMalformed, fmt.Errorf("unknown open type %d", s.req.OpenType))
	}
}

// reject answers the request with END and records the failure.
func (s *session) reject(code int32, err error) {
	s.logger.Warn("command rejected", slog.Int("code", int(code)), slog.String("error", err.Error()))
	s.conn.SendEnd(code, err.Error())
	s.record(int(code), err.Error())
}

func (s *session) runSystem(ctx context.Context) {
	metrics.CommandsTotal.WithLabelValues("system").Inc()
	s.startedAt = time.Now()
	res, err := procexec.System(ctx, s.h.cfg.Shell, string(s.req.Cmd))
	if err != nil {
		s.reject(wire.CodeSpawnFailed, err)
		return
	}
	var info string
	if res.ExitCode != 0 {
		info = res.Stderr
	}
	s.logger.Info("command finished", slog.Int("exit_code", res.ExitCode), slog.Duration("duration", res.Duration))
	if err := s.conn.SendEnd(int32(res.ExitCode), info); err == nil {
		s.result = "ok"
	}
	s.record(res.ExitCode, info)
}

func (s *session) openStream() error {
	modeStr := string(s.req.Mode)
	if modeStr == "" {
		modeStr = DefaultMode
	}
	mode, err := procexec.ParseMode(modeStr)
	if err != nil {
		return err
	}
	metrics.CommandsTotal.WithLabelValues("stream").Inc()
	s.startedAt = time.Now()
	proc, err := procexec.Open(string(s.req.Cmd), mode, procexec.Options{
		Shell:       s.h.cfg.Shell,
		WaitForExec: true,
	})
	if err != nil {
		return err
	}
	s.proc = proc
	s.logger = s.logger.With(slog.Int("pid", proc.Pid))
	s.logger.Info("command started", slog.String("mode", mode.String()))
	if hook := s.h.hooks.OnSpawn; hook != nil {
		hook(proc.Pid)
	}

	s.conn.SetRateLimit(s.req.RateLimit)
	s.relay = newRelay(s)
	s.input = newStdinWriter(s)
	go s.relay.run()
	go s.input.run()
	return nil
}

// cmdInput feeds client frames to the child until the relay finishes, the
// client ends the session, or the connection breaks.
func (s *session) cmdInput(ctx context.Context) {
	pkts := s.readLoop()
	for {
		select {
		case <-s.relay.done:
			return
		case <-ctx.Done():
			s.conn.Fail(errShutdown)
			return
		case pkt, ok := <-pkts:
			if !ok {
				s.logger.Debug("connection lost during command", slog.Any("error", s.conn.Err()))
				return
			}
			if s.dropAfter(pkt) || !s.handleInput(pkt) {
				return
			}
		}
	}
}

// readLoop delivers received packets until the connection breaks.
func (s *session) readLoop() <-chan *conn.Packet {
	out := make(chan *conn.Packet)
	go func() {
		defer close(out)
		for {
			pkt, err := s.conn.Recv(s.h.cfg.PollTimeout)
			if errors.Is(err, conn.ErrSocketTimeout) {
				continue
			}
			if err != nil {
				return
			}
			select {
			case out <- pkt:
			case <-s.conn.Broken():
				return
			}
		}
	}()
	return out
}

// handleInput processes one frame in CMD_INPUT and reports whether the loop
// should continue.
func (s *session) handleInput(pkt *conn.Packet) bool {
	switch pkt.Type() {
	case wire.PackOp:
		var req wire.CommReq
		if err := pkt.Decode(&req); err != nil {
			s.conn.Fail(err)
			return false
		}
		s.in.Add(req.Payload)
		return s.input.enqueue(req.Payload)

	case wire.ChecksumOp:
		if pkt.Content != s.in.Sum() {
			s.conn.SendEnd(wire.CodeChecksum, "stdin checksum mismatch")
			s.conn.Fail(fmt.Errorf("%w: client stdin %d, received %d", conn.ErrChecksumMismatch, pkt.Content, s.in.Sum()))
			return false
		}
		return true

	case wire.EndOp:
		s.input.end()
		if err := s.conn.SendChecksum(); err != nil {
			return false
		}
		return true

	case wire.TimeoutOp:
		var req wire.CommReq
		var peerFlags uint32
		if err := pkt.Decode(&req); err == nil {
			peerFlags, _ = wire.DecodeUint32Payload(&req)
		}
		kill := s.conn.Flags().Has(conn.FlagKillChild) || conn.Flags(peerFlags).Has(conn.FlagKillChild)
		s.logger.Warn("client timed out", slog.Bool("kill_child", kill))
		if kill {
			s.relay.requestKill()
			s.input.halt()
			s.proc.Kill()
		}
		s.result = "timeout"
		s.conn.Fail(errClientTimeout)
		return false

	case wire.QuitOp:
		s.result = "quit"
		s.conn.Fail(errClientQuit)
		return false

	default:
		s.conn.Fail(fmt.Errorf("%w: unexpected %s during command input", conn.ErrMalformedFrame, pkt.Type()))
		return false
	}
}

func (s *session) dropAfter(pkt *conn.Packet) bool {
	if hook := s.h.hooks.DropAfter; hook != nil && hook(pkt.Type()) {
		s.logger.Debug("dropping connection", slog.String("after", pkt.Type().String()))
		s.conn.Fail(errDropped)
		return true
	}
	return false
}

// finish closes the child's input, waits for the relay unless it already
// ended the session, and releases the connection.
func (s *session) finish() {
	s.setState(StateConnEnd)
	if s.proc != nil {
		s.input.halt()
		s.proc.CloseStdin()
		select {
		case <-s.relay.done:
		default:
			// The relay stops on its next poll once the connection is gone.
			s.conn.Close()
			<-s.relay.done
		}
		s.proc.Close(true)
		if s.relay.sentEnd {
			s.result = "ok"
		}
		if !s.relay.handedOff {
			s.record(s.relay.code, s.relay.info)
		}
	}
	s.conn.Close()
}

func (s *session) record(code int, info string) {
	if s.h.journal == nil {
		return
	}
	r := &journal.Record{
		SessionID: s.id,
		Remote:    s.conn.RemoteAddr().String(),
		Command:   string(s.req.Cmd),
		OpenType:  s.req.OpenType,
		StartedAt: s.startedAt,
		ExitCode:  code,
		Error:     info,
	}
	if s.proc != nil {
		r.Pid = s.proc.Pid
	}
	if !s.startedAt.IsZero() {
		r.DurationMs = time.Since(s.startedAt).Milliseconds()
	}
	if err := s.h.journal.Append(r); err != nil {
		s.logger.Warn("journal append failed", slog.String("error", err.Error()))
	}
}

// errorCode maps a failure to the result code reported to the client.
func errorCode(err error) int32 {
	switch {
	case errors.Is(err, conn.ErrChecksumMismatch):
		return wire.CodeChecksum
	case errors.Is(err, conn.ErrSequenceMismatch):
		return wire.CodeSequence
	case errors.Is(err, conn.ErrMalformedFrame), errors.Is(err, wire.ErrTruncatedMessage):
		return wire.CodeMalformed
	case errors.Is(err, procexec.ErrSpawnFailed),
		errors.Is(err, procexec.ErrReadyDetectTimeout),
		errors.Is(err, procexec.ErrInvalidMode):
		return wire.CodeSpawnFailed
	case errors.Is(err, conn.ErrSocketTimeout):
		return wire.CodeTimeout
	default:
		return wire.CodeIO
	}
}
