package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/klustron/klagent/internal/conn"
	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/procexec"
	"github.com/klustron/klagent/internal/wire"
)

// relay streams a child's stdout to the client and reports its exit.
// done is closed once the relay has sent END or given up on the connection;
// the fields below it are only read after that.
type relay struct {
	s    *session
	kill atomic.Bool
	done chan struct{}

	code      int
	info      string
	sentEnd   bool
	handedOff bool
}

func newRelay(s *session) *relay {
	return &relay{s: s, done: make(chan struct{})}
}

// requestKill makes the relay kill the child instead of abandoning it once
// the connection is gone.
func (r *relay) requestKill() { r.kill.Store(true) }

func (r *relay) run() {
	defer close(r.done)
	s := r.s
	c := s.conn

	if out := s.proc.Stdout(); out != nil {
		r.pump(out)
	} else {
		r.idle()
	}

	if c.Healthy() {
		if err := c.SendChecksum(); err != nil {
			s.logger.Debug("final checksum not sent", slog.String("error", err.Error()))
		}
	}

	r.code, r.info = r.awaitExit()
	if r.handedOff {
		return
	}
	s.logger.Info("command finished", slog.Int("exit_code", r.code))
	if c.Healthy() {
		if err := c.SendEnd(int32(r.code), r.info); err == nil {
			r.sentEnd = true
		}
	}
}

// pump copies child output into PACK frames until EOF, child exit or a
// broken connection.
func (r *relay) pump(out *os.File) {
	s := r.s
	c := s.conn
	poll := s.h.cfg.PollTimeout
	daemon := c.Flags().Has(conn.FlagDaemon)
	buf := make([]byte, c.MaxChunk())

	deadlines := true
	for {
		if deadlines {
			if err := out.SetReadDeadline(time.Now().Add(poll)); errors.Is(err, os.ErrNoDeadline) {
				deadlines = false
			}
		}
		n, err := out.Read(buf)
		if n > 0 {
			if sendErr := c.SendPack(buf[:n]); sendErr != nil {
				return
			}
			metrics.RelayBytesTotal.Add(float64(n))
		}
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if !c.Healthy() {
				return
			}
			if !daemon {
				if exited, _, _ := s.proc.Poll(); exited {
					// Drain what the child wrote before exiting.
					r.drain(out, buf)
					return
				}
			}
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// EIO is how a terminal reports that the child side closed.
			return
		default:
			s.logger.Debug("child output read failed", slog.String("error", err.Error()))
			return
		}
	}
}

// drain forwards whatever is already buffered in the pipe.
func (r *relay) drain(out *os.File, buf []byte) {
	c := r.s.conn
	for c.Healthy() {
		out.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, err := out.Read(buf)
		if n > 0 {
			if c.SendPack(buf[:n]) != nil {
				return
			}
			metrics.RelayBytesTotal.Add(float64(n))
		}
		if err != nil {
			return
		}
	}
}

// idle waits for exit when the child has no captured output.
func (r *relay) idle() {
	s := r.s
	for {
		select {
		case <-s.conn.Broken():
			return
		case <-time.After(s.h.cfg.PollTimeout / 10):
		}
		if exited, _, _ := s.proc.Poll(); exited {
			return
		}
	}
}

// awaitExit collects the exit code. While the connection is healthy it
// waits for as long as the child runs; TIMEOUT, QUIT or a disconnect break
// the connection and end that wait. Once the connection is gone the child
// gets ExitWait to finish, after being killed if that was asked for, and is
// otherwise handed to the reaper.
func (r *relay) awaitExit() (int, string) {
	s := r.s

	if s.conn.Healthy() {
		code, err := s.proc.Wait(s.conn.Context())
		if err == nil {
			return code, ""
		}
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("waiting for child failed", slog.String("error", err.Error()))
			return int(wire.CodeIO), err.Error()
		}
	}

	killed := r.kill.Load() || s.conn.Flags().Has(conn.FlagKillChild)
	if killed {
		s.proc.Kill()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.h.cfg.ExitWait)
	code, err := s.proc.Wait(ctx)
	cancel()
	switch {
	case err == nil && killed:
		return code, "killed"
	case err == nil:
		return code, ""
	}
	return r.handOff()
}

// handOff gives the still-running child to the reaper, which records its
// exit. Only reached once the client can no longer be told the result.
func (r *relay) handOff() (int, string) {
	s := r.s
	pid := s.proc.Release()
	info := fmt.Sprintf("pid %d still running", pid)
	if s.h.reaper == nil {
		s.logger.Warn("child abandoned with no reaper", slog.Int("pid", pid))
		return procexec.UnknownExit, info
	}
	s.h.reaper.Add(pid, string(s.req.Cmd), s.id)
	r.handedOff = true
	return procexec.UnknownExit, info
}
