package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"
)

// inputQueueFrames bounds how many PACK payloads may wait for the child to
// read its stdin. A full queue stops the receive loop, which pushes back on
// the client through TCP.
const inputQueueFrames = 32

var errInputStopped = errors.New("stdin writer stopped")

// stdinWriter feeds client input to the child on its own goroutine, so a
// child that stops reading never holds up TIMEOUT, QUIT or a disconnect.
type stdinWriter struct {
	s      *session
	chunks chan []byte
	stop   chan struct{}
	done   chan struct{}

	ended    bool // only touched by the receive loop
	stopOnce sync.Once
}

func newStdinWriter(s *session) *stdinWriter {
	return &stdinWriter{
		s:      s,
		chunks: make(chan []byte, inputQueueFrames),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue hands p to the writer. It reports false when the session is over
// before there was room for p.
func (w *stdinWriter) enqueue(p []byte) bool {
	if w.ended {
		w.s.logger.Debug("input after END ignored", slog.Int("bytes", len(p)))
		return true
	}
	select {
	case w.chunks <- p:
		return true
	case <-w.s.relay.done:
	case <-w.s.conn.Broken():
	case <-w.stop:
	}
	return false
}

// end closes the child's stdin once everything queued has been written.
func (w *stdinWriter) end() {
	if !w.ended {
		w.ended = true
		close(w.chunks)
	}
}

// halt abandons queued input. Safe to call more than once.
func (w *stdinWriter) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *stdinWriter) run() {
	defer close(w.done)
	proc := w.s.proc
	failed := false
	for {
		select {
		case <-w.stop:
			return
		case p, ok := <-w.chunks:
			if !ok {
				proc.CloseStdin()
				return
			}
			if failed {
				continue
			}
			if err := w.write(p); err != nil {
				if errors.Is(err, errInputStopped) {
					return
				}
				// The child stopped reading; its output and exit still matter.
				w.s.logger.Debug("child stdin write failed", slog.String("error", err.Error()))
				proc.CloseStdin()
				failed = true
			}
		}
	}
}

// write retries p across input deadlines until it is written, the pipe
// fails, or the session is over.
func (w *stdinWriter) write(p []byte) error {
	s := w.s
	for len(p) > 0 {
		if err := s.proc.SetInputDeadline(time.Now().Add(s.h.cfg.PollTimeout)); err != nil {
			return err
		}
		n, err := s.proc.WriteInput(p)
		p = p[n:]
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			select {
			case <-w.stop:
				return errInputStopped
			case <-s.conn.Broken():
				return errInputStopped
			default:
			}
		default:
			return err
		}
	}
	return nil
}
