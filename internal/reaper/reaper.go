// Package reaper collects children whose owning session ended before their
// exit was observed. Without it such pids would linger as zombies.
//
// Pids are kept in FIFO order and swept once per interval: each is checked
// without blocking, exited ones are dropped and reported, the rest are kept
// for the next sweep.
//
// Usage:
//
//	r := reaper.New(time.Second, logger)
//	go r.Run(ctx)
//	r.Add(pid, command)
//	// ... on shutdown:
//	r.Shutdown(shutdownCtx)
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/procexec"
)

// Waiter checks a pid's exit without blocking.
type Waiter interface {
	WaitNoHang(pid int) (exited bool, code int, err error)
}

type unixWaiter struct{}

func (unixWaiter) WaitNoHang(pid int) (bool, int, error) { return procexec.WaitNoHang(pid) }

// Entry is one orphaned child.
type Entry struct {
	Pid       int
	Command   string
	SessionID string
	Queued    time.Time
}

// Recorder is told about every pid the reaper finalizes.
type Recorder interface {
	RecordReaped(e Entry, code int)
}

// Reaper owns orphaned pids until they exit.
type Reaper struct {
	interval time.Duration
	waiter   Waiter
	recorder Recorder
	logger   *slog.Logger

	mu    sync.Mutex
	queue []Entry

	wg      sync.WaitGroup
	running atomic.Bool
	cancel  context.CancelFunc
	stopped bool
}

// New creates a reaper sweeping every interval using wait4.
func New(interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{
		interval: interval,
		waiter:   unixWaiter{},
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// SetWaiter replaces the exit check.
func (r *Reaper) SetWaiter(w Waiter) { r.waiter = w }

// SetRecorder sets where finalized pids are reported.
func (r *Reaper) SetRecorder(rec Recorder) { r.recorder = rec }

// Add takes ownership of pid.
func (r *Reaper) Add(pid int, command, sessionID string) {
	r.mu.Lock()
	r.queue = append(r.queue, Entry{Pid: pid, Command: command, SessionID: sessionID, Queued: time.Now()})
	n := len(r.queue)
	r.mu.Unlock()

	metrics.ReaperPending.Set(float64(n))
	r.logger.Info("child handed to reaper",
		slog.Int("pid", pid),
		slog.String("command", command),
		slog.Int("pending", n),
	)
}

// Len returns how many pids are still tracked.
func (r *Reaper) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Pending returns the tracked pids in queue order.
func (r *Reaper) Pending() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, len(r.queue))
	for i, e := range r.queue {
		pids[i] = e.Pid
	}
	return pids
}

// Start launches the sweep loop in the background. Shutdown called after
// Start returns waits for that loop.
func (r *Reaper) Start(ctx context.Context) {
	if loopCtx, ok := r.begin(ctx); ok {
		go r.loop(loopCtx)
	}
}

// Run sweeps until ctx is cancelled or Shutdown is called.
func (r *Reaper) Run(ctx context.Context) {
	if loopCtx, ok := r.begin(ctx); ok {
		r.loop(loopCtx)
	}
}

// begin registers the loop with the wait group before it runs, so a
// concurrent Shutdown either sees it or prevents it from starting.
func (r *Reaper) begin(ctx context.Context) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	r.running.Store(true)
	return loopCtx, true
}

func (r *Reaper) loop(internalCtx context.Context) {
	defer r.wg.Done()
	defer r.running.Store(false)

	r.logger.Debug("reaper starting", slog.Duration("interval", r.interval))

	timer := time.NewTimer(r.interval)
	defer timer.Stop()
	for {
		select {
		case <-internalCtx.Done():
			if n := r.Len(); n > 0 {
				r.logger.Warn("reaper stopped with children outstanding", slog.Int("pending", n))
			}
			return
		case <-timer.C:
			r.Sweep()
			timer.Reset(r.interval)
		}
	}
}

// Sweep checks every queued pid once, in FIFO order. Exited pids are
// removed; running ones keep their relative order.
func (r *Reaper) Sweep() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	var keep []Entry
	for _, e := range batch {
		exited, code, err := r.waiter.WaitNoHang(e.Pid)
		if err != nil {
			r.logger.Warn("reaper wait failed",
				slog.Int("pid", e.Pid),
				slog.String("error", err.Error()),
			)
			keep = append(keep, e)
			continue
		}
		if !exited {
			keep = append(keep, e)
			continue
		}
		r.logger.Info("reaped orphaned child",
			slog.Int("pid", e.Pid),
			slog.Int("exit_code", code),
			slog.Duration("orphaned_for", time.Since(e.Queued)),
		)
		if r.recorder != nil {
			r.recorder.RecordReaped(e, code)
		}
	}

	// Entries added during the sweep go after the survivors.
	r.mu.Lock()
	r.queue = append(keep, r.queue...)
	n := len(r.queue)
	r.mu.Unlock()
	metrics.ReaperPending.Set(float64(n))
}

// Shutdown implements shutdown.Shutdowner. Outstanding pids are left to
// init once this process exits.
func (r *Reaper) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.stopped = true
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
