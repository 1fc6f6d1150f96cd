package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWaiter reports a pid as exited once it has been released.
type fakeWaiter struct {
	mu       sync.Mutex
	released map[int]int
	failing  map[int]bool
	checked  []int
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{released: map[int]int{}, failing: map[int]bool{}}
}

func (f *fakeWaiter) exit(pid, code int) {
	f.mu.Lock()
	f.released[pid] = code
	f.mu.Unlock()
}

func (f *fakeWaiter) WaitNoHang(pid int) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, pid)
	if f.failing[pid] {
		return false, 0, errors.New("wait failed")
	}
	code, ok := f.released[pid]
	return ok, code, nil
}

type recordSink struct {
	mu    sync.Mutex
	pids  []int
	codes []int
}

func (s *recordSink) RecordReaped(e Entry, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pids = append(s.pids, e.Pid)
	s.codes = append(s.codes, code)
}

func TestSweepKeepsRunningInOrder(t *testing.T) {
	w := newFakeWaiter()
	r := New(time.Hour, nopLogger())
	r.SetWaiter(w)
	sink := &recordSink{}
	r.SetRecorder(sink)

	for _, pid := range []int{10, 11, 12, 13} {
		r.Add(pid, "sleep", "s")
	}
	w.exit(11, 0)
	w.exit(13, 9)

	r.Sweep()

	got := r.Pending()
	if len(got) != 2 || got[0] != 10 || got[1] != 12 {
		t.Fatalf("pending = %v, want [10 12]", got)
	}
	if len(w.checked) != 4 {
		t.Errorf("checked %v, want every pid once", w.checked)
	}
	for i, want := range []int{10, 11, 12, 13} {
		if w.checked[i] != want {
			t.Errorf("check order = %v, want FIFO", w.checked)
			break
		}
	}
	if len(sink.pids) != 2 || sink.pids[0] != 11 || sink.codes[1] != 9 {
		t.Errorf("recorded pids %v codes %v", sink.pids, sink.codes)
	}
}

func TestSweepRetainsPidOnWaitError(t *testing.T) {
	w := newFakeWaiter()
	w.failing[5] = true
	r := New(time.Hour, nopLogger())
	r.SetWaiter(w)
	r.Add(5, "x", "")

	r.Sweep()
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRunConvergesWithinInterval(t *testing.T) {
	w := newFakeWaiter()
	r := New(20*time.Millisecond, nopLogger())
	r.SetWaiter(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Add(42, "sleep 1", "s")
	time.Sleep(60 * time.Millisecond)
	if r.Len() != 1 {
		t.Fatalf("running pid dropped early, Len = %d", r.Len())
	}

	w.exit(42, 0)
	deadline := time.Now().Add(time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("exited pid still tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := r.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownWaitsForStartedLoop(t *testing.T) {
	r := New(time.Hour, nopLogger())
	r.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.running.Load() {
		t.Error("sweep loop still running after Shutdown returned")
	}
}

func TestStartAfterShutdownIsNoop(t *testing.T) {
	r := New(time.Hour, nopLogger())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	r.Start(context.Background())
	if r.running.Load() {
		t.Error("loop started after Shutdown")
	}
}

func TestReapsRealChild(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 4")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	r := New(10*time.Millisecond, nopLogger())
	sink := &recordSink{}
	r.SetRecorder(sink)
	r.Add(cmd.Process.Pid, "exit 4", "")

	deadline := time.Now().Add(5 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("child never reaped")
		}
		r.Sweep()
		time.Sleep(10 * time.Millisecond)
	}
	if len(sink.codes) != 1 || sink.codes[0] != 4 {
		t.Errorf("codes = %v, want [4]", sink.codes)
	}
}
