// system.go runs commands to completion and maps wait statuses to shell
// style exit codes.
package procexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExecFailedStatus is what the shell exits with when it cannot run the
// requested program.
const ExecFailedStatus = 127

// stderrTailSize bounds the stderr kept from a System run.
const stderrTailSize = 4096

// Result describes a command run to completion.
type Result struct {
	ExitCode  int
	Stderr    string
	StartedAt time.Time
	Duration  time.Duration
}

// System runs command under shell with no stdin or stdout and waits for it.
// Cancelling ctx kills the whole process group.
func System(ctx context.Context, shell, command string) (*Result, error) {
	if shell == "" {
		shell = DefaultShell
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = 5 * time.Second

	result := &Result{StartedAt: time.Now()}
	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = ExitCode(unix.WaitStatus(ws))
			} else {
				result.ExitCode = exitErr.ExitCode()
			}
			return result, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return result, nil
}

// ExitCode maps a wait status: the status of a normal exit, or 128 plus the
// signal number for a child killed by a signal.
func ExitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return UnknownExit
	}
}

// waitNoHang reaps pid if it has exited. A pid that is no longer our child
// counts as exited with UnknownExit.
func waitNoHang(pid int) (bool, int, error) {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return true, UnknownExit, nil
		case err != nil:
			return false, 0, fmt.Errorf("wait4 %d: %w", pid, err)
		case wpid == 0:
			return false, 0, nil
		}
		if ws.Stopped() || ws.Continued() {
			return false, 0, nil
		}
		return true, ExitCode(ws), nil
	}
}

// WaitNoHang is waitNoHang for pids not owned by a Handle.
func WaitNoHang(pid int) (bool, int, error) { return waitNoHang(pid) }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
