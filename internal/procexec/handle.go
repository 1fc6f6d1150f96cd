// handle.go spawns streamed children and supervises them. A Handle owns the
// pid until its exit is observed or Release hands it to another owner.
package procexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// UnknownExit is reported when a pid's status can no longer be collected.
const UnknownExit = -1

// DefaultShell runs every command.
const DefaultShell = "/bin/sh"

var (
	ErrSpawnFailed        = errors.New("process spawn failed")
	ErrReadyDetectTimeout = errors.New("exec readiness not detected")
	ErrReleased           = errors.New("process handed off")
)

// eot ends input on a terminal in canonical mode.
const eot = 0x04

// Options tunes Open.
type Options struct {
	Shell string
	Env   []string
	Dir   string

	// WaitForExec blocks Open until the child is no longer a copy of this
	// binary, polling ReadyRetries times ReadyInterval apart.
	WaitForExec   bool
	ReadyRetries  int
	ReadyInterval time.Duration

	// KillOnClose sends SIGKILL to the child's process group in Close.
	KillOnClose bool

	// ReadyCheck replaces the /proc based exec detection. Tests use it.
	ReadyCheck func(pid int) (bool, error)
}

func (o *Options) applyDefaults() {
	if o.Shell == "" {
		o.Shell = DefaultShell
	}
	if o.ReadyRetries <= 0 {
		o.ReadyRetries = 100
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 10 * time.Millisecond
	}
	if o.ReadyCheck == nil {
		o.ReadyCheck = execReady
	}
}

// Handle is a running child with its parent-held pipe ends.
type Handle struct {
	Pid     int
	Command string
	Mode    Mode

	opts      Options
	cmd       *exec.Cmd
	stdin     *os.File
	stdout    *os.File
	startedAt time.Time

	mu          sync.Mutex
	exited      bool
	code        int
	released    bool
	stdinClosed bool
	closed      bool
	closeCode   int
}

// Open starts command under the shell with the pipes mode asks for.
func Open(command string, mode Mode, opts Options) (*Handle, error) {
	opts.applyDefaults()
	if !mode.Read && !mode.Write {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode.String())
	}

	cmd := exec.Command(opts.Shell, "-c", command)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir

	h := &Handle{
		Command: command,
		Mode:    mode,
		opts:    opts,
		cmd:     cmd,
	}

	var err error
	if mode.TTY {
		err = h.startTTY()
	} else {
		err = h.startPipes()
	}
	if err != nil {
		return nil, err
	}
	h.Pid = cmd.Process.Pid
	h.startedAt = time.Now()

	if opts.WaitForExec {
		if err := h.waitExecReady(); err != nil {
			h.Kill()
			h.Close(false)
			return nil, err
		}
	}
	return h, nil
}

func (h *Handle) startPipes() error {
	// The child gets its own process group so a kill reaches everything it
	// spawned.
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var childIn, childOut *os.File
	if h.Mode.Write {
		r, w, err := newPipe(false)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		childIn, h.stdin = r, w
		h.cmd.Stdin = childIn
	}
	if h.Mode.Read {
		r, w, err := newPipe(true)
		if err != nil {
			closeAll(childIn, h.stdin)
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		h.stdout, childOut = r, w
		h.cmd.Stdout = childOut
		if h.Mode.Stderr {
			h.cmd.Stderr = childOut
		} else {
			h.cmd.Stderr = os.Stderr
		}
	}

	err := h.cmd.Start()
	// The child holds its own copies now.
	closeAll(childIn, childOut)
	if err != nil {
		closeAll(h.stdin, h.stdout)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	return nil
}

func (h *Handle) startTTY() error {
	ptmx, err := pty.Start(h.cmd)
	if err != nil {
		return fmt.Errorf("%w: pty: %v", ErrSpawnFailed, err)
	}
	if h.Mode.Read {
		h.stdout = ptmx
	}
	if h.Mode.Write {
		h.stdin = ptmx
	}
	return nil
}

func (h *Handle) waitExecReady() error {
	for i := 0; i < h.opts.ReadyRetries; i++ {
		if exited, _, _ := h.Poll(); exited {
			return nil
		}
		ready, err := h.opts.ReadyCheck(h.Pid)
		if err == nil && ready {
			return nil
		}
		time.Sleep(h.opts.ReadyInterval)
	}
	return fmt.Errorf("%w: pid %d after %d checks", ErrReadyDetectTimeout, h.Pid, h.opts.ReadyRetries)
}

// Stdout returns the read end of the child's output, or nil.
func (h *Handle) Stdout() *os.File { return h.stdout }

// StartedAt returns when the child was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// WriteInput feeds p to the child's stdin.
func (h *Handle) WriteInput(p []byte) (int, error) {
	h.mu.Lock()
	closed := h.stdinClosed || h.stdin == nil
	h.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return h.stdin.Write(p)
}

// SetInputDeadline bounds the next WriteInput. Descriptors that cannot take
// deadlines are left blocking.
func (h *Handle) SetInputDeadline(t time.Time) error {
	if h.stdin == nil {
		return nil
	}
	if err := h.stdin.SetWriteDeadline(t); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return err
	}
	return nil
}

// CloseStdin signals end of input. On a terminal it sends EOT instead of
// closing the shared master. Safe to call repeatedly.
func (h *Handle) CloseStdin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinClosed || h.stdin == nil {
		h.stdinClosed = true
		return nil
	}
	h.stdinClosed = true
	if h.Mode.TTY {
		_, err := h.stdin.Write([]byte{eot})
		return err
	}
	return h.stdin.Close()
}

// Poll checks for exit without blocking. Once an exit is observed the
// answer never changes.
func (h *Handle) Poll() (bool, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pollLocked()
}

func (h *Handle) pollLocked() (bool, int, error) {
	if h.exited {
		return true, h.code, nil
	}
	if h.released {
		return false, 0, ErrReleased
	}
	exited, code, err := waitNoHang(h.Pid)
	if err != nil {
		return false, 0, err
	}
	if exited {
		h.exited = true
		h.code = code
		// Drop the runtime's pidfd; the pid is gone.
		h.cmd.Process.Release()
	}
	return exited, code, nil
}

// Wait polls until the child exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	backoff := 5 * time.Millisecond
	for {
		exited, code, err := h.Poll()
		if err != nil {
			return UnknownExit, err
		}
		if exited {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return UnknownExit, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Kill sends SIGKILL to the child's process group.
func (h *Handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited || h.released {
		return nil
	}
	return killGroup(h.Pid)
}

// Release transfers ownership of the pid to the caller. The handle stops
// observing it; pipes are left for Close.
func (h *Handle) Release() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return h.Pid
}

// Exited reports whether the exit has been observed, without polling.
func (h *Handle) Exited() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.code
}

// Close closes both pipe ends, kills first when KillOnClose is set, and
// waits for the exit status unless ignoreWait is true. Repeated calls return
// the first result.
func (h *Handle) Close(ignoreWait bool) (int, error) {
	h.mu.Lock()
	if h.closed {
		code := h.closeCode
		h.mu.Unlock()
		return code, nil
	}
	h.closed = true
	h.stdinClosed = true
	closeAll(h.stdin, h.stdout)
	if h.opts.KillOnClose && !h.exited && !h.released {
		killGroup(h.Pid)
	}
	h.mu.Unlock()

	code := UnknownExit
	var err error
	switch {
	case ignoreWait:
		if exited, c, _ := h.Poll(); exited {
			code = c
		}
	default:
		code, err = h.Wait(context.Background())
		if errors.Is(err, ErrReleased) {
			err = nil
		}
	}

	h.mu.Lock()
	h.closeCode = code
	h.mu.Unlock()
	return code, err
}

func closeAll(files ...*os.File) {
	seen := make(map[*os.File]bool, len(files))
	for _, f := range files {
		if f != nil && !seen[f] {
			seen[f] = true
			f.Close()
		}
	}
}

// killGroup signals the process group led by pid, falling back to the pid
// itself when no such group exists.
func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, unix.SIGKILL)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
