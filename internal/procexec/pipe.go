package procexec

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lowestSafeFd is the first descriptor that cannot collide with the
// stdin/stdout/stderr slots the child's ends are duplicated onto.
const lowestSafeFd = 3

// newPipe returns a pipe whose descriptors are never 0, 1 or 2. The
// parent-held end (read end when parentReads, write end otherwise) is put
// in non-blocking mode so it supports deadlines; the child end stays
// blocking because the child inherits its file description.
func newPipe(parentReads bool) (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("pipe2: %w", err)
	}
	for i := range fds {
		fd, err := liftFd(fds[i])
		if err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, err
		}
		fds[i] = fd
	}

	parent := fds[1]
	if parentReads {
		parent = fds[0]
	}
	if err := unix.SetNonblock(parent, true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "|0"), os.NewFile(uintptr(fds[1]), "|1"), nil
}

// liftFd moves fd above the standard descriptors when it landed on one of
// them, closing the original. Other descriptors are returned unchanged.
func liftFd(fd int) (int, error) {
	if fd >= lowestSafeFd {
		return fd, nil
	}
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, lowestSafeFd)
	if err != nil {
		return -1, fmt.Errorf("relocate fd %d: %w", fd, err)
	}
	unix.Close(fd)
	return nfd, nil
}
