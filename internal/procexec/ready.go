package procexec

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

var (
	selfExeOnce sync.Once
	selfExe     string
)

func selfExecutable() string {
	selfExeOnce.Do(func() {
		if p, err := os.Executable(); err == nil {
			selfExe = p
		}
	})
	return selfExe
}

// execReady reports whether pid has replaced the forked image of this binary
// with the shell. Between fork and exec the child still reports our own
// executable.
func execReady(pid int) (bool, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, err
	}
	ppid, err := p.Ppid()
	if err != nil {
		return false, err
	}
	if int(ppid) != os.Getpid() {
		return false, nil
	}
	exe, err := p.Exe()
	if err != nil {
		return false, err
	}
	return exe != "" && exe != selfExecutable(), nil
}
