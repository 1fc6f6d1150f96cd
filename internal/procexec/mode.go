// Package procexec runs `/bin/sh -c <command>` with controllable pipe wiring
// and tracks the child until its exit is observed or its pid is handed off.
//
// Exit codes follow the shell convention: a normal exit reports its status,
// death by signal reports 128+signal, and a pid whose status can no longer
// be collected reports UnknownExit.
package procexec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMode is returned for open modes that cannot be honoured.
var ErrInvalidMode = errors.New("invalid open mode")

// Mode selects which child streams the parent holds.
type Mode struct {
	Read      bool // r: capture child stdout
	Write     bool // w: feed child stdin
	Stderr    bool // 2: merge stderr into the captured stream
	CloseExec bool // c: parent-held ends are close-on-exec
	TTY       bool // t: attach the child to a pseudo-terminal
}

// ParseMode parses mode characters. At least one of r or w is required.
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, ch := range s {
		switch ch {
		case 'r':
			m.Read = true
		case 'w':
			m.Write = true
		case '2':
			m.Stderr = true
		case 'c':
			m.CloseExec = true
		case 't':
			m.TTY = true
		default:
			return Mode{}, fmt.Errorf("%w: unknown character %q in %q", ErrInvalidMode, ch, s)
		}
	}
	if !m.Read && !m.Write {
		return Mode{}, fmt.Errorf("%w: %q needs r or w", ErrInvalidMode, s)
	}
	return m, nil
}

// String renders the mode back into its characters.
func (m Mode) String() string {
	var sb strings.Builder
	if m.Read {
		sb.WriteByte('r')
	}
	if m.Write {
		sb.WriteByte('w')
	}
	if m.Stderr {
		sb.WriteByte('2')
	}
	if m.CloseExec {
		sb.WriteByte('c')
	}
	if m.TTY {
		sb.WriteByte('t')
	}
	return sb.String()
}
