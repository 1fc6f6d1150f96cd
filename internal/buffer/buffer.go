// Package buffer provides the growable byte buffer underneath the kl wire
// protocol. It keeps independent read and write cursors so a frame can be
// assembled, sent, and decoded field by field without re-slicing.
//
// Layout:
//
//	[0, r)      consumed bytes (reclaimable by Compact)
//	[r, w)      unread bytes (Bytes, String)
//	[w, cap)    writable space (Writable, Commit)
//
// A Buffer is not safe for concurrent use.
package buffer

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnderflow is returned when a read asks for more bytes than are unread.
var ErrUnderflow = errors.New("buffer underflow")

// minGrow is the smallest capacity a growing buffer allocates.
const minGrow = 64

// Buffer is a byte buffer with separate read and write cursors.
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New returns an empty buffer with at least size bytes of capacity.
func New(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	return &Buffer{buf: make([]byte, size)}
}

// From returns a buffer whose unread region is a copy of p.
func From(p []byte) *Buffer {
	b := New(len(p))
	b.Write(p)
	return b
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the total capacity of the underlying storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Available returns how many bytes can be written without growing.
func (b *Buffer) Available() int { return len(b.buf) - b.w }

// ReadOffset returns the position of the read cursor.
func (b *Buffer) ReadOffset() int { return b.r }

// WriteOffset returns the position of the write cursor.
func (b *Buffer) WriteOffset() int { return b.w }

// Bytes returns the unread region. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// String returns the unread region as a string.
func (b *Buffer) String() string { return string(b.buf[b.r:b.w]) }

// EnsureWritable guarantees room for n more bytes after the write cursor.
// Capacity grows geometrically and is never reduced. Unread bytes are
// preserved; consumed bytes are dropped when a reallocation happens anyway.
func (b *Buffer) EnsureWritable(n int) {
	if n <= b.Available() {
		return
	}
	unread := b.Len()
	// Sliding the unread region down is enough when the consumed prefix is
	// large and the data fits.
	if b.r > 0 && unread+n <= len(b.buf) && b.r >= len(b.buf)/2 {
		b.Compact()
		return
	}
	newCap := len(b.buf) * 2
	if newCap < minGrow {
		newCap = minGrow
	}
	for newCap < unread+n {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	copy(nb, b.buf[b.r:b.w])
	b.buf = nb
	b.r = 0
	b.w = unread
}

// Compact moves the unread region to the front, reclaiming consumed space.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
	b.w = n
}

// Reset discards all content but keeps capacity.
func (b *Buffer) Reset() {
	b.r = 0
	b.w = 0
}

// Write appends p, growing as needed. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.EnsureWritable(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n, nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	b.EnsureWritable(len(s))
	n := copy(b.buf[b.w:], s)
	b.w += n
	return n, nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.EnsureWritable(1)
	b.buf[b.w] = c
	b.w++
	return nil
}

// Appendf appends formatted text and returns the number of bytes added.
func (b *Buffer) Appendf(format string, args ...any) int {
	before := b.w
	b.buf = fmt.Appendf(b.buf[:b.w], format, args...)
	b.w = len(b.buf)
	// Re-expose spare capacity appended by the runtime.
	b.buf = b.buf[:cap(b.buf)]
	return b.w - before
}

// Writable returns the free region after the write cursor. Callers fill a
// prefix of it and then call Commit with the number of bytes filled.
func (b *Buffer) Writable() []byte { return b.buf[b.w:] }

// Commit advances the write cursor over n bytes placed via Writable.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Available() {
		panic("buffer: commit out of range")
	}
	b.w += n
}

// Next consumes and returns the next n unread bytes. The returned slice
// aliases the buffer.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrUnderflow, n, b.Len())
	}
	p := b.buf[b.r : b.r+n]
	b.r += n
	return p, nil
}

// Skip advances the read cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	_, err := b.Next(n)
	return err
}

// Read implements io.Reader over the unread region.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.r:b.w])
	b.r += n
	return n, nil
}

// ReadOnce performs a single Read from r into at most max bytes of free
// space, growing the buffer first if needed.
func (b *Buffer) ReadOnce(r io.Reader, max int) (int, error) {
	b.EnsureWritable(max)
	n, err := r.Read(b.buf[b.w : b.w+max])
	if n > 0 {
		b.w += n
	}
	return n, err
}

// WriteTo drains the unread region into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for b.Len() > 0 {
		n, err := w.Write(b.buf[b.r:b.w])
		b.r += n
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
