// Package wire defines the kl_tcp message layout: big-endian field codecs,
// the CommHead header carried at the front of every payload, the typed
// message bodies, and the seeded content checksum.
//
// Frame on the wire:
//
//	0        4          8
//	+--------+----------+---------------------+
//	| length | checksum | payload (length B)  |
//	+--------+----------+---------------------+
//
// Payload:
//
//	CommHead (len u32, cmdtype u32, encrypt u16, innseq u32) | body
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klustron/klagent/internal/buffer"
)

// ErrTruncatedMessage is returned when a field needs more bytes than remain.
var ErrTruncatedMessage = errors.New("truncated message")

// PutUint32 appends v in network byte order.
func PutUint32(b *buffer.Buffer, v uint32) {
	b.EnsureWritable(4)
	binary.BigEndian.PutUint32(b.Writable(), v)
	b.Commit(4)
}

// PutInt32 appends v in network byte order.
func PutInt32(b *buffer.Buffer, v int32) {
	PutUint32(b, uint32(v))
}

// PutUint16 appends v in network byte order.
func PutUint16(b *buffer.Buffer, v uint16) {
	b.EnsureWritable(2)
	binary.BigEndian.PutUint16(b.Writable(), v)
	b.Commit(2)
}

// PutBlob appends a uint32 length followed by p. An empty blob is just the
// zero length.
func PutBlob(b *buffer.Buffer, p []byte) {
	PutUint32(b, uint32(len(p)))
	if len(p) > 0 {
		b.Write(p)
	}
}

// Uint32 consumes a big-endian uint32.
func Uint32(b *buffer.Buffer) (uint32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, fmt.Errorf("%w: uint32: %v", ErrTruncatedMessage, err)
	}
	return binary.BigEndian.Uint32(p), nil
}

// Int32 consumes a big-endian int32.
func Int32(b *buffer.Buffer) (int32, error) {
	v, err := Uint32(b)
	return int32(v), err
}

// Uint16 consumes a big-endian uint16.
func Uint16(b *buffer.Buffer) (uint16, error) {
	p, err := b.Next(2)
	if err != nil {
		return 0, fmt.Errorf("%w: uint16: %v", ErrTruncatedMessage, err)
	}
	return binary.BigEndian.Uint16(p), nil
}

// Blob consumes a length-prefixed byte string. The result is a copy and
// never aliases the buffer.
func Blob(b *buffer.Buffer) ([]byte, error) {
	n, err := Uint32(b)
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(b.Len()) {
		return nil, fmt.Errorf("%w: blob declares %d bytes, %d remain", ErrTruncatedMessage, n, b.Len())
	}
	p, _ := b.Next(int(n))
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}
