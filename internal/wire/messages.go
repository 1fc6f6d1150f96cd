// messages.go defines the header and the typed bodies exchanged on a kl_tcp
// connection. Wire values of CmdType are stable and must match the peer.
package wire

import (
	"fmt"

	"github.com/klustron/klagent/internal/buffer"
)

// CmdType identifies the kind of message in CommHead.
type CmdType uint32

const (
	CmdOp      CmdType = 0
	FileOp     CmdType = 1
	PackOp     CmdType = 2
	ChecksumOp CmdType = 3
	RespOp     CmdType = 4
	TimeoutOp  CmdType = 5
	EndOp      CmdType = 6
	QuitOp     CmdType = 7
)

func (t CmdType) String() string {
	switch t {
	case CmdOp:
		return "CMD"
	case FileOp:
		return "FILE"
	case PackOp:
		return "PACK"
	case ChecksumOp:
		return "CHECKSUM"
	case RespOp:
		return "RESP"
	case TimeoutOp:
		return "TIMEOUT"
	case EndOp:
		return "END"
	case QuitOp:
		return "QUIT"
	default:
		return fmt.Sprintf("CmdType(%d)", uint32(t))
	}
}

// Open types carried in CmdReq.
const (
	OpenStream uint32 = 0 // pipe execution with streamed stdin/stdout
	OpenSystem uint32 = 1 // run to completion, reply with the exit code only
)

// HeadLen is the serialized size of CommHead.
const HeadLen = 4 + 4 + 2 + 4

// Body is implemented by every message body.
type Body interface {
	MarshalTo(b *buffer.Buffer)
	UnmarshalFrom(b *buffer.Buffer) error
}

// CommHead leads every payload. Len is the header's own serialized length;
// decoders do not check it against the frame size.
type CommHead struct {
	Len     uint32
	CmdType CmdType
	Encrypt uint16
	InnSeq  uint32
}

// NewHead returns a header for cmdtype t carrying session nonce seq.
func NewHead(t CmdType, seq uint32) CommHead {
	return CommHead{Len: HeadLen, CmdType: t, InnSeq: seq}
}

func (h CommHead) MarshalTo(b *buffer.Buffer) {
	PutUint32(b, h.Len)
	PutUint32(b, uint32(h.CmdType))
	PutUint16(b, h.Encrypt)
	PutUint32(b, h.InnSeq)
}

func (h *CommHead) UnmarshalFrom(b *buffer.Buffer) error {
	var err error
	if h.Len, err = Uint32(b); err != nil {
		return err
	}
	t, err := Uint32(b)
	if err != nil {
		return err
	}
	h.CmdType = CmdType(t)
	if h.Encrypt, err = Uint16(b); err != nil {
		return err
	}
	h.InnSeq, err = Uint32(b)
	return err
}

// CmdReq asks the server to run a shell command.
type CmdReq struct {
	RateLimit uint32 // KiB/s for relayed output, 0 means unlimited
	Cmd       []byte
	OpenType  uint32
	Mode      []byte
}

func (r *CmdReq) MarshalTo(b *buffer.Buffer) {
	PutUint32(b, r.RateLimit)
	PutBlob(b, r.Cmd)
	PutUint32(b, r.OpenType)
	PutBlob(b, r.Mode)
}

func (r *CmdReq) UnmarshalFrom(b *buffer.Buffer) error {
	var err error
	if r.RateLimit, err = Uint32(b); err != nil {
		return err
	}
	if r.Cmd, err = Blob(b); err != nil {
		return err
	}
	if r.OpenType, err = Uint32(b); err != nil {
		return err
	}
	r.Mode, err = Blob(b)
	return err
}

// CommReq is the generic envelope for streamed chunks and checksum notices.
type CommReq struct {
	Payload []byte
}

func (r *CommReq) MarshalTo(b *buffer.Buffer) {
	PutBlob(b, r.Payload)
}

func (r *CommReq) UnmarshalFrom(b *buffer.Buffer) error {
	var err error
	r.Payload, err = Blob(b)
	return err
}

// CommResp carries a result code and optional human-readable text.
type CommResp struct {
	ErrCode int32
	ErrInfo []byte
}

func (r *CommResp) MarshalTo(b *buffer.Buffer) {
	PutInt32(b, r.ErrCode)
	PutBlob(b, r.ErrInfo)
}

func (r *CommResp) UnmarshalFrom(b *buffer.Buffer) error {
	var err error
	if r.ErrCode, err = Int32(b); err != nil {
		return err
	}
	r.ErrInfo, err = Blob(b)
	return err
}

// FileReq is reserved for file transfer, which the agent does not serve.
type FileReq struct {
	ReqType  uint16
	FileName []byte
}

func (r *FileReq) MarshalTo(b *buffer.Buffer) {
	PutUint16(b, r.ReqType)
	PutBlob(b, r.FileName)
}

func (r *FileReq) UnmarshalFrom(b *buffer.Buffer) error {
	var err error
	if r.ReqType, err = Uint16(b); err != nil {
		return err
	}
	r.FileName, err = Blob(b)
	return err
}

// EncodeUint32Payload wraps a single uint32 as a CommReq payload. CHECKSUM
// and TIMEOUT messages use it.
func EncodeUint32Payload(v uint32) *CommReq {
	b := buffer.New(4)
	PutUint32(b, v)
	return &CommReq{Payload: b.Bytes()}
}

// DecodeUint32Payload is the inverse of EncodeUint32Payload.
func DecodeUint32Payload(r *CommReq) (uint32, error) {
	return Uint32(buffer.From(r.Payload))
}
