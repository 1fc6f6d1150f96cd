package wire

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/klustron/klagent/internal/buffer"
)

func randBlob(rng *rand.Rand) []byte {
	// Zero-length blobs are a third of the cases.
	if rng.Intn(3) == 0 {
		return []byte{}
	}
	p := make([]byte, rng.Intn(512)+1)
	rng.Read(p)
	return p
}

func TestRoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		head := CommHead{Len: rng.Uint32(), CmdType: CmdType(rng.Intn(8)), Encrypt: uint16(rng.Intn(1 << 16)), InnSeq: rng.Uint32()}
		cmd := &CmdReq{RateLimit: rng.Uint32(), Cmd: randBlob(rng), OpenType: rng.Uint32(), Mode: randBlob(rng)}
		resp := &CommResp{ErrCode: int32(rng.Uint32()), ErrInfo: randBlob(rng)}
		req := &CommReq{Payload: randBlob(rng)}
		file := &FileReq{ReqType: uint16(rng.Intn(1 << 16)), FileName: randBlob(rng)}

		b := buffer.New(0)
		head.MarshalTo(b)
		cmd.MarshalTo(b)
		resp.MarshalTo(b)
		req.MarshalTo(b)
		file.MarshalTo(b)

		var gotHead CommHead
		var gotCmd CmdReq
		var gotResp CommResp
		var gotReq CommReq
		var gotFile FileReq
		for _, body := range []Body{&gotHead, &gotCmd, &gotResp, &gotReq, &gotFile} {
			if err := body.UnmarshalFrom(b); err != nil {
				t.Fatalf("iteration %d: unmarshal %T: %v", i, body, err)
			}
		}
		if b.Len() != 0 {
			t.Fatalf("iteration %d: %d trailing bytes", i, b.Len())
		}

		if gotHead != head {
			t.Errorf("head = %+v, want %+v", gotHead, head)
		}
		if gotCmd.RateLimit != cmd.RateLimit || gotCmd.OpenType != cmd.OpenType ||
			!bytes.Equal(gotCmd.Cmd, cmd.Cmd) || !bytes.Equal(gotCmd.Mode, cmd.Mode) {
			t.Errorf("CmdReq mismatch: %+v vs %+v", gotCmd, cmd)
		}
		if gotResp.ErrCode != resp.ErrCode || !bytes.Equal(gotResp.ErrInfo, resp.ErrInfo) {
			t.Errorf("CommResp mismatch")
		}
		if !bytes.Equal(gotReq.Payload, req.Payload) {
			t.Errorf("CommReq mismatch")
		}
		if gotFile.ReqType != file.ReqType || !bytes.Equal(gotFile.FileName, file.FileName) {
			t.Errorf("FileReq mismatch")
		}
	}
}

func TestZeroLengthBlobWritesOnlyLength(t *testing.T) {
	b := buffer.New(0)
	PutBlob(b, nil)
	if !bytes.Equal(b.Bytes(), []byte{0, 0, 0, 0}) {
		t.Errorf("empty blob encoded as %x", b.Bytes())
	}
}

func TestBigEndianLayout(t *testing.T) {
	b := buffer.New(0)
	NewHead(EndOp, 0x01020304).MarshalTo(b)
	want := []byte{0, 0, 0, HeadLen, 0, 0, 0, 6, 0, 0, 1, 2, 3, 4}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("head bytes = %x, want %x", b.Bytes(), want)
	}
}

func TestTruncatedDecoding(t *testing.T) {
	full := buffer.New(0)
	(&CmdReq{RateLimit: 1, Cmd: []byte("echo hi"), OpenType: 0, Mode: []byte("rwc")}).MarshalTo(full)
	encoded := append([]byte(nil), full.Bytes()...)

	for cut := 0; cut < len(encoded); cut++ {
		var req CmdReq
		err := req.UnmarshalFrom(buffer.From(encoded[:cut]))
		if !errors.Is(err, ErrTruncatedMessage) {
			t.Fatalf("cut at %d: expected ErrTruncatedMessage, got %v", cut, err)
		}
	}
}

func TestBlobLengthBeyondBuffer(t *testing.T) {
	b := buffer.New(0)
	PutUint32(b, 1<<30)
	b.WriteString("tiny")
	if _, err := Blob(b); !errors.Is(err, ErrTruncatedMessage) {
		t.Fatalf("expected ErrTruncatedMessage, got %v", err)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	p := []byte("select 1; -- some payload")
	if Checksum(p) != Checksum(p) {
		t.Fatal("checksum is not deterministic")
	}
	if Checksum(nil) != ChecksumSeed {
		t.Errorf("empty checksum = %d, want seed", Checksum(nil))
	}
}

func TestChecksumDetectsSingleByteFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := make([]byte, 256)
	rng.Read(p)
	base := Checksum(p)

	collisions := 0
	for i := 0; i < 10000; i++ {
		idx := rng.Intn(len(p))
		orig := p[idx]
		p[idx] = orig ^ byte(rng.Intn(255)+1)
		if Checksum(p) == base {
			collisions++
		}
		p[idx] = orig
	}
	if collisions > 0 {
		t.Errorf("%d single-byte mutations went undetected", collisions)
	}
}

func TestChecksumIsIncremental(t *testing.T) {
	a := []byte("hello ")
	b := []byte("world\n")
	joined := append(append([]byte(nil), a...), b...)
	if UpdateChecksum(Checksum(a), b) != Checksum(joined) {
		t.Error("folding chunks must equal hashing the concatenation")
	}
}

func TestUint32Payload(t *testing.T) {
	v, err := DecodeUint32Payload(EncodeUint32Payload(0xdeadbeef))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("got %x", v)
	}
}

func TestCmdTypeString(t *testing.T) {
	if PackOp.String() != "PACK" || CmdType(99).String() != "CmdType(99)" {
		t.Errorf("unexpected names: %s %s", PackOp, CmdType(99))
	}
}
