// packet.go layers typed messages over frames: CommHead encoding, checksum
// verification, session nonce enforcement, and the cumulative content
// checksum carried by CHECKSUM messages.
package conn

import (
	"fmt"
	"time"

	"github.com/klustron/klagent/internal/buffer"
	"github.com/klustron/klagent/internal/metrics"
	"github.com/klustron/klagent/internal/wire"
)

// Packet is one received message. Body is positioned after the header.
type Packet struct {
	Head     wire.CommHead
	Body     *buffer.Buffer
	Checksum uint32
	Length   int

	// Content is the cumulative content checksum carried by a CHECKSUM
	// message. HasContent is false for every other type.
	Content    uint32
	HasContent bool
}

// Type returns the message type.
func (p *Packet) Type() wire.CmdType { return p.Head.CmdType }

// Decode unmarshals the body into v.
func (p *Packet) Decode(v wire.Body) error {
	return v.UnmarshalFrom(p.Body)
}

// Tally accumulates the content checksum over a sequence of PACK payloads.
// With checksums disabled it counts bytes instead, mirroring CalcChecksum.
type Tally struct {
	noChecksum bool
	sum        uint32
}

// NewTally returns an empty tally using this connection's checksum mode.
func (c *Conn) NewTally() Tally {
	t := Tally{noChecksum: c.opts.Flags.Has(FlagNoChecksum)}
	if !t.noChecksum {
		t.sum = wire.ChecksumSeed
	}
	return t
}

// Add folds p into the tally.
func (t *Tally) Add(p []byte) {
	if t.noChecksum {
		t.sum += uint32(len(p))
		return
	}
	t.sum = wire.UpdateChecksum(t.sum, p)
}

// Sum returns the current value.
func (t *Tally) Sum() uint32 { return t.sum }

// MaxChunk is the largest PACK payload that fits in one frame.
func (c *Conn) MaxChunk() int {
	return int(c.opts.MaxFrame) - wire.HeadLen - 4
}

// Send writes a message of type t with the given body (which may be nil).
func (c *Conn) Send(t wire.CmdType, body wire.Body) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(t, body)
}

func (c *Conn) sendLocked(t wire.CmdType, body wire.Body) error {
	if err := c.Err(); err != nil {
		return err
	}
	b := buffer.New(wire.HeadLen + 64)
	wire.NewHead(t, c.seq.Load()).MarshalTo(b)
	if body != nil {
		body.MarshalTo(b)
	}
	payload := b.Bytes()
	if err := c.writeFrame(payload, c.CalcChecksum(payload, 0)); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("sent", t.String()).Inc()
	return nil
}

// SendPack sends data as one or more PACK messages and folds it into the
// output tally. The tally only moves under the write lock, so a CHECKSUM
// sent afterwards covers exactly the PACK bytes that preceded it.
func (c *Conn) SendPack(data []byte) error {
	max := c.MaxChunk()
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		if err := c.sendPackChunk(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *Conn) sendPackChunk(chunk []byte) error {
	c.writeMu.Lock()
	limiter := c.limiter
	c.writeMu.Unlock()
	if limiter != nil {
		if err := limiter.WaitN(c.ctx, len(chunk)); err != nil {
			if brokenErr := c.Err(); brokenErr != nil {
				return brokenErr
			}
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sendLocked(wire.PackOp, &wire.CommReq{Payload: chunk}); err != nil {
		return err
	}
	c.out.Add(chunk)
	return nil
}

// OutputChecksum returns the cumulative checksum of all PACK bytes sent.
func (c *Conn) OutputChecksum() uint32 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.out.Sum()
}

// SendChecksum announces the cumulative checksum of the PACK bytes sent.
func (c *Conn) SendChecksum() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(wire.ChecksumOp, wire.EncodeUint32Payload(c.out.Sum()))
}

// SendEnd sends the terminal END response.
func (c *Conn) SendEnd(code int32, info string) error {
	return c.Send(wire.EndOp, &wire.CommResp{ErrCode: code, ErrInfo: []byte(info)})
}

// SendResp sends a non-terminal RESP message.
func (c *Conn) SendResp(code int32, info string) error {
	return c.Send(wire.RespOp, &wire.CommResp{ErrCode: code, ErrInfo: []byte(info)})
}

// Recv reads and validates the next message. ErrSocketTimeout means no
// frame arrived within timeout and the connection is still usable; any
// other error has already broken it.
func (c *Conn) Recv(timeout time.Duration) (*Packet, error) {
	body := buffer.New(0)
	sum, n, err := c.RecvMessage(body, timeout)
	if err != nil {
		return nil, err
	}
	if !c.CompareChecksum(body.Bytes(), 0, sum) {
		return nil, c.Fail(fmt.Errorf("%w: frame of %d bytes", ErrChecksumMismatch, n))
	}

	pkt := &Packet{Body: body, Checksum: sum, Length: n}
	if err := pkt.Head.UnmarshalFrom(body); err != nil {
		return nil, c.Fail(err)
	}

	if c.seqSet.Load() {
		if want := c.seq.Load(); pkt.Head.InnSeq != want {
			return nil, c.Fail(fmt.Errorf("%w: got %d, session is %d", ErrSequenceMismatch, pkt.Head.InnSeq, want))
		}
	} else {
		c.SetSequence(pkt.Head.InnSeq)
	}

	if pkt.Head.CmdType == wire.ChecksumOp {
		var req wire.CommReq
		if err := req.UnmarshalFrom(buffer.From(body.Bytes())); err != nil {
			return nil, c.Fail(err)
		}
		v, err := wire.DecodeUint32Payload(&req)
		if err != nil {
			return nil, c.Fail(err)
		}
		pkt.Content = v
		pkt.HasContent = true
	}

	metrics.FramesTotal.WithLabelValues("recv", pkt.Head.CmdType.String()).Inc()
	return pkt, nil
}
