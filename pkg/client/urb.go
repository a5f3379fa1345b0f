package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/dittousb/internal/logger"
	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
)

// ISOPacket is one isochronous packet descriptor.
type ISOPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// URB describes a transfer to submit.
type URB struct {
	Endpoint uint8
	In       bool

	// Setup is the control request for endpoint 0.
	Setup [proto.SetupSize]byte

	// Data is the OUT payload. For IN transfers Length sets the buffer size.
	Data   []byte
	Length int

	Flags      uint32
	StartFrame int32
	Interval   int32
	ISOPackets []ISOPacket
}

// Result is the completion of a submitted URB.
type Result struct {
	SeqNum       uint32
	Status       int32
	ActualLength int
	Data         []byte
	StartFrame   int32
	ErrorCount   int32
	ISOPackets   []ISOPacket
}

// Pending is a submitted URB whose reply has not been consumed yet.
type Pending struct {
	SeqNum uint32
	c      *Client
	reply  chan proto.Message
}

// Wait blocks for the completion. If ctx ends first the URB stays in
// flight; call Client.Unlink to cancel it.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	msg, err := p.c.await(ctx, p.SeqNum, p.reply)
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(*proto.SubmitReply)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s for seqnum %d", msg.Name(), p.SeqNum)
	}

	res := &Result{
		SeqNum:       reply.SeqNum,
		Status:       reply.Status,
		ActualLength: int(reply.ActualLength),
		Data:         reply.Data,
		StartFrame:   reply.StartFrame,
		ErrorCount:   reply.ErrorCount,
	}
	for _, pkt := range reply.ISOPackets {
		res.ISOPackets = append(res.ISOPackets, ISOPacket(pkt))
	}
	return res, nil
}

// Start sends a URB without waiting for its completion.
func (c *Client) Start(u *URB) (*Pending, error) {
	dev := c.Device()
	if dev == nil {
		return nil, ErrNotAttached
	}

	req := &proto.SubmitRequest{
		SeqNum:        c.nextSeq(),
		DevID:         dev.DevID(),
		Direction:     proto.DirOut,
		Endpoint:      uint32(u.Endpoint),
		TransferFlags: u.Flags,
		StartFrame:    u.StartFrame,
		Interval:      u.Interval,
		Setup:         u.Setup,
	}
	if u.In {
		req.Direction = proto.DirIn
		req.TransferBufferLength = int32(u.Length)
	} else {
		req.TransferBufferLength = int32(len(u.Data))
		req.Data = u.Data
	}
	if len(u.ISOPackets) > 0 {
		req.NumberOfPackets = int32(len(u.ISOPackets))
		for _, pkt := range u.ISOPackets {
			req.ISOPackets = append(req.ISOPackets, proto.ISOPacket(pkt))
		}
	}

	ch, err := c.register(req.SeqNum, req.Direction)
	if err != nil {
		return nil, err
	}
	if err := c.write(req); err != nil {
		c.unregister(req.SeqNum)
		return nil, c.connErr(err)
	}
	return &Pending{SeqNum: req.SeqNum, c: c, reply: ch}, nil
}

// Submit sends a URB and waits for its completion.
func (c *Client) Submit(ctx context.Context, u *URB) (*Result, error) {
	p, err := c.Start(u)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Unlink asks the server to cancel the URB with sequence number seq and
// returns the RET_UNLINK status: -ECONNRESET (-104) when the URB was
// cancelled, 0 when it had already completed.
func (c *Client) Unlink(ctx context.Context, seq uint32) (int32, error) {
	dev := c.Device()
	if dev == nil {
		return 0, ErrNotAttached
	}

	req := &proto.UnlinkRequest{
		SeqNum:       c.nextSeq(),
		DevID:        dev.DevID(),
		UnlinkSeqNum: seq,
	}
	ch, err := c.register(req.SeqNum, proto.DirOut)
	if err != nil {
		return 0, err
	}
	if err := c.write(req); err != nil {
		c.unregister(req.SeqNum)
		return 0, c.connErr(err)
	}

	msg, err := c.await(ctx, req.SeqNum, ch)
	if err != nil {
		return 0, err
	}
	reply, ok := msg.(*proto.UnlinkReply)
	if !ok {
		return 0, fmt.Errorf("client: unexpected %s for unlink seqnum %d", msg.Name(), req.SeqNum)
	}

	// A cancelled URB gets no RET_SUBMIT; complete its waiter here.
	if reply.Status == proto.ErrnoECONNRESET {
		c.mu.Lock()
		ch, ok := c.waiters[seq]
		delete(c.waiters, seq)
		delete(c.dirs, seq)
		c.mu.Unlock()
		if ok {
			ch <- &proto.SubmitReply{SeqNum: seq, Status: reply.Status}
		}
	}
	return reply.Status, nil
}

func (c *Client) nextSeq() uint32 {
	for {
		if seq := c.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

func (c *Client) register(seq, dir uint32) (chan proto.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan proto.Message, 1)
	c.waiters[seq] = ch
	c.dirs[seq] = dir
	return ch, nil
}

func (c *Client) unregister(seq uint32) {
	c.mu.Lock()
	delete(c.waiters, seq)
	delete(c.dirs, seq)
	c.mu.Unlock()
}

func (c *Client) await(ctx context.Context, seq uint32, ch chan proto.Message) (proto.Message, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// A reply may have raced with the shutdown.
		select {
		case msg := <-ch:
			return msg, nil
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
}

func (c *Client) replyDirection(seq uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir, ok := c.dirs[seq]
	return dir, ok
}

func (c *Client) readLoop() {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(c.connErr(err), ErrClosed) {
				logger.Debug("USB/IP client read failed", logger.Err(err))
			}
			c.finish(c.connErr(err))
			return
		}

		var seq uint32
		switch m := msg.(type) {
		case *proto.SubmitReply:
			seq = m.SeqNum
		case *proto.UnlinkReply:
			seq = m.SeqNum
		default:
			c.finish(fmt.Errorf("client: unexpected %s after import", msg.Name()))
			_ = c.conn.Close()
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[seq]
		delete(c.waiters, seq)
		delete(c.dirs, seq)
		c.mu.Unlock()
		if !ok {
			logger.Debug("Dropping reply for unknown seqnum", logger.SeqNum(seq))
			continue
		}
		ch <- msg
	}
}

// finish records why the connection stopped and wakes every waiter.
func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
