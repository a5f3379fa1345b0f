package usbip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittousb/internal/logger"
	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/bufpool"
	"github.com/marmos91/dittousb/pkg/transfer"
)

// replyLoop writes dispatcher events in queue order until the queue is
// closed or a write fails.
func (s *Session) replyLoop(ctx context.Context) {
	defer s.replies.Done()

	for {
		ev, err := s.queue.Next(ctx)
		if errors.Is(err, transfer.ErrQueueOverflow) {
			logger.WarnCtx(ctx, "Client is not reading replies, closing session", logger.Err(err))
			s.close(ctx, "reply queue overflow")
			return
		}
		if err != nil {
			return
		}

		msg := replyFor(ev)
		if ev.Err != nil {
			logger.DebugCtx(ctx, "Transfer failed before reaching the device",
				logger.SeqNum(ev.SeqNum), logger.Status(ev.Result.Status), logger.Err(ev.Err))
		}
		if err := s.write(msg); err != nil {
			logger.DebugCtx(ctx, "Reply write failed", logger.Command(msg.Name()), logger.Err(err))
			s.close(ctx, "write failed")
			return
		}
	}
}

// replyFor converts a dispatcher event into its wire reply.
func replyFor(ev transfer.Event) proto.Message {
	if ev.Kind == transfer.EventUnlinked {
		return &proto.UnlinkReply{SeqNum: ev.SeqNum, Status: ev.Result.Status}
	}

	res := ev.Result
	reply := &proto.SubmitReply{
		SeqNum:     ev.SeqNum,
		Direction:  proto.DirOut,
		Status:     res.Status,
		StartFrame: res.StartFrame,
		ErrorCount: res.ErrorCount,
	}

	if ev.In {
		reply.Direction = proto.DirIn
		data := res.Data
		if len(data) > res.ActualLength {
			data = data[:res.ActualLength]
		}
		reply.Data = data
		reply.ActualLength = int32(len(data))
	} else {
		reply.ActualLength = int32(res.ActualLength)
	}

	if ev.Packets > 0 {
		reply.NumberOfPackets = int32(len(res.ISOPackets))
		reply.ISOPackets = make([]proto.ISOPacket, len(res.ISOPackets))
		for i, p := range res.ISOPackets {
			reply.ISOPackets[i] = proto.ISOPacket{
				Offset:       p.Offset,
				Length:       p.Length,
				ActualLength: p.ActualLength,
				Status:       p.Status,
			}
		}
	} else {
		reply.NumberOfPackets = ev.Packets
	}
	return reply
}

// write encodes msg in full and writes it under writeMu.
func (s *Session) write(msg proto.Message) error {
	buf := bufpool.Get(encodedSizeHint(msg))
	out, err := proto.AppendEncode(buf, msg)
	defer bufpool.Put(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Name(), err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if timeout := s.adapter.config.WriteTimeout; timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("write %s: %w", msg.Name(), err)
	}
	return nil
}

func encodedSizeHint(msg proto.Message) int {
	switch m := msg.(type) {
	case *proto.SubmitReply:
		return proto.CommandHeaderSize + len(m.Data) + len(m.ISOPackets)*proto.ISODescriptorSize
	case *proto.DevListReply:
		return proto.ControlHeaderSize + 4 + len(m.Devices)*(proto.DeviceRecordSize+4*proto.InterfaceRecordSize)
	case *proto.ImportReply:
		return proto.ControlHeaderSize + proto.DeviceRecordSize
	default:
		return proto.CommandHeaderSize
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "write_error"
	}
}
