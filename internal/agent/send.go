package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/protocol"
)

// SendData chunks frame into one serial and writes the chunks to the remote
// address in index order, sleeping PacketDelay between consecutive chunks.
// The serial advances once the whole frame is out. Cancelling ctx aborts
// the frame between chunks; the serial is still consumed so the receiver
// never sees two different frames under one serial.
func (a *Agent) SendData(ctx context.Context, frame []byte) error {
	if a.remote == nil {
		return ErrNoRemote
	}
	if err := a.activate(); err != nil {
		return err
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	serial := a.serial
	a.serial++

	packets, err := protocol.Segment(protocol.NewData(frame), serial, protocol.SegmentOptions{
		ChunkSize: a.cfg.ChunkSize,
		FEC:       a.cfg.FEC,
		Key:       a.cfg.Key,
	})
	if err != nil {
		return fmt.Errorf("segment frame %d: %w", serial, err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i, pkt := range packets {
		if i > 0 && a.cfg.PacketDelay > 0 {
			if timer == nil {
				timer = time.NewTimer(a.cfg.PacketDelay)
			} else {
				timer.Reset(a.cfg.PacketDelay)
			}
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			case <-a.done:
				return ErrStopped
			}
		}

		buf, err := protocol.Encode(pkt)
		if err != nil {
			return fmt.Errorf("encode chunk %d of frame %d: %w", pkt.Index, serial, err)
		}
		if _, err := a.conn.WriteTo(buf, a.remote); err != nil {
			if a.State() == StateStopped {
				return ErrStopped
			}
			return fmt.Errorf("write chunk %d of frame %d: %w", pkt.Index, serial, err)
		}
		a.stats.PacketSent(len(buf))
	}

	a.stats.FrameSent()
	a.log.Debug("frame sent", zap.Uint16("serial", serial), zap.Int("chunks", len(packets)), zap.Int("bytes", len(frame)))
	return nil
}

// Serial is the serial the next SendData will use.
func (a *Agent) Serial() uint16 {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.serial
}
