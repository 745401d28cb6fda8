package agent

import (
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/1ureka/framecast/internal/protocol"
	"github.com/1ureka/framecast/internal/reassembly"
)

// StartReceive launches the receive loop on the data socket. The loop ends
// when the socket is closed, normally through Stop.
func (a *Agent) StartReceive() error {
	if err := a.activate(); err != nil {
		return err
	}
	go a.receiveLoop()
	return nil
}

func (a *Agent) receiveLoop() {
	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, from, err := a.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || a.State() == StateStopped {
				return
			}
			a.log.Warn("read failed", zap.Error(err))
			continue
		}
		if !a.Receive(buf[:n]) {
			a.log.Debug("dropped datagram", zap.Stringer("from", from), zap.Int("bytes", n))
		}
	}
}

// Receive runs one datagram through validation, decryption and reassembly,
// then evicts expired partial frames. Every failure is absorbed into the
// analytics; Receive reports whether the chunk was stored.
func (a *Agent) Receive(raw []byte) bool {
	now := a.now()
	defer func() { a.stats.Evicted(a.table.Evict(now)) }()

	a.stats.PacketReceived(len(raw))

	pkt, err := protocol.Decode(raw)
	if err != nil {
		a.stats.InvalidPacket()
		return false
	}
	if err := pkt.Verify(); err != nil {
		a.stats.CRCError()
		return false
	}
	if pkt.Flags.Encrypted() {
		if a.cfg.Key == nil {
			a.stats.InvalidPacket()
			return false
		}
		if err := protocol.DecryptChunk(pkt, a.cfg.Key); err != nil {
			a.stats.InvalidPacket()
			return false
		}
	}

	switch a.table.Insert(pkt, now) {
	case reassembly.Completed:
		a.stats.FrameReceived()
	case reassembly.Stale:
		a.stats.StalePacket()
		return false
	case reassembly.Refused:
		a.stats.InvalidPacket()
		return false
	}
	return true
}

// Latest returns the newest complete frame not yet delivered, or ErrNoFrame.
// A frame that completes after a newer one was delivered is never returned.
func (a *Agent) Latest() (Frame, error) {
	f, err := a.table.Latest()
	switch {
	case err == nil:
		a.stats.GoodFrame()
	case errors.Is(err, reassembly.ErrFrameChecksum):
		a.stats.FrameError()
		a.log.Debug("frame dropped", zap.Error(err))
	}
	return f, err
}

// Pending is the number of frames in reassembly.
func (a *Agent) Pending() int { return a.table.Len() }
