// Package reassembly collects the chunks of each in-flight frame and decides
// which complete frame, if any, should be handed to the consumer.
package reassembly

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/1ureka/framecast/internal/protocol"
)

// ErrFrameChecksum means the assembled frame does not match the CRC carried
// by its first chunk.
var ErrFrameChecksum = errors.New("frame checksum mismatch")

// PacketList holds the chunks received so far for one frame serial.
// It is not safe for concurrent use; Table serializes access.
type PacketList struct {
	serial  uint16
	created time.Time
	chunks  map[uint8]*protocol.Packet
	total   int // 0 until the LAST chunk arrives
}

// NewPacketList creates a list for pkt's serial, seeded with pkt.
func NewPacketList(pkt *protocol.Packet, now time.Time) *PacketList {
	l := &PacketList{
		serial:  pkt.Serial,
		created: now,
		chunks:  make(map[uint8]*protocol.Packet),
	}
	l.Add(pkt)
	return l
}

// Add stores a chunk by index; a later chunk with the same index replaces
// the earlier one. A LAST chunk fixes the total count, after which chunks
// beyond it are refused. Add reports whether the chunk was stored.
func (l *PacketList) Add(pkt *protocol.Packet) bool {
	if l.total > 0 && int(pkt.Index) >= l.total {
		return false
	}
	l.chunks[pkt.Index] = pkt

	if pkt.Flags.Last() {
		l.total = int(pkt.Index) + 1
		for idx := range l.chunks {
			if int(idx) >= l.total {
				delete(l.chunks, idx)
			}
		}
	}
	return true
}

// Complete reports whether every chunk up to the LAST one has arrived.
// It is always false before the LAST chunk has been seen.
func (l *PacketList) Complete() bool {
	return l.total > 0 && len(l.chunks) == l.total
}

// Serial is the frame serial this list collects.
func (l *PacketList) Serial() uint16 { return l.serial }

// Len is the number of distinct chunks held.
func (l *PacketList) Len() int { return len(l.chunks) }

// Total is the expected chunk count, or 0 while unknown.
func (l *PacketList) Total() int { return l.total }

// Created is when the first chunk of this serial arrived.
func (l *PacketList) Created() time.Time { return l.created }

// Expired reports whether the list is older than timeout at now.
func (l *PacketList) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.created) > timeout
}

// Assemble concatenates the chunks by ascending index. When the first chunk
// is plaintext and carries a frame CRC, the result is checked against it.
func (l *PacketList) Assemble() (*protocol.Data, error) {
	indices := make([]int, 0, len(l.chunks))
	size := 0
	for idx, pkt := range l.chunks {
		indices = append(indices, int(idx))
		size += len(pkt.Data)
	}
	sort.Ints(indices)

	data := protocol.NewEmptyData(size)
	for _, idx := range indices {
		data.Append(l.chunks[uint8(idx)].Data)
	}

	if first, ok := l.chunks[0]; ok && !first.Flags.Encrypted() && len(first.Payload) == 4 {
		if want := binary.BigEndian.Uint32(first.Payload); want != data.CRC() {
			return nil, fmt.Errorf("%w: serial %d, got %08x, want %08x", ErrFrameChecksum, l.serial, data.CRC(), want)
		}
	}
	return data, nil
}
