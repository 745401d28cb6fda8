package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame    = errors.New("frame is empty")
	ErrFrameTooLarge = errors.New("frame needs more than 256 chunks")
	ErrBadChunkSize  = errors.New("chunk size out of range")
)

// SegmentOptions controls how a frame is cut into chunks.
type SegmentOptions struct {
	ChunkSize int    // per-chunk data capacity; DefaultChunkSize when zero
	FEC       bool   // set the (reserved) FEC bit on every chunk
	Key       []byte // encrypt every chunk under its own nonce when non-nil
}

// Segment cuts a frame into the chunks of one serial, in index order.
//
// Chunk 0 is FIRST, the chunk taking the final bytes is LAST, the others
// NORMAL; a frame that fits in one chunk is a single ONLY chunk. Plaintext
// first chunks carry the frame CRC in their payload; encrypted chunks carry
// their nonce instead.
func Segment(data *Data, serial uint16, opts SegmentOptions) ([]*Packet, error) {
	size := opts.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	if size < 1 || size > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d", ErrBadChunkSize, size)
	}
	if data.Len() == 0 {
		return nil, ErrEmptyFrame
	}
	if n := data.Chunks(size); n > MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes at %d per chunk", ErrFrameTooLarge, data.Len(), size)
	}

	var packets []*Packet
	for index := 0; !data.EOF(); index++ {
		chunk, last := data.Next(size)

		pos := PositionNormal
		switch {
		case index == 0 && last:
			pos = PositionOnly
		case index == 0:
			pos = PositionFirst
		case last:
			pos = PositionLast
		}

		pkt := &Packet{
			Flags:  NewFlags(pos, opts.FEC, false),
			Index:  uint8(index),
			Serial: serial,
			Data:   chunk,
		}

		if opts.Key != nil {
			if err := EncryptChunk(pkt, opts.Key); err != nil {
				return nil, err
			}
		} else if index == 0 {
			pkt.Payload = data.CRCBytes()
		}

		packets = append(packets, pkt)
	}
	return packets, nil
}
