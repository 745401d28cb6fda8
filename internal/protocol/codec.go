package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Codec errors. Decode errors mark a malformed datagram; Verify errors mark
// a well-formed datagram that is not trusted.
var (
	ErrShortPacket     = errors.New("packet shorter than header")
	ErrLengthMismatch  = errors.New("declared lengths do not match datagram size")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrChunkTooLarge   = errors.New("chunk data exceeds maximum size")
	ErrBadCookie       = errors.New("cookie mismatch")
	ErrBadChecksum     = errors.New("checksum mismatch")
)

// Encode serializes a Packet into a datagram. The cookie is always written
// as the protocol Cookie; the checksum is computed over every byte after it.
func Encode(pkt *Packet) ([]byte, error) {
	if len(pkt.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(pkt.Payload))
	}
	if len(pkt.Data) > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(pkt.Data))
	}

	buf := make([]byte, HeaderSize+len(pkt.Payload)+len(pkt.Data))
	binary.BigEndian.PutUint32(buf[0:4], Cookie)
	buf[8] = byte(pkt.Flags)
	buf[9] = pkt.Index
	binary.BigEndian.PutUint16(buf[10:12], pkt.Serial)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(pkt.Data)))
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(pkt.Payload)))
	copy(buf[HeaderSize:], pkt.Payload)
	copy(buf[HeaderSize+len(pkt.Payload):], pkt.Data)

	sum := crc32.ChecksumIEEE(buf[8:])
	binary.BigEndian.PutUint32(buf[4:8], sum)

	pkt.Cookie = Cookie
	pkt.Checksum = sum
	return buf, nil
}

// Decode parses a datagram into a Packet. It only checks structure; call
// Verify to decide whether the packet can be trusted. The returned slices
// are copies and do not alias data.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortPacket, len(data), HeaderSize)
	}

	dataLen := int(binary.BigEndian.Uint16(data[12:14]))
	payloadLen := int(binary.BigEndian.Uint16(data[14:16]))
	if HeaderSize+payloadLen+dataLen != len(data) {
		return nil, fmt.Errorf("%w: header says %d+%d, datagram has %d",
			ErrLengthMismatch, payloadLen, dataLen, len(data)-HeaderSize)
	}

	pkt := &Packet{
		Cookie:   binary.BigEndian.Uint32(data[0:4]),
		Checksum: binary.BigEndian.Uint32(data[4:8]),
		Flags:    Flags(data[8]),
		Index:    data[9],
		Serial:   binary.BigEndian.Uint16(data[10:12]),
	}

	body := data[HeaderSize:]
	pkt.Payload = make([]byte, payloadLen)
	copy(pkt.Payload, body[:payloadLen])
	pkt.Data = make([]byte, dataLen)
	copy(pkt.Data, body[payloadLen:])
	return pkt, nil
}

// Verify reports whether the packet carries the protocol cookie and a
// checksum matching its contents.
func (p *Packet) Verify() error {
	if p.Cookie != Cookie {
		return fmt.Errorf("%w: got %08x", ErrBadCookie, p.Cookie)
	}
	if sum := p.sum(); sum != p.Checksum {
		return fmt.Errorf("%w: got %08x, computed %08x", ErrBadChecksum, p.Checksum, sum)
	}
	return nil
}

// sum recomputes the checksum over the header fields after the checksum,
// the payload and the data, in wire order.
func (p *Packet) sum() uint32 {
	var hdr [HeaderSize - 8]byte
	hdr[0] = byte(p.Flags)
	hdr[1] = p.Index
	binary.BigEndian.PutUint16(hdr[2:4], p.Serial)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(p.Data)))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(p.Payload)))

	sum := crc32.Update(0, crc32.IEEETable, hdr[:])
	sum = crc32.Update(sum, crc32.IEEETable, p.Payload)
	return crc32.Update(sum, crc32.IEEETable, p.Data)
}
