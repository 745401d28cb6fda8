package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// Data is one application-level frame (an encoded image).
//
// On the send side it is built from a complete frame and consumed with Next,
// which advances a cursor until EOF. On the receive side it starts empty and
// grows with Append while chunks are assembled.
type Data struct {
	buf    []byte
	cursor int
	eof    bool
	crc    uint32
}

// NewData wraps a complete frame. The frame CRC is computed once here.
func NewData(frame []byte) *Data {
	return &Data{
		buf: frame,
		crc: crc32.ChecksumIEEE(frame),
		eof: len(frame) == 0,
	}
}

// NewEmptyData creates a Data ready to accumulate chunks.
func NewEmptyData(capacity int) *Data {
	return &Data{buf: make([]byte, 0, capacity)}
}

// Next returns the next chunk of at most size bytes and whether it is the
// final one. The returned slice aliases the frame. Calling Next after EOF
// returns nil, true.
func (d *Data) Next(size int) ([]byte, bool) {
	if d.eof {
		return nil, true
	}
	remaining := len(d.buf) - d.cursor
	if remaining <= size {
		chunk := d.buf[d.cursor:]
		d.cursor = len(d.buf)
		d.eof = true
		return chunk, true
	}
	chunk := d.buf[d.cursor : d.cursor+size]
	d.cursor += size
	return chunk, false
}

// Append adds a chunk to the end of the frame and refreshes the CRC.
func (d *Data) Append(chunk []byte) {
	d.buf = append(d.buf, chunk...)
	d.crc = crc32.Update(d.crc, crc32.IEEETable, chunk)
}

// EOF reports whether every byte has been handed out by Next.
func (d *Data) EOF() bool { return d.eof }

// Remaining is the number of bytes Next has not yet returned.
func (d *Data) Remaining() int { return len(d.buf) - d.cursor }

// Len is the total frame length.
func (d *Data) Len() int { return len(d.buf) }

// Bytes returns the frame bytes.
func (d *Data) Bytes() []byte { return d.buf }

// CRC is the CRC32 (IEEE) of the frame.
func (d *Data) CRC() uint32 { return d.crc }

// CRCBytes is the frame CRC in wire byte order, as carried in a first chunk's payload.
func (d *Data) CRCBytes() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, d.crc)
	return b
}

// Chunks returns how many chunks of the given capacity the frame needs.
func (d *Data) Chunks(size int) int {
	if len(d.buf) == 0 {
		return 0
	}
	return (len(d.buf) + size - 1) / size
}
