// Package protocol defines the chunk wire format used to carry frames over UDP.
package protocol

// Cookie marks a datagram as framecast traffic.
const Cookie uint32 = 0x16f5f7a7

// Version is the protocol version written into the flags byte.
const Version uint8 = 1

// Size constants.
const (
	// HeaderSize is the fixed header size:
	// Cookie(4) + Checksum(4) + Flags(1) + Index(1) + Serial(2) + DataLength(2) + PayloadLength(2).
	HeaderSize = 16

	MaxPayloadSize   = 32   // side-channel bytes (frame CRC or nonce)
	MaxChunkSize     = 8192 // upper bound for the per-chunk data capacity
	DefaultChunkSize = 1024 // per-chunk data capacity used when none is configured
	MaxChunks        = 256  // Index is a single byte

	// MaxDatagramSize is the largest datagram the codec will produce or accept.
	MaxDatagramSize = HeaderSize + MaxPayloadSize + MaxChunkSize
)

// Packet is one chunk of a frame as transmitted in a single datagram.
type Packet struct {
	Cookie   uint32
	Checksum uint32
	Flags    Flags
	Index    uint8
	Serial   uint16
	Payload  []byte // frame CRC on plaintext first chunks, nonce on encrypted chunks
	Data     []byte // this chunk's slice of the frame
}

// DataLength is the length of the chunk's data section.
func (p *Packet) DataLength() int { return len(p.Data) }

// PayloadLength is the length of the chunk's payload section.
func (p *Packet) PayloadLength() int { return len(p.Payload) }
