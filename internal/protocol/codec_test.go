package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations across positions, flags and sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "first chunk with frame CRC",
			pkt: &Packet{
				Flags:   NewFlags(PositionFirst, false, false),
				Index:   0,
				Serial:  42,
				Payload: []byte{0xde, 0xad, 0xbe, 0xef},
				Data:    []byte("hello world"),
			},
		},
		{
			name: "normal chunk without payload",
			pkt: &Packet{
				Flags:  NewFlags(PositionNormal, false, false),
				Index:  7,
				Serial: 65535,
				Data:   bytes.Repeat([]byte{0x5a}, DefaultChunkSize),
			},
		},
		{
			name: "last chunk with FEC bit",
			pkt: &Packet{
				Flags:  NewFlags(PositionLast, true, false),
				Index:  255,
				Serial: 0,
				Data:   []byte{1},
			},
		},
		{
			name: "maximum sizes",
			pkt: &Packet{
				Flags:   NewFlags(PositionOnly, false, true),
				Index:   1,
				Serial:  1234,
				Payload: make([]byte, MaxPayloadSize),
				Data:    make([]byte, MaxChunkSize),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if want := HeaderSize + len(tc.pkt.Payload) + len(tc.pkt.Data); len(encoded) != want {
				t.Fatalf("encoded size: got %d, want %d", len(encoded), want)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if err := decoded.Verify(); err != nil {
				t.Fatalf("Verify failed: %v", err)
			}

			if decoded.Flags != tc.pkt.Flags {
				t.Errorf("Flags mismatch: got %s, want %s", decoded.Flags, tc.pkt.Flags)
			}
			if decoded.Index != tc.pkt.Index {
				t.Errorf("Index mismatch: got %d, want %d", decoded.Index, tc.pkt.Index)
			}
			if decoded.Serial != tc.pkt.Serial {
				t.Errorf("Serial mismatch: got %d, want %d", decoded.Serial, tc.pkt.Serial)
			}
			if !bytes.Equal(decoded.Payload, tc.pkt.Payload) {
				t.Errorf("Payload mismatch: got %v, want %v", decoded.Payload, tc.pkt.Payload)
			}
			if !bytes.Equal(decoded.Data, tc.pkt.Data) {
				t.Errorf("Data mismatch (%d vs %d bytes)", len(decoded.Data), len(tc.pkt.Data))
			}
		})
	}
}

// TestDecodeMalformed verifies that structurally broken datagrams are
// rejected before any validation happens.
func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(&Packet{Flags: NewFlags(PositionOnly, false, false), Data: []byte("abc")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrShortPacket},
		{"one byte short of header", make([]byte, HeaderSize-1), ErrShortPacket},
		{"truncated body", valid[:len(valid)-1], ErrLengthMismatch},
		{"trailing garbage", append(append([]byte{}, valid...), 0x00), ErrLengthMismatch},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// TestVerifyDetectsBitFlips flips every bit of the data section in turn and
// expects the checksum check to fail each time.
func TestVerifyDetectsBitFlips(t *testing.T) {
	pkt := &Packet{
		Flags:  NewFlags(PositionNormal, false, false),
		Index:  3,
		Serial: 99,
		Data:   []byte("integrity matters"),
	}
	encoded, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for i := HeaderSize; i < len(encoded); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte{}, encoded...)
			corrupted[i] ^= 1 << bit

			decoded, err := Decode(corrupted)
			if err != nil {
				t.Fatalf("Decode failed at byte %d bit %d: %v", i, bit, err)
			}
			if err := decoded.Verify(); !errors.Is(err, ErrBadChecksum) {
				t.Fatalf("byte %d bit %d: got %v, want ErrBadChecksum", i, bit, err)
			}
		}
	}
}

// TestVerifyRejectsForeignCookie checks that an otherwise well-formed
// datagram with the wrong magic value is not trusted.
func TestVerifyRejectsForeignCookie(t *testing.T) {
	encoded, err := Encode(&Packet{Flags: NewFlags(PositionOnly, false, false), Data: []byte("x")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	encoded[0] ^= 0xff

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if err := decoded.Verify(); !errors.Is(err, ErrBadCookie) {
		t.Fatalf("got %v, want ErrBadCookie", err)
	}
}

// TestEncodeRejectsOversize verifies the capacity limits.
func TestEncodeRejectsOversize(t *testing.T) {
	if _, err := Encode(&Packet{Payload: make([]byte, MaxPayloadSize+1)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("payload: got %v", err)
	}
	if _, err := Encode(&Packet{Data: make([]byte, MaxChunkSize+1)}); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("data: got %v", err)
	}
}

// TestDecodePreservesPayload verifies that decoded slices are copies.
func TestDecodePreservesPayload(t *testing.T) {
	encoded, err := Encode(&Packet{Data: []byte("original")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Data, []byte("original")) {
		t.Errorf("Data was incorrectly aliased: got %v", decoded.Data)
	}
}

func TestFlagsLayout(t *testing.T) {
	f := NewFlags(PositionLast, true, true)
	if f.Version() != Version {
		t.Errorf("Version: got %d, want %d", f.Version(), Version)
	}
	if f.Position() != PositionLast || !f.Last() || f.First() {
		t.Errorf("Position: got %s", f.Position())
	}
	if !f.FEC() || !f.Encrypted() {
		t.Errorf("bits not set: %s", f)
	}
	if uint8(f) != 0x1b {
		t.Errorf("raw flags: got %#x, want 0x1b", uint8(f))
	}

	only := NewFlags(PositionOnly, false, false)
	if !only.First() || !only.Last() {
		t.Errorf("ONLY must be first and last: %s", only)
	}
}
