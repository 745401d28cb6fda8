package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// TestEncryptedChunksDecryptIndependently decrypts the chunks of one frame in
// reverse order, each with its own embedded nonce, after a trip through the codec.
func TestEncryptedChunksDecryptIndependently(t *testing.T) {
	key := KeyFromPassword("123456")
	frame := randomFrame(4000)

	packets, err := Segment(NewData(frame), 11, SegmentOptions{ChunkSize: 512, Key: key})
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}

	nonces := map[string]bool{}
	decrypted := make([][]byte, len(packets))
	for i := len(packets) - 1; i >= 0; i-- {
		p := packets[i]
		if !p.Flags.Encrypted() {
			t.Fatalf("chunk %d not flagged encrypted", i)
		}
		if len(p.Payload) != NonceSize {
			t.Fatalf("chunk %d payload is %d bytes, want nonce", i, len(p.Payload))
		}
		if nonces[string(p.Payload)] {
			t.Fatalf("chunk %d reuses a nonce", i)
		}
		nonces[string(p.Payload)] = true

		wire, err := Encode(p)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := Decode(wire)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if err := got.Verify(); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if err := DecryptChunk(got, key); err != nil {
			t.Fatalf("DecryptChunk failed: %v", err)
		}
		decrypted[got.Index] = got.Data
	}

	if !bytes.Equal(bytes.Join(decrypted, nil), frame) {
		t.Error("decrypted frame differs from original")
	}
}

func TestCiphertextDiffersFromPlaintext(t *testing.T) {
	key := KeyFromPassword("secret")
	plain := bytes.Repeat([]byte("A"), 256)
	pkt := &Packet{Data: append([]byte{}, plain...)}

	if err := EncryptChunk(pkt, key); err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}
	if bytes.Equal(pkt.Data, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	wrong := &Packet{Data: append([]byte{}, pkt.Data...), Payload: pkt.Payload}
	if err := DecryptChunk(wrong, KeyFromPassword("other")); err != nil {
		t.Fatalf("DecryptChunk failed: %v", err)
	}
	if bytes.Equal(wrong.Data, plain) {
		t.Error("wrong key recovered the plaintext")
	}
}

func TestSealRejectsBadParameters(t *testing.T) {
	buf := []byte("x")
	if err := Seal(buf, buf, make([]byte, 5), make([]byte, NonceSize)); !errors.Is(err, ErrBadKey) {
		t.Errorf("short key: got %v", err)
	}
	if err := Seal(buf, buf, make([]byte, KeySize), make([]byte, 3)); !errors.Is(err, ErrBadNonce) {
		t.Errorf("short nonce: got %v", err)
	}
}

func TestKeyFromPasswordIsStable(t *testing.T) {
	a, b := KeyFromPassword("pw"), KeyFromPassword("pw")
	if len(a) != KeySize || !bytes.Equal(a, b) {
		t.Errorf("key not stable or wrong size: %x %x", a, b)
	}
}
