package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// KeySize and NonceSize of the chunk stream cipher (ChaCha20, RFC 8439).
const (
	KeySize   = chacha20.KeySize
	NonceSize = chacha20.NonceSize
)

var (
	ErrBadKey   = errors.New("invalid key size")
	ErrBadNonce = errors.New("invalid nonce size")
)

// KeyFromPassword hashes a password into a fixed-length stream cipher key.
func KeyFromPassword(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// NewNonce returns a fresh random nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Seal XORs src with the keystream for key and nonce into dst.
// dst and src may overlap entirely, which makes Seal its own inverse.
func Seal(dst, src, key, nonce []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: %d bytes", ErrBadKey, len(key))
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("%w: %d bytes", ErrBadNonce, len(nonce))
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return err
	}
	c.XORKeyStream(dst, src)
	return nil
}

// EncryptChunk replaces pkt.Data with its ciphertext under a fresh nonce,
// stores the nonce in pkt.Payload and sets the encryption flag.
func EncryptChunk(pkt *Packet, key []byte) error {
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	out := make([]byte, len(pkt.Data))
	if err := Seal(out, pkt.Data, key, nonce); err != nil {
		return err
	}
	pkt.Data = out
	pkt.Payload = nonce
	pkt.Flags |= flagEncrypted
	return nil
}

// DecryptChunk decrypts pkt.Data in place using the nonce in pkt.Payload.
func DecryptChunk(pkt *Packet, key []byte) error {
	return Seal(pkt.Data, pkt.Data, key, pkt.Payload)
}
