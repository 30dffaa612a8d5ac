package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length prefixed to every ciphertext.
	NonceSize = 12
)

// Session wraps a single AES-256-GCM key and seals/opens whole frame
// payloads. Associated data is always empty, matching spec §4.1.
//
// Grounded on takuphilchan-offgrid-llm's internal/p2p/secure_transfer.go
// EncryptFile/DecryptFile (fresh random nonce per chunk, nonce prefixed to
// ciphertext, GCM tag appended by the cipher) generalized from a whole-file
// stream cipher to a per-frame AEAD session.
type Session struct {
	aead cipher.AEAD
}

// NewSession constructs an AEAD session from a 32-byte shared key.
func NewSession(key []byte) (*Session, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("wire: AEAD key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return &Session{aead: gcm}, nil
}

// Seal encrypts a message-type+body pair into `nonce||ciphertext||tag`.
func (s *Session) Seal(typ MessageType, body []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("wire: generating nonce: %w", err)
	}
	plaintext := make([]byte, 1+len(body))
	plaintext[0] = byte(typ)
	copy(plaintext[1:], body)

	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, NonceSize+len(sealed))
	copy(out, nonce)
	copy(out[NonceSize:], sealed)
	return out, nil
}

// Open decrypts `nonce||ciphertext||tag` back into a message type and body.
func (s *Session) Open(encrypted []byte) (MessageType, []byte, error) {
	if len(encrypted) < NonceSize {
		return 0, nil, ErrShortCiphertext
	}
	nonce, sealed := encrypted[:NonceSize], encrypted[NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return 0, nil, ErrDecryptFailed
	}
	if len(plaintext) < 1 {
		return 0, nil, fmt.Errorf("%w: empty plaintext", ErrProtocol)
	}
	return MessageType(plaintext[0]), plaintext[1:], nil
}

// EncodeSealedFrame seals typ+body under s and wraps it in a complete frame.
func (s *Session) EncodeSealedFrame(typ MessageType, body []byte) ([]byte, error) {
	sealed, err := s.Seal(typ, body)
	if err != nil {
		return nil, err
	}
	return EncodeEncrypted(sealed)
}

// GenerateKey returns a fresh random 32-byte AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
