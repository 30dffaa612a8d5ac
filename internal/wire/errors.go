package wire

import "errors"

// Sentinel errors for the framing/AEAD layer. Session and syncengine wrap
// these with context the way the teacher's p2p/errors.go wraps its own
// sentinels in TransferError.
var (
	ErrFrameTooLarge   = errors.New("wire: frame exceeds maximum size")
	ErrBufferOverflow  = errors.New("wire: receive buffer exceeded maximum size without a complete frame")
	ErrDecryptFailed   = errors.New("wire: AEAD decryption failed")
	ErrProtocol        = errors.New("wire: protocol error")
	ErrShortCiphertext = errors.New("wire: encrypted payload shorter than nonce")
)
