package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeTextBody builds TEXT_TRANSFER's body: <4-byte text-len><UTF-8 bytes>.
func EncodeTextBody(text string) []byte {
	out := make([]byte, 4+len(text))
	binary.BigEndian.PutUint32(out[:4], uint32(len(text)))
	copy(out[4:], text)
	return out
}

// DecodeTextBody parses a TEXT_TRANSFER body.
func DecodeTextBody(body []byte) (string, error) {
	if len(body) < 4 {
		return "", fmt.Errorf("%w: text body too short", ErrProtocol)
	}
	n := binary.BigEndian.Uint32(body[:4])
	if int(n) != len(body)-4 {
		return "", fmt.Errorf("%w: text length mismatch", ErrProtocol)
	}
	return string(body[4 : 4+n]), nil
}

// EncodeLengthPrefixedBody builds the common
// <4-byte meta-len><meta JSON><payload> shape shared by FILE_TRANSFER and
// FILE_CHUNK.
func EncodeLengthPrefixedBody(metaJSON, payload []byte) []byte {
	out := make([]byte, 4+len(metaJSON)+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(metaJSON)))
	copy(out[4:], metaJSON)
	copy(out[4+len(metaJSON):], payload)
	return out
}

// DecodeLengthPrefixedBody splits a <4-byte meta-len><meta JSON><payload>
// body back into its meta JSON and payload parts.
func DecodeLengthPrefixedBody(body []byte) (metaJSON, payload []byte, err error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("%w: body too short for length prefix", ErrProtocol)
	}
	n := binary.BigEndian.Uint32(body[:4])
	if int(n) > len(body)-4 {
		return nil, nil, fmt.Errorf("%w: declared meta length exceeds body", ErrProtocol)
	}
	metaJSON = body[4 : 4+n]
	payload = body[4+n:]
	return metaJSON, payload, nil
}
