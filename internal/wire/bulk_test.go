package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextBodyRoundTrip(t *testing.T) {
	body := EncodeTextBody("hello world")
	text, err := DecodeTextBody(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestDecodeTextBodyRejectsLengthMismatch(t *testing.T) {
	body := EncodeTextBody("hello")
	body[3] = 99 // corrupt declared length
	_, err := DecodeTextBody(body)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLengthPrefixedBodyRoundTrip(t *testing.T) {
	meta := []byte(`{"a":1}`)
	payload := []byte("file bytes here")
	body := EncodeLengthPrefixedBody(meta, payload)

	gotMeta, gotPayload, err := DecodeLengthPrefixedBody(body)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, payload, gotPayload)
}

func TestDecodeLengthPrefixedBodyRejectsOversizeDeclaredMeta(t *testing.T) {
	body := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := DecodeLengthPrefixedBody(body)
	assert.ErrorIs(t, err, ErrProtocol)
}
