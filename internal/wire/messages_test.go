package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONRoundTrip(t *testing.T) {
	orig := AnnouncePayload{
		TransferID: "t-1",
		Files:      []FileInfoPayload{{Name: "a.txt", Size: 10, FileIndex: 0}},
		TotalSize:  10,
		ChunkSize:  1024,
	}
	data, err := EncodeJSON(orig)
	require.NoError(t, err)

	var decoded AnnouncePayload
	require.NoError(t, DecodeJSON(FileAnnounce, data, &decoded))
	assert.Equal(t, orig.TransferID, decoded.TransferID)
	assert.Equal(t, orig.TotalSize, decoded.TotalSize)
}

func TestDecodeJSONMissingRequiredField(t *testing.T) {
	// chunk_size is required for FILE_ANNOUNCE but omitted here.
	data := []byte(`{"transfer_id":"t-1","files":[],"total_size":0}`)
	err := DecodeJSON(FileAnnounce, data, &AnnouncePayload{})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeJSONToleratesUnknownFields(t *testing.T) {
	data := []byte(`{"transfer_id":"t-1","file_index":0,"offset":0,"unexpected_field":"ignored"}`)
	var req RequestPayload
	require.NoError(t, DecodeJSON(FileRequest, data, &req))
	assert.Equal(t, "t-1", req.TransferID)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "PING", Ping.String())
	assert.Equal(t, "FILE_CHUNK", FileChunk.String())
}
