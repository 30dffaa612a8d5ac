// Package wire implements clipsync's framed, authenticated message protocol:
// length-prefixed frames, AES-256-GCM encryption once a session key is
// established, and the JSON sub-payloads each message type carries.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType is the one-byte wire discriminator for a frame's payload.
type MessageType byte

const (
	Ping MessageType = 0x01
	Pong MessageType = 0x02

	FileTransfer MessageType = 0x10
	FileAck      MessageType = 0x11

	TextTransfer MessageType = 0x12
	TextAck      MessageType = 0x13

	FileAnnounce     MessageType = 0x14
	FileRequest      MessageType = 0x15
	FileChunk        MessageType = 0x16
	FileChunkAck     MessageType = 0x17
	TransferComplete MessageType = 0x18
	TransferCancel   MessageType = 0x19
	TransferError    MessageType = 0x1A

	AuthChallenge MessageType = 0x30
	AuthResponse  MessageType = 0x31
	AuthSuccess   MessageType = 0x32
	AuthFailure   MessageType = 0x33

	ErrorMsg MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case FileTransfer:
		return "FILE_TRANSFER"
	case FileAck:
		return "FILE_ACK"
	case TextTransfer:
		return "TEXT_TRANSFER"
	case TextAck:
		return "TEXT_ACK"
	case FileAnnounce:
		return "FILE_ANNOUNCE"
	case FileRequest:
		return "FILE_REQUEST"
	case FileChunk:
		return "FILE_CHUNK"
	case FileChunkAck:
		return "FILE_CHUNK_ACK"
	case TransferComplete:
		return "TRANSFER_COMPLETE"
	case TransferCancel:
		return "TRANSFER_CANCEL"
	case TransferError:
		return "TRANSFER_ERROR"
	case AuthChallenge:
		return "AUTH_CHALLENGE"
	case AuthResponse:
		return "AUTH_RESPONSE"
	case AuthSuccess:
		return "AUTH_SUCCESS"
	case AuthFailure:
		return "AUTH_FAILURE"
	case ErrorMsg:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// FileInfoPayload mirrors spec's FileInfo, one entry per announced file.
type FileInfoPayload struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ChecksumMD5  string `json:"checksum_md5_hex"`
	IsDirectory  bool   `json:"is_directory"`
	RelativePath string `json:"relative_path"`
	FileIndex    int    `json:"file_index"`
}

// AnnouncePayload is the FILE_ANNOUNCE message body (metadata JSON).
type AnnouncePayload struct {
	TransferID string            `json:"transfer_id"`
	Files      []FileInfoPayload `json:"files"`
	TotalSize  int64             `json:"total_size"`
	Timestamp  int64             `json:"timestamp"`
	SourceOS   string            `json:"source_os"`
	ExpiresAt  int64             `json:"expires_at"`
	ChunkSize  int64             `json:"chunk_size"`
}

// RequestPayload is the FILE_REQUEST message body.
type RequestPayload struct {
	TransferID string `json:"transfer_id"`
	FileIndex  int    `json:"file_index"`
	Offset     int64  `json:"offset"`
}

// ChunkMetaPayload precedes raw chunk bytes in a FILE_CHUNK frame.
type ChunkMetaPayload struct {
	TransferID  string `json:"transfer_id"`
	FileIndex   int    `json:"file_index"`
	ChunkIndex  int    `json:"chunk_index"`
	Offset      int64  `json:"offset"`
	Size        int    `json:"size"`
	ChecksumMD5 string `json:"checksum_md5_hex"`
	IsLast      bool   `json:"is_last"`
}

// ChunkAckPayload is the FILE_CHUNK_ACK message body.
type ChunkAckPayload struct {
	TransferID string `json:"transfer_id"`
	FileIndex  int    `json:"file_index"`
	ChunkIndex int    `json:"chunk_index"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// FileAckPayload is the FILE_ACK message body for direct bundle transfer.
type FileAckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TextAckPayload is the TEXT_ACK message body.
type TextAckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DirectFileMetaPayload precedes packed bytes in a FILE_TRANSFER frame.
type DirectFileMetaPayload struct {
	Files []FileInfoPayload `json:"files"`
}

// CompletePayload is the TRANSFER_COMPLETE message body.
type CompletePayload struct {
	TransferID string `json:"transfer_id"`
}

// CancelPayload is the TRANSFER_CANCEL message body.
type CancelPayload struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

// TransferErrorPayload is the TRANSFER_ERROR message body.
type TransferErrorPayload struct {
	TransferID string `json:"transfer_id"`
	Message    string `json:"message"`
}

// ErrorPayload is the generic ERROR message body.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AuthFailurePayload carries a human-readable reason for AUTH_FAILURE.
type AuthFailurePayload struct {
	Reason string `json:"reason"`
}

// requiredFields is the set of JSON keys DecodeJSON demands be present.
// A decode whose raw object is missing any of these is a ProtocolError,
// per spec §4.1's "missing keys => parse error" contract.
var requiredFields = map[MessageType][]string{
	FileAnnounce:     {"transfer_id", "files", "total_size", "chunk_size"},
	FileRequest:      {"transfer_id", "file_index", "offset"},
	FileChunk:        {"transfer_id", "file_index", "chunk_index", "offset", "size", "checksum_md5_hex", "is_last"},
	FileChunkAck:     {"transfer_id", "file_index", "chunk_index", "success"},
	FileAck:          {"success", "message"},
	TextAck:          {"success", "message"},
	TransferComplete: {"transfer_id"},
	TransferCancel:   {"transfer_id"},
	TransferError:    {"transfer_id", "message"},
	ErrorMsg:         {"kind", "message"},
	AuthFailure:      {"reason"},
}

// DecodeJSON unmarshals data into v and verifies every key requiredFields
// lists for typ is present in the raw object. Unknown fields are tolerated.
func DecodeJSON(typ MessageType, data []byte, v interface{}) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	for _, key := range requiredFields[typ] {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("%w: %s payload missing required field %q", ErrProtocol, typ, key)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// EncodeJSON marshals v to compact JSON.
func EncodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
