// Package syncengine implements the sync engine's public operations
// (spec §4.7): announce_files, request_transfer, download_single_file,
// send_text, send_files_direct, cancel_transfer, orchestrating the codec,
// chunked I/O, registry, checkpoint, pairing, and session layers.
package syncengine

import "fmt"

// Kind is one of spec §7's error kinds surfaced to callers.
type Kind string

const (
	KindNotPaired         Kind = "NotPaired"
	KindNoPeer            Kind = "NoPeer"
	KindAuthFailed        Kind = "AuthFailed"
	KindConnectionRefused Kind = "ConnectionRefused"
	KindTimeout           Kind = "Timeout"
	KindIO                Kind = "Io"
	KindDecryptFailed     Kind = "DecryptFailed"
	KindProtocolError     Kind = "ProtocolError"
	KindIntegrity         Kind = "Integrity"
	KindSizeLimit         Kind = "SizeLimit"
	KindExpired           Kind = "Expired"
	KindCancelled         Kind = "Cancelled"
	KindFileNotFound      Kind = "FileNotFound"
	KindUnknown           Kind = "Unknown"
)

// TransferError carries a failure kind plus transfer context, generalizing
// the teacher's p2p/errors.go TransferError{Type, Filename, PeerAddress,
// ChunkIndex, Reason} into spec's vocabulary. User-visible failures always
// carry Kind and a short Reason; raw internal error text is never
// surfaced directly (spec §7).
type TransferError struct {
	Kind        Kind
	TransferID  string
	FileIndex   int
	PeerAddress string
	Reason      string
	cause       error
}

// NewTransferError constructs a TransferError. fileIndex of -1 means "not
// applicable to a single file".
func NewTransferError(kind Kind, transferID, peerAddress string, fileIndex int, reason string) *TransferError {
	return &TransferError{Kind: kind, TransferID: transferID, FileIndex: fileIndex, PeerAddress: peerAddress, Reason: reason}
}

// Wrap attaches an underlying cause for errors.Is/As chains while keeping
// the user-facing message short, per spec §7.
func (e *TransferError) Wrap(cause error) *TransferError {
	e.cause = cause
	return e
}

func (e *TransferError) Error() string {
	if e.FileIndex >= 0 {
		return fmt.Sprintf("transfer %s error for file %d (peer %s): %s: %s",
			e.TransferID, e.FileIndex, e.PeerAddress, e.Kind, e.Reason)
	}
	return fmt.Sprintf("transfer %s error (peer %s): %s: %s", e.TransferID, e.PeerAddress, e.Kind, e.Reason)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *TransferError) Unwrap() error {
	return e.cause
}

// Is lets errors.Is(err, someKindSentinel) work by kind rather than
// pointer identity — see the Kind sentinels below.
func (e *TransferError) Is(target error) bool {
	sentinel, ok := target.(kindSentinel)
	return ok && e.Kind == sentinel.kind
}

type kindSentinel struct{ kind Kind }

func (s kindSentinel) Error() string { return string(s.kind) }

// Sentinel errors usable with errors.Is against any TransferError of the
// matching kind.
var (
	ErrNotPaired         error = kindSentinel{KindNotPaired}
	ErrNoPeer            error = kindSentinel{KindNoPeer}
	ErrAuthFailed        error = kindSentinel{KindAuthFailed}
	ErrConnectionRefused error = kindSentinel{KindConnectionRefused}
	ErrTimeout           error = kindSentinel{KindTimeout}
	ErrIO                error = kindSentinel{KindIO}
	ErrDecryptFailed     error = kindSentinel{KindDecryptFailed}
	ErrProtocolError     error = kindSentinel{KindProtocolError}
	ErrIntegrity         error = kindSentinel{KindIntegrity}
	ErrSizeLimit         error = kindSentinel{KindSizeLimit}
	ErrExpired           error = kindSentinel{KindExpired}
	ErrCancelled         error = kindSentinel{KindCancelled}
	ErrFileNotFound      error = kindSentinel{KindFileNotFound}
	ErrUnknown           error = kindSentinel{KindUnknown}
)
