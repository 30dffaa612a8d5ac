package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"clipsync/internal/checkpoint"
	"clipsync/internal/chunkio"
	"clipsync/internal/registry"
	"clipsync/internal/session"
	"clipsync/internal/wire"
)

// RequestTransfer implements spec §4.7's request_transfer: marks the
// transfer Requesting, pulls every announced file over one connection into
// dest (or the transfer's registered DestDir if dest is empty), and
// reports completion or cancellation back to the peer.
func (e *Engine) RequestTransfer(ctx context.Context, transferID, dest string) ([]string, error) {
	info, err := e.reg.Get(transferID)
	if err != nil {
		return nil, NewTransferError(KindUnknown, transferID, "", -1, "unknown transfer").Wrap(err)
	}
	if info.IsExpired(time.Now()) {
		e.reg.Transition(transferID, registry.StatusExpired)
		return nil, NewTransferError(KindExpired, transferID, "", -1, "transfer expired").Wrap(ErrExpired)
	}
	if dest == "" {
		dest = info.DestDir
	}
	if err := e.reg.Transition(transferID, registry.StatusRequesting); err != nil {
		return nil, NewTransferError(KindUnknown, transferID, "", -1, "illegal transition").Wrap(err)
	}

	if err := e.ensureCheckpoint(transferID, 0); err != nil {
		return nil, NewTransferError(KindIO, transferID, "", -1, "checkpoint create failed").Wrap(err)
	}

	conn, err := e.dialPeer(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	e.trackConn(transferID, conn)
	defer e.untrackConn(transferID)

	transferring := false
	var paths []string

	for _, f := range info.Metadata.Files {
		if f.IsDirectory {
			continue
		}
		path, ferr := e.pullFile(conn, transferID, f, dest)
		if ferr != nil {
			if errors.Is(ferr, ErrCancelled) {
				// CancelTransfer already transitioned the registry/checkpoint
				// and notified the peer; nothing further to do here.
				return nil, ferr
			}
			e.reg.SetError(transferID, ferr.Error())
			e.reg.Transition(transferID, registry.StatusFailed)
			e.ckpt.Finish(transferID, checkpoint.StateFailed, ferr.Error())
			e.sendCancel(conn, transferID, ferr.Error())
			return nil, ferr
		}
		if !transferring {
			e.reg.Transition(transferID, registry.StatusTransferring)
			transferring = true
		}
		e.reg.AddDownloadedFile(transferID, path)
		paths = append(paths, path)
	}

	e.reg.Transition(transferID, registry.StatusCompleted)
	e.ckpt.Finish(transferID, checkpoint.StateCompleted, "")
	completeBody, _ := wire.EncodeJSON(wire.CompletePayload{TransferID: transferID})
	conn.Send(wire.TransferComplete, completeBody)
	e.adapter.FilesReceived(transferID, paths)

	return paths, nil
}

// DownloadSingleFile implements spec §4.7's download_single_file: pulls one
// announced file into a temp location and returns its raw bytes.
func (e *Engine) DownloadSingleFile(ctx context.Context, transferID string, fileIndex int) ([]byte, error) {
	info, err := e.reg.Get(transferID)
	if err != nil {
		return nil, NewTransferError(KindUnknown, transferID, "", fileIndex, "unknown transfer").Wrap(err)
	}
	if info.IsExpired(time.Now()) {
		e.reg.Transition(transferID, registry.StatusExpired)
		return nil, NewTransferError(KindExpired, transferID, "", fileIndex, "transfer expired").Wrap(ErrExpired)
	}
	if fileIndex < 0 || fileIndex >= len(info.Metadata.Files) {
		return nil, NewTransferError(KindFileNotFound, transferID, "", fileIndex, "file index out of range")
	}
	f := info.Metadata.Files[fileIndex]

	if err := e.ensureCheckpoint(transferID, fileIndex); err != nil {
		return nil, NewTransferError(KindIO, transferID, "", fileIndex, "checkpoint create failed").Wrap(err)
	}

	conn, err := e.dialPeer(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tempDir, err := os.MkdirTemp(e.cfg.TempDir, "clipsync-single-*")
	if err != nil {
		return nil, NewTransferError(KindIO, transferID, "", fileIndex, "temp dir").Wrap(err)
	}
	defer os.RemoveAll(tempDir)

	path, err := e.pullFile(conn, transferID, f, tempDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewTransferError(KindIO, transferID, "", fileIndex, "read staged file").Wrap(err)
	}
	return data, nil
}

// pullFile sends one FILE_REQUEST, resuming from the checkpoint's recorded
// offset if present, and consumes FILE_CHUNK frames into a Chunked Writer
// until the final chunk, retrying checksum failures per the checkpoint's
// retry policy. A single Writer spans every retry so bytes already
// accepted before the failed chunk are never discarded (spec §4.2: a
// mismatch rejects the chunk, it does not reset the file).
func (e *Engine) pullFile(conn *session.Conn, transferID string, f registry.FileInfo, dest string) (string, error) {
	fileDir := filepath.Join(dest, filepath.Dir(f.RelativePath))
	fileName := filepath.Base(f.RelativePath)
	if fileName == "" || fileName == "." {
		fileName = f.Name
	}

	w, err := chunkio.NewWriter(fileDir, fileName, f.Size, f.ChecksumMD5)
	if err != nil {
		return "", NewTransferError(KindIO, transferID, "", f.FileIndex, "open writer").Wrap(err)
	}

	offset := e.resumeOffset(transferID, f)

	for {
		reqBody, err := wire.EncodeJSON(wire.RequestPayload{TransferID: transferID, FileIndex: f.FileIndex, Offset: offset})
		if err != nil {
			w.Abort()
			return "", NewTransferError(KindIO, transferID, "", f.FileIndex, "encode file request").Wrap(err)
		}
		if err := conn.Send(wire.FileRequest, reqBody); err != nil {
			w.Abort()
			return "", NewTransferError(KindIO, transferID, conn.RemoteAddr().String(), f.FileIndex, "send file request").Wrap(err)
		}

		path, retryOffset, err := e.receiveFile(conn, transferID, f, w, fileName)
		if err == nil {
			return path, nil
		}
		if retryOffset < 0 {
			w.Abort()
			return "", err
		}

		ok, delay, rerr := e.ckpt.ShouldRetryChunk(transferID, err.Error())
		if rerr != nil || !ok {
			w.Abort()
			return "", NewTransferError(KindIntegrity, transferID, "", f.FileIndex, "retries exhausted").Wrap(err)
		}
		time.Sleep(delay)
		offset = retryOffset
	}
}

// receiveFile reads chunks for a single file until IsLast, writing each
// into w, which the caller keeps alive across retries. retryOffset is >= 0
// when the failure is a recoverable chunk checksum mismatch the caller
// should retry from; it is -1 for anything the caller must abort on
// (protocol errors, peer-reported errors, or a local cancel). The cancel
// signal is polled once per chunk boundary, before blocking on the next
// frame, per spec §5.
func (e *Engine) receiveFile(conn *session.Conn, transferID string, f registry.FileInfo, w *chunkio.Writer, fileName string) (string, int64, error) {
	cancel, _ := e.ckpt.CancelSignal(transferID)

	for {
		select {
		case <-cancel:
			return "", -1, NewTransferError(KindCancelled, transferID, "", f.FileIndex, "transfer cancelled").Wrap(ErrCancelled)
		default:
		}

		typ, body, err := conn.Recv()
		if err != nil {
			return "", -1, NewTransferError(KindIO, transferID, "", f.FileIndex, "recv chunk").Wrap(err)
		}
		if typ == wire.TransferError {
			return "", -1, NewTransferError(KindUnknown, transferID, "", f.FileIndex, "peer reported error")
		}
		if typ != wire.FileChunk {
			return "", -1, NewTransferError(KindProtocolError, transferID, "", f.FileIndex, "unexpected message type").Wrap(ErrProtocolError)
		}

		metaJSON, payload, err := wire.DecodeLengthPrefixedBody(body)
		if err != nil {
			return "", -1, NewTransferError(KindProtocolError, transferID, "", f.FileIndex, "malformed chunk").Wrap(err)
		}
		var meta wire.ChunkMetaPayload
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return "", -1, NewTransferError(KindProtocolError, transferID, "", f.FileIndex, "malformed chunk meta").Wrap(err)
		}

		if err := w.WriteChunk(meta.Offset, payload, meta.ChecksumMD5); err != nil {
			return "", meta.Offset, NewTransferError(KindIntegrity, transferID, "", f.FileIndex, "chunk checksum mismatch").Wrap(err)
		}
		e.ckpt.ResetRetryCount(transferID)
		e.ckpt.RecordProgress(transferID, w.BytesWritten(), meta.ChunkIndex)
		e.reg.UpdateProgress(transferID, f.FileIndex, meta.ChunkIndex, w.BytesWritten())
		e.emitProgress(transferID, w.BytesWritten(), f.Size, fileName)

		if meta.IsLast {
			path, err := w.Finalize()
			if err != nil {
				return "", -1, NewTransferError(KindIntegrity, transferID, "", f.FileIndex, "finalize failed").Wrap(err)
			}
			return path, 0, nil
		}
	}
}

// resumeOffset derives the per-file resume offset from any existing
// checkpoint. When the checkpoint's file_index matches f, its
// bytes_transferred is used as the offset within f unchanged; the sizes of
// earlier files are not subtracted, since receiveFile records the bytes
// written for the current file only. Out-of-range results clamp to 0.
func (e *Engine) resumeOffset(transferID string, f registry.FileInfo) int64 {
	cp, ok := e.ckpt.Get(transferID)
	if !ok || cp.FileIndex != f.FileIndex {
		return 0
	}
	offset := cp.BytesTransferred
	if offset < 0 || offset > f.Size {
		return 0
	}
	return offset
}

func (e *Engine) sendCancel(conn *session.Conn, transferID, reason string) {
	body, err := wire.EncodeJSON(wire.CancelPayload{TransferID: transferID, Reason: reason})
	if err != nil {
		return
	}
	conn.Send(wire.TransferCancel, body)
}
