package syncengine

import (
	"encoding/json"
	"io"
	"path/filepath"

	"clipsync/internal/chunkio"
	"clipsync/internal/registry"
	"clipsync/internal/session"
	"clipsync/internal/wire"
)

// receiverHandler implements session.Handler, dispatching every inbound
// frame per spec §4.6's receiver-side table: PING/PONG, TEXT_TRANSFER and
// FILE_TRANSFER unpacked and acked, FILE_ANNOUNCE registered as Pending,
// FILE_REQUEST served by streaming chunks straight off disk, and the
// terminal TRANSFER_* messages folded back into the registry.
type receiverHandler struct {
	engine *Engine
}

func (h *receiverHandler) HandlePing(c *session.Conn) error {
	return c.Send(wire.Pong, nil)
}

func (h *receiverHandler) HandleTextTransfer(c *session.Conn, body []byte) error {
	text, err := wire.DecodeTextBody(body)
	if err != nil {
		return h.ackText(c, false, "malformed text body")
	}
	h.engine.adapter.TextReceived(text)
	return h.ackText(c, true, "")
}

func (h *receiverHandler) ackText(c *session.Conn, success bool, message string) error {
	ackBody, err := wire.EncodeJSON(wire.TextAckPayload{Success: success, Message: message})
	if err != nil {
		return err
	}
	return c.Send(wire.TextAck, ackBody)
}

// HandleFileTransfer unpacks a FILE_TRANSFER direct bundle (spec's
// send_files_direct counterpart): the shared files meta describes each
// file's name/size/checksum in order, and the payload is every file's
// bytes concatenated back to back in the same order.
func (h *receiverHandler) HandleFileTransfer(c *session.Conn, body []byte) error {
	metaJSON, payload, err := wire.DecodeLengthPrefixedBody(body)
	if err != nil {
		return h.ackFile(c, false, "malformed file transfer body")
	}
	var meta wire.DirectFileMetaPayload
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return h.ackFile(c, false, "malformed file meta")
	}

	destDir := filepath.Join(h.engine.cfg.ConfigDir, "downloads")
	var paths []string
	offset := 0
	for _, f := range meta.Files {
		if f.IsDirectory {
			continue
		}
		if offset+int(f.Size) > len(payload) {
			return h.ackFile(c, false, "payload shorter than declared sizes")
		}
		data := payload[offset : offset+int(f.Size)]
		offset += int(f.Size)

		w, err := chunkio.NewWriter(destDir, filepath.Base(f.RelativePath), f.Size, f.ChecksumMD5)
		if err != nil {
			return h.ackFile(c, false, "could not stage file")
		}
		if err := w.WriteChunk(0, data, f.ChecksumMD5); err != nil {
			w.Abort()
			return h.ackFile(c, false, "checksum mismatch for "+f.Name)
		}
		finalPath, err := w.Finalize()
		if err != nil {
			return h.ackFile(c, false, "finalize failed for "+f.Name)
		}
		paths = append(paths, finalPath)
	}

	h.engine.adapter.FilesReceived("", paths)
	return h.ackFile(c, true, "")
}

func (h *receiverHandler) ackFile(c *session.Conn, success bool, message string) error {
	ackBody, err := wire.EncodeJSON(wire.FileAckPayload{Success: success, Message: message})
	if err != nil {
		return err
	}
	return c.Send(wire.FileAck, ackBody)
}

// HandleFileAnnounce registers the incoming batch as Pending and notifies
// the clipboard adapter; the actual destination directory is chosen later,
// when request_transfer is invoked.
func (h *receiverHandler) HandleFileAnnounce(c *session.Conn, body []byte) error {
	var payload wire.AnnouncePayload
	if err := wire.DecodeJSON(wire.FileAnnounce, body, &payload); err != nil {
		h.engine.log.WithError(err).Warn("dropped malformed FILE_ANNOUNCE")
		return nil
	}

	files := make([]registry.FileInfo, len(payload.Files))
	names := make([]string, len(payload.Files))
	for i, f := range payload.Files {
		files[i] = registry.FileInfo{
			Name:         f.Name,
			Size:         f.Size,
			ChecksumMD5:  f.ChecksumMD5,
			IsDirectory:  f.IsDirectory,
			RelativePath: f.RelativePath,
			FileIndex:    f.FileIndex,
		}
		names[i] = f.Name
	}

	meta := registry.Metadata{
		Files:     files,
		TotalSize: payload.TotalSize,
		Timestamp: payload.Timestamp,
		SourceOS:  payload.SourceOS,
		ExpiresAt: payload.ExpiresAt,
		ChunkSize: payload.ChunkSize,
	}
	defaultDest := filepath.Join(h.engine.cfg.ConfigDir, "downloads")
	h.engine.reg.RegisterPending(payload.TransferID, meta, defaultDest)
	h.engine.adapter.FilesAnnounced(payload.TransferID, names, payload.TotalSize)
	return nil
}

// HandleFileRequest streams every chunk of the requested file straight off
// disk, per spec's Chunked Reader component. The sender never waits for
// FILE_CHUNK_ACK frames; TCP's own window is the hard limit. clipsync's
// requester (receiveFile) does not send FILE_CHUNK_ACK, and any that a
// peer does send are dropped by HandleFileChunkAck without logging.
func (h *receiverHandler) HandleFileRequest(c *session.Conn, body []byte) error {
	var req wire.RequestPayload
	if err := wire.DecodeJSON(wire.FileRequest, body, &req); err != nil {
		h.engine.log.WithError(err).Warn("dropped malformed FILE_REQUEST")
		return nil
	}

	info, err := h.engine.reg.Get(req.TransferID)
	if err != nil {
		return h.sendTransferError(c, req.TransferID, "unknown transfer")
	}
	path, ok := info.SourcePaths[req.FileIndex]
	if !ok {
		return h.sendTransferError(c, req.TransferID, "unknown file index")
	}

	chunkSize := info.Metadata.ChunkSize
	if chunkSize <= 0 {
		chunkSize = chunkio.DefaultChunkSize
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	r, err := chunkio.OpenReader(path, chunkSize, offset)
	if err != nil {
		return h.sendTransferError(c, req.TransferID, "could not open file")
	}
	defer r.Close()

	var fileName string
	if req.FileIndex < len(info.Metadata.Files) {
		fileName = info.Metadata.Files[req.FileIndex].Name
	}

	if err := h.engine.ensureCheckpoint(req.TransferID, req.FileIndex); err != nil {
		return h.sendTransferError(c, req.TransferID, "checkpoint create failed")
	}
	cancel, _ := h.engine.ckpt.CancelSignal(req.TransferID)

	for {
		select {
		case <-cancel:
			h.engine.log.WithField("transfer_id", req.TransferID).Debug("FILE_REQUEST stream stopped: transfer cancelled")
			return nil
		default:
		}

		chunk, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return h.sendTransferError(c, req.TransferID, "read error")
		}

		metaBody, err := wire.EncodeJSON(wire.ChunkMetaPayload{
			TransferID:  req.TransferID,
			FileIndex:   req.FileIndex,
			ChunkIndex:  chunk.Index,
			Offset:      chunk.Offset,
			Size:        len(chunk.Data),
			ChecksumMD5: chunk.ChecksumMD5,
			IsLast:      chunk.IsLast,
		})
		if err != nil {
			return err
		}
		if err := c.Send(wire.FileChunk, wire.EncodeLengthPrefixedBody(metaBody, chunk.Data)); err != nil {
			return err
		}

		h.engine.emitProgress(req.TransferID, chunk.Offset+int64(len(chunk.Data)), info.Metadata.TotalSize, fileName)

		if chunk.IsLast {
			return nil
		}
	}
}

func (h *receiverHandler) sendTransferError(c *session.Conn, transferID, message string) error {
	h.engine.log.WithField("transfer_id", transferID).Warn("FILE_REQUEST rejected: " + message)
	body, err := wire.EncodeJSON(wire.TransferErrorPayload{TransferID: transferID, Message: message})
	if err != nil {
		return err
	}
	return c.Send(wire.TransferError, body)
}

// HandleFileChunk is only reached if a peer sends us a chunk without a
// preceding request; clipsync's requester instead reads FILE_CHUNK frames
// directly inside RequestTransfer, so this is a protocol violation.
func (h *receiverHandler) HandleFileChunk(c *session.Conn, body []byte) error {
	h.engine.log.Warn("unexpected FILE_CHUNK outside an active request loop")
	return nil
}

// HandleFileChunkAck is flow-control only; clipsync doesn't block sends on
// it, per spec §5.
func (h *receiverHandler) HandleFileChunkAck(c *session.Conn, body []byte) error {
	return nil
}

func (h *receiverHandler) HandleTransferComplete(c *session.Conn, body []byte) error {
	var payload wire.CompletePayload
	if err := wire.DecodeJSON(wire.TransferComplete, body, &payload); err != nil {
		return nil
	}
	if err := h.engine.reg.Transition(payload.TransferID, registry.StatusCompleted); err != nil {
		h.engine.log.WithError(err).WithField("transfer_id", payload.TransferID).Debug("transfer complete transition rejected")
	}
	h.engine.untrackConn(payload.TransferID)
	return nil
}

func (h *receiverHandler) HandleTransferCancel(c *session.Conn, body []byte) error {
	var payload wire.CancelPayload
	if err := wire.DecodeJSON(wire.TransferCancel, body, &payload); err != nil {
		return nil
	}
	if err := h.engine.reg.Transition(payload.TransferID, registry.StatusCancelled); err != nil {
		h.engine.log.WithError(err).WithField("transfer_id", payload.TransferID).Debug("transfer cancel transition rejected")
	}
	if _, err := h.engine.ckpt.Cancel(payload.TransferID); err != nil {
		h.engine.log.WithError(err).WithField("transfer_id", payload.TransferID).Debug("checkpoint cancel failed")
	}
	h.engine.untrackConn(payload.TransferID)
	return nil
}

func (h *receiverHandler) HandleTransferError(c *session.Conn, body []byte) error {
	var payload wire.TransferErrorPayload
	if err := wire.DecodeJSON(wire.TransferError, body, &payload); err != nil {
		return nil
	}
	if err := h.engine.reg.SetError(payload.TransferID, payload.Message); err != nil {
		h.engine.log.WithError(err).WithField("transfer_id", payload.TransferID).Debug("transfer error record rejected")
	}
	_ = h.engine.reg.Transition(payload.TransferID, registry.StatusFailed)
	h.engine.untrackConn(payload.TransferID)
	return nil
}
