package syncengine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"clipsync/internal/registry"
	"clipsync/internal/wire"
)

// AnnounceFiles implements spec §4.7's announce_files: computes metadata,
// registers the transfer Announced, and notifies the peer with a single
// FILE_ANNOUNCE frame.
func (e *Engine) AnnounceFiles(ctx context.Context, paths []string) (string, error) {
	files, sourcePaths, err := buildFileInfos(paths)
	if err != nil {
		return "", err
	}

	if err := checkMaxFileSize(files, e.cfg.MaxFileSize); err != nil {
		return "", err
	}

	total := totalSize(files)
	if total > e.cfg.MaxTotalSize {
		return "", NewTransferError(KindSizeLimit, "", "", -1,
			"bundle exceeds max_total_size").Wrap(ErrSizeLimit)
	}

	if e.loopSup.shouldSuppress(loopKindFiles, combinedChecksum(files), time.Now()) {
		e.log.Debug("announce_files suppressed: identical content resent within window")
		return "", nil
	}

	transferID := registry.NewTransferID()
	meta := registry.Metadata{
		Files:     files,
		TotalSize: total,
		Timestamp: time.Now().Unix(),
		SourceOS:  runtime.GOOS,
		ExpiresAt: 0,
		ChunkSize: e.cfg.ChunkSize,
	}
	e.reg.RegisterAnnounced(transferID, meta, sourcePaths)

	conn, err := e.dialPeer(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	payload := wire.AnnouncePayload{
		TransferID: transferID,
		Files:      toFileInfoPayloads(files),
		TotalSize:  total,
		Timestamp:  meta.Timestamp,
		SourceOS:   meta.SourceOS,
		ExpiresAt:  meta.ExpiresAt,
		ChunkSize:  meta.ChunkSize,
	}
	body, err := wire.EncodeJSON(payload)
	if err != nil {
		return "", NewTransferError(KindIO, transferID, "", -1, "encode announce").Wrap(err)
	}
	if err := conn.Send(wire.FileAnnounce, body); err != nil {
		return "", NewTransferError(KindIO, transferID, "", -1, "send announce").Wrap(err)
	}

	return transferID, nil
}

func toFileInfoPayloads(files []registry.FileInfo) []wire.FileInfoPayload {
	out := make([]wire.FileInfoPayload, len(files))
	for i, f := range files {
		out[i] = wire.FileInfoPayload{
			Name:         f.Name,
			Size:         f.Size,
			ChecksumMD5:  f.ChecksumMD5,
			IsDirectory:  f.IsDirectory,
			RelativePath: f.RelativePath,
			FileIndex:    f.FileIndex,
		}
	}
	return out
}

// SendText implements spec §4.7's send_text.
func (e *Engine) SendText(ctx context.Context, text string) (bool, error) {
	sum := md5.Sum([]byte(text))
	key := hex.EncodeToString(sum[:])
	if e.loopSup.shouldSuppress(loopKindText, key, time.Now()) {
		e.log.Debug("send_text suppressed: identical content resent within window")
		return true, nil
	}

	conn, err := e.dialPeer(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.Send(wire.TextTransfer, wire.EncodeTextBody(text)); err != nil {
		return false, NewTransferError(KindIO, "", "", -1, "send text").Wrap(err)
	}

	typ, body, err := conn.Recv()
	if err != nil {
		return false, NewTransferError(KindIO, "", "", -1, "await text ack").Wrap(err)
	}
	if typ != wire.TextAck {
		return false, NewTransferError(KindProtocolError, "", "", -1, "unexpected reply to text transfer").Wrap(ErrProtocolError)
	}

	var ack wire.TextAckPayload
	if err := wire.DecodeJSON(wire.TextAck, body, &ack); err != nil {
		return false, NewTransferError(KindProtocolError, "", "", -1, "decode text ack").Wrap(err)
	}
	return ack.Success, nil
}

// SendFilesDirect implements spec §4.7's send_files_direct: a small
// bundle sent whole, without the lazy announce/request protocol.
func (e *Engine) SendFilesDirect(ctx context.Context, paths []string) (bool, error) {
	files, sourcePaths, err := buildFileInfos(paths)
	if err != nil {
		return false, err
	}

	if err := checkMaxFileSize(files, e.cfg.MaxFileSize); err != nil {
		return false, err
	}

	total := totalSize(files)
	if total > e.cfg.MaxTotalSize {
		return false, NewTransferError(KindSizeLimit, "", "", -1,
			"bundle exceeds max_total_size").Wrap(ErrSizeLimit)
	}

	if e.loopSup.shouldSuppress(loopKindFiles, combinedChecksum(files), time.Now()) {
		e.log.Debug("send_files_direct suppressed: identical content resent within window")
		return true, nil
	}

	meta := wire.DirectFileMetaPayload{Files: toFileInfoPayloads(files)}
	metaJSON, err := wire.EncodeJSON(meta)
	if err != nil {
		return false, NewTransferError(KindIO, "", "", -1, "encode direct meta").Wrap(err)
	}

	var payload []byte
	for _, f := range files {
		data, err := os.ReadFile(sourcePaths[f.FileIndex])
		if err != nil {
			return false, NewTransferError(KindIO, "", "", f.FileIndex, filepath.Base(sourcePaths[f.FileIndex])).Wrap(err)
		}
		payload = append(payload, data...)
	}

	conn, err := e.dialPeer(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	body := wire.EncodeLengthPrefixedBody(metaJSON, payload)
	if err := conn.Send(wire.FileTransfer, body); err != nil {
		return false, NewTransferError(KindIO, "", "", -1, "send files direct").Wrap(err)
	}

	typ, replyBody, err := conn.Recv()
	if err != nil {
		return false, NewTransferError(KindIO, "", "", -1, "await file ack").Wrap(err)
	}
	if typ != wire.FileAck {
		return false, NewTransferError(KindProtocolError, "", "", -1, "unexpected reply to file transfer").Wrap(ErrProtocolError)
	}

	var ack wire.FileAckPayload
	if err := wire.DecodeJSON(wire.FileAck, replyBody, &ack); err != nil {
		return false, NewTransferError(KindProtocolError, "", "", -1, "decode file ack").Wrap(err)
	}
	return ack.Success, nil
}
