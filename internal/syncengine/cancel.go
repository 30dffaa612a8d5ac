package syncengine

import (
	"clipsync/internal/checkpoint"
	"clipsync/internal/registry"
)

// CancelTransfer implements spec §4.7's cancel_transfer: sets the
// checkpoint's cancel signal, transitions the registry record, and makes a
// best-effort attempt to tell the peer over any live connection for this
// transfer.
func (e *Engine) CancelTransfer(transferID, reason string) (bool, error) {
	cancelled, err := e.ckpt.Cancel(transferID)
	if err != nil {
		return false, NewTransferError(KindIO, transferID, "", -1, "cancel checkpoint failed").Wrap(err)
	}

	if err := e.reg.Transition(transferID, registry.StatusCancelled); err != nil {
		e.log.WithError(err).WithField("transfer_id", transferID).Debug("cancel transition rejected")
	}
	e.ckpt.Finish(transferID, checkpoint.StateCancelled, reason)

	if conn, ok := e.connFor(transferID); ok {
		e.sendCancel(conn, transferID, reason)
	}

	return cancelled, nil
}
