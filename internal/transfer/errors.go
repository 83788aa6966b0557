package transfer

import "errors"

var (
	ErrTransferExists  = errors.New("transfer: transferId already has an open session")
	ErrUnknownTransfer = errors.New("transfer: no open session for this transferId")
	ErrNotSender       = errors.New("transfer: only the transfer's sender may perform this action")
	ErrNotReceiver     = errors.New("transfer: acknowledging participant is not a target of this transfer")
	ErrOutOfOrder      = errors.New("transfer: chunk sequence is not the next expected value")
	ErrQueueOverflow   = errors.New("transfer: session queue exceeds the configured byte limit")
	ErrNotComplete     = errors.New("transfer: FILE_END received before all chunks were acknowledged")
	ErrSessionAborted  = errors.New("transfer: session already aborted")
	ErrNoTargets       = errors.New("transfer: no admitted targets to start a transfer toward")
)
