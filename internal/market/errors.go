package market

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/faradayfan/arm-market/internal/protocol"
)

var (
	// ErrContractRejected matches every *RejectedError.
	ErrContractRejected = xerrors.New("contract rejected")
	// ErrContractorQuit means the contractor disconnected while a command was in flight.
	ErrContractorQuit = xerrors.New("contractor quit")
	// ErrContractBroken means the peer went away before the contract was resolved.
	ErrContractBroken = xerrors.New("contract is broken without proper termination")
	// ErrTenderExhausted means the rendezvous socket stopped accepting before any contractor signed.
	ErrTenderExhausted = xerrors.New("no more contractors")
)

// RejectedError carries the contractor's rejection message verbatim.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

func (e *RejectedError) Is(target error) bool { return target == ErrContractRejected }

// CommandFailedError is returned by ExecuteSync when the contractor reported
// a failure.
type CommandFailedError struct {
	Result protocol.Object
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command failed: %v", e.Result)
}
