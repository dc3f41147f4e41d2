package network

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a transfer did not complete.
type ErrorKind string

const (
	KindDiscovery ErrorKind = "discovery"
	KindHandshake ErrorKind = "handshake"
	KindTransport ErrorKind = "transport"
	KindIntegrity ErrorKind = "integrity"
	KindResource  ErrorKind = "resource"
	KindCancelled ErrorKind = "cancelled"
)

var (
	// ErrPeerRejected indicates the receiver declined the connection.
	ErrPeerRejected = errors.New("network: peer rejected the transfer")
	// ErrPeerBusy indicates the receiver has no free session slot.
	ErrPeerBusy = errors.New("network: peer is busy")
	// ErrIncompatibleVersion indicates a protocol version mismatch.
	ErrIncompatibleVersion = errors.New("network: incompatible protocol version")
	// ErrChecksumMismatch indicates chunk or file integrity verification failed.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	// ErrOutOfOrder indicates a chunk sequence did not match the receiver offset.
	ErrOutOfOrder = errors.New("network: chunk out of order")
	// ErrPeerUnreachable indicates no usable address answered.
	ErrPeerUnreachable = errors.New("network: peer unreachable")
	// ErrResource indicates the receiver ran out of disk or lacked permission.
	ErrResource = errors.New("network: receiver resource error")
	// ErrUnknownTask indicates the receiver no longer tracks the session or task.
	ErrUnknownTask = errors.New("network: unknown session or task")
)

// TransferError is the terminal error of one task.
type TransferError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func newTransferError(kind ErrorKind, reason string, err error) *TransferError {
	return &TransferError{Kind: kind, Reason: reason, Err: err}
}

// RemoteError is a structured error returned by the receiver.
type RemoteError struct {
	Status      int
	Code        string
	Message     string
	ExpectedSeq *int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Is maps remote codes onto the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrChecksumMismatch:
		return e.Code == CodeChecksumMismatch
	case ErrOutOfOrder:
		return e.Code == CodeOutOfOrder
	case ErrResource:
		return e.Code == CodeResource
	case ErrPeerRejected:
		return e.Code == CodeRejected
	case ErrPeerBusy:
		return e.Code == CodeBusy
	case ErrIncompatibleVersion:
		return e.Code == CodeIncompatibleVersion
	case ErrUnknownTask:
		return e.Code == CodeUnknownSession || e.Code == CodeUnknownTask
	default:
		return false
	}
}

// isTransportFailure reports whether err came from the network rather than
// from a receiver decision or a cancellation.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	if errors.Is(err, ErrPeerRejected) || errors.Is(err, ErrPeerBusy) || errors.Is(err, ErrIncompatibleVersion) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// ErrorKindOf returns the kind of a TransferError, or "" for other errors.
func ErrorKindOf(err error) ErrorKind {
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	return ""
}
