package registry

import (
	"context"
	"fmt"

	"emperror.dev/errors"
)

const (
	ErrNotFound       = errors.Sentinel("not found")
	ErrInvalidInput   = errors.Sentinel("invalid input")
	ErrInvalidState   = errors.Sentinel("invalid state")
	ErrQueueFull      = errors.Sentinel("queue full")
	ErrNotImplemented = errors.Sentinel("not implemented")

	ErrMalformedQuery        = errors.Sentinel("malformed query")
	ErrUnknownOrExpiredToken = errors.Sentinel("unknown or expired resumption token")
	ErrListingMismatch       = errors.Sentinel("resumption token belongs to another listing")
	ErrPersistence           = errors.Sentinel("persistence failure")
)

// Protocol error codes reported to peers.
const (
	CodeBadArgument             = "badArgument"
	CodeBadResumptionToken      = "badResumptionToken"
	CodeBadVerb                 = "badVerb"
	CodeCannotDisseminateFormat = "cannotDisseminateFormat"
	CodeNoRecordsMatch          = "noRecordsMatch"
)

// ProtocolError is a request-level failure that is reported back to the
// caller and never retried automatically.
type ProtocolError struct {
	Code    string
	Message string
	kind    error
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Is(target error) bool {
	return target == e.kind
}

func malformed(code, format string, args ...any) error {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...), kind: ErrMalformedQuery}
}

func badToken(format string, args ...any) error {
	return &ProtocolError{Code: CodeBadResumptionToken, Message: fmt.Sprintf(format, args...), kind: ErrUnknownOrExpiredToken}
}

// ProtocolCode returns the peer-facing error code for err, or "" when err is
// not a protocol error.
func ProtocolCode(err error) string {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// PersistenceError reports a failed ledger write. The operation that was
// being applied is aborted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	if ProtocolCode(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func listingMismatch(stored ListingType) error {
	return errors.WithDetails(ErrListingMismatch, "listingType", stored)
}
