package blockupload

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an upload failure.
type Kind string

const (
	// KindNone is reported on a successful Result.
	KindNone Kind = ""
	// UserCanceled means the controller signaled Aborted or the context was canceled.
	UserCanceled Kind = "user_canceled"
	// UserPaused is informational: the upload blocks while the controller reports Suspended.
	UserPaused Kind = "user_paused"
	// InvalidCredential means the upload credential could not be parsed.
	InvalidCredential Kind = "invalid_credential"
	// ChecksumMismatch means the server-side CRC32 of a block differs from the local one.
	ChecksumMismatch Kind = "checksum_mismatch"
	// TransportRejected means the remote side refused a request or could not be reached.
	TransportRejected Kind = "transport_rejected"
	// LocalIOFailure means the source or the checkpoint file could not be accessed.
	LocalIOFailure Kind = "local_io_failure"
	// SerializationFailure means a checkpoint file exists but could not be decoded.
	SerializationFailure Kind = "serialization_failure"
)

// Error is the structured failure returned by the engine.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "create block" or "finalize".
	Op string
	// Block is the zero based block index, or -1 when the failure is not tied to a block.
	Block int
	Msg   string
	Err   error

	permanent bool
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Block: -1, Err: err}
}

func newBlockError(kind Kind, op string, block int, err error) *Error {
	return &Error{Kind: kind, Op: op, Block: block, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Block >= 0 {
		fmt.Fprintf(&b, " (block %d)", e.Block+1)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-running the whole upload may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ChecksumMismatch:
		return true
	case TransportRejected:
		return !e.permanent
	default:
		return false
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// IsRetryable reports whether err is an *Error that allows another attempt.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// ResponseError is returned by a BlockService when the remote side answered with a non-success status.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// permanentStatuses are policy violations that another attempt cannot fix.
var permanentStatuses = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusUnauthorized:          true,
	http.StatusForbidden:             true,
	http.StatusRequestEntityTooLarge: true,
	614:                              true, // object already exists
	631:                              true, // bucket does not exist
}

// IsPermanentStatus reports whether a response status is a policy violation rather than a transient failure.
func IsPermanentStatus(code int) bool {
	return permanentStatuses[code]
}

// transportError classifies a BlockService failure.
func transportError(op string, block int, err error) *Error {
	e := newBlockError(TransportRejected, op, block, err)
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		e.permanent = IsPermanentStatus(respErr.StatusCode)
	}
	return e
}
