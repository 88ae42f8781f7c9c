package domain

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrorKind classifies failures of the pipeline.
type ErrorKind string

const (
	KindQuotaExceeded        ErrorKind = "QUOTA_EXCEEDED"
	KindInvalidSourceURL     ErrorKind = "INVALID_SOURCE_URL"
	KindUnsupportedMediaType ErrorKind = "UNSUPPORTED_MEDIA_TYPE"
	KindFileTooLarge         ErrorKind = "FILE_TOO_LARGE"
	KindProviderDisabled     ErrorKind = "PROVIDER_DISABLED"
	KindMalformedResponse    ErrorKind = "MALFORMED_PROVIDER_RESPONSE"
	KindProviderTimeout      ErrorKind = "PROVIDER_TIMEOUT"
	KindNotFound             ErrorKind = "NOT_FOUND"
	KindInvalidState         ErrorKind = "INVALID_STATE"
	KindValidation           ErrorKind = "VALIDATION"
	// KindAborted marks work abandoned because its job disappeared.
	KindAborted ErrorKind = "ABORTED"
)

// Error is a typed pipeline failure. Two Errors match under errors.Is
// when their kinds match, so the sentinels below can be used as targets.
type Error struct {
	Kind    ErrorKind
	Message string
	// Shortfall is the number of bytes missing for QUOTA_EXCEEDED.
	Shortfall int64
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrQuotaExceeded        = &Error{Kind: KindQuotaExceeded, Message: "quota exceeded"}
	ErrInvalidSourceURL     = &Error{Kind: KindInvalidSourceURL, Message: "invalid source url"}
	ErrUnsupportedMediaType = &Error{Kind: KindUnsupportedMediaType, Message: "unsupported media type"}
	ErrFileTooLarge         = &Error{Kind: KindFileTooLarge, Message: "file too large"}
	ErrProviderDisabled     = &Error{Kind: KindProviderDisabled, Message: "ai provider is not configured"}
	ErrMalformedResponse    = &Error{Kind: KindMalformedResponse, Message: "malformed provider response"}
	ErrProviderTimeout      = &Error{Kind: KindProviderTimeout, Message: "provider processing timed out"}
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidState         = &Error{Kind: KindInvalidState, Message: "invalid job state"}
	ErrValidation           = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrAborted              = &Error{Kind: KindAborted, Message: "job no longer exists"}
)

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// QuotaExceeded reports that requested bytes do not fit in the remaining quota.
func QuotaExceeded(requested, remaining int64) *Error {
	if remaining < 0 {
		remaining = 0
	}
	shortfall := requested - remaining
	return &Error{
		Kind: KindQuotaExceeded,
		Message: fmt.Sprintf("file of %s exceeds remaining quota of %s (short by %s)",
			humanize.IBytes(uint64(requested)), humanize.IBytes(uint64(remaining)), humanize.IBytes(uint64(shortfall))),
		Shortfall: shortfall,
	}
}

// InvalidTransition reports an illegal state change.
func InvalidTransition(from, to JobStatus) *Error {
	return NewError(KindInvalidState, "cannot move job from %s to %s", from, to)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
