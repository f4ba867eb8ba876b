package scanning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies an extraction failure for retry decisions
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindTimeout            ErrorKind = "timeout"
	KindConnection         ErrorKind = "connection_error"
	KindRequest            ErrorKind = "request_error"
	KindParse              ErrorKind = "parse_error"
	KindServiceUnavailable ErrorKind = "service_unavailable"

	// Raised around the AI call by the import pipeline
	KindExtraction ErrorKind = "extraction_error"
	KindProcessing ErrorKind = "processing_error"
)

// Permanent reports whether a failure of this kind must never be retried
func (k ErrorKind) Permanent() bool {
	switch k {
	case KindParse, KindValidation, KindExtraction:
		return true
	}
	return false
}

// Retryable reports whether a failure of this kind may succeed on a later attempt
func (k ErrorKind) Retryable() bool {
	return !k.Permanent()
}

// Error is a classified AI extraction failure
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure may succeed on a later attempt
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of a classified error, or "" if err is not one
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// classifyTransport maps an HTTP client error to an error kind
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			return KindConnection
		}
	}
	return KindRequest
}
