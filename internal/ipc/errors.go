package ipc

import (
	"context"
	"errors"
	"fmt"

	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/host"
)

// Error kinds carried in ErrorResponse.
const (
	KindInvalidRequest = "invalid_request"
	KindNotReady       = "not_ready"
	KindCore           = "core"
	KindTimeout        = "timeout"
	KindCancelled      = "cancelled"
	KindInternal       = "internal"
)

// ErrorResponse is the payload of MsgError.
type ErrorResponse struct {
	Kind     string `json:"kind"`
	CoreCode string `json:"core_code,omitempty"`
	Message  string `json:"message"`
}

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	ErrorResponse
}

func (e *RemoteError) Error() string {
	if e.Kind == KindCore {
		return (&envelope.CoreError{Code: e.CoreCode, Message: e.Message}).Error()
	}
	return e.Message
}

// Unwrap maps the kind back onto the daemon-side sentinels so callers can
// use errors.Is and errors.As across the socket.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case KindNotReady:
		return host.ErrNotReady
	case KindCore:
		return &envelope.CoreError{Code: e.CoreCode, Message: e.Message}
	case KindTimeout:
		return context.DeadlineExceeded
	case KindCancelled:
		return fetch.ErrCancelled
	}
	return nil
}

func errorResponse(err error) ErrorResponse {
	var ce *envelope.CoreError
	switch {
	case errors.Is(err, host.ErrNotReady):
		return ErrorResponse{Kind: KindNotReady, Message: err.Error()}
	case errors.As(err, &ce):
		return ErrorResponse{Kind: KindCore, CoreCode: ce.Code, Message: ce.Message}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, fetch.ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorResponse{Kind: KindCancelled, Message: err.Error()}
	default:
		return ErrorResponse{Kind: KindInternal, Message: err.Error()}
	}
}

// NewErrorMessage frames err as MsgError.
func NewErrorMessage(requestID uint32, err error) *Message {
	payload, _ := Encode(errorResponse(err))
	return NewMessage(MsgError, requestID, payload)
}

func invalidRequest(requestID uint32, format string, args ...any) *Message {
	payload, _ := Encode(ErrorResponse{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)})
	return NewMessage(MsgError, requestID, payload)
}
