// Package envelope parses and builds the {ok, data, error} JSON envelope
// returned by every engine call, and defines the typed payloads carried
// inside envelopes and pushed events.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes produced on the shell side of the boundary.
const (
	// CodeInvalidMessage marks an envelope that could not be understood.
	CodeInvalidMessage = "GEN_INVALID_MESSAGE"
	// CodeJSONParse marks a handle payload that could not be decoded.
	CodeJSONParse = "JSON_PARSE_ERR"
)

// ErrInvalidEnvelope is matched by every protocol-level CoreError.
var ErrInvalidEnvelope = errors.New("envelope: invalid message")

// ErrorInfo is the error member of a failed envelope.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the response wrapper around every engine call.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// CoreError is a failure reported by the engine, or a protocol failure
// detected while reading its response.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	if e.Message == "" {
		return "core: " + e.Code
	}
	return fmt.Sprintf("core: %s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidEnvelope) match protocol failures.
func (e *CoreError) Unwrap() error {
	if e.Protocol() {
		return ErrInvalidEnvelope
	}
	return nil
}

// Protocol reports whether the error originated on the shell side while
// decoding, rather than being reported by the engine.
func (e *CoreError) Protocol() bool {
	return e.Code == CodeInvalidMessage || e.Code == CodeJSONParse
}

func protocolError(format string, args ...any) *CoreError {
	return &CoreError{Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

// wire mirrors Envelope with optional fields so missing keys are detectable.
type wire struct {
	OK    *bool           `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ErrorInfo      `json:"error"`
}

// Parse decodes raw into an Envelope and checks its invariants: ok must be
// present, a failed envelope must carry an error code and a successful one
// must not carry an error. Any violation is reported as a protocol
// CoreError.
func Parse(raw string) (*Envelope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, protocolError("empty envelope")
	}
	if err := validateShape([]byte(raw)); err != nil {
		return nil, protocolError("%v", err)
	}

	var w wire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, protocolError("decode envelope: %v", err)
	}
	if w.OK == nil {
		return nil, protocolError("envelope missing ok")
	}

	env := &Envelope{OK: *w.OK}
	if env.OK {
		if w.Error != nil {
			return nil, protocolError("successful envelope carries an error")
		}
		if !isNull(w.Data) {
			env.Data = w.Data
		}
		return env, nil
	}

	if w.Error == nil || w.Error.Code == "" {
		return nil, protocolError("failed envelope missing error code")
	}
	env.Error = w.Error
	return env, nil
}

// Err returns the engine failure carried by a failed envelope, or nil.
func (e *Envelope) Err() error {
	if e.OK {
		return nil
	}
	if e.Error == nil {
		return protocolError("failed envelope missing error")
	}
	return &CoreError{Code: e.Error.Code, Message: e.Error.Message}
}

// Decode parses raw and returns its data member. Engine failures come back
// as *CoreError verbatim. A successful envelope may carry null data.
func Decode(raw string) (json.RawMessage, error) {
	env, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// DecodeInto parses raw and unmarshals its data member into v. Null or
// missing data is a protocol error because the caller expects a value.
func DecodeInto(raw string, v any) error {
	data, err := Decode(raw)
	if err != nil {
		return err
	}
	if isNull(data) {
		return protocolError("envelope data is null")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return protocolError("decode data: %v", err)
	}
	return nil
}

// OK builds a successful envelope around data.
func OK(data any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal envelope data: %w", err)
	}
	out, err := json.Marshal(Envelope{OK: true, Data: b})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(out), nil
}

// MustOK is OK for values known to marshal, such as literals in tests.
func MustOK(data any) string {
	s, err := OK(data)
	if err != nil {
		panic(err)
	}
	return s
}

// Fail builds a failed envelope.
func Fail(code, message string) string {
	out, _ := json.Marshal(Envelope{Error: &ErrorInfo{Code: code, Message: message}})
	return string(out)
}

func isNull(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
