package envelope

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// DecodeHandle extracts the engine handle from the data member of a
// successful init envelope. The engine may report it as a JSON number, a
// numeric string, or an object {"handle": <number|string>}. Zero is never a
// valid handle.
func DecodeHandle(data json.RawMessage) (uintptr, error) {
	data = bytes.TrimSpace(data)
	if isNull(data) {
		return 0, handleError("init returned no handle")
	}

	if data[0] == '{' {
		var obj struct {
			Handle json.RawMessage `json:"handle"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return 0, handleError("decode handle object: " + err.Error())
		}
		if isNull(obj.Handle) {
			return 0, handleError("handle object missing handle")
		}
		data = bytes.TrimSpace(obj.Handle)
	}

	var text string
	switch data[0] {
	case '"':
		if err := json.Unmarshal(data, &text); err != nil {
			return 0, handleError("decode handle string: " + err.Error())
		}
		text = strings.TrimSpace(text)
	default:
		text = string(data)
	}

	v, err := parseHandle(text)
	if err != nil {
		return 0, handleError("parse handle " + strconv.Quote(text) + ": " + err.Error())
	}
	if v == 0 {
		return 0, handleError("init returned a null handle")
	}
	return uintptr(v), nil
}

func parseHandle(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func handleError(msg string) *CoreError {
	return &CoreError{Code: CodeJSONParse, Message: msg}
}
