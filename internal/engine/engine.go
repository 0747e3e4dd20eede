// Package engine is the boundary to the native clipboard-sync library.
//
// The library exposes a C ABI built around one opaque handle, JSON envelope
// strings and a single push callback. Engine mirrors that ABI one call per
// method; only the host package holds an Engine and a handle. Strings
// returned by the library are copied into Go memory and released before a
// method returns.
package engine

import (
	"errors"
	"fmt"

	"clipbridge/internal/envelope"
)

// ABI version this bridge was written against.
const (
	ABIMajor = 1
	ABIMinor = 0
)

// EventFunc receives one pushed event. It is called on a thread owned by
// the library and must return quickly; the string is already a Go copy.
type EventFunc func(eventJSON string)

// Engine is a loaded native library. Methods returning a plain string
// return the raw envelope JSON; the log API returns the library's integer
// status code alongside its out parameter (0 means success).
type Engine interface {
	// FFIVersion reports the library's ABI version.
	FFIVersion() (major, minor uint32)

	// Init creates an engine instance and registers onEvent as its push
	// callback. The envelope's data carries the handle.
	Init(configJSON string, onEvent EventFunc) string
	// Shutdown destroys the instance and releases the callback registration.
	Shutdown(h uintptr) string

	PlanLocalIngest(h uintptr, snapshotJSON string) string
	IngestLocalCopy(h uintptr, snapshotJSON string) string
	ListPeers(h uintptr) string
	GetStatus(h uintptr) string
	SetPeerPolicy(h uintptr, policyJSON string) string
	EnsureContentCached(h uintptr, requestJSON string) string
	CancelTransfer(h uintptr, idJSON string) string
	ListHistory(h uintptr, queryJSON string) string
	GetItemMeta(h uintptr, idJSON string) string

	LogsWrite(h uintptr, w envelope.LogWrite) (id int64, rc int)
	LogsQueryAfterID(h uintptr, q envelope.LogQuery) (rowsJSON string, rc int)
	LogsQueryRange(h uintptr, q envelope.LogQuery) (rowsJSON string, rc int)
	LogsDeleteBefore(h uintptr, cutoffMs int64) (deleted int64, rc int)
	LogsStats(h uintptr) (statsJSON string, rc int)

	// Close unloads the library. The engine must not be used afterwards.
	Close() error
}

// Loader opens the library at path.
type Loader func(path string) (Engine, error)

// Load errors. Open wraps them with the path and the loader's message.
var (
	ErrLibraryNotFound = errors.New("engine: library not found")
	ErrArchMismatch    = errors.New("engine: library architecture mismatch")
	ErrLoadFailed      = errors.New("engine: library load failed")
	ErrMissingSymbol   = errors.New("engine: missing symbol")
	ErrUnsupported     = errors.New("engine: native loading not supported in this build")
)

// LoadError describes a failed library load.
type LoadError struct {
	Path   string
	Reason error
	Detail string
}

func (e *LoadError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", e.Reason, e.Path)
	}
	return fmt.Sprintf("%v: %s: %s", e.Reason, e.Path, e.Detail)
}

func (e *LoadError) Unwrap() error { return e.Reason }

// RCError is a non-zero status code returned by a log API call.
type RCError struct {
	Func string
	Code int
}

func (e *RCError) Error() string {
	return fmt.Sprintf("engine: %s returned %d", e.Func, e.Code)
}

// CheckRC converts a status code into an error.
func CheckRC(fn string, rc int) error {
	if rc == 0 {
		return nil
	}
	return &RCError{Func: fn, Code: rc}
}

// CheckABI reports whether a library version can be driven by this bridge.
// Majors must match; a newer minor is accepted.
func CheckABI(major, minor uint32) error {
	if major != ABIMajor {
		return fmt.Errorf("engine: unsupported ABI %d.%d (want %d.x)", major, minor, ABIMajor)
	}
	return nil
}
