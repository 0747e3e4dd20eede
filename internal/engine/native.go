package engine

import (
	"fmt"
	"strings"

	"clipbridge/internal/envelope"
)

// CodeNotExported is returned in a failure envelope when the loaded library
// lacks an optional entry point.
const CodeNotExported = "FFI_NOT_EXPORTED"

// rcNotExported is the status code returned by log calls the library
// lacks.
const rcNotExported = -100

// Exported C symbol names.
const (
	symInit                = "cb_init"
	symShutdown            = "cb_shutdown"
	symFreeString          = "cb_free_string"
	symFFIVersion          = "cb_get_ffi_version"
	symPlanLocalIngest     = "cb_plan_local_ingest"
	symIngestLocalCopy     = "cb_ingest_local_copy"
	symListPeers           = "cb_list_peers"
	symGetStatus           = "cb_get_status"
	symSetPeerPolicy       = "cb_set_peer_policy"
	symEnsureContentCached = "cb_ensure_content_cached"
	symCancelTransfer      = "cb_cancel_transfer"
	symListHistory         = "cb_list_history"
	symGetItemMeta         = "cb_get_item_meta"
	symLogsWrite           = "cb_logs_write"
	symLogsQueryAfterID    = "cb_logs_query_after_id"
	symLogsQueryRange      = "cb_logs_query_range"
	symLogsDeleteBefore    = "cb_logs_delete_before"
	symLogsStats           = "cb_logs_stats"
)

// requiredSymbols must resolve for a load to succeed. The rest are looked
// up lazily and reported per call when absent.
var requiredSymbols = []string{symInit, symShutdown, symFreeString, symFFIVersion}

func notExported(sym string) string {
	return envelope.Fail(CodeNotExported, "library does not export "+sym)
}

// bindInit records the callback slot for the handle in an init envelope, or
// releases the slot when init failed.
func (r *registrations) bindInit(env string, slot uintptr) {
	data, err := envelope.Decode(env)
	if err == nil {
		if h, herr := envelope.DecodeHandle(data); herr == nil {
			r.bind(h, slot)
			return
		}
	}
	releaseCallback(slot)
}

// classifyLoadError maps a loader message to one of the load sentinels.
func classifyLoadError(path, msg string) error {
	lower := strings.ToLower(msg)
	var reason error
	switch {
	case strings.Contains(lower, "wrong elf class"),
		strings.Contains(lower, "incompatible architecture"),
		strings.Contains(lower, "mach-o file, but is an incompatible"),
		strings.Contains(lower, "%1 is not a valid win32 application"):
		reason = ErrArchMismatch
	case strings.Contains(lower, "no such file"),
		strings.Contains(lower, "image not found"),
		strings.Contains(lower, "the specified module could not be found"):
		reason = ErrLibraryNotFound
	default:
		reason = ErrLoadFailed
	}
	return &LoadError{Path: path, Reason: reason, Detail: msg}
}

func missingSymbol(path, sym string) error {
	return &LoadError{Path: path, Reason: ErrMissingSymbol, Detail: fmt.Sprintf("symbol %s", sym)}
}

func optStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
