package host

import (
	"fmt"
	"strings"
)

// ABIVersion is the probed library version.
type ABIVersion struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// Diagnostics is a snapshot of what the host knows about the engine. It is
// meant to be copied verbatim into support requests.
type Diagnostics struct {
	State                string      `json:"state"`
	DLLPath              string      `json:"dll_path,omitempty"`
	DLLLoadError         string      `json:"dll_load_error,omitempty"`
	FFIABI               *ABIVersion `json:"ffi_abi,omitempty"`
	LastInitSummary      string      `json:"last_init_summary,omitempty"`
	LastInitEnvelopeJSON *string     `json:"last_init_envelope_json,omitempty"`
	LastError            string      `json:"last_error,omitempty"`
	AppDataDir           string      `json:"app_data_dir,omitempty"`
	CoreDataDir          string      `json:"core_data_dir,omitempty"`
	CacheDir             string      `json:"cache_dir,omitempty"`
	LogDir               string      `json:"log_dir,omitempty"`
}

// Diagnostics returns a copy of the current diagnostics.
func (h *Host) Diagnostics() Diagnostics {
	h.diagMu.RLock()
	d := h.diag
	h.diagMu.RUnlock()

	if d.State == "" {
		d.State = h.State().String()
	}
	if d.FFIABI != nil {
		abi := *d.FFIABI
		d.FFIABI = &abi
	}
	if d.LastInitEnvelopeJSON != nil {
		env := *d.LastInitEnvelopeJSON
		d.LastInitEnvelopeJSON = &env
	}
	return d
}

// SupportText renders the diagnostics as plain text.
func (d Diagnostics) SupportText() string {
	var b strings.Builder
	line := func(k, v string) {
		if v == "" {
			v = "(null)"
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}

	b.WriteString("=== ClipBridge Core Diagnostics ===\n")
	line("State", d.State)
	line("DllPath", d.DLLPath)
	line("DllLoadError", d.DLLLoadError)
	if d.FFIABI != nil {
		line("FfiAbi", fmt.Sprintf("%d.%d", d.FFIABI.Major, d.FFIABI.Minor))
	} else {
		line("FfiAbi", "(unknown)")
	}
	line("LastInitSummary", d.LastInitSummary)
	line("LastError", d.LastError)
	line("AppDataDir", d.AppDataDir)
	line("CoreDataDir", d.CoreDataDir)
	line("CacheDir", d.CacheDir)
	line("LogDir", d.LogDir)
	b.WriteString("--- LastInitEnvelopeJson ---\n")
	if d.LastInitEnvelopeJSON != nil {
		b.WriteString(*d.LastInitEnvelopeJSON)
	} else {
		b.WriteString("(null)")
	}
	b.WriteString("\n")
	return b.String()
}
