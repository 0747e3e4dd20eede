// Package enginetest provides an in-process fake of the native engine.
package enginetest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"clipbridge/internal/engine"
	"clipbridge/internal/envelope"
)

// Method names used by Respond and Calls.
const (
	MethodInit                = "init"
	MethodShutdown            = "shutdown"
	MethodPlanLocalIngest     = "plan_local_ingest"
	MethodIngestLocalCopy     = "ingest_local_copy"
	MethodListPeers           = "list_peers"
	MethodGetStatus           = "get_status"
	MethodSetPeerPolicy       = "set_peer_policy"
	MethodEnsureContentCached = "ensure_content_cached"
	MethodCancelTransfer      = "cancel_transfer"
	MethodListHistory         = "list_history"
	MethodGetItemMeta         = "get_item_meta"
	MethodLogsWrite           = "logs_write"
	MethodLogsQueryAfterID    = "logs_query_after_id"
	MethodLogsQueryRange      = "logs_query_range"
	MethodLogsDeleteBefore    = "logs_delete_before"
	MethodLogsStats           = "logs_stats"
)

// DefaultHandle is the handle returned by a successful Init.
const DefaultHandle uintptr = 12345

// Call is one recorded invocation.
type Call struct {
	Method string
	Handle uintptr
	Arg    string
}

// Engine is a scriptable engine.Engine.
type Engine struct {
	mu sync.Mutex

	major, minor uint32
	handle       uintptr
	initEnvelope string
	initPanic    any

	responses map[string]string
	calls     []Call
	onEvent   engine.EventFunc
	live      bool
	closed    bool

	ensure   func(envelope.EnsureContentRequest) string
	nextXfer int

	logs   []envelope.LogRow
	nextID int64
	logRC  int

	gate chan struct{}
}

var _ engine.Engine = (*Engine)(nil)

// New returns a fake at ABI 1.0 whose Init succeeds with DefaultHandle.
func New() *Engine {
	return &Engine{
		major:     engine.ABIMajor,
		minor:     engine.ABIMinor,
		handle:    DefaultHandle,
		responses: make(map[string]string),
	}
}

// Loader returns an engine.Loader that hands out e regardless of path.
func (e *Engine) Loader() engine.Loader {
	return func(string) (engine.Engine, error) { return e, nil }
}

// FailingLoader returns a loader that fails with err.
func FailingLoader(err error) engine.Loader {
	return func(string) (engine.Engine, error) { return nil, err }
}

// SetVersion sets the reported ABI version.
func (e *Engine) SetVersion(major, minor uint32) {
	e.mu.Lock()
	e.major, e.minor = major, minor
	e.mu.Unlock()
}

// SetHandle sets the handle a successful Init returns.
func (e *Engine) SetHandle(h uintptr) {
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
}

// SetInitEnvelope makes Init return env verbatim. Empty restores the
// default success envelope.
func (e *Engine) SetInitEnvelope(env string) {
	e.mu.Lock()
	e.initEnvelope = env
	e.mu.Unlock()
}

// PanicOnInit makes Init panic with v.
func (e *Engine) PanicOnInit(v any) {
	e.mu.Lock()
	e.initPanic = v
	e.mu.Unlock()
}

// Respond makes method return env until changed.
func (e *Engine) Respond(method, env string) {
	e.mu.Lock()
	e.responses[method] = env
	e.mu.Unlock()
}

// OnEnsure sets how EnsureContentCached picks a transfer id. By default ids
// are t1, t2, ...
func (e *Engine) OnEnsure(fn func(envelope.EnsureContentRequest) string) {
	e.mu.Lock()
	e.ensure = fn
	e.mu.Unlock()
}

// SetLogRC makes every log call return rc.
func (e *Engine) SetLogRC(rc int) {
	e.mu.Lock()
	e.logRC = rc
	e.mu.Unlock()
}

// Hold makes request/response calls block until the returned func is
// called.
func (e *Engine) Hold() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.gate == gate {
				e.gate = nil
			}
			e.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallCount counts recorded calls to method.
func (e *Engine) CallCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Live reports whether an instance is initialised and not shut down.
func (e *Engine) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Emit pushes an event through the registered callback on the calling
// goroutine. It reports false when no callback is registered.
func (e *Engine) Emit(eventJSON string) bool {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(eventJSON)
	return true
}

// EmitAsync pushes events in order from a new goroutine and returns a
// channel closed when all were delivered.
func (e *Engine) EmitAsync(events ...string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ev := range events {
			e.Emit(ev)
		}
	}()
	return done
}

// Logs returns the rows written through LogsWrite.
func (e *Engine) Logs() []envelope.LogRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]envelope.LogRow(nil), e.logs...)
}

func (e *Engine) record(method string, h uintptr, arg string) {
	e.calls = append(e.calls, Call{Method: method, Handle: h, Arg: arg})
}

// checkHandle returns a failure envelope when h is not the live handle.
func (e *Engine) checkHandle(h uintptr) string {
	if !e.live || h != e.handle {
		return envelope.Fail("FFI_ERR", "invalid handle "+strconv.FormatUint(uint64(h), 10))
	}
	return ""
}

func (e *Engine) respond(method string, h uintptr, arg string, fallback func() string) string {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}

	e.mu.Lock()
	e.record(method, h, arg)
	if bad := e.checkHandle(h); bad != "" {
		e.mu.Unlock()
		return bad
	}
	if env, ok := e.responses[method]; ok {
		e.mu.Unlock()
		return env
	}
	e.mu.Unlock()
	return fallback()
}

func (e *Engine) FFIVersion() (uint32, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.major, e.minor
}

func (e *Engine) Init(configJSON string, onEvent engine.EventFunc) string {
	e.mu.Lock()
	e.record(MethodInit, 0, configJSON)
	if p := e.initPanic; p != nil {
		e.mu.Unlock()
		panic(p)
	}
	defer e.mu.Unlock()
	if env := e.initEnvelope; env != "" {
		// an override that still carries a handle starts a live instance
		if data, err := envelope.Decode(env); err == nil {
			if h, err := envelope.DecodeHandle(data); err == nil {
				e.handle = h
				e.live = true
				e.onEvent = onEvent
			}
		}
		return env
	}
	e.live = true
	e.onEvent = onEvent
	return envelope.MustOK(map[string]string{"handle": strconv.FormatUint(uint64(e.handle), 10)})
}

func (e *Engine) Shutdown(h uintptr) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(MethodShutdown, h, "")
	if bad := e.checkHandle(h); bad != "" {
		return bad
	}
	e.live = false
	e.onEvent = nil
	return envelope.MustOK(struct{}{})
}

func (e *Engine) PlanLocalIngest(h uintptr, s string) string {
	return e.respond(MethodPlanLocalIngest, h, s, func() string {
		return envelope.MustOK(map[string]any{"plan": envelope.IngestPlan{Strategy: "inline"}})
	})
}

func (e *Engine) IngestLocalCopy(h uintptr, s string) string {
	return e.respond(MethodIngestLocalCopy, h, s, func() string {
		var snap envelope.ClipboardSnapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return envelope.Fail("FFI_ERR", err.Error())
		}
		meta := envelope.ItemMeta{ItemID: "item-" + snap.Fingerprint, Kind: envelope.KindText, CreatedTsMs: snap.TimestampMs}
		return envelope.MustOK(map[string]any{"meta": meta})
	})
}

func (e *Engine) ListPeers(h uintptr) string {
	return e.respond(MethodListPeers, h, "", func() string {
		return envelope.MustOK([]envelope.PeerMeta{})
	})
}

func (e *Engine) GetStatus(h uintptr) string {
	return e.respond(MethodGetStatus, h, "", func() string {
		return envelope.MustOK(map[string]any{"running": true})
	})
}

func (e *Engine) SetPeerPolicy(h uintptr, s string) string {
	return e.respond(MethodSetPeerPolicy, h, s, func() string { return envelope.MustOK(struct{}{}) })
}

func (e *Engine) EnsureContentCached(h uintptr, s string) string {
	return e.respond(MethodEnsureContentCached, h, s, func() string {
		var req envelope.EnsureContentRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return envelope.Fail("FFI_ERR", err.Error())
		}
		e.mu.Lock()
		fn := e.ensure
		e.nextXfer++
		id := fmt.Sprintf("t%d", e.nextXfer)
		e.mu.Unlock()
		if fn != nil {
			id = fn(req)
		}
		return envelope.MustOK(envelope.EnsureContentResult{TransferID: id})
	})
}

func (e *Engine) CancelTransfer(h uintptr, s string) string {
	return e.respond(MethodCancelTransfer, h, s, func() string { return envelope.MustOK(struct{}{}) })
}

func (e *Engine) ListHistory(h uintptr, s string) string {
	return e.respond(MethodListHistory, h, s, func() string {
		return envelope.MustOK(envelope.HistoryPage{Items: []envelope.ItemMeta{}})
	})
}

func (e *Engine) GetItemMeta(h uintptr, s string) string {
	return e.respond(MethodGetItemMeta, h, s, func() string {
		id := strings.Trim(s, `"`)
		return envelope.MustOK(envelope.ItemMeta{ItemID: id, Kind: envelope.KindText})
	})
}

func (e *Engine) logCall(method string, h uintptr, arg string) (int, bool) {
	e.record(method, h, arg)
	if e.checkHandle(h) != "" {
		return -1, false
	}
	if e.logRC != 0 {
		return e.logRC, false
	}
	return 0, true
}

func (e *Engine) LogsWrite(h uintptr, w envelope.LogWrite) (int64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.logCall(MethodLogsWrite, h, w.Message); !ok {
		return 0, rc
	}
	e.nextID++
	e.logs = append(e.logs, envelope.LogRow{
		ID:        e.nextID,
		TimeUnix:  w.TsUtcMs,
		Level:     w.Level,
		Component: w.Component,
		Category:  w.Category,
		Message:   w.Message,
		Exception: w.Exception,
		PropsJSON: w.PropsJSON,
	})
	return e.nextID, 0
}

func (e *Engine) LogsQueryAfterID(h uintptr, q envelope.LogQuery) (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.logCall(MethodLogsQueryAfterID, h, ""); !ok {
		return "", rc
	}
	rows := []envelope.LogRow{}
	for _, r := range e.logs {
		if r.ID > q.AfterID && matches(r, q) {
			rows = append(rows, r)
		}
	}
	return marshalRows(rows, 0, q.Limit), 0
}

func (e *Engine) LogsQueryRange(h uintptr, q envelope.LogQuery) (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.logCall(MethodLogsQueryRange, h, ""); !ok {
		return "", rc
	}
	rows := []envelope.LogRow{}
	for _, r := range e.logs {
		if r.TimeUnix >= q.StartMs && r.TimeUnix <= q.EndMs && matches(r, q) {
			rows = append(rows, r)
		}
	}
	return marshalRows(rows, q.Offset, q.Limit), 0
}

func (e *Engine) LogsDeleteBefore(h uintptr, cutoffMs int64) (int64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.logCall(MethodLogsDeleteBefore, h, ""); !ok {
		return 0, rc
	}
	kept := e.logs[:0]
	var n int64
	for _, r := range e.logs {
		if r.TimeUnix < cutoffMs {
			n++
			continue
		}
		kept = append(kept, r)
	}
	e.logs = kept
	return n, 0
}

func (e *Engine) LogsStats(h uintptr) (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.logCall(MethodLogsStats, h, ""); !ok {
		return "", rc
	}
	st := envelope.LogStats{Count: int64(len(e.logs)), ByLevel: make([]int64, envelope.LevelCritical+1)}
	for i, r := range e.logs {
		ts := r.TimeUnix
		if i == 0 {
			st.FirstMs = &ts
		}
		st.LastMs = &ts
		if r.Level >= 0 && r.Level < len(st.ByLevel) {
			st.ByLevel[r.Level]++
		}
	}
	b, _ := json.Marshal(st)
	return string(b), 0
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func matches(r envelope.LogRow, q envelope.LogQuery) bool {
	if r.Level < q.LevelMin {
		return false
	}
	like := strings.Trim(q.Like, "%")
	return like == "" || strings.Contains(r.Message, like)
}

func marshalRows(rows []envelope.LogRow, offset, limit int) string {
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	b, _ := json.Marshal(rows)
	return string(b)
}
