//go:build windows && (amd64 || arm64)

package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	"clipbridge/internal/envelope"
)

// Windows limits the number of Go callbacks per process, so one trampoline
// serves every engine and dispatches on the user-data word.
var (
	eventTrampolineOnce sync.Once
	eventTrampoline     uintptr
)

func trampoline() uintptr {
	eventTrampolineOnce.Do(func() {
		eventTrampoline = windows.NewCallbackCDecl(func(j *byte, ud uintptr) uintptr {
			if j != nil {
				dispatchEvent(ud, windows.BytePtrToString(j))
			}
			return 0
		})
	})
	return eventTrampoline
}

type dllEngine struct {
	path string
	dll  *windows.DLL
	free *windows.Proc

	mu    sync.Mutex
	procs map[string]*windows.Proc

	regs   registrations
	closed atomic.Bool
}

// Open loads the DLL and resolves its entry points.
func Open(path string) (Engine, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		var reason error = ErrLoadFailed
		switch {
		case errors.Is(err, windows.ERROR_BAD_EXE_FORMAT):
			reason = ErrArchMismatch
		case errors.Is(err, windows.ERROR_MOD_NOT_FOUND), errors.Is(err, windows.ERROR_FILE_NOT_FOUND):
			reason = ErrLibraryNotFound
		}
		return nil, &LoadError{Path: path, Reason: reason, Detail: err.Error()}
	}

	e := &dllEngine{path: path, dll: dll, procs: make(map[string]*windows.Proc)}
	for _, name := range requiredSymbols {
		if e.proc(name) == nil {
			_ = dll.Release()
			return nil, missingSymbol(path, name)
		}
	}
	e.free = e.proc(symFreeString)
	return e, nil
}

func (e *dllEngine) proc(name string) *windows.Proc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.procs[name]; ok {
		return p
	}
	p, err := e.dll.FindProc(name)
	if err != nil {
		p = nil
	}
	e.procs[name] = p
	return p
}

func (e *dllEngine) take(p uintptr) string {
	if p == 0 {
		return ""
	}
	s := windows.BytePtrToString((*byte)(unsafe.Pointer(p)))
	_, _, _ = e.free.Call(p)
	return s
}

// args keeps converted strings alive until the call returns.
type args struct{ keep []*byte }

func (a *args) str(s string) uintptr {
	b, err := windows.BytePtrFromString(s)
	if err != nil {
		// interior NUL; the library sees the prefix
		b, _ = windows.BytePtrFromString(s[:indexNUL(s)])
	}
	a.keep = append(a.keep, b)
	return uintptr(unsafe.Pointer(b))
}

func (a *args) opt(s string) uintptr {
	if s == "" {
		return 0
	}
	return a.str(s)
}

func indexNUL(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return len(s)
}

func (e *dllEngine) FFIVersion() (uint32, uint32) {
	var major, minor uint32
	_, _, _ = e.proc(symFFIVersion).Call(uintptr(unsafe.Pointer(&major)), uintptr(unsafe.Pointer(&minor)))
	return major, minor
}

func (e *dllEngine) Init(configJSON string, onEvent EventFunc) string {
	var a args
	slot := registerCallback(onEvent)
	r, _, _ := e.proc(symInit).Call(a.str(configJSON), trampoline(), slot)
	env := e.take(r)
	e.regs.bindInit(env, slot)
	return env
}

func (e *dllEngine) Shutdown(h uintptr) string {
	r, _, _ := e.proc(symShutdown).Call(h)
	env := e.take(r)
	e.regs.release(h)
	return env
}

func (e *dllEngine) callH(name string, h uintptr) string {
	p := e.proc(name)
	if p == nil {
		return notExported(name)
	}
	r, _, _ := p.Call(h)
	return e.take(r)
}

func (e *dllEngine) callHS(name string, h uintptr, s string) string {
	p := e.proc(name)
	if p == nil {
		return notExported(name)
	}
	var a args
	r, _, _ := p.Call(h, a.str(s))
	return e.take(r)
}

func (e *dllEngine) PlanLocalIngest(h uintptr, s string) string {
	return e.callHS(symPlanLocalIngest, h, s)
}

func (e *dllEngine) IngestLocalCopy(h uintptr, s string) string {
	return e.callHS(symIngestLocalCopy, h, s)
}

func (e *dllEngine) ListPeers(h uintptr) string { return e.callH(symListPeers, h) }
func (e *dllEngine) GetStatus(h uintptr) string { return e.callH(symGetStatus, h) }

func (e *dllEngine) SetPeerPolicy(h uintptr, s string) string {
	return e.callHS(symSetPeerPolicy, h, s)
}

func (e *dllEngine) EnsureContentCached(h uintptr, s string) string {
	return e.callHS(symEnsureContentCached, h, s)
}

func (e *dllEngine) CancelTransfer(h uintptr, s string) string {
	return e.callHS(symCancelTransfer, h, s)
}

func (e *dllEngine) ListHistory(h uintptr, s string) string {
	return e.callHS(symListHistory, h, s)
}

func (e *dllEngine) GetItemMeta(h uintptr, s string) string {
	return e.callHS(symGetItemMeta, h, s)
}

// Integer arguments are passed in full registers; both supported
// architectures are 64-bit.

func (e *dllEngine) LogsWrite(h uintptr, w envelope.LogWrite) (int64, int) {
	p := e.proc(symLogsWrite)
	if p == nil {
		return 0, rcNotExported
	}
	var a args
	var id int64
	rc, _, _ := p.Call(h, uintptr(w.Level),
		a.str(w.Component), a.str(w.Category), a.str(w.Message),
		a.opt(optStr(w.MessageZh)), a.opt(optStr(w.Exception)), a.opt(optStr(w.PropsJSON)),
		uintptr(w.TsUtcMs), uintptr(unsafe.Pointer(&id)))
	return id, int(int32(rc))
}

func (e *dllEngine) LogsQueryAfterID(h uintptr, q envelope.LogQuery) (string, int) {
	p := e.proc(symLogsQueryAfterID)
	if p == nil {
		return "", rcNotExported
	}
	var a args
	var out uintptr
	rc, _, _ := p.Call(h, uintptr(q.AfterID), uintptr(q.LevelMin), a.opt(q.Like),
		uintptr(q.Limit), a.opt(q.Lang), uintptr(unsafe.Pointer(&out)))
	return e.take(out), int(int32(rc))
}

func (e *dllEngine) LogsQueryRange(h uintptr, q envelope.LogQuery) (string, int) {
	p := e.proc(symLogsQueryRange)
	if p == nil {
		return "", rcNotExported
	}
	var a args
	var out uintptr
	rc, _, _ := p.Call(h, uintptr(q.StartMs), uintptr(q.EndMs), uintptr(q.LevelMin),
		a.opt(q.Like), uintptr(q.Limit), uintptr(q.Offset), a.opt(q.Lang),
		uintptr(unsafe.Pointer(&out)))
	return e.take(out), int(int32(rc))
}

func (e *dllEngine) LogsDeleteBefore(h uintptr, cutoffMs int64) (int64, int) {
	p := e.proc(symLogsDeleteBefore)
	if p == nil {
		return 0, rcNotExported
	}
	var n int64
	rc, _, _ := p.Call(h, uintptr(cutoffMs), uintptr(unsafe.Pointer(&n)))
	return n, int(int32(rc))
}

func (e *dllEngine) LogsStats(h uintptr) (string, int) {
	p := e.proc(symLogsStats)
	if p == nil {
		return "", rcNotExported
	}
	var out uintptr
	rc, _, _ := p.Call(h, uintptr(unsafe.Pointer(&out)))
	return e.take(out), int(int32(rc))
}

func (e *dllEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.regs.releaseAll()
	return e.dll.Release()
}
