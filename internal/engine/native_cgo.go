//go:build (linux || darwin) && cgo

package engine

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef void (*cb_event_fn)(const char*, void*);

extern void goClipbridgeEvent(char*, uintptr_t);

static void cb_event_shim(const char* j, void* ud) {
	goClipbridgeEvent((char*)j, (uintptr_t)ud);
}

// dlerror is per thread, so it is read in the same C call.
static void* cb_dlopen(const char* path, char** err) {
	void* lib = dlopen(path, RTLD_NOW | RTLD_LOCAL);
	*err = lib == NULL ? dlerror() : NULL;
	return lib;
}

static void* cb_dlsym(void* lib, const char* name) {
	dlerror();
	return dlsym(lib, name);
}

static int cb_dlclose(void* lib) { return dlclose(lib); }

static char* cb_call_init(void* fn, const char* cfg, uintptr_t ud) {
	return ((char* (*)(const char*, cb_event_fn, void*))fn)(cfg, cb_event_shim, (void*)ud);
}

static char* cb_call_h(void* fn, uintptr_t h) {
	return ((char* (*)(void*))fn)((void*)h);
}

static char* cb_call_hs(void* fn, uintptr_t h, const char* s) {
	return ((char* (*)(void*, const char*))fn)((void*)h, s);
}

static void cb_call_free(void* fn, char* s) {
	if (s != NULL) ((void (*)(char*))fn)(s);
}

static void cb_call_version(void* fn, uint32_t* major, uint32_t* minor) {
	((void (*)(uint32_t*, uint32_t*))fn)(major, minor);
}

static int cb_call_logs_write(void* fn, uintptr_t h, int level,
		const char* component, const char* category, const char* msg,
		const char* zh, const char* exc, const char* props,
		int64_t ts, int64_t* out_id) {
	return ((int (*)(void*, int, const char*, const char*, const char*,
			const char*, const char*, const char*, int64_t, int64_t*))fn)(
		(void*)h, level, component, category, msg, zh, exc, props, ts, out_id);
}

static int cb_call_logs_after(void* fn, uintptr_t h, int64_t after, int level_min,
		const char* like, int limit, const char* lang, char** out) {
	return ((int (*)(void*, int64_t, int, const char*, int, const char*, char**))fn)(
		(void*)h, after, level_min, like, limit, lang, out);
}

static int cb_call_logs_range(void* fn, uintptr_t h, int64_t start, int64_t end,
		int level_min, const char* like, int limit, int offset, const char* lang, char** out) {
	return ((int (*)(void*, int64_t, int64_t, int, const char*, int, int, const char*, char**))fn)(
		(void*)h, start, end, level_min, like, limit, offset, lang, out);
}

static int cb_call_logs_delete(void* fn, uintptr_t h, int64_t cutoff, int64_t* out) {
	return ((int (*)(void*, int64_t, int64_t*))fn)((void*)h, cutoff, out);
}

static int cb_call_logs_stats(void* fn, uintptr_t h, char** out) {
	return ((int (*)(void*, char**))fn)((void*)h, out);
}
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"clipbridge/internal/envelope"
)

type cgoEngine struct {
	path string
	lib  unsafe.Pointer
	free unsafe.Pointer

	mu   sync.Mutex
	syms map[string]unsafe.Pointer

	regs   registrations
	closed atomic.Bool
}

// Open loads the library with dlopen and resolves its entry points.
func Open(path string) (Engine, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	var cerr *C.char
	lib := C.cb_dlopen(cpath, &cerr)
	if lib == nil {
		return nil, classifyLoadError(path, C.GoString(cerr))
	}

	e := &cgoEngine{path: path, lib: lib, syms: make(map[string]unsafe.Pointer)}
	for _, name := range requiredSymbols {
		if e.sym(name) == nil {
			C.cb_dlclose(lib)
			return nil, missingSymbol(path, name)
		}
	}
	e.free = e.sym(symFreeString)
	return e, nil
}

func (e *cgoEngine) sym(name string) unsafe.Pointer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.syms[name]; ok {
		return p
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	p := C.cb_dlsym(e.lib, cname)
	e.syms[name] = p
	return p
}

// take copies a library-owned string and releases it.
func (e *cgoEngine) take(p *C.char) string {
	if p == nil {
		return ""
	}
	s := C.GoString(p)
	C.cb_call_free(e.free, p)
	return s
}

type cstrings []*C.char

func (cs *cstrings) add(s string) *C.char {
	p := C.CString(s)
	*cs = append(*cs, p)
	return p
}

func (cs *cstrings) opt(s string) *C.char {
	if s == "" {
		return nil
	}
	return cs.add(s)
}

func (cs cstrings) free() {
	for _, p := range cs {
		C.free(unsafe.Pointer(p))
	}
}

func (e *cgoEngine) FFIVersion() (uint32, uint32) {
	var major, minor C.uint32_t
	C.cb_call_version(e.sym(symFFIVersion), &major, &minor)
	return uint32(major), uint32(minor)
}

func (e *cgoEngine) Init(configJSON string, onEvent EventFunc) string {
	var cs cstrings
	defer cs.free()

	slot := registerCallback(onEvent)
	env := e.take(C.cb_call_init(e.sym(symInit), cs.add(configJSON), C.uintptr_t(slot)))
	e.regs.bindInit(env, slot)
	return env
}

func (e *cgoEngine) Shutdown(h uintptr) string {
	env := e.take(C.cb_call_h(e.sym(symShutdown), C.uintptr_t(h)))
	e.regs.release(h)
	return env
}

func (e *cgoEngine) callH(name string, h uintptr) string {
	fn := e.sym(name)
	if fn == nil {
		return notExported(name)
	}
	return e.take(C.cb_call_h(fn, C.uintptr_t(h)))
}

func (e *cgoEngine) callHS(name string, h uintptr, arg string) string {
	fn := e.sym(name)
	if fn == nil {
		return notExported(name)
	}
	var cs cstrings
	defer cs.free()
	return e.take(C.cb_call_hs(fn, C.uintptr_t(h), cs.add(arg)))
}

func (e *cgoEngine) PlanLocalIngest(h uintptr, s string) string {
	return e.callHS(symPlanLocalIngest, h, s)
}

func (e *cgoEngine) IngestLocalCopy(h uintptr, s string) string {
	return e.callHS(symIngestLocalCopy, h, s)
}

func (e *cgoEngine) ListPeers(h uintptr) string { return e.callH(symListPeers, h) }
func (e *cgoEngine) GetStatus(h uintptr) string { return e.callH(symGetStatus, h) }

func (e *cgoEngine) SetPeerPolicy(h uintptr, s string) string {
	return e.callHS(symSetPeerPolicy, h, s)
}

func (e *cgoEngine) EnsureContentCached(h uintptr, s string) string {
	return e.callHS(symEnsureContentCached, h, s)
}

func (e *cgoEngine) CancelTransfer(h uintptr, s string) string {
	return e.callHS(symCancelTransfer, h, s)
}

func (e *cgoEngine) ListHistory(h uintptr, s string) string {
	return e.callHS(symListHistory, h, s)
}

func (e *cgoEngine) GetItemMeta(h uintptr, s string) string {
	return e.callHS(symGetItemMeta, h, s)
}

func (e *cgoEngine) LogsWrite(h uintptr, w envelope.LogWrite) (int64, int) {
	fn := e.sym(symLogsWrite)
	if fn == nil {
		return 0, rcNotExported
	}
	var cs cstrings
	defer cs.free()
	var id C.int64_t
	rc := C.cb_call_logs_write(fn, C.uintptr_t(h), C.int(w.Level),
		cs.add(w.Component), cs.add(w.Category), cs.add(w.Message),
		cs.opt(optStr(w.MessageZh)), cs.opt(optStr(w.Exception)), cs.opt(optStr(w.PropsJSON)),
		C.int64_t(w.TsUtcMs), &id)
	return int64(id), int(rc)
}

func (e *cgoEngine) LogsQueryAfterID(h uintptr, q envelope.LogQuery) (string, int) {
	fn := e.sym(symLogsQueryAfterID)
	if fn == nil {
		return "", rcNotExported
	}
	var cs cstrings
	defer cs.free()
	var out *C.char
	rc := C.cb_call_logs_after(fn, C.uintptr_t(h), C.int64_t(q.AfterID), C.int(q.LevelMin),
		cs.opt(q.Like), C.int(q.Limit), cs.opt(q.Lang), &out)
	return e.take(out), int(rc)
}

func (e *cgoEngine) LogsQueryRange(h uintptr, q envelope.LogQuery) (string, int) {
	fn := e.sym(symLogsQueryRange)
	if fn == nil {
		return "", rcNotExported
	}
	var cs cstrings
	defer cs.free()
	var out *C.char
	rc := C.cb_call_logs_range(fn, C.uintptr_t(h), C.int64_t(q.StartMs), C.int64_t(q.EndMs),
		C.int(q.LevelMin), cs.opt(q.Like), C.int(q.Limit), C.int(q.Offset), cs.opt(q.Lang), &out)
	return e.take(out), int(rc)
}

func (e *cgoEngine) LogsDeleteBefore(h uintptr, cutoffMs int64) (int64, int) {
	fn := e.sym(symLogsDeleteBefore)
	if fn == nil {
		return 0, rcNotExported
	}
	var n C.int64_t
	rc := C.cb_call_logs_delete(fn, C.uintptr_t(h), C.int64_t(cutoffMs), &n)
	return int64(n), int(rc)
}

func (e *cgoEngine) LogsStats(h uintptr) (string, int) {
	fn := e.sym(symLogsStats)
	if fn == nil {
		return "", rcNotExported
	}
	var out *C.char
	rc := C.cb_call_logs_stats(fn, C.uintptr_t(h), &out)
	return e.take(out), int(rc)
}

func (e *cgoEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.regs.releaseAll()
	if C.cb_dlclose(e.lib) != 0 {
		return &LoadError{Path: e.path, Reason: ErrLoadFailed, Detail: "dlclose failed"}
	}
	return nil
}
