//go:build (linux || darwin) && cgo

package engine

/*
#include <stdint.h>
*/
import "C"

//export goClipbridgeEvent
func goClipbridgeEvent(j *C.char, ud C.uintptr_t) {
	if j == nil {
		return
	}
	dispatchEvent(uintptr(ud), C.GoString(j))
}
