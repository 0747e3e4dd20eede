//go:build windows

package clipboard

import (
	"context"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                     = windows.NewLazySystemDLL("user32.dll")
	kernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	openClipboard              = user32.NewProc("OpenClipboard")
	closeClipboard             = user32.NewProc("CloseClipboard")
	emptyClipboard             = user32.NewProc("EmptyClipboard")
	getClipboardData           = user32.NewProc("GetClipboardData")
	setClipboardData           = user32.NewProc("SetClipboardData")
	isClipboardFormatAvailable = user32.NewProc("IsClipboardFormatAvailable")
	getClipboardSequenceNumber = user32.NewProc("GetClipboardSequenceNumber")
	globalAlloc                = kernel32.NewProc("GlobalAlloc")
	globalFree                 = kernel32.NewProc("GlobalFree")
	globalLock                 = kernel32.NewProc("GlobalLock")
	globalUnlock               = kernel32.NewProc("GlobalUnlock")
)

const (
	cfUnicodeText = 13
	cfBitmap      = 2
	cfDIB         = 8
	cfHDROP       = 15
	gmemMoveable  = 0x0002
)

type winAccessor struct{}

// NewPlatformAccessor returns the clipboard accessor for this platform.
func NewPlatformAccessor() Accessor {
	return winAccessor{}
}

// open retries briefly; another process may hold the clipboard.
func open(ctx context.Context) error {
	for i := 0; ; i++ {
		if r, _, _ := openClipboard.Call(0); r != 0 {
			return nil
		}
		if i == 10 {
			return fmt.Errorf("clipboard: OpenClipboard failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (winAccessor) ReadText(ctx context.Context) (string, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := open(ctx); err != nil {
		return "", err
	}
	defer closeClipboard.Call()

	h, _, _ := getClipboardData.Call(cfUnicodeText)
	if h == 0 {
		return "", nil
	}
	p, _, _ := globalLock.Call(h)
	if p == 0 {
		return "", nil
	}
	defer globalUnlock.Call(h)
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(p))), nil
}

func (winAccessor) WriteText(ctx context.Context, text string) error {
	u, err := windows.UTF16FromString(text)
	if err != nil {
		return fmt.Errorf("clipboard: encode text: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := open(ctx); err != nil {
		return err
	}
	defer closeClipboard.Call()

	if r, _, e := emptyClipboard.Call(); r == 0 {
		return fmt.Errorf("clipboard: EmptyClipboard: %w", e)
	}
	size := uintptr(len(u)) * unsafe.Sizeof(u[0])
	h, _, e := globalAlloc.Call(gmemMoveable, size)
	if h == 0 {
		return fmt.Errorf("clipboard: GlobalAlloc: %w", e)
	}
	p, _, e := globalLock.Call(h)
	if p == 0 {
		globalFree.Call(h)
		return fmt.Errorf("clipboard: GlobalLock: %w", e)
	}
	copy(unsafe.Slice((*uint16)(unsafe.Pointer(p)), len(u)), u)
	globalUnlock.Call(h)

	if r, _, e := setClipboardData.Call(cfUnicodeText, h); r == 0 {
		globalFree.Call(h)
		return fmt.Errorf("clipboard: SetClipboardData: %w", e)
	}
	return nil
}

func (winAccessor) ContentType(context.Context) string {
	has := func(f uintptr) bool {
		r, _, _ := isClipboardFormatAvailable.Call(f)
		return r != 0
	}
	switch {
	case has(cfHDROP):
		return TypeFiles
	case has(cfUnicodeText):
		return TypeText
	case has(cfBitmap), has(cfDIB):
		return TypeImage
	default:
		return TypeUnknown
	}
}

func (winAccessor) Sequence() uint64 {
	r, _, _ := getClipboardSequenceNumber.Call()
	return uint64(r)
}
