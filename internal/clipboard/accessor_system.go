//go:build (darwin || linux) && cgo

package clipboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.design/x/clipboard"
)

// systemAccessor reaches the system clipboard through golang.design/x/clipboard:
// NSPasteboard on macOS, the X11 CLIPBOARD selection on Linux. Watches on
// the text and image formats bump the change counter, so the watcher only
// reads when something changed.
type systemAccessor struct {
	once    sync.Once
	initErr error
	seq     atomic.Uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPlatformAccessor returns the clipboard accessor for this platform.
// The system clipboard is opened on first use.
func NewPlatformAccessor() Accessor {
	return &systemAccessor{}
}

func (a *systemAccessor) init() error {
	a.once.Do(func() {
		if err := clipboard.Init(); err != nil {
			a.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		for _, f := range []clipboard.Format{clipboard.FmtText, clipboard.FmtImage} {
			a.wg.Add(1)
			go a.watch(ctx, f)
		}
	})
	return a.initErr
}

func (a *systemAccessor) watch(ctx context.Context, f clipboard.Format) {
	defer a.wg.Done()
	for range clipboard.Watch(ctx, f) {
		a.seq.Add(1)
	}
}

func (a *systemAccessor) ReadText(context.Context) (string, error) {
	if err := a.init(); err != nil {
		return "", err
	}
	return string(clipboard.Read(clipboard.FmtText)), nil
}

func (a *systemAccessor) WriteText(ctx context.Context, text string) error {
	if err := a.init(); err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("clipboard: refusing to write empty text")
	}
	clipboard.Write(clipboard.FmtText, []byte(text))
	return ctx.Err()
}

func (a *systemAccessor) ContentType(context.Context) string {
	if a.init() != nil {
		return TypeUnknown
	}
	switch {
	case len(clipboard.Read(clipboard.FmtText)) > 0:
		return TypeText
	case len(clipboard.Read(clipboard.FmtImage)) > 0:
		return TypeImage
	default:
		return TypeUnknown
	}
}

// Sequence counts changes seen by the format watches. It starts the
// watches on first call.
func (a *systemAccessor) Sequence() uint64 {
	_ = a.init()
	return a.seq.Load()
}

// Close stops the format watches. An accessor closed before first use
// never opens the clipboard.
func (a *systemAccessor) Close() error {
	a.once.Do(func() { a.initErr = fmt.Errorf("%w: closed", ErrUnavailable) })
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	return nil
}
