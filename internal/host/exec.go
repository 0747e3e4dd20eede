package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clipbridge/internal/envelope"
)

// PanicError is a panic raised inside an engine call.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("host: engine call panicked: %v", e.Value)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// failureSummary renders "Init failed: <kind>: <message>".
func failureSummary(err error) (summary, message string) {
	var ce *envelope.CoreError
	var pe *PanicError
	switch {
	case errors.As(err, &ce):
		message = ce.Message
	case errors.As(err, &pe):
		message = fmt.Sprint(pe.Value)
	default:
		message = err.Error()
	}
	return "Init failed: " + kindOf(err) + ": " + message, message
}

// run executes fn on a pool goroutine and waits for it or for ctx. When ctx
// ends first fn keeps running to completion in the background; its slot is
// released when it returns.
func (h *Host) run(ctx context.Context, fn func() error) error {
	if h.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.CallTimeout)
		defer cancel()
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer h.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r}
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) record(op string, start time.Time, err error) {
	if h.cfg.Recorder != nil {
		h.cfg.Recorder.ObserveCall(op, time.Since(start), err)
	}
}

func (h *Host) updateDiag(fn func(*Diagnostics)) {
	h.diagMu.Lock()
	fn(&h.diag)
	h.diagMu.Unlock()
}
