package clipboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"clipbridge/internal/envelope"
)

// DefaultApplyTimeout bounds how long Apply waits for a transfer.
const DefaultApplyTimeout = 2 * time.Minute

// ErrNoContent is returned when a completed transfer carries neither
// inline text nor a local path.
var ErrNoContent = errors.New("clipboard: cached content has neither text_utf8 nor local_path")

// Fetcher starts a content transfer.
type Fetcher interface {
	EnsureContentCached(ctx context.Context, req envelope.EnsureContentRequest) (string, error)
}

// Awaiter waits for a transfer's terminal outcome.
type Awaiter interface {
	Wait(ctx context.Context, transferID string) (envelope.LocalContentRef, error)
}

// ApplyResult describes a finished Apply.
type ApplyResult struct {
	TransferID string                   `json:"transfer_id"`
	Ref        envelope.LocalContentRef `json:"ref"`
	// Applied is false for items that are not text; their content is
	// cached but the clipboard is left alone.
	Applied bool `json:"applied"`
}

// Applier fetches an item's content and writes it to the clipboard.
type Applier struct {
	core    Fetcher
	waiter  Awaiter
	svc     *Service
	timeout time.Duration
	log     *slog.Logger
}

// NewApplier creates an Applier. timeout <= 0 uses DefaultApplyTimeout.
func NewApplier(core Fetcher, waiter Awaiter, svc *Service, timeout time.Duration, logger *slog.Logger) *Applier {
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{core: core, waiter: waiter, svc: svc, timeout: timeout, log: logger.With("component", "clipboard")}
}

// Apply makes meta's content local and, for text items, writes it to the
// system clipboard.
func (a *Applier) Apply(ctx context.Context, meta envelope.ItemMeta) (ApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	id, err := a.core.EnsureContentCached(ctx, envelope.EnsureContentRequest{ItemID: meta.ItemID})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("request content for %s: %w", meta.ItemID, err)
	}
	res := ApplyResult{TransferID: id}

	ref, err := a.waiter.Wait(ctx, id)
	if err != nil {
		return res, err
	}
	res.Ref = ref

	if !strings.EqualFold(meta.Kind, envelope.KindText) {
		a.log.Info("content cached, not applied", "item_id", meta.ItemID, "kind", meta.Kind, "transfer_id", id)
		return res, nil
	}

	text, err := contentText(ref)
	if err != nil {
		return res, err
	}
	if err := a.svc.SetText(ctx, text); err != nil {
		return res, err
	}
	res.Applied = true
	a.log.Info("item applied to clipboard", "item_id", meta.ItemID, "transfer_id", id, "size", len(text))
	return res, nil
}

func contentText(ref envelope.LocalContentRef) (string, error) {
	if ref.HasText() {
		return ref.TextUTF8, nil
	}
	if ref.LocalPath != "" {
		b, err := os.ReadFile(ref.LocalPath)
		if err != nil {
			return "", fmt.Errorf("read cached content: %w", err)
		}
		return string(b), nil
	}
	return "", ErrNoContent
}
