package logship

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"clipbridge/internal/envelope"
	"clipbridge/internal/logging"
)

// Component is the component name the engine records for shell logs.
const Component = "Shell"

// DefaultCategory is used for records without a component attribute.
const DefaultCategory = "clipbridged"

type shippingKey struct{}

// WithShipping marks ctx as belonging to a shipping call. Records logged
// with such a context are not shipped again.
func WithShipping(ctx context.Context) context.Context {
	return context.WithValue(ctx, shippingKey{}, true)
}

func isShipping(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(shippingKey{}).(bool)
	return v
}

// EngineLevel maps a slog level onto the engine's 0..5 scale.
func EngineLevel(l slog.Level) int {
	switch {
	case l <= logging.LevelTrace:
		return envelope.LevelTrace
	case l <= logging.LevelDebug:
		return envelope.LevelDebug
	case l <= logging.LevelInfo:
		return envelope.LevelInfo
	case l <= logging.LevelWarn:
		return envelope.LevelWarn
	case l <= logging.LevelError:
		return envelope.LevelError
	default:
		return envelope.LevelCritical
	}
}

// Handler is a slog.Handler that feeds a Shipper.
type Handler struct {
	s      *Shipper
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewHandler returns a handler enqueueing records at or above level.
func NewHandler(s *Shipper, level slog.Leveler) *Handler {
	if level == nil {
		level = logging.LevelTrace
	}
	return &Handler{s: s, level: level}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && !isShipping(ctx)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if isShipping(ctx) {
		return nil
	}
	if r.Message == "" && r.NumAttrs() == 0 {
		return nil
	}

	rec := envelope.LogWrite{
		Level:     EngineLevel(r.Level),
		Component: Component,
		Category:  DefaultCategory,
		Message:   r.Message,
		TsUtcMs:   r.Time.UnixMilli(),
	}
	if r.Time.IsZero() {
		rec.TsUtcMs = 0
	}

	props := map[string]any{}
	collect := func(prefix string, a slog.Attr) {
		h.collect(&rec, props, prefix, a)
	}
	for _, a := range h.attrs {
		collect("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(h.prefix, a)
		return true
	})

	if len(props) > 0 {
		if b, err := json.Marshal(props); err == nil {
			s := string(b)
			rec.PropsJSON = &s
		}
	}
	h.s.Enqueue(rec)
	return nil
}

func (h *Handler) collect(rec *envelope.LogWrite, props map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, g := range a.Value.Group() {
			h.collect(rec, props, p, g)
		}
		return
	}

	key := prefix + a.Key
	switch {
	case prefix == "" && a.Key == "component":
		rec.Category = a.Value.String()
		return
	case prefix == "" && (a.Key == "error" || a.Key == "err" || a.Key == "panic"):
		if v := a.Value.Any(); v != nil {
			s := a.Value.String()
			if s != "" && s != "<nil>" {
				rec.Exception = &s
			}
		}
		return
	}
	a = logging.RedactAttr(a)
	props[key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.String()
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	n := *h
	n.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	n.attrs = append(n.attrs, h.attrs...)
	if h.prefix == "" {
		n.attrs = append(n.attrs, attrs...)
	} else {
		group := strings.TrimSuffix(h.prefix, ".")
		n.attrs = append(n.attrs, slog.Attr{Key: group, Value: slog.GroupValue(attrs...)})
	}
	return &n
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.prefix = h.prefix + name + "."
	return &n
}
