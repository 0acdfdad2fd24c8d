package logging

import (
	"context"
	"log/slog"
)

// componentKey is the attribute packages narrow their loggers with.
const componentKey = "component"

// componentHandler gates records on the level the spec gives the
// component its logger was narrowed to. The level is resolved once per
// narrowing, not per record.
type componentHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
	level     slog.Level
}

func newComponentHandler(inner slog.Handler, spec *Spec) *componentHandler {
	return &componentHandler{inner: inner, spec: spec, level: spec.BaseLevel.ToSlog()}
}

func (h *componentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.level {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs re-resolves the level when attrs name a component. The last
// component wins, so a store logger narrowed again to store/sqlite
// filters as store/sqlite.
func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, attr := range attrs {
		if attr.Key == componentKey {
			component = attr.Value.String()
		}
	}
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	if component != h.component {
		next.component = component
		next.level = h.spec.LevelFor(component).ToSlog()
	}
	return &next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}
