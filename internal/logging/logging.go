// Package logging provides the node's dependency-injected structured
// logger: components receive a *slog.Logger at construction time and
// scope it with their own attributes, rather than reaching for a global
// logger. Global configuration (output format, destination, base level)
// belongs only in main(); components must never call slog.SetDefault.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Every
// component constructor in this tree calls this on its Config.Logger
// field so an unset logger is always safe to use.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps a base slog.Handler and raises or lowers
// log verbosity for individual components and individual locations
// without touching the base handler's own level. Every component in
// this tree logs with a "component" attribute; the location manager
// additionally logs with a "location_id" attribute. A location override
// takes precedence over its component's override, so a single
// misbehaving disk can be put under the microscope without turning on
// debug logging for every location a component touches.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs holds attributes added via WithAttrs before any group
	// context; Handle() looks here first for "component"/"location_id".
	preAttrs []slog.Attr

	// componentLevels and locationLevels are copy-on-write snapshots:
	// SetComponentLevel/EscalateLocation replace the map, Handle reads
	// it lock-free.
	componentLevels *atomic.Pointer[map[string]slog.Level]
	locationLevels  *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler builds a handler that passes records to next
// once they clear the configured component/location minimum level,
// falling back to defaultLevel for anything without an override.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	emptyComponents := make(map[string]slog.Level)
	componentLevels := &atomic.Pointer[map[string]slog.Level]{}
	componentLevels.Store(&emptyComponents)

	emptyLocations := make(map[string]slog.Level)
	locationLevels := &atomic.Pointer[map[string]slog.Level]{}
	locationLevels.Store(&emptyLocations)

	return &ComponentFilterHandler{
		next:            next,
		defaultLevel:    defaultLevel,
		componentLevels: componentLevels,
		locationLevels:  locationLevels,
	}
}

// Enabled always returns true; filtering needs the record's attributes,
// which aren't available until Handle.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle filters r against its component's and location's configured
// minimum level, then forwards what survives to the wrapped handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component, locationID := h.findAttrs(r)

	minLevel := h.defaultLevel
	if component != "" {
		if lvl, ok := (*h.componentLevels.Load())[component]; ok {
			minLevel = lvl
		}
	}
	if locationID != "" {
		if lvl, ok := (*h.locationLevels.Load())[locationID]; ok {
			minLevel = lvl
		}
	}

	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// findAttrs extracts the "component" and "location_id" attribute values
// from preAttrs and the record itself.
func (h *ComponentFilterHandler) findAttrs(r slog.Record) (component, locationID string) {
	for _, attr := range h.preAttrs {
		switch attr.Key {
		case "component":
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				component = s
			}
		case "location_id":
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				locationID = s
			}
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
			}
		case "location_id":
			if s, ok := a.Value.Resolve().Any().(string); ok {
				locationID = s
			}
		}
		return true
	})
	return component, locationID
}

// WithAttrs returns a new handler carrying attrs in both preAttrs (for
// its own filtering) and the wrapped handler.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &ComponentFilterHandler{
		next:            h.next.WithAttrs(attrs),
		defaultLevel:    h.defaultLevel,
		preAttrs:        newPreAttrs,
		componentLevels: h.componentLevels,
		locationLevels:  h.locationLevels,
	}
}

// WithGroup returns a new handler scoped to the given group name.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:            h.next.WithGroup(name),
		defaultLevel:    h.defaultLevel,
		preAttrs:        h.preAttrs,
		componentLevels: h.componentLevels,
		locationLevels:  h.locationLevels,
	}
}

// SetComponentLevel sets the minimum log level for every record carrying
// the given "component" attribute, overriding the handler's default.
func (h *ComponentFilterHandler) SetComponentLevel(component string, level slog.Level) {
	old := *h.componentLevels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[component] = level
	h.componentLevels.Store(&next)
}

// ClearComponentLevel reverts component to the handler's default level.
func (h *ComponentFilterHandler) ClearComponentLevel(component string) {
	old := *h.componentLevels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			next[k] = v
		}
	}
	h.componentLevels.Store(&next)
}

// EscalateLocation sets the minimum log level for every record carrying
// the given "location_id" attribute, regardless of that record's
// component level. The node's health-check loop calls this to turn on
// debug logging for one location the moment its health check starts
// failing, and DeescalateLocation once it recovers, so a single flaky
// disk can be diagnosed without raising verbosity node-wide.
func (h *ComponentFilterHandler) EscalateLocation(locationID string, level slog.Level) {
	old := *h.locationLevels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[locationID] = level
	h.locationLevels.Store(&next)
}

// DeescalateLocation removes locationID's override, reverting it to
// whatever level its component is configured at.
func (h *ComponentFilterHandler) DeescalateLocation(locationID string) {
	old := *h.locationLevels.Load()
	if _, ok := old[locationID]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != locationID {
			next[k] = v
		}
	}
	h.locationLevels.Store(&next)
}
