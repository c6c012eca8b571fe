// Package logging provides utilities for structured logging across gridharvest.
//
// Logging is dependency-injected, never global. Each component scopes its
// logger once at construction time with slog.With("component", ...). If no
// logger is provided, a discard logger is used.
//
// Global configuration (output format, level, destination) belongs only in
// main(). Components must never call slog.SetDefault.
//
// Log points are lifecycle boundaries: worker start and finish, session state
// transitions, persistence. Nothing is logged per file or per replica.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
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

// Default returns the provided logger if non-nil, otherwise a discard logger.
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// componentKey is the attribute key used to scope log levels.
const componentKey = "component"

// levels is the shared, mutable per-component level table. It is shared by
// every handler derived from one ComponentFilterHandler via WithAttrs.
type levels struct {
	mu       sync.RWMutex
	def      slog.Level
	override map[string]slog.Level
}

func (l *levels) lookup(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.override[component]; ok {
		return lvl
	}
	return l.def
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from a "component" attribute, either pre-attached
// with Logger.With or supplied on the record itself. Records without a
// component use the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levels
	component string
}

// NewComponentFilterHandler wraps next with component-level filtering.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		levels: &levels{
			def:      defaultLevel,
			override: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.override[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.override, component)
	h.levels.mu.Unlock()
}

// Level returns the effective level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.lookup(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.levels.def
}

// Enabled reports true whenever any component could accept the level; the
// precise decision happens in Handle once the record's attributes are known.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.component != "" {
		if level < h.levels.lookup(h.component) {
			return false
		}
	} else if level < h.minLevel() {
		return false
	}
	if h.next == nil {
		return true
	}
	return h.next.Enabled(ctx, level)
}

func (h *ComponentFilterHandler) minLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	min := h.levels.def
	for _, lvl := range h.levels.override {
		if lvl < min {
			min = lvl
		}
	}
	return min
}

// Handle drops the record if it is below its component's level.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == componentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.lookup(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs captures a component attribute so later records are scoped.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == componentKey {
			component = a.Value.String()
		}
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: component}
}

// WithGroup delegates grouping to the wrapped handler.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: h.component}
}

// Options configures New.
type Options struct {
	// Format is "text" or "json". Empty means text.
	Format string
	// Level is the default minimum level.
	Level slog.Level
	// Components holds per-component overrides as "component=level".
	Components []string
}

// New builds a base logger writing to w, filtered per component. The
// returned filter can be retuned at runtime with SetLevel.
func New(w io.Writer, opts Options) (*slog.Logger, *ComponentFilterHandler, error) {
	overrides, err := ParseOverrides(opts.Components)
	if err != nil {
		return nil, nil, err
	}
	// The filter decides; the base handler accepts everything.
	hopts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler
	switch opts.Format {
	case "", "text":
		base = slog.NewTextHandler(w, hopts)
	case "json":
		base = slog.NewJSONHandler(w, hopts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	filter := NewComponentFilterHandler(base, opts.Level)
	for component, lvl := range overrides {
		filter.SetLevel(component, lvl)
	}
	return slog.New(filter), filter, nil
}

// ParseLevel parses debug, info, warn or error, case-insensitively.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return l, nil
}

// ParseOverrides parses "component=level" pairs. A later pair for the same
// component wins.
func ParseOverrides(pairs []string) (map[string]slog.Level, error) {
	out := make(map[string]slog.Level, len(pairs))
	for _, p := range pairs {
		component, name, ok := strings.Cut(p, "=")
		component = strings.TrimSpace(component)
		if !ok || component == "" {
			return nil, fmt.Errorf("invalid component level %q: want component=level", p)
		}
		lvl, err := ParseLevel(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out[component] = lvl
	}
	return out, nil
}
