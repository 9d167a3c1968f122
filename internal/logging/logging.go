// Package logging configures the process-wide slog logger and adds
// per-scope debug filtering driven by the DEBUG environment variable.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ScopeKey is the attribute key loggers use to tag their subsystem.
const ScopeKey = "scope"

// Setup installs the default slog logger. The base level is info, or
// debug when verbose is set. DEBUG=<scope,scope,...> additionally
// enables debug records for the named scopes; DEBUG=1 or DEBUG=* turns
// debug on everywhere.
func Setup(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	handler = &scopeHandler{
		inner:  handler,
		base:   level,
		scopes: parseDebugScopes(os.Getenv("DEBUG")),
	}

	slog.SetDefault(slog.New(handler))
}

// Scoped returns a logger tagged with a scope attribute. Records below
// the base level pass only when the scope is enabled via DEBUG.
func Scoped(scope string) *slog.Logger {
	return slog.Default().With(ScopeKey, scope)
}

// parseDebugScopes splits a DEBUG value into its scope set. Returns
// {"*": true} for the catch-all forms.
func parseDebugScopes(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if raw == "1" || raw == "*" || strings.EqualFold(raw, "true") {
		return map[string]bool{"*": true}
	}

	scopes := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scopes[part] = true
	}
	return scopes
}

// scopeHandler filters records against a base level but lets debug
// records through when their scope attribute is enabled.
type scopeHandler struct {
	inner  slog.Handler
	base   slog.Level
	scopes map[string]bool
	// attrs carries scope attributes added via WithAttrs so Enabled
	// decisions survive logger.With chains.
	scope string
}

func (h *scopeHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level >= h.base {
		return true
	}
	if len(h.scopes) == 0 {
		return false
	}
	if h.scopes["*"] {
		return true
	}
	// Scope known at handler level (set by WithAttrs).
	return h.scope != "" && h.scopes[h.scope]
}

func (h *scopeHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level < h.base && !h.recordEnabled(rec) {
		return nil
	}
	return h.inner.Handle(ctx, rec)
}

// recordEnabled checks the record's own attrs for an enabled scope,
// covering loggers that attach the scope per-call rather than via With.
func (h *scopeHandler) recordEnabled(rec slog.Record) bool {
	if len(h.scopes) == 0 {
		return false
	}
	if h.scopes["*"] {
		return true
	}
	if h.scope != "" && h.scopes[h.scope] {
		return true
	}

	enabled := false
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == ScopeKey && h.scopes[a.Value.String()] {
			enabled = true
			return false
		}
		return true
	})
	return enabled
}

func (h *scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == ScopeKey {
			next.scope = a.Value.String()
		}
	}
	return &next
}

func (h *scopeHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}
