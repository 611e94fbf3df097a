package logging

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeyParts = []string{"secret", "seed", "private", "password", "passphrase", "mnemonic", "token", "key"}

// Public key attributes are safe to log.
var allowedKeys = map[string]struct{}{
	"public_key": {},
	"pubkey":     {},
	"peer_key":   {},
}

type redactingHandler struct {
	next slog.Handler
}

// RedactingHandler wraps next and replaces the value of any attribute whose
// name looks like key material.
func RedactingHandler(next slog.Handler) slog.Handler {
	return &redactingHandler{next: next}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(Redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = Redact(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(clean)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}

// Redact returns a with its value replaced when its key is sensitive.
func Redact(a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = Redact(g)
		}
		return slog.Group(a.Key, clean...)
	}
	return a
}

func isSensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := allowedKeys[k]; ok {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
