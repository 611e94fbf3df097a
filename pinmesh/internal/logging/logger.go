package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggers sync.Map // subsystem -> *slog.Logger
	levels  sync.Map // subsystem -> *slog.LevelVar

	output   io.Writer = os.Stderr
	outputMu sync.RWMutex
)

type dynamicWriter struct{}

func (dynamicWriter) Write(p []byte) (int, error) {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return w.Write(p)
}

// Logger returns the cached logger of subsystem. Every record carries a
// "subsystem" attribute and passes through the redacting handler.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	lv := new(slog.LevelVar)
	lv.Set(cfg.LevelFor(subsystem))

	opts := &slog.HandlerOptions{Level: lv}
	var inner slog.Handler
	if cfg.Format == FormatJSON {
		inner = slog.NewJSONHandler(dynamicWriter{}, opts)
	} else {
		inner = slog.NewTextHandler(dynamicWriter{}, opts)
	}
	inner = inner.WithAttrs([]slog.Attr{slog.String("subsystem", subsystem)})

	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(RedactingHandler(inner)))
	if !loaded {
		levels.Store(subsystem, lv)
	}
	return actual.(*slog.Logger)
}

// SetLevel changes the level of an existing subsystem logger.
func SetLevel(subsystem string, level slog.Level) {
	if lv, ok := levels.Load(subsystem); ok {
		lv.(*slog.LevelVar).Set(level)
	}
}

// SetOutput redirects every logger. Tests use it to capture output.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}
