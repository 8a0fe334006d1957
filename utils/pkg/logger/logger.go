package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options controls the handler built by NewWithOptions.
type Options struct {
	Verbose bool
	// JSON switches from the colored console handler to slog's JSON handler,
	// which is what log shippers in production deployments expect.
	JSON   bool
	Writer io.Writer
}

func New(verbose bool) *slog.Logger {
	return NewWithOptions(Options{Verbose: verbose})
}

func NewWithOptions(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceAttr,
		}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03dZ", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1_000_000)
}
