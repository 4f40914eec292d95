// Package logger builds the slog loggers used by the affiliate binaries.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options configures NewWithOptions.
type Options struct {
	Level slog.Level
	// JSON writes one JSON object per record for log collectors instead of
	// the colored console format.
	JSON   bool
	Writer io.Writer
}

// New returns a console logger on stdout, or a JSON logger when LOG_FORMAT
// is "json".
func New(verbose bool) *slog.Logger {
	opts := Options{Level: slog.LevelInfo, JSON: os.Getenv("LOG_FORMAT") == "json"}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return NewWithOptions(opts)
}

func NewWithOptions(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       opts.Level,
			ReplaceAttr: replaceAttr,
		}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:       opts.Level,
		NoColor:     w != os.Stdout && w != os.Stderr,
		ReplaceAttr: replaceAttr,
	}))
}

// replaceAttr writes UTC millisecond timestamps and drops empty strings.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
	}
	if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03dZ", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1_000_000)
}
