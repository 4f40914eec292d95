// Package affiliatetesting holds helpers shared by the affiliate test suites.
package affiliatetesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/affiliate/utils/pkg/logger"
)

// NewLogger returns a test logger on stderr. DEBUG=1 shows info and DEBUG=2
// shows debug; otherwise only errors are written.
func NewLogger() *slog.Logger {
	level := slog.LevelError
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	}
	return logger.NewWithOptions(logger.Options{Level: level, Writer: os.Stderr})
}
