// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup applies level ("debug", "info", ...) and format ("json" or "text")
// to the standard logger.
func Setup(level, format string) error {
	return configure(log.StandardLogger(), os.Stderr, level, format)
}

func configure(l *log.Logger, out io.Writer, level, format string) error {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		l.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "text":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", format)
	}
	l.SetOutput(out)
	l.SetLevel(lvl)
	return nil
}
