// perlcomplete/perlcomplete_utils.go
// Contains general utility functions for the perlcomplete package.
package perlcomplete

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
)

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a config string to a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level string: %q (expected debug, info, warn, or error)", levelStr)
	}
}

// NewLogger returns a slog.Logger backed by a charm log handler writing to w.
func NewLogger(w io.Writer, level slog.Level, prefix string) *slog.Logger {
	handler := log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		Level:           log.Level(level),
		ReportTimestamp: true,
		ReportCaller:    false,
		Formatter:       log.TextFormatter,
	})
	return slog.New(handler)
}

// ============================================================================
// Misc Helpers
// ============================================================================

// digitCount returns the number of decimal digits in n (1 for n <= 9, including 0).
func digitCount(n int) int {
	if n < 0 {
		n = -n
	}
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

// hashString returns the hex sha256 of s.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// splitLines splits file contents into lines without their terminators.
// A trailing newline does not produce an extra empty line.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
