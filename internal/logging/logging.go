// Package logging installs the default slog logger for the command line
// tools.
package logging

import (
	"fmt"
	"io"
	"log/slog"

	"hermannm.dev/devlog"
)

// Formats accepted by Setup.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatDev  = "dev"
)

// NewHandler returns a handler writing to w. verbose lowers the level to
// Debug.
func NewHandler(w io.Writer, format string, verbose bool) (slog.Handler, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	switch format {
	case FormatText, "":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case FormatDev:
		return devlog.NewHandler(w, &devlog.Options{Level: level}), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text, json or dev)", format)
	}
}

// Setup makes a handler from NewHandler the default logger.
func Setup(w io.Writer, format string, verbose bool) error {
	h, err := NewHandler(w, format, verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}
