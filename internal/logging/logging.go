// Package logging builds the process-wide slog logger and owns its output sink.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"open-proxy/internal/config"
)

// StatusKey is the attribute key whose integer value the text handler colors
// by HTTP status class.
const StatusKey = "status"

// ANSI colors used for status classes.
const (
	colorRed     uint8 = 1
	colorGreen   uint8 = 2
	colorBlue    uint8 = 4
	colorMagenta uint8 = 5
	colorWhite   uint8 = 7
)

// Sink is the destination of log output. It is opened once at startup and
// closed on shutdown.
type Sink struct {
	w    io.Writer
	file *os.File // nil for writers that are not files
	own  bool     // whether Close should close file
}

// OpenSink opens the output named by log.output: "stdout", "stderr" or a
// file path, which is created or appended to.
func OpenSink(output string) (*Sink, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return &Sink{w: os.Stdout, file: os.Stdout}, nil
	case "stderr":
		return &Sink{w: os.Stderr, file: os.Stderr}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	return &Sink{w: f, file: f, own: true}, nil
}

// NewSink wraps an arbitrary writer. Close is a no-op for such sinks.
func NewSink(w io.Writer) *Sink {
	f, _ := w.(*os.File)
	return &Sink{w: w, file: f}
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// IsTerminal reports whether the sink is attached to a terminal.
func (s *Sink) IsTerminal() bool {
	if s.file == nil {
		return false
	}
	fd := s.file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Close flushes and closes a file sink opened by OpenSink.
func (s *Sink) Close() error {
	if !s.own {
		return nil
	}
	_ = s.file.Sync()
	return s.file.Close()
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New creates the process logger. JSON output goes through slog's JSON
// handler; text output through tint, colored when enabled and the sink is a
// terminal.
func New(cfg *config.Config, sink *Sink) *slog.Logger {
	level := ParseLevel(cfg.Log.Level)

	if strings.ToLower(cfg.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(NewTextHandler(sink, level, cfg.Log.ColorEnabled() && sink.IsTerminal()))
}

// NewTextHandler returns a tint handler writing "time LVL message key=value"
// lines. With color on, a top-level integer status attribute is colored by
// class: 2xx green, 3xx blue, 4xx red, 5xx magenta.
func NewTextHandler(w io.Writer, level slog.Leveler, color bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		NoColor:    !color,
		TimeFormat: time.DateTime,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == StatusKey && a.Value.Kind() == slog.KindInt64 {
				return tint.Attr(StatusColor(int(a.Value.Int64())), a)
			}
			return a
		},
	})
}

// StatusColor returns the ANSI color for an HTTP status code.
func StatusColor(code int) uint8 {
	switch code / 100 {
	case 2:
		return colorGreen
	case 3:
		return colorBlue
	case 4:
		return colorRed
	case 5:
		return colorMagenta
	default:
		return colorWhite
	}
}
