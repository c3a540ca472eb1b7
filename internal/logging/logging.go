// Package logging builds the zerolog loggers used by every process.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options control the root logger.
type Options struct {
	Level  string // trace|debug|info|warn|error
	Format string // console|json
	File   string // optional extra sink, appended to
}

// New creates a logger writing to out (stdout when nil) and, when set, to
// opts.File. Unknown levels fall back to info. The returned close func
// releases the file sink and is always safe to call.
func New(opts Options, out io.Writer) (zerolog.Logger, func() error, error) {
	noop := func() error { return nil }
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stdout
	}

	var primary io.Writer = out
	if strings.EqualFold(opts.Format, "console") {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{primary}
	closeFn := noop

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), noop, err
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), noop, err
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	var w io.Writer = primary
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger(), closeFn, nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Redact hides secrets such as bot keys, keeping a short prefix.
func Redact(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-2:]
}
