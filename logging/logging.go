// Package logging builds the run-scoped logger handed to every component at
// construction. No package keeps a mutable global logger; each pipeline run
// owns its own handle and log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Level string // debug, info, warn, error
	Dir   string // log file directory; empty disables the file writer
	Quiet bool   // suppress the console writer
}

// New creates a logger writing to a timestamped file under Dir and,
// unless Quiet, to a console writer on stdout. The returned closer releases
// the log file.
func New(opts Options) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	var writers []io.Writer
	closer := func() error { return nil }

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := fmt.Sprintf("executor_%s.log", time.Now().Format("20060102_150405"))
		file, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file.Close
	}
	if !opts.Quiet {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}
