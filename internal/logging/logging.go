// Package logging builds the daemon's slog logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

type Options struct {
	// File appends JSON records to this path in addition to the console.
	File string
	// Verbose enables debug records.
	Verbose bool
	// Silent suppresses console output. File output is unaffected.
	Silent bool
	// Console defaults to os.Stderr.
	Console io.Writer
}

// New returns a logger writing to the console and, optionally, a file. The
// console gets text records on a terminal and JSON otherwise. The returned
// closer releases the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if !opts.Silent {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		if isTerminal(console) {
			handlers = append(handlers, slog.NewTextHandler(console, hopts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(console, hopts))
		}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, hopts))
		closer = f
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, hopts)), closer, nil
	case 1:
		return slog.New(handlers[0]), closer, nil
	default:
		return slog.New(&fanout{handlers: handlers}), closer, nil
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout delivers each record to every handler that accepts its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanout{handlers: next}
}

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
