package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelSuccess marks stage completions in the run log. It sits above INFO
// so it always survives level filtering that lets INFO through.
const LevelSuccess = slog.Level(2)

// syncWriter serializes writes to the shared log file across handler clones
type syncWriter struct {
	mu   sync.Mutex
	file *os.File
}

func (w *syncWriter) WriteString(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.file, s)
	return err
}

// RunLog writes one timestamped, level-tagged line per log event into the
// per-invocation log file, while also forwarding records to a console
// handler. One RunLog exists per invocation; the file is named with the
// invocation timestamp.
type RunLog struct {
	out     *syncWriter
	path    string
	console slog.Handler
	attrs   []slog.Attr
}

// Open creates the run log file under dir, named with the given start time
func Open(dir string, start time.Time) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("deploy_%s.log", start.Format("20060102_150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}

	return &RunLog{
		out:  &syncWriter{file: f},
		path: path,
		console: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			ReplaceAttr: replaceLevel,
		}),
	}, nil
}

// Path returns the run log file path
func (l *RunLog) Path() string {
	return l.path
}

// Close flushes and closes the underlying file
func (l *RunLog) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.file.Close()
}

// Logger returns a slog.Logger backed by this run log
func (l *RunLog) Logger() *slog.Logger {
	return slog.New(l)
}

// Enabled implements slog.Handler
func (l *RunLog) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

// Handle implements slog.Handler: write the tagged file line, then forward
func (l *RunLog) Handle(ctx context.Context, rec slog.Record) error {
	var b strings.Builder
	b.WriteString(rec.Message)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range l.attrs {
		appendAttr(a)
	}
	rec.Attrs(appendAttr)

	line := fmt.Sprintf("[%s] %s %s\n", rec.Time.Format("2006-01-02 15:04:05"), levelTag(rec.Level), b.String())
	if err := l.out.WriteString(line); err != nil {
		return err
	}

	if l.console.Enabled(ctx, rec.Level) {
		return l.console.Handle(ctx, rec)
	}
	return nil
}

// WithAttrs implements slog.Handler
func (l *RunLog) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RunLog{
		out:     l.out,
		path:    l.path,
		console: l.console.WithAttrs(attrs),
		attrs:   append(append([]slog.Attr{}, l.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler
func (l *RunLog) WithGroup(name string) slog.Handler {
	// groups are flattened in the file format; the console keeps them
	return &RunLog{
		out:     l.out,
		path:    l.path,
		console: l.console.WithGroup(name),
		attrs:   l.attrs,
	}
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= LevelSuccess:
		return "SUCCESS"
	default:
		return "INFO"
	}
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(levelTag(level))
		}
	}
	return a
}
