// Package logging provides the process-wide structured log sink.
//
// Records are appended as one JSON object per line. The file is opened lazily
// on first use and can be re-opened after an external rotation with Reopen.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"async-notify/internal/config"
)

var (
	mu     sync.Mutex
	sink   *appendFile
	global *zerolog.Logger
)

// New builds a logger for cfg. When cfg.File is set, records go to the shared
// append-only file in addition to stdout.
func New(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = "2006-01-02 15:04:05"

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	var console io.Writer = os.Stdout
	if cfg.Format != "json" {
		console = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	out := console
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(console, fileSink(cfg.File))
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Init installs the process-wide logger returned by L.
func Init(cfg config.LoggingConfig) zerolog.Logger {
	l := New(cfg)
	mu.Lock()
	global = &l
	mu.Unlock()
	return l
}

// L returns the process-wide logger. Before Init it writes JSON to stderr.
func L() *zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		global = &l
	}
	return global
}

// Reopen closes and re-opens the shared log file, e.g. after logrotate moved it.
func Reopen() error {
	mu.Lock()
	s := sink
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.reopen()
}

func fileSink(path string) *appendFile {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil || sink.path != path {
		sink = &appendFile{path: path}
	}
	return sink
}

// appendFile is an io.Writer that opens its file on the first write.
type appendFile struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func (a *appendFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	return a.f.Write(p)
}

func (a *appendFile) open() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	a.f = f
	return nil
}

func (a *appendFile) reopen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	return a.open()
}

// RecentErrors returns the newest n error-level lines among the last tail
// lines of the log at path, oldest first.
func RecentErrors(path string, tail, n int) ([]string, error) {
	if tail < 1 || n < 1 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, tail)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == tail {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var out []string
	for i := len(ring) - 1; i >= 0 && len(out) < n; i-- {
		if strings.Contains(ring[i], `"level":"error"`) {
			out = append(out, ring[i])
		}
	}
	slices.Reverse(out)
	return out, nil
}
