package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects level and sinks.
//
// Format applies to stdout: "console" (default) is human-readable, "json"
// writes one event per line. The file sink is always JSON.
type Config struct {
	Level   string
	Format  string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultFile = "./newsletterd.log"

// Service owns the sinks and lets Apply swap them while loggers are in use.
type Service struct {
	mu   sync.Mutex
	file *os.File

	root   atomic.Pointer[zerolog.Logger]
	stdout io.Writer
	format string
}

// New applies cfg and returns the service with a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, stdout io.Writer) (*Service, Logger) {
	setGlobals()
	s := &Service{stdout: stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Close releases the log file, if any. Later events go to stdout only.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	zl := build(s.stdoutWriter(s.format), s.current().GetLevel())
	s.root.Store(&zl)
	return f.Close()
}

// Apply swaps level and sinks. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.file
	s.file = nil
	s.format = cfg.Format

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, s.stdoutWriter(cfg.Format))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.stdoutWriter(cfg.Format))
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, zerolog.InfoLevel))
	s.root.Store(&zl)
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) stdoutWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return s.stdout
	}
	return newConsoleWriter(s.stdout)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
