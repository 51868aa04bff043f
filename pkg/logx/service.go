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
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogPath    = "./chronod.log"
	defaultFileSizeMB = 20
)

type Config struct {
	Level   string
	Console bool
	// Pretty renders console output through zerolog's human-oriented
	// writer instead of plain JSON lines.
	Pretty bool
	File   FileConfig
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Service owns the shared log sinks and swaps them on config reloads.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Pointer[zerolog.Logger]

	file *lumberjack.Logger
}

// New creates the logging service and applies cfg immediately.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Logger returns a live root logger bound to this service.
func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps sinks and level at runtime. Safe for concurrent use; loggers
// handed out earlier pick the change up on their next write.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(s.buildWriters(cfg)...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// buildWriters assembles the configured sinks, falling back to console
// when nothing else is enabled. Caller holds mu.
func (s *Service) buildWriters(cfg Config) []io.Writer {
	writers := make([]io.Writer, 0, 2)
	if cfg.Console {
		writers = append(writers, consoleWriter(cfg.Pretty))
	}
	if cfg.File.Enabled {
		if w, f := fileWriter(cfg.File); w != nil {
			s.file = f
			writers = append(writers, w)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(cfg.Pretty))
	}
	return writers
}

// consoleWriter is the stdout sink: plain JSON lines by default, the
// pretty renderer when asked.
func consoleWriter(pretty bool) io.Writer {
	if !pretty {
		return Stdout()
	}
	return prettyWriter(Stdout())
}

func prettyWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	// The caller field is already short, render it as-is.
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// fileWriter opens the rotated file sink. Failure to prepare the log
// directory drops the sink and reports on stderr.
func fileWriter(fc FileConfig) (io.Writer, *lumberjack.Logger) {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "logx: preparing log dir for %q: %v\n", path, err)
		return nil, nil
	}
	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
	}
	if f.MaxSize <= 0 {
		f.MaxSize = defaultFileSizeMB
	}
	return zerolog.SyncWriter(f), f
}

// Stdout returns the stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the stderr sink.
func Stderr() io.Writer { return os.Stderr }
