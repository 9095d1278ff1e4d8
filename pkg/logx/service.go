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

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the chat sink. Target is a chat id ("-100...") or
// channel username ("@name").
type TelegramConfig struct {
	Enabled    bool
	Target     string
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./intelrelay.log"

// Service owns the sinks behind every Logger it hands out and can swap them
// at runtime.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	chat *chatSink

	mu   sync.Mutex
	file *os.File
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{chat: newChatSink()}
	boot := consoleRoot(parseLevel(cfg.Level, LevelInfo))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{root: &s.root} }

// SetSender attaches the chat sink to an outbound path; nil detaches it.
func (s *Service) SetSender(snd Sender) { s.chat.setSender(snd) }

// Apply rebuilds the sinks and level. Loggers already handed out follow.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(Stdout()))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(Stderr(), "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.chat.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Target) == "" {
			fmt.Fprintln(Stderr(), "logx: logging.telegram is enabled without a target")
		}
		sinks = append(sinks, s.chat)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(Stdout()))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the chat sink and closes the log file. Logging afterwards
// still works on the console and any file handle is gone.
func (s *Service) Close() error {
	s.chat.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	return f, nil
}
