package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Sink kinds accepted by NewSink
const (
	SinkLog     = "log"
	SinkFile    = "file"
	SinkDiscard = "discard"
)

// maxLoggedPayload bounds how much of a payload LogSink writes per entry
const maxLoggedPayload = 512

// Sink receives payloads drained from the event buffer
type Sink interface {
	Name() string
	Write(payload []byte) error
	Close() error
}

// NewSink builds the sink selected by kind
func NewSink(kind, path string, logger *zap.SugaredLogger) (Sink, error) {
	switch kind {
	case SinkLog, "":
		return NewLogSink(logger), nil
	case SinkFile:
		return NewFileSink(path)
	case SinkDiscard:
		return DiscardSink{}, nil
	default:
		return nil, fmt.Errorf("unknown sink %q", kind)
	}
}

// LogSink writes each payload to the structured log at debug level
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return SinkLog }

func (s *LogSink) Write(payload []byte) error {
	shown := payload
	if len(shown) > maxLoggedPayload {
		shown = shown[:maxLoggedPayload]
	}
	if utf8.Valid(shown) {
		s.logger.Debugw("Event received", "size", len(payload), "payload", string(shown))
	} else {
		s.logger.Debugw("Event received", "size", len(payload), "payload_hex", fmt.Sprintf("%x", shown))
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// FileSink appends newline-terminated payloads to a file
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewFileSink opens (or creates) path for appending
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink requires a path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create sink directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink file: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

func (s *FileSink) Name() string { return SinkFile }

func (s *FileSink) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return os.ErrClosed
	}
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// DiscardSink drops every payload
type DiscardSink struct{}

func (DiscardSink) Name() string { return SinkDiscard }

func (DiscardSink) Write(payload []byte) error { return nil }

func (DiscardSink) Close() error { return nil }
