package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/org/authcore/internal/storage"
	"github.com/org/authcore/pkg/models"
)

// FileConfig controls the rotating JSON-lines sink.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// FileSink writes one JSON object per line and rotates by size.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func NewFileSink(cfg FileConfig) *FileSink {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &FileSink{w: &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}}
}

// NewWriterSink writes JSON lines to w. Used for stdout and tests.
func NewWriterSink(w io.WriteCloser) *FileSink {
	return &FileSink{w: w}
}

func (s *FileSink) Write(_ context.Context, ev *models.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

type backendSink struct {
	b storage.Backend
}

func (s *backendSink) Write(ctx context.Context, ev *models.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	return s.b.Put(ctx, recordPrefix+ev.ID, b)
}

// The backend is owned by the caller.
func (s *backendSink) Close() error { return nil }
