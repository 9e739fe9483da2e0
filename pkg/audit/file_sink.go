package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultFileMaxSize is the size at which the audit file is rotated
	DefaultFileMaxSize  = 100 << 20
	// DefaultFileMaxFiles is the number of rotated files kept
	DefaultFileMaxFiles = 10

	currentFileName = "audit.log"
	rotatedPattern  = "audit-*.log"
	rotatedLayout   = "20060102T150405.000000000"
)

// ErrSinkClosed is returned by Append after Close
var ErrSinkClosed = errors.New("audit file sink is closed")

// FileSinkConfig configures a FileSink
type FileSinkConfig struct {
	Dir      string
	MaxSize  int64
	MaxFiles int
}

// FileSink appends records to Dir/audit.log as JSON lines. When the file
// reaches MaxSize it is renamed to audit-<timestamp>.log and a new one is
// started; only the newest MaxFiles rotated files are kept.
type FileSink struct {
	dir      string
	maxSize  int64
	maxFiles int
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	file    *os.File
	size    int64
	encoder *json.Encoder
}

// NewFileSink opens or creates the audit file under config.Dir
func NewFileSink(config FileSinkConfig, logger *logrus.Logger) (*FileSink, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("audit file directory is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultFileMaxSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = DefaultFileMaxFiles
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(config.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	s := &FileSink{
		dir:      config.Dir,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes rec as one JSON line, rotating first when the file is full
func (s *FileSink) Append(_ context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrSinkClosed
	}
	if s.size >= s.maxSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	if err := s.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to write audit file: %w", err)
	}
	return nil
}

// Close closes the current file. Append fails afterwards.
func (s *FileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Path returns the file currently written to
func (s *FileSink) Path() string {
	return filepath.Join(s.dir, currentFileName)
}

func (s *FileSink) open() error {
	file, err := os.OpenFile(s.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit file: %w", err)
	}
	s.file = file
	s.size = info.Size()
	s.encoder = json.NewEncoder(countingWriter{sink: s})
	return nil
}

func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close audit file before rotation")
	}
	s.file = nil

	rotated := filepath.Join(s.dir, "audit-"+s.now().Format(rotatedLayout)+".log")
	if err := os.Rename(s.Path(), rotated); err != nil {
		// keep appending to the oversized file
		return errors.Join(fmt.Errorf("failed to rotate audit file: %w", err), s.open())
	}
	s.cleanup()
	return s.open()
}

// cleanup removes rotated files beyond maxFiles. Names sort by timestamp.
func (s *FileSink) cleanup() {
	files, err := filepath.Glob(filepath.Join(s.dir, rotatedPattern))
	if err != nil || len(files) <= s.maxFiles {
		return
	}
	for _, file := range files[:len(files)-s.maxFiles] {
		if err := os.Remove(file); err != nil {
			s.logger.WithError(err).WithField("file", file).Warn("Failed to remove old audit file")
		}
	}
}

// countingWriter tracks the file size so rotation needs no Stat per record
type countingWriter struct {
	sink *FileSink
}

func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.sink.file.Write(p)
	w.sink.size += int64(n)
	return n, err
}
