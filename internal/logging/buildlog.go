package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// BuildLog is the append-only log file shared by every hop of a pipeline run.
// Writes are serialized so subprocess output and log records from concurrent
// build tasks never interleave mid-line.
type BuildLog struct {
	Path string

	mu   sync.Mutex
	file *os.File
	out  io.Writer
}

// OpenBuildLog opens (or creates) the log at path in append mode and mirrors
// every write to console. A nil console disables mirroring.
func OpenBuildLog(path string, console io.Writer) (*BuildLog, error) {
	if path == "" {
		return nil, fmt.Errorf("build log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}

	out := io.Writer(file)
	if console != nil {
		out = io.MultiWriter(console, file)
	}
	return &BuildLog{Path: path, file: file, out: out}, nil
}

func (l *BuildLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Write(p)
}

// Close flushes and closes the underlying file.
func (l *BuildLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
