package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FileLogger appends timestamped operator lines to a file.
// It is safe for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log writes a formatted line with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", time.Now().Format(timeFormat), fmt.Sprintf(format, args...))
}

// Write implements io.Writer so the logger can back a standard log.Logger.
// Each call is recorded as one timestamped line.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.Log("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Close closes the log file. It is safe to call twice.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
