package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const timeFormat = "2006-01-02 15:04:05.000"

// DebugLogger writes verbose, per-subsystem debug lines and register hex dumps
// to a dedicated file. It is intended for troubleshooting the PLC handshake.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Subsystems lists the names accepted by SetFilter.
var Subsystems = []string{
	"plc", "s7", "modbus",
	"gate", "detect", "poller",
	"publish", "mqtt", "valkey", "kafka",
	"http",
	"debug",
}

// related subsystems enabled together with a filter entry.
var related = map[string][]string{
	"plc":     {"s7", "modbus"},
	"gate":    {"plc"},
	"detect":  {"gate"},
	"publish": {"mqtt", "valkey", "kafka"},
}

// NewDebugLogger creates a debug logger writing to path. The file is truncated
// for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}
	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to a comma-separated list of subsystems.
// An empty filter logs everything. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	var enable func(string)
	enable = func(p string) {
		if l.filters[p] {
			return
		}
		l.filters[p] = true
		for _, r := range related[p] {
			enable(r)
		}
	}
	for _, p := range strings.Split(filter, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			enable(p)
		}
	}

	if len(l.filters) > 0 && !l.closed {
		names := make([]string, 0, len(l.filters))
		for p := range l.filters {
			names = append(names, p)
		}
		sort.Strings(names)
		fmt.Fprintf(l.file, "%s [debug] Filtering enabled for: %s\n",
			time.Now().Format(timeFormat), strings.Join(names, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	s := strings.ToLower(subsystem)
	return s == "debug" || l.filters[s]
}

// Enabled reports whether messages for subsystem would be written.
func (l *DebugLogger) Enabled(subsystem string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.shouldLog(subsystem)
}

// SetGlobalDebugLogger installs the process-wide debug logger. nil disables it.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the process-wide debug logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(subsystem) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", time.Now().Format(timeFormat), subsystem, msg)
}

// LogTX logs an outgoing register payload.
func (l *DebugLogger) LogTX(subsystem string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(subsystem, "TX", data)
}

// LogRX logs an incoming register payload.
func (l *DebugLogger) LogRX(subsystem string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(subsystem, "RX", data)
}

func (l *DebugLogger) logPacket(subsystem, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(subsystem) {
		return
	}

	fmt.Fprintf(l.file, "%s [%s] %s (%d bytes):\n%s\n",
		time.Now().Format(timeFormat), subsystem, direction, len(data), hexDump(data))
}

// Close writes a footer and closes the file. It is safe to call twice.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	fmt.Fprintf(l.file, "%s [debug] Debug logging ended\n", time.Now().Format(timeFormat))
	return l.file.Close()
}

// hexDump formats data as offset, hex bytes and ASCII, 16 bytes per line:
//
//	0000: 00 01 00 03                                       ....
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// DebugTX logs an outgoing payload if debug logging is enabled.
func DebugTX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(subsystem, data)
	}
}

// DebugRX logs an incoming payload if debug logging is enabled.
func DebugRX(subsystem string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(subsystem, data)
	}
}

// DebugConnect logs a connection attempt.
func DebugConnect(subsystem, address string) {
	DebugLog(subsystem, "CONNECT to %s", address)
}

// DebugConnectError logs a failed connection attempt.
func DebugConnectError(subsystem, address string, err error) {
	DebugLog(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect logs a disconnection.
func DebugDisconnect(subsystem, address, reason string) {
	DebugLog(subsystem, "DISCONNECT from %s: %s", address, reason)
}

// DebugError logs an error with context.
func DebugError(subsystem, context string, err error) {
	DebugLog(subsystem, "ERROR in %s: %v", context, err)
}
