// Package logging provides file-based logging for kbtz-workspace.
// Logs go to a global file (<workspace>/logs/workspace.log) and to
// per-session files (<workspace>/logs/<session>.log). stdout is never
// used: it belongs to the terminal passthrough.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Ensure Logger implements domain.Logger interface.
var _ domain.Logger = (*Logger)(nil)

// Logger wraps slog levels with file-based output.
// Fields are ordered to minimize memory padding.
type Logger struct {
	globalFile   *os.File
	sessionFiles map[string]*os.File
	workspaceDir string
	mu           sync.Mutex
	level        slog.Level
}

// New creates a Logger writing under the workspace log directory.
// An empty workspaceDir disables logging entirely.
func New(workspaceDir string, level slog.Level) *Logger {
	return &Logger{
		workspaceDir: workspaceDir,
		level:        level,
		sessionFiles: make(map[string]*os.File),
	}
}

// ParseLevel parses a log level string into slog.Level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) logsDir() string {
	return filepath.Join(l.workspaceDir, "logs")
}

func (l *Logger) ensureGlobalFile() (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.globalFile != nil {
		return l.globalFile, nil
	}
	if err := os.MkdirAll(l.logsDir(), 0o750); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.logsDir(), "workspace.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open global log file: %w", err)
	}
	l.globalFile = f
	return f, nil
}

func (l *Logger) ensureSessionFile(scope string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.sessionFiles[scope]; ok {
		return f, nil
	}
	if err := os.MkdirAll(l.logsDir(), 0o750); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	name := domain.SessionIDToFilename(scope) + ".log"
	f, err := os.OpenFile(filepath.Join(l.logsDir(), name),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open session log file: %w", err)
	}
	l.sessionFiles[scope] = f
	return f, nil
}

// Close closes all open log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	if l.globalFile != nil {
		if err := l.globalFile.Close(); err != nil {
			lastErr = err
		}
		l.globalFile = nil
	}
	for scope, f := range l.sessionFiles {
		if err := f.Close(); err != nil {
			lastErr = err
		}
		delete(l.sessionFiles, scope)
	}
	return lastErr
}

// formatLine renders one entry:
// [2025-12-30 09:32:51] [INFO] [ws/3] [lifecycle] message
func formatLine(t time.Time, level slog.Level, scope, category, msg string) string {
	if scope == "" {
		scope = "global"
	}
	return fmt.Sprintf("[%s] [%s] [%s] [%s] %s\n",
		t.Format("2006-01-02 15:04:05"),
		levelString(level),
		scope,
		category,
		msg,
	)
}

func levelString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// log writes an entry to the global file, and to the session file when
// scope names a session.
func (l *Logger) log(level slog.Level, scope, category, msg string) {
	if l.workspaceDir == "" || level < l.level {
		return
	}
	entry := formatLine(time.Now(), level, scope, category, msg)
	if gf, err := l.ensureGlobalFile(); err == nil {
		_, _ = io.WriteString(gf, entry)
	}
	if strings.HasPrefix(scope, domain.SessionIDPrefix) {
		if sf, err := l.ensureSessionFile(scope); err == nil {
			_, _ = io.WriteString(sf, entry)
		}
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(scope, category, msg string) {
	l.log(slog.LevelDebug, scope, category, msg)
}

// Info logs an info message.
func (l *Logger) Info(scope, category, msg string) {
	l.log(slog.LevelInfo, scope, category, msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(scope, category, msg string) {
	l.log(slog.LevelWarn, scope, category, msg)
}

// Error logs an error message.
func (l *Logger) Error(scope, category, msg string) {
	l.log(slog.LevelError, scope, category, msg)
}
