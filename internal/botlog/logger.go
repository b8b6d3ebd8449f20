// Package botlog is the per-symbol file logger every component logs
// through: a stdlib log.Logger writing to a daily, per-symbol file,
// wrapped in level-named helper methods guarded by a mutex.
package botlog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level tags a log entry's category.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARN"
	LevelError    Level = "ERROR"
	LevelTrade    Level = "TRADE"
	LevelStatus   Level = "STATUS"
	LevelDebug    Level = "DEBUG"
	LevelStrategy Level = "STRATEGY"
)

// Logger is a file logger scoped to one symbol.
type Logger struct {
	mu        sync.Mutex
	symbol    string
	file      *os.File
	logger    *log.Logger
	debugMode bool
}

// New creates a Logger writing to logs/<symbol>_<date>.log, creating the
// directory if necessary.
func New(symbol string, debugMode bool) (*Logger, error) {
	dir := "logs"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("botlog: create log directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.log", symbol, time.Now().Format("2006-01-02"))
	path := filepath.Join(dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("botlog: open log file: %w", err)
	}

	l := &Logger{symbol: symbol, file: f, logger: log.New(f, "", 0), debugMode: debugMode}
	l.logger.Printf("==== grid session started: %s at %s ====", symbol, time.Now().Format(time.RFC3339))
	return l, nil
}

// Log writes a single formatted entry tagged with level.
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	if level == LevelDebug && !l.debugMode {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("[%s] [%s] %s", time.Now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...interface{})     { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warning(format string, args ...interface{})  { l.Log(LevelWarning, format, args...) }
func (l *Logger) Error(format string, args ...interface{})    { l.Log(LevelError, format, args...) }
func (l *Logger) Trade(format string, args ...interface{})    { l.Log(LevelTrade, format, args...) }
func (l *Logger) Status(format string, args ...interface{})   { l.Log(LevelStatus, format, args...) }
func (l *Logger) Debug(format string, args ...interface{})    { l.Log(LevelDebug, format, args...) }
func (l *Logger) Strategy(format string, args ...interface{}) { l.Log(LevelStrategy, format, args...) }

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
