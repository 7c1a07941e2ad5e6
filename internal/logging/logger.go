// Package logging provides categorized file-based logging for evoloop.
// Logs are written to .evoloop/logs/ with a separate file per category.
// Logging is controlled by the logging section of .evoloop/config.yaml -
// when debug mode is off, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and runtime validation
	CategoryController Category = "controller" // Evolution controller state machine
	CategorySandbox    Category = "sandbox"    // Container runtime and workspace prep
	CategoryGenerator  Category = "generator"  // Module generator calls
	CategoryApply      Category = "apply"      // Kind-specific apply routines
	CategoryStore      Category = "store"      // Audit trail persistence
	CategoryConfig     Category = "config"     // Config loading and hot reload
)

// Options controls logger construction. Mirrors config.LoggingConfig to
// avoid a circular import.
type Options struct {
	DebugMode  bool
	Level      string          // debug/info/warn/error
	Categories map[string]bool // nil = all categories enabled
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*zap.SugaredLogger)
	opts    Options
	logsDir string
	nop     = zap.NewNop().Sugar()
)

// Initialize sets up the logging directory. Should be called once at startup
// with the workspace path. A no-op when debug mode is off.
func Initialize(workspace string, o Options) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	mu.Lock()
	opts = o
	logsDir = filepath.Join(workspace, ".evoloop", "logs")
	loggers = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Infof("=== evoloop logging initialized ===")
	boot.Infof("logs directory: %s", logsDir)
	boot.Infof("level: %s", o.Level)
	return nil
}

func level() zapcore.Level {
	switch opts.Level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func enabled(category Category) bool {
	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	on, exists := opts.Categories[string(category)]
	if !exists {
		return true // enable by default if not listed
	}
	return on
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	dir := logsDir
	mu.RUnlock()

	if !enabled(category) || dir == "" {
		return nop
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed filename for easy rotation by deletion.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return nop
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(file), level())
	l := zap.New(core).Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// CloseAll flushes and drops all open loggers (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
	loggers = make(map[Category]*zap.SugaredLogger)
}

// Convenience wrappers. These are no-ops when the category is disabled.

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Infof(format, args...)
}

// Controller logs to the controller category.
func Controller(format string, args ...interface{}) {
	Get(CategoryController).Infof(format, args...)
}

// ControllerDebug logs debug to the controller category.
func ControllerDebug(format string, args ...interface{}) {
	Get(CategoryController).Debugf(format, args...)
}

// ControllerError logs error to the controller category.
func ControllerError(format string, args ...interface{}) {
	Get(CategoryController).Errorf(format, args...)
}

// Sandbox logs to the sandbox category.
func Sandbox(format string, args ...interface{}) {
	Get(CategorySandbox).Infof(format, args...)
}

// SandboxDebug logs debug to the sandbox category.
func SandboxDebug(format string, args ...interface{}) {
	Get(CategorySandbox).Debugf(format, args...)
}

// SandboxError logs error to the sandbox category.
func SandboxError(format string, args ...interface{}) {
	Get(CategorySandbox).Errorf(format, args...)
}

// Generator logs to the generator category.
func Generator(format string, args ...interface{}) {
	Get(CategoryGenerator).Infof(format, args...)
}

// GeneratorError logs error to the generator category.
func GeneratorError(format string, args ...interface{}) {
	Get(CategoryGenerator).Errorf(format, args...)
}

// Apply logs to the apply category.
func Apply(format string, args ...interface{}) {
	Get(CategoryApply).Infof(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Infof(format, args...)
}

// StoreError logs error to the store category.
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Errorf(format, args...)
}

// Config logs to the config category.
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Infof(format, args...)
}
