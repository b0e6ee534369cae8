// Package logging provides categorized file-based logging for posnorm.
// Each pipeline stage writes to its own file under the logs directory so a
// single order's path through the pipeline can be followed per concern.
// Logging is off until Initialize is called (or POSNORM_DEBUG is set), which
// keeps library consumers silent by default.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category identifies a log stream, one file per category.
type Category string

const (
	CategoryBoot       Category = "boot"       // startup, config resolution
	CategoryParser     Category = "parser"     // raw text -> lines
	CategoryCandidates Category = "candidates" // fuzzy catalog matching
	CategoryLLM        Category = "llm"        // model requests/responses
	CategoryNormalize  Category = "normalize"  // prompt assembly, sanitization
	CategoryMerge      Category = "merge"      // reconciliation, validation
	CategoryPipeline   Category = "pipeline"   // stage orchestration
	CategoryCache      Category = "cache"      // TTL cache hits/misses
	CategoryAudit      Category = "audit"      // audit log writes/queries
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	stateMu   sync.RWMutex
	logLevel  = LevelInfo
)

// Initialize enables logging and sets the directory log files are written
// to. Level is taken from POSNORM_LOG_LEVEL (debug/info/warn/error, default
// info).
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	stateMu.Lock()
	logsDir = dir
	enabled = true
	logLevel = parseLevel(os.Getenv("POSNORM_LOG_LEVEL"))
	stateMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== posnorm logging initialized ===")
	boot.Info("logs directory: %s", dir)
	return nil
}

// InitFromEnv enables logging when POSNORM_DEBUG is truthy, writing to
// POSNORM_LOG_DIR (default ./.posnorm/logs). It is a no-op otherwise.
func InitFromEnv() {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("POSNORM_DEBUG"))) {
	case "1", "true", "yes", "on":
	default:
		return
	}
	dir := strings.TrimSpace(os.Getenv("POSNORM_LOG_DIR"))
	if dir == "" {
		dir = filepath.Join(".posnorm", "logs")
	}
	if err := Initialize(dir); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: %v\n", err)
	}
}

// Enabled reports whether logging is active.
func Enabled() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return enabled
}

func parseLevel(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func currentLevel() int {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return logLevel
}

// Get returns (or creates) the logger for a category. When logging is
// disabled, or the file cannot be opened, a no-op logger is returned.
func Get(category Category) *Logger {
	stateMu.RLock()
	active, dir := enabled, logsDir
	stateMu.RUnlock()
	if !active || dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always written when the logger is active).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes every open log file. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns when the elapsed time exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// =============================================================================
// CONVENIENCE FUNCTIONS - quick logging without getting a logger first.
// These are no-ops until logging is initialized.
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Parser logs to the parser category.
func Parser(format string, args ...interface{}) { Get(CategoryParser).Info(format, args...) }

// ParserDebug logs debug to the parser category.
func ParserDebug(format string, args ...interface{}) { Get(CategoryParser).Debug(format, args...) }

// ParserWarn logs warning to the parser category.
func ParserWarn(format string, args ...interface{}) { Get(CategoryParser).Warn(format, args...) }

// Candidates logs to the candidates category.
func Candidates(format string, args ...interface{}) { Get(CategoryCandidates).Info(format, args...) }

// CandidatesDebug logs debug to the candidates category.
func CandidatesDebug(format string, args ...interface{}) {
	Get(CategoryCandidates).Debug(format, args...)
}

// LLM logs to the llm category.
func LLM(format string, args ...interface{}) { Get(CategoryLLM).Info(format, args...) }

// LLMDebug logs debug to the llm category.
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }

// LLMWarn logs warning to the llm category.
func LLMWarn(format string, args ...interface{}) { Get(CategoryLLM).Warn(format, args...) }

// LLMError logs error to the llm category.
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

// Normalize logs to the normalize category.
func Normalize(format string, args ...interface{}) { Get(CategoryNormalize).Info(format, args...) }

// NormalizeDebug logs debug to the normalize category.
func NormalizeDebug(format string, args ...interface{}) {
	Get(CategoryNormalize).Debug(format, args...)
}

// NormalizeWarn logs warning to the normalize category.
func NormalizeWarn(format string, args ...interface{}) {
	Get(CategoryNormalize).Warn(format, args...)
}

// Merge logs to the merge category.
func Merge(format string, args ...interface{}) { Get(CategoryMerge).Info(format, args...) }

// MergeDebug logs debug to the merge category.
func MergeDebug(format string, args ...interface{}) { Get(CategoryMerge).Debug(format, args...) }

// Pipeline logs to the pipeline category.
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Info(format, args...) }

// PipelineWarn logs warning to the pipeline category.
func PipelineWarn(format string, args ...interface{}) {
	Get(CategoryPipeline).Warn(format, args...)
}

// PipelineError logs error to the pipeline category.
func PipelineError(format string, args ...interface{}) {
	Get(CategoryPipeline).Error(format, args...)
}

// Cache logs to the cache category.
func Cache(format string, args ...interface{}) { Get(CategoryCache).Info(format, args...) }

// CacheDebug logs debug to the cache category.
func CacheDebug(format string, args ...interface{}) { Get(CategoryCache).Debug(format, args...) }

// Audit logs to the audit category.
func Audit(format string, args ...interface{}) { Get(CategoryAudit).Info(format, args...) }

// AuditWarn logs warning to the audit category.
func AuditWarn(format string, args ...interface{}) { Get(CategoryAudit).Warn(format, args...) }
