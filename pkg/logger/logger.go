package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	User      *string                `json:"user,omitempty"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

type Logger struct {
	mu     sync.Mutex
	output io.Writer
	color  bool
	debug  bool
}

var globalLogger atomic.Pointer[Logger]

func New(output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{output: output, color: output == os.Stdout}
}

// Init installs a global logger writing to stdout and, when extra writers are
// given, to those as well (uncolored).
func Init(extra ...io.Writer) {
	if len(extra) == 0 {
		globalLogger.Store(New(os.Stdout))
		return
	}
	writers := append([]io.Writer{os.Stdout}, extra...)
	globalLogger.Store(&Logger{output: io.MultiWriter(writers...)})
}

// InitWriter installs a global logger writing only to w. Tests use it with
// io.Discard or a buffer.
func InitWriter(w io.Writer) {
	globalLogger.Store(New(w))
}

// SetDebug toggles debug entries on the global logger.
func SetDebug(enabled bool) {
	if l := globalLogger.Load(); l != nil {
		l.mu.Lock()
		l.debug = enabled
		l.mu.Unlock()
	}
}

func (l *Logger) log(level LogLevel, action string, user *string, details map[string]interface{}, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level == LevelDebug && !l.debug {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		User:      user,
		Action:    action,
		Details:   details,
		Caller:    getCaller(),
	}

	if err != nil {
		entry.Error = err.Error()
	}

	data, mErr := json.Marshal(entry)
	if mErr != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"action":%q,"error":"unencodable details"}`, level, action))
	}

	if l.color {
		var colorCode string
		switch level {
		case LevelError:
			colorCode = "\033[31m"
		case LevelWarn:
			colorCode = "\033[33m"
		case LevelDebug:
			colorCode = "\033[90m"
		default:
			colorCode = "\033[36m"
		}
		fmt.Fprintf(l.output, "%s%s\033[0m\n", colorCode, string(data))
		return
	}
	fmt.Fprintf(l.output, "%s\n", string(data))
}

func Debug(action string, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelDebug, action, nil, details, nil)
	}
}

func Info(action string, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelInfo, action, nil, details, nil)
	}
}

func InfoWithUser(user string, action string, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelInfo, action, &user, details, nil)
	}
}

func Warn(action string, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelWarn, action, nil, details, nil)
	}
}

func WarnWithUser(user string, action string, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelWarn, action, &user, details, nil)
	}
}

func Error(action string, err error, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelError, action, nil, details, err)
	}
}

func ErrorWithUser(user string, action string, err error, details map[string]interface{}) {
	if l := globalLogger.Load(); l != nil {
		l.log(LevelError, action, &user, details, err)
	}
}

// getCaller reports the file:line of the code that called the package-level helper.
func getCaller() string {
	if _, file, line, ok := runtime.Caller(3); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return ""
}
