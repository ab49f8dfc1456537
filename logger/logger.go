// Package logger is a small leveled front end for the standard log package.
package logger

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/lvdlvd/fsprobe/config"
)

var (
	level = config.LogLevelInfo
	std   = log.New(os.Stderr, "", log.LstdFlags)
	mu    sync.RWMutex
)

func SetLevel(l config.LogLevel) {
	mu.Lock()
	level = l
	mu.Unlock()
}

func GetLevel() config.LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// SetOutput redirects all log output.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

func Debug(format string, args ...interface{}) {
	if GetLevel() <= config.LogLevelDebug {
		std.Printf("[DEBUG] "+format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if GetLevel() <= config.LogLevelInfo {
		std.Printf("[INFO] "+format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if GetLevel() <= config.LogLevelWarn {
		std.Printf("[WARN] "+format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if GetLevel() <= config.LogLevelError {
		std.Printf("[ERROR] "+format, args...)
	}
}
