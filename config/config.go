// Package config reads fsprobe settings from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

type Config struct {
	LogLevel   LogLevel
	XTSKey     []byte // nil for plaintext images
	XTSSector  int
	AllowWrite bool
	Partition  int // -1 picks the first supported partition
}

// Load reads the FSPROBE_* variables. A malformed XTS key is an error;
// other malformed values fall back to their defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:   ParseLogLevel(getEnv("FSPROBE_LOG_LEVEL", "info")),
		XTSSector:  getEnvInt("FSPROBE_XTS_SECTOR", 512),
		AllowWrite: getEnvBool("FSPROBE_ALLOW_WRITE", false),
		Partition:  getEnvInt("FSPROBE_PARTITION", -1),
	}

	if v := os.Getenv("FSPROBE_XTS_KEY"); v != "" {
		key, err := ParseKey(v)
		if err != nil {
			return nil, fmt.Errorf("FSPROBE_XTS_KEY: %w", err)
		}
		cfg.XTSKey = key
	}

	return cfg, nil
}

// ParseKey decodes a hex-encoded XTS key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	return key, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}
