package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var loadOnce sync.Once

// Config returns the value of an environment variable. The .env file in the
// working directory is loaded on first use; variables already present in the
// process environment take precedence over it.
func Config(key string) string {
	loadOnce.Do(func() {
		_ = godotenv.Load(".env")
	})
	return strings.TrimSpace(os.Getenv(key))
}

// String returns the value of key or fallback when it is unset.
func String(key, fallback string) string {
	if value := Config(key); value != "" {
		return value
	}
	return fallback
}

func Int(key string, fallback int) int {
	value, err := strconv.Atoi(Config(key))
	if err != nil {
		return fallback
	}
	return value
}

// Duration accepts Go duration strings ("10s") or a plain number of seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	raw := Config(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func Bool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(Config(key))
	if err != nil {
		return fallback
	}
	return value
}
