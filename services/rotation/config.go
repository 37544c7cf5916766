package rotation

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Interval          time.Duration
	Timeout           time.Duration
	MaxAttempts       int
	GracePeriod       time.Duration
	KeyFile           string
	ConnChallengeSize int
}

func ConfigFromEnv() Config {
	return Config{
		Interval:          time.Duration(envIntOr("RING_ROTATION_INTERVAL_SEC", 24*3600)) * time.Second,
		Timeout:           time.Duration(envIntOr("RING_ROTATION_TIMEOUT_SEC", 300)) * time.Second,
		MaxAttempts:       envIntOr("RING_ROTATION_MAX_ATTEMPTS", 3),
		GracePeriod:       time.Duration(envIntOr("RING_ROTATION_GRACE_SEC", 600)) * time.Second,
		KeyFile:           envStrOr("RING_KEY_FILE", "data/ring_ed25519.key"),
		ConnChallengeSize: envIntOr("RING_CONN_CHALLENGE_SIZE", 32),
	}
}

func envStrOr(key string, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
