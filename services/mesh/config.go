package mesh

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Debounce  time.Duration
	Reconcile time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Debounce:  time.Duration(envIntOr("RING_MESH_DEBOUNCE_SEC", 5)) * time.Second,
		Reconcile: time.Duration(envIntOr("RING_MESH_RECONCILE_SEC", 60)) * time.Second,
	}
}

func envIntOr(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
