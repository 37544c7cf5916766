package registry

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	QuorumWeighted = "weighted"
	QuorumSimple   = "simple"
)

// Config centralizes every trust threshold so nothing floats as a scattered
// module constant. Defaults mirror the protocol values.
type Config struct {
	PromoteThreshold float64
	HoldThreshold    float64
	DemoteThreshold  float64
	QuorumMode       string
	BlockedRetention time.Duration
	RecordsFile      string
	AuditFile        string
	AuditMax         int
	MaintainEvery    time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		PromoteThreshold: envFloatOr("RING_PROMOTE_THRESHOLD", 0.8),
		HoldThreshold:    envFloatOr("RING_HOLD_THRESHOLD", 0.5),
		DemoteThreshold:  envFloatOr("RING_DEMOTE_THRESHOLD", 0.3),
		QuorumMode:       normalizeQuorumMode(os.Getenv("RING_QUORUM_MODE")),
		BlockedRetention: time.Duration(envIntOr("RING_BLOCKED_RETENTION_SEC", 30*24*3600)) * time.Second,
		RecordsFile:      envStrOr("RING_RECORDS_FILE", "data/ring_records.json"),
		AuditFile:        envStrOr("RING_AUDIT_FILE", "data/ring_audit.json"),
		AuditMax:         envIntOr("RING_AUDIT_MAX", 5000),
		MaintainEvery:    time.Duration(envIntOr("RING_MAINTAIN_SEC", 60)) * time.Second,
	}
	return cfg
}

func normalizeQuorumMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case QuorumSimple:
		return QuorumSimple
	default:
		return QuorumWeighted
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
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func envFloatOr(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}
