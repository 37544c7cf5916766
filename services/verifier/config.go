package verifier

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Cadence           time.Duration
	ProbeTimeout      time.Duration
	BlindProbeCount   int
	BlindProbeSize    int
	RoutingProbeCount int
	ExpectedHops      int
	TimingWindow      time.Duration
	TrafficWindow     time.Duration
	ConsensusSample   int
	// Relays scoring at or above SettledAbove are verified only every
	// RelaxedCycles'th cadence tick; relays holding below it, and relays
	// never verified, are checked every tick.
	RelaxedCycles int
	SettledAbove  float64
}

func ConfigFromEnv() Config {
	return Config{
		Cadence:           time.Duration(envIntOr("RING_VERIFY_CADENCE_SEC", 300)) * time.Second,
		ProbeTimeout:      time.Duration(envIntOr("RING_PROBE_TIMEOUT_SEC", 10)) * time.Second,
		BlindProbeCount:   envIntOr("RING_BLIND_PROBE_COUNT", 5),
		BlindProbeSize:    envIntOr("RING_BLIND_PROBE_SIZE", 64),
		RoutingProbeCount: envIntOr("RING_ROUTING_PROBE_COUNT", 3),
		ExpectedHops:      envIntOr("RING_ROUTING_EXPECTED_HOPS", 3),
		TimingWindow:      time.Duration(envIntOr("RING_TIMING_WINDOW_SEC", 300)) * time.Second,
		TrafficWindow:     time.Duration(envIntOr("RING_TRAFFIC_WINDOW_SEC", 600)) * time.Second,
		ConsensusSample:   envIntOr("RING_CONSENSUS_SAMPLE", 5),
		RelaxedCycles:     envIntOr("RING_VERIFY_RELAXED_CYCLES", 3),
		SettledAbove:      envFloatOr("RING_VERIFY_SETTLED_ABOVE", 0.8),
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

func envFloatOr(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}
