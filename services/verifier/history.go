package verifier

import (
	"sync"
	"time"
)

type sample struct {
	at        int64
	latencyMs float64
	size      int
}

// history keeps a rolling record of probe observations for one relay, plus
// a slow-moving latency baseline used to detect drift.
type history struct {
	mu         sync.Mutex
	samples    []sample
	baselineMs float64
}

const baselineAlpha = 0.1

func (h *history) record(at time.Time, latency time.Duration, size int) {
	ms := float64(latency.Microseconds()) / 1000
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, sample{at: at.Unix(), latencyMs: ms, size: size})
	if h.baselineMs == 0 {
		h.baselineMs = ms
	} else {
		h.baselineMs = (1-baselineAlpha)*h.baselineMs + baselineAlpha*ms
	}
	// Bound growth; windows never look back further than an hour.
	cutoff := at.Add(-time.Hour).Unix()
	trim := 0
	for trim < len(h.samples) && h.samples[trim].at < cutoff {
		trim++
	}
	if trim > 0 {
		h.samples = append(h.samples[:0], h.samples[trim:]...)
	}
}

func (h *history) window(now time.Time, span time.Duration) []sample {
	cutoff := now.Add(-span).Unix()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sample, 0, len(h.samples))
	for _, s := range h.samples {
		if s.at >= cutoff {
			out = append(out, s)
		}
	}
	return out
}

func (h *history) baseline() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baselineMs
}
