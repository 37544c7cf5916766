package verifier

import (
	"errors"
	"math"

	"relayring/pkg/proto"
)

// Test failure kinds. Each is recovered locally by scoring the failed
// component as zero; none of them stops the verification cycle.
var (
	ErrTimeout           = errors.New("verifier: test timed out")
	ErrProtocolViolation = errors.New("verifier: protocol violation")
	ErrUnreachable       = errors.New("verifier: relay unreachable")
)

// Reduce folds one cycle's verification results into score components. It
// is pure: identical inputs always produce identical components, and a
// method with no result scores zero so unreachable relays sink rather than
// float unscored.
func Reduce(results []proto.VerificationResult) proto.ScoreComponents {
	var c proto.ScoreComponents
	for _, r := range results {
		v := clampUnit(r.Confidence)
		switch r.Method {
		case proto.MethodBlindMessage:
			c.BlindMessage = v
		case proto.MethodRouting:
			c.Routing = v
		case proto.MethodTiming:
			c.Timing = v
		case proto.MethodTrafficPattern:
			c.TrafficPattern = v
		case proto.MethodConsensus:
			c.Consensus = v
		}
	}
	return c
}

func clampUnit(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func meanAndStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// coefficientOfVariation is the dispersion measure behind the timing and
// traffic scores: zero for perfectly regular behavior, growing with jitter.
func coefficientOfVariation(values []float64) float64 {
	mean, stddev := meanAndStddev(values)
	if mean == 0 {
		return 0
	}
	return stddev / mean
}
