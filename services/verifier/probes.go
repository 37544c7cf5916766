package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relayring/pkg/crypto"
	"relayring/pkg/integrity"
	"relayring/pkg/proto"
)

// exchange sends one control envelope to a relay and returns the decoded
// reply payload plus the round-trip time. Every probe and vote goes through
// here so each exchange feeds the timing and traffic histories.
func (s *Service) exchange(ctx context.Context, rec proto.RelayRecord, msgType uint8, payload []byte) ([]byte, time.Duration, error) {
	env, err := s.codec.Encode(msgType, payload)
	if err != nil {
		return nil, 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	start := s.now()
	raw, err := s.tr.Send(callCtx, rec.Address, env.Marshal())
	elapsed := s.now().Sub(start)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, elapsed, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, elapsed, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	replyEnv, err := integrity.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, elapsed, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	replyPayload, err := s.codec.Decode(callCtx, rec.RelayID, replyEnv)
	if err != nil {
		return nil, elapsed, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	s.historyFor(rec.RelayID).record(s.now(), elapsed, len(raw))
	return replyPayload, elapsed, nil
}

// blindMessageTest sends probes sealed under a disposable keypair and
// addressed to recipients that do not exist. The relay proves correct
// handling by acknowledging carriage; it can never decrypt the content.
// Score is the acknowledged fraction, penalized by response-time variance.
func (s *Service) blindMessageTest(ctx context.Context, rec proto.RelayRecord) (float64, error) {
	acked := 0
	latencies := make([]float64, 0, s.cfg.BlindProbeCount)
	var lastErr error
	for i := 0; i < s.cfg.BlindProbeCount; i++ {
		sealed, err := crypto.SealBlindProbe(s.cfg.BlindProbeSize)
		if err != nil {
			return 0, err
		}
		probe := proto.BlindProbePayload{
			ProbeID:   uuid.NewString(),
			Recipient: uuid.NewString(),
			Sealed:    sealed.Sealed,
			SealerPub: sealed.SealerPub,
		}
		payload, err := json.Marshal(probe)
		if err != nil {
			return 0, err
		}
		replyPayload, elapsed, err := s.exchange(ctx, rec, proto.MsgBlindProbe, payload)
		if err != nil {
			lastErr = err
			continue
		}
		var ack proto.BlindProbeAck
		if err := json.Unmarshal(replyPayload, &ack); err != nil || ack.ProbeID != probe.ProbeID || !ack.Accepted {
			lastErr = fmt.Errorf("%w: bad blind probe ack", ErrProtocolViolation)
			continue
		}
		acked++
		latencies = append(latencies, float64(elapsed.Microseconds())/1000)
	}
	if acked == 0 {
		if lastErr != nil {
			return 0, lastErr
		}
		return 0, nil
	}
	frac := float64(acked) / float64(s.cfg.BlindProbeCount)
	return clampUnit(frac / (1 + coefficientOfVariation(latencies))), nil
}

// routingTest sends synthetic multi-hop envelopes with a known hop budget
// and checks the relay decrements exactly one hop and reports forwarding.
func (s *Service) routingTest(ctx context.Context, rec proto.RelayRecord) (float64, error) {
	matched := 0
	var lastErr error
	for i := 0; i < s.cfg.RoutingProbeCount; i++ {
		probe := proto.RoutingProbePayload{
			ProbeID:       uuid.NewString(),
			HopsRemaining: s.cfg.ExpectedHops,
		}
		payload, err := json.Marshal(probe)
		if err != nil {
			return 0, err
		}
		replyPayload, _, err := s.exchange(ctx, rec, proto.MsgRoutingProbe, payload)
		if err != nil {
			lastErr = err
			continue
		}
		var reply proto.RoutingProbeReply
		if err := json.Unmarshal(replyPayload, &reply); err != nil {
			lastErr = fmt.Errorf("%w: bad routing reply", ErrProtocolViolation)
			continue
		}
		if reply.ProbeID == probe.ProbeID && reply.Forwarded && reply.HopsRemaining == probe.HopsRemaining-1 {
			matched++
		} else {
			lastErr = fmt.Errorf("%w: hop accounting mismatch", ErrProtocolViolation)
		}
	}
	if matched == 0 && lastErr != nil {
		return 0, lastErr
	}
	return float64(matched) / float64(s.cfg.RoutingProbeCount), nil
}

// timingTest is purely statistical: low variance close to the historical
// baseline scores high; jitter and drift pull the score down. No content is
// inspected.
func (s *Service) timingTest(rec proto.RelayRecord) float64 {
	h := s.historyFor(rec.RelayID)
	window := h.window(s.now(), s.cfg.TimingWindow)
	if len(window) < 2 {
		return 0
	}
	latencies := make([]float64, 0, len(window))
	for _, smp := range window {
		latencies = append(latencies, smp.latencyMs)
	}
	cv := coefficientOfVariation(latencies)
	score := 1 - cv
	if base := h.baseline(); base > 0 {
		mean, _ := meanAndStddev(latencies)
		drift := mean - base
		if drift < 0 {
			drift = -drift
		}
		score -= 0.5 * clampUnit(drift/base)
	}
	return clampUnit(score)
}

// trafficPatternTest evaluates metadata only: reply-size dispersion and the
// regularity of observation intervals over the traffic window.
func (s *Service) trafficPatternTest(rec proto.RelayRecord) float64 {
	window := s.historyFor(rec.RelayID).window(s.now(), s.cfg.TrafficWindow)
	if len(window) < 2 {
		return 0
	}
	sizes := make([]float64, 0, len(window))
	intervals := make([]float64, 0, len(window)-1)
	for i, smp := range window {
		sizes = append(sizes, float64(smp.size))
		if i > 0 {
			intervals = append(intervals, float64(smp.at-window[i-1].at))
		}
	}
	dispersion := (coefficientOfVariation(sizes) + coefficientOfVariation(intervals)) / 2
	return clampUnit(1 - dispersion)
}

// consensusTest polls a sample of already-trusted relays for their opinion
// of this relay id, weighting each vote by the voter's own trust score.
func (s *Service) consensusTest(ctx context.Context, rec proto.RelayRecord) (float64, error) {
	voters := s.reg.TrustedVoters(rec.RelayID, s.cfg.ConsensusSample)
	if len(voters) == 0 {
		return 0, nil
	}
	query, err := json.Marshal(proto.ConsensusQueryPayload{RelayID: rec.RelayID})
	if err != nil {
		return 0, err
	}
	var weighted, totalWeight float64
	var lastErr error
	for _, voter := range voters {
		replyPayload, _, err := s.exchange(ctx, voter, proto.MsgConsensusQuery, query)
		if err != nil {
			lastErr = err
			continue
		}
		var reply proto.ConsensusReply
		if err := json.Unmarshal(replyPayload, &reply); err != nil {
			lastErr = fmt.Errorf("%w: bad consensus reply", ErrProtocolViolation)
			continue
		}
		weight := voter.OverallScore
		if weight <= 0 {
			continue
		}
		totalWeight += weight
		if reply.Known {
			weighted += weight * clampUnit(reply.Opinion)
		}
	}
	if totalWeight == 0 {
		if lastErr != nil {
			return 0, lastErr
		}
		return 0, nil
	}
	return clampUnit(weighted / totalWeight), nil
}
