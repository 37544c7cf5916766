package verifier

import (
	"context"
	"log"
	"sync"
	"time"

	"relayring/pkg/integrity"
	"relayring/pkg/proto"
	"relayring/pkg/transport"
)

// Registry is the slice of the trust registry the scorer needs.
type Registry interface {
	ActiveRelays() []proto.RelayRecord
	ApplyScore(ctx context.Context, relayID string, comps proto.ScoreComponents) (proto.TrustLevel, error)
	TrustedVoters(exclude string, max int) []proto.RelayRecord
	OpinionOf(relayID string) (float64, bool)
}

// Service runs the blind verification battery against every relay not yet
// blocked. Relays holding below the settled score, and relays never verified,
// are checked on every cadence tick; settled relays only every
// RelaxedCycles'th tick. Cycles for different relays run concurrently; cycles
// for the same relay never overlap.
type Service struct {
	cfg   Config
	reg   Registry
	tr    transport.Transport
	codec *integrity.Codec
	now   func() time.Time

	cycleSeq uint64 // touched only by the Run loop

	mu        sync.Mutex
	inflight  map[string]bool
	histories map[string]*history
}

func New(cfg Config, reg Registry, tr transport.Transport, codec *integrity.Codec) *Service {
	return &Service{
		cfg:       cfg,
		reg:       reg,
		tr:        tr,
		codec:     codec,
		now:       time.Now,
		inflight:  make(map[string]bool),
		histories: make(map[string]*history),
	}
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()
	log.Printf("verifier cadence=%s blind_probes=%d", s.cfg.Cadence, s.cfg.BlindProbeCount)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	for _, rec := range s.dueRelays() {
		if !s.markInflight(rec.RelayID) {
			continue
		}
		go func(rec proto.RelayRecord) {
			defer s.clearInflight(rec.RelayID)
			if err := s.VerifyRelay(ctx, rec); err != nil && ctx.Err() == nil {
				log.Printf("verifier cycle failed relay=%s: %v", rec.RelayID, err)
			}
		}(rec)
	}
}

// dueRelays advances the cycle counter and picks the relays verified this
// tick. A relay holding below the settled score keeps the full monitoring
// frequency; a settled relay is skipped until the next relaxed turn.
func (s *Service) dueRelays() []proto.RelayRecord {
	s.cycleSeq++
	relaxedTurn := s.cfg.RelaxedCycles <= 1 || s.cycleSeq%uint64(s.cfg.RelaxedCycles) == 0
	active := s.reg.ActiveRelays()
	out := make([]proto.RelayRecord, 0, len(active))
	for _, rec := range active {
		if relaxedTurn || rec.LastVerifiedAt == 0 || rec.OverallScore < s.cfg.SettledAbove {
			out = append(out, rec)
		}
	}
	return out
}

// VerifyRelay runs all five tests for one relay and feeds the reduced score
// into the registry. A test that cannot complete contributes zero for its
// component instead of being omitted.
func (s *Service) VerifyRelay(ctx context.Context, rec proto.RelayRecord) error {
	observedAt := s.now().Unix()
	results := make([]proto.VerificationResult, 0, 5)
	add := func(method proto.VerificationMethod, confidence float64, err error) {
		if err != nil {
			log.Printf("verifier test=%s relay=%s scored 0: %v", method, rec.RelayID, err)
			confidence = 0
		}
		results = append(results, proto.VerificationResult{
			Method:     method,
			RelayID:    rec.RelayID,
			Confidence: confidence,
			ObservedAt: observedAt,
		})
	}

	blind, err := s.blindMessageTest(ctx, rec)
	add(proto.MethodBlindMessage, blind, err)
	routing, err := s.routingTest(ctx, rec)
	add(proto.MethodRouting, routing, err)
	add(proto.MethodTiming, s.timingTest(rec), nil)
	add(proto.MethodTrafficPattern, s.trafficPatternTest(rec), nil)
	consensus, err := s.consensusTest(ctx, rec)
	add(proto.MethodConsensus, consensus, err)

	comps := Reduce(results)
	_, err = s.reg.ApplyScore(ctx, rec.RelayID, comps)
	return err
}

func (s *Service) markInflight(relayID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[relayID] {
		return false
	}
	s.inflight[relayID] = true
	return true
}

func (s *Service) clearInflight(relayID string) {
	s.mu.Lock()
	delete(s.inflight, relayID)
	s.mu.Unlock()
}

func (s *Service) historyFor(relayID string) *history {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[relayID]
	if !ok {
		h = &history{}
		s.histories[relayID] = h
	}
	return h
}
