package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"relayring/pkg/events"
	"relayring/pkg/proto"
)

// QuorumFunc decides whether the existing first ring approves a candidate's
// entry. It is consulted only for the Verified to FirstRing transition.
type QuorumFunc func(ctx context.Context, candidate proto.RelayRecord, ring []proto.RelayRecord) bool

// Service owns the relay record table. All mutation goes through its API
// under one lock; every other component sees read-only snapshots.
type Service struct {
	cfg    Config
	store  Store
	bus    *events.Bus
	quorum QuorumFunc
	now    func() time.Time

	mu       sync.RWMutex
	records  map[string]proto.RelayRecord
	audit    []proto.AuditEvent
	auditSeq int64
}

func New(cfg Config, store Store, bus *events.Bus) *Service {
	if store == nil {
		store = NewFileStore(cfg.RecordsFile)
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		now:     time.Now,
		records: make(map[string]proto.RelayRecord),
		audit:   make([]proto.AuditEvent, 0, 128),
	}
}

// SetQuorum installs the ring approval poll. Without one, FirstRing entry is
// granted on score alone, which is only acceptable while bootstrapping.
func (s *Service) SetQuorum(fn QuorumFunc) {
	s.quorum = fn
}

func (s *Service) Load() error {
	records, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load relay records: %w", err)
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	if err := s.loadAudit(); err != nil {
		log.Printf("registry audit load warning: %v", err)
	}
	return nil
}

// Run is the registry maintenance loop: periodic blocked-record pruning and
// table persistence. Trust mutations happen synchronously via ApplyScore.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MaintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.persist(); err != nil {
				log.Printf("registry final persist warning: %v", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if n := s.PruneBlocked(); n > 0 {
				log.Printf("registry pruned %d blocked relays past retention", n)
			}
			if err := s.persist(); err != nil {
				log.Printf("registry persist warning: %v", err)
			}
		}
	}
}

// Admit registers a discovery candidate at Untrusted. Known relays are left
// untouched; a blocked id may not re-enter through discovery.
func (s *Service) Admit(c proto.Candidate) bool {
	if c.RelayID == "" || c.PubKey == "" || c.Address == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[c.RelayID]; ok {
		return false
	}
	s.records[c.RelayID] = proto.RelayRecord{
		RelayID: c.RelayID,
		PubKey:  c.PubKey,
		Address: c.Address,
		Level:   proto.TrustUntrusted,
	}
	log.Printf("registry admitted relay=%s at untrusted", c.RelayID)
	return true
}

// ApplyScore consumes one scoring cycle for a relay and applies the trust
// transition: promote one level at >= promote threshold, hold in the middle
// band, demote one level below the hold threshold, block immediately below
// the demote threshold. Never moves more than one level up or down, except
// the direct drop to blocked.
func (s *Service) ApplyScore(ctx context.Context, relayID string, comps proto.ScoreComponents) (proto.TrustLevel, error) {
	overall := comps.Overall()

	s.mu.Lock()
	rec, ok := s.records[relayID]
	if !ok {
		s.mu.Unlock()
		return proto.TrustUntrusted, fmt.Errorf("unknown relay %s", relayID)
	}
	if rec.Level == proto.TrustBlocked {
		s.mu.Unlock()
		return proto.TrustBlocked, nil
	}
	prev := rec.Level
	target := s.nextLevel(prev, overall)

	var ring []proto.RelayRecord
	needQuorum := target == proto.TrustFirstRing && prev == proto.TrustVerified && s.quorum != nil
	if needQuorum {
		ring = s.firstRingLocked()
	}
	s.mu.Unlock()

	// Quorum polling talks to the network, so it runs outside the lock. An
	// empty ring approves by definition (bootstrap).
	if needQuorum && len(ring) > 0 && !s.quorum(ctx, rec, ring) {
		log.Printf("registry quorum declined first-ring entry relay=%s score=%.3f", relayID, overall)
		target = proto.TrustVerified
	}

	s.mu.Lock()
	rec, ok = s.records[relayID]
	if !ok || rec.Level != prev {
		// Level changed while polling; drop this cycle rather than apply a
		// stale transition.
		level := rec.Level
		s.mu.Unlock()
		return level, nil
	}
	rec.Components = comps
	rec.OverallScore = overall
	rec.LastVerifiedAt = s.now().Unix()
	rec.Level = target
	if overall >= s.cfg.HoldThreshold {
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
	}
	if target == proto.TrustBlocked && prev != proto.TrustBlocked {
		rec.BlockedAt = s.now().Unix()
	}
	s.records[relayID] = rec
	s.mu.Unlock()

	s.noteTransition(relayID, prev, target, overall)
	return target, nil
}

func (s *Service) nextLevel(current proto.TrustLevel, overall float64) proto.TrustLevel {
	switch {
	case overall >= s.cfg.PromoteThreshold:
		if current < proto.TrustFirstRing {
			return current + 1
		}
		return current
	case overall >= s.cfg.HoldThreshold:
		return current
	case overall >= s.cfg.DemoteThreshold:
		if current > proto.TrustUntrusted {
			return current - 1
		}
		return current
	default:
		return proto.TrustBlocked
	}
}

func (s *Service) noteTransition(relayID string, prev proto.TrustLevel, next proto.TrustLevel, overall float64) {
	if prev == next {
		return
	}
	var kind proto.EventKind
	action := ""
	switch {
	case next == proto.TrustBlocked:
		kind, action = proto.EventBlocked, "block"
	case next > prev:
		kind, action = proto.EventPromoted, "promote"
	default:
		kind, action = proto.EventDemoted, "demote"
	}
	log.Printf("registry %s relay=%s %s -> %s score=%.3f", action, relayID, prev, next, overall)
	s.recordAudit(proto.AuditEvent{Action: action, RelayID: relayID, Before: prev, After: next, Score: overall})
	if s.bus != nil {
		s.bus.Publish(proto.Event{Kind: kind, RelayID: relayID, Level: next, PrevLevel: prev})
	}
}

// RecordFailure counts a malformed or tampered control message against a
// relay. It never blocks on its own; consistent failure surfaces through the
// scorer instead.
func (s *Service) RecordFailure(relayID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[relayID]
	if !ok {
		return
	}
	rec.ConsecutiveFailures++
	s.records[relayID] = rec
}

// Unblock is the explicit operator override out of the terminal blocked
// state. The relay restarts from Untrusted with a clean score.
func (s *Service) Unblock(relayID string) error {
	s.mu.Lock()
	rec, ok := s.records[relayID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown relay %s", relayID)
	}
	if rec.Level != proto.TrustBlocked {
		s.mu.Unlock()
		return fmt.Errorf("relay %s is not blocked", relayID)
	}
	rec.Level = proto.TrustUntrusted
	rec.Components = proto.ScoreComponents{}
	rec.OverallScore = 0
	rec.ConsecutiveFailures = 0
	rec.BlockedAt = 0
	s.records[relayID] = rec
	s.mu.Unlock()

	log.Printf("registry operator unblocked relay=%s", relayID)
	s.recordAudit(proto.AuditEvent{Action: "unblock", RelayID: relayID, Before: proto.TrustBlocked, After: proto.TrustUntrusted, Reason: "operator-override"})
	if s.bus != nil {
		s.bus.Publish(proto.Event{Kind: proto.EventUnblocked, RelayID: relayID, Level: proto.TrustUntrusted, PrevLevel: proto.TrustBlocked})
	}
	return nil
}

// UpdatePublicKey records a member's rotated key. The relay id stays stable;
// only the active key changes.
func (s *Service) UpdatePublicKey(relayID string, pubB64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[relayID]
	if !ok {
		return fmt.Errorf("unknown relay %s", relayID)
	}
	rec.PubKey = pubB64
	s.records[relayID] = rec
	return nil
}

func (s *Service) CurrentLevel(relayID string) (proto.TrustLevel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[relayID]
	if !ok {
		return proto.TrustUntrusted, false
	}
	return rec.Level, true
}

func (s *Service) Snapshot(relayID string) (proto.RelayRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[relayID]
	return rec, ok
}

func (s *Service) FirstRingSnapshot() []string {
	ring := s.FirstRing()
	out := make([]string, 0, len(ring))
	for _, rec := range ring {
		out = append(out, rec.RelayID)
	}
	return out
}

func (s *Service) FirstRing() []proto.RelayRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.firstRingLocked()
	return out
}

func (s *Service) firstRingLocked() []proto.RelayRecord {
	out := make([]proto.RelayRecord, 0)
	for _, rec := range s.records {
		if rec.Level == proto.TrustFirstRing {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelayID < out[j].RelayID })
	return out
}

// ActiveRelays lists every relay still subject to verification cycles.
func (s *Service) ActiveRelays() []proto.RelayRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.RelayRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Level != proto.TrustBlocked {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelayID < out[j].RelayID })
	return out
}

// TrustedVoters returns up to max relays eligible to vote in consensus
// checks, highest trust first, excluding the relay under test.
func (s *Service) TrustedVoters(exclude string, max int) []proto.RelayRecord {
	s.mu.RLock()
	out := make([]proto.RelayRecord, 0)
	for _, rec := range s.records {
		if rec.RelayID == exclude {
			continue
		}
		if rec.Level == proto.TrustVerified || rec.Level == proto.TrustFirstRing {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OverallScore == out[j].OverallScore {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].OverallScore > out[j].OverallScore
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// OpinionOf is this node's answer to a peer's consensus query.
func (s *Service) OpinionOf(relayID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[relayID]
	if !ok {
		return 0, false
	}
	if rec.Level == proto.TrustBlocked {
		return 0, true
	}
	return rec.OverallScore, true
}

// PruneBlocked drops blocked records older than the retention window. With
// retention zero the blocklist is kept forever.
func (s *Service) PruneBlocked() int {
	if s.cfg.BlockedRetention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.cfg.BlockedRetention).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Level == proto.TrustBlocked && rec.BlockedAt > 0 && rec.BlockedAt < cutoff {
			delete(s.records, id)
			n++
		}
	}
	return n
}

func (s *Service) persist() error {
	s.mu.RLock()
	snapshot := make(map[string]proto.RelayRecord, len(s.records))
	for id, rec := range s.records {
		snapshot[id] = rec
	}
	s.mu.RUnlock()
	return s.store.Save(snapshot)
}

func (s *Service) Audit(limit int) []proto.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]proto.AuditEvent, limit)
	copy(out, s.audit[len(s.audit)-limit:])
	return out
}

func (s *Service) recordAudit(ev proto.AuditEvent) {
	s.mu.Lock()
	s.auditSeq++
	ev.ID = s.auditSeq
	ev.Timestamp = s.now().Unix()
	s.audit = append(s.audit, ev)
	if s.cfg.AuditMax > 0 && len(s.audit) > s.cfg.AuditMax {
		s.audit = s.audit[len(s.audit)-s.cfg.AuditMax:]
	}
	s.mu.Unlock()
	if err := s.saveAudit(); err != nil {
		log.Printf("registry audit persist warning: %v", err)
	}
}

func (s *Service) saveAudit() error {
	if s.cfg.AuditFile == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.audit, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.AuditFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.cfg.AuditFile, data, 0o644)
}

func (s *Service) loadAudit() error {
	if s.cfg.AuditFile == "" {
		return nil
	}
	b, err := os.ReadFile(s.cfg.AuditFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []proto.AuditEvent
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	var maxID int64
	for _, ev := range list {
		if ev.ID > maxID {
			maxID = ev.ID
		}
	}
	s.mu.Lock()
	s.audit = list
	s.auditSeq = maxID
	s.mu.Unlock()
	return nil
}
