package registry

import (
	"context"
	"testing"
	"time"

	"relayring/pkg/proto"
)

type memStore struct {
	saved map[string]proto.RelayRecord
}

func (m *memStore) Save(records map[string]proto.RelayRecord) error {
	m.saved = records
	return nil
}

func (m *memStore) Load() (map[string]proto.RelayRecord, error) {
	if m.saved == nil {
		return make(map[string]proto.RelayRecord), nil
	}
	return m.saved, nil
}

func testConfig() Config {
	return Config{
		PromoteThreshold: 0.8,
		HoldThreshold:    0.5,
		DemoteThreshold:  0.3,
		QuorumMode:       QuorumWeighted,
		BlockedRetention: 30 * 24 * time.Hour,
		MaintainEvery:    time.Minute,
	}
}

// comps builds components whose weighted overall equals v, since the
// weights sum to one.
func comps(v float64) proto.ScoreComponents {
	return proto.ScoreComponents{BlindMessage: v, Routing: v, Timing: v, TrafficPattern: v, Consensus: v}
}

func admit(t *testing.T, s *Service, id string) {
	t.Helper()
	if !s.Admit(proto.Candidate{RelayID: id, PubKey: "pk-" + id, Address: id + ".internal:8470"}) {
		t.Fatalf("admit %s failed", id)
	}
}

func TestAdmitStartsUntrustedAndDeduplicates(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	if lvl, ok := s.CurrentLevel("r1"); !ok || lvl != proto.TrustUntrusted {
		t.Fatalf("got %v %v", lvl, ok)
	}
	if s.Admit(proto.Candidate{RelayID: "r1", PubKey: "other", Address: "other:1"}) {
		t.Fatal("duplicate admission accepted")
	}
	if s.Admit(proto.Candidate{RelayID: "", PubKey: "pk", Address: "a:1"}) {
		t.Fatal("candidate without id accepted")
	}
}

func TestPromotionIsOneLevelPerCycle(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()

	want := []proto.TrustLevel{proto.TrustMonitored, proto.TrustVerified, proto.TrustFirstRing, proto.TrustFirstRing}
	for i, expect := range want {
		got, err := s.ApplyScore(ctx, "r1", comps(0.95))
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if got != expect {
			t.Fatalf("cycle %d: got %s want %s", i, got, expect)
		}
	}
}

func TestHoldAndDemoteBands(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()

	s.ApplyScore(ctx, "r1", comps(0.9))
	s.ApplyScore(ctx, "r1", comps(0.9)) // Verified

	if got, _ := s.ApplyScore(ctx, "r1", comps(0.6)); got != proto.TrustVerified {
		t.Fatalf("hold band moved level: %s", got)
	}
	if got, _ := s.ApplyScore(ctx, "r1", comps(0.4)); got != proto.TrustMonitored {
		t.Fatalf("demote band: got %s", got)
	}
	if got, _ := s.ApplyScore(ctx, "r1", comps(0.4)); got != proto.TrustUntrusted {
		t.Fatalf("second demotion: got %s", got)
	}
	// Untrusted cannot demote further, only block.
	if got, _ := s.ApplyScore(ctx, "r1", comps(0.4)); got != proto.TrustUntrusted {
		t.Fatalf("untrusted demoted: got %s", got)
	}
}

func TestBlockIsImmediateAndTerminal(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()

	s.ApplyScore(ctx, "r1", comps(0.9))
	s.ApplyScore(ctx, "r1", comps(0.9))
	s.ApplyScore(ctx, "r1", comps(0.9)) // FirstRing

	got, err := s.ApplyScore(ctx, "r1", comps(0.1))
	if err != nil || got != proto.TrustBlocked {
		t.Fatalf("block from first ring: got %s err %v", got, err)
	}
	rec, _ := s.Snapshot("r1")
	if rec.BlockedAt == 0 {
		t.Fatal("blocked_at not stamped")
	}
	// Terminal: a perfect score changes nothing.
	if got, _ := s.ApplyScore(ctx, "r1", comps(1.0)); got != proto.TrustBlocked {
		t.Fatalf("blocked relay scored out: %s", got)
	}
}

func TestFirstRingEntryNeedsQuorum(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	ctx := context.Background()

	// Seed an existing ring member so quorum is actually consulted.
	admit(t, s, "ring1")
	s.ApplyScore(ctx, "ring1", comps(0.9))
	s.ApplyScore(ctx, "ring1", comps(0.9))
	s.ApplyScore(ctx, "ring1", comps(0.9))

	polls := 0
	decline := true
	s.SetQuorum(func(_ context.Context, candidate proto.RelayRecord, ring []proto.RelayRecord) bool {
		polls++
		if candidate.RelayID != "r1" {
			t.Errorf("unexpected candidate %s", candidate.RelayID)
		}
		if len(ring) != 1 || ring[0].RelayID != "ring1" {
			t.Errorf("unexpected ring %+v", ring)
		}
		return !decline
	})

	admit(t, s, "r1")
	s.ApplyScore(ctx, "r1", comps(0.9))
	s.ApplyScore(ctx, "r1", comps(0.9)) // Verified

	if got, _ := s.ApplyScore(ctx, "r1", comps(0.9)); got != proto.TrustVerified {
		t.Fatalf("declined candidate entered ring: %s", got)
	}
	if polls != 1 {
		t.Fatalf("quorum polled %d times", polls)
	}

	decline = false
	if got, _ := s.ApplyScore(ctx, "r1", comps(0.9)); got != proto.TrustFirstRing {
		t.Fatalf("approved candidate held back: %s", got)
	}
}

func TestQuorumSkippedOnEmptyRing(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	s.SetQuorum(func(context.Context, proto.RelayRecord, []proto.RelayRecord) bool {
		t.Fatal("quorum polled with empty ring")
		return false
	})
	admit(t, s, "r1")
	ctx := context.Background()
	s.ApplyScore(ctx, "r1", comps(0.9))
	s.ApplyScore(ctx, "r1", comps(0.9))
	if got, _ := s.ApplyScore(ctx, "r1", comps(0.9)); got != proto.TrustFirstRing {
		t.Fatalf("bootstrap entry blocked: %s", got)
	}
}

func TestUnblockIsOperatorOnlyReset(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()

	if err := s.Unblock("r1"); err == nil {
		t.Fatal("unblocked a relay that was not blocked")
	}
	s.ApplyScore(ctx, "r1", comps(0.1))
	if err := s.Unblock("r1"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	rec, _ := s.Snapshot("r1")
	if rec.Level != proto.TrustUntrusted || rec.OverallScore != 0 || rec.BlockedAt != 0 {
		t.Fatalf("unblock did not reset record: %+v", rec)
	}
}

func TestPruneBlockedHonorsRetention(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "old")
	admit(t, s, "recent")
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base.Add(-31 * 24 * time.Hour) }
	s.ApplyScore(ctx, "old", comps(0.1))
	s.now = func() time.Time { return base }
	s.ApplyScore(ctx, "recent", comps(0.1))

	if n := s.PruneBlocked(); n != 1 {
		t.Fatalf("pruned %d records", n)
	}
	if _, ok := s.Snapshot("old"); ok {
		t.Fatal("expired blocked record kept")
	}
	if _, ok := s.Snapshot("recent"); !ok {
		t.Fatal("fresh blocked record pruned")
	}
}

func TestConsecutiveFailuresTracking(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()

	s.RecordFailure("r1")
	s.RecordFailure("r1")
	if rec, _ := s.Snapshot("r1"); rec.ConsecutiveFailures != 2 {
		t.Fatalf("failures: %d", rec.ConsecutiveFailures)
	}
	s.ApplyScore(ctx, "r1", comps(0.6))
	if rec, _ := s.Snapshot("r1"); rec.ConsecutiveFailures != 0 {
		t.Fatalf("healthy cycle did not reset failures: %d", rec.ConsecutiveFailures)
	}
	s.ApplyScore(ctx, "r1", comps(0.4))
	if rec, _ := s.Snapshot("r1"); rec.ConsecutiveFailures != 1 {
		t.Fatalf("weak cycle not counted: %d", rec.ConsecutiveFailures)
	}
}

func TestTrustedVotersOrderingAndExclusion(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "subject"} {
		admit(t, s, id)
		s.ApplyScore(ctx, id, comps(0.9))
		s.ApplyScore(ctx, id, comps(0.9)) // Verified
	}
	s.ApplyScore(ctx, "b", comps(1.0))

	voters := s.TrustedVoters("subject", 2)
	if len(voters) != 2 {
		t.Fatalf("got %d voters", len(voters))
	}
	if voters[0].RelayID != "b" {
		t.Fatalf("highest scoring voter first, got %s", voters[0].RelayID)
	}
	for _, v := range voters {
		if v.RelayID == "subject" {
			t.Fatal("subject voted on itself")
		}
	}
}

func TestOpinionOf(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()
	s.ApplyScore(ctx, "r1", comps(0.7))

	op, known := s.OpinionOf("r1")
	if !known || op != 0.7 {
		t.Fatalf("got %f %v", op, known)
	}
	if _, known := s.OpinionOf("ghost"); known {
		t.Fatal("opinion on unknown relay")
	}
	s.ApplyScore(ctx, "r1", comps(0.1))
	if op, known := s.OpinionOf("r1"); !known || op != 0 {
		t.Fatalf("blocked relay opinion: %f %v", op, known)
	}
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	s := New(testConfig(), &memStore{}, nil)
	admit(t, s, "r1")
	ctx := context.Background()
	s.ApplyScore(ctx, "r1", comps(0.9))
	s.ApplyScore(ctx, "r1", comps(0.1))

	trail := s.Audit(0)
	if len(trail) != 2 {
		t.Fatalf("got %d audit events", len(trail))
	}
	if trail[0].Action != "promote" || trail[1].Action != "block" {
		t.Fatalf("unexpected actions %s %s", trail[0].Action, trail[1].Action)
	}
	if trail[1].ID <= trail[0].ID {
		t.Fatal("audit ids not increasing")
	}
}
