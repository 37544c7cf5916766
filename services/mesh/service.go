package mesh

import (
	"context"
	"log"
	"time"

	"relayring/pkg/events"
	"relayring/pkg/proto"
)

// Rotator is what the membership watcher pokes when the first ring changes.
type Rotator interface {
	Trigger()
}

// Ring exposes the current first-ring membership, sorted by relay id.
type Ring interface {
	FirstRingSnapshot() []string
}

// Service watches trust events and converts first-ring membership changes
// into rotation triggers. Changes landing inside the debounce window collapse
// into a single rotation so a flurry of promotions does not stack sessions.
// The event bus never blocks publishers and can drop events under extreme
// pressure, so the watcher also compares the ring snapshot against the last
// rotated-for membership on a reconcile timer.
type Service struct {
	cfg     Config
	bus     *events.Bus
	ring    Ring
	rotator Rotator
}

func New(cfg Config, bus *events.Bus, ring Ring, rotator Rotator) *Service {
	return &Service{cfg: cfg, bus: bus, ring: ring, rotator: rotator}
}

func (s *Service) Run(ctx context.Context) error {
	sub := s.bus.Subscribe()
	timer := time.NewTimer(s.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	arm := func() {
		if armed {
			if !timer.Stop() {
				<-timer.C
			}
		}
		timer.Reset(s.cfg.Debounce)
		armed = true
	}
	reconcile := time.NewTicker(s.cfg.Reconcile)
	defer reconcile.Stop()
	last := s.ring.FirstRingSnapshot()
	log.Printf("mesh debounce=%s reconcile=%s", s.cfg.Debounce, s.cfg.Reconcile)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if !ringAffecting(ev) {
				continue
			}
			log.Printf("mesh ring change relay=%s event=%s", ev.RelayID, ev.Kind)
			arm()
		case <-reconcile.C:
			if armed {
				continue
			}
			if cur := s.ring.FirstRingSnapshot(); !sameRing(cur, last) {
				log.Printf("mesh ring changed without an observed event, reconciling")
				arm()
			}
		case <-timer.C:
			armed = false
			last = s.ring.FirstRingSnapshot()
			log.Printf("mesh triggering rotation after membership change")
			s.rotator.Trigger()
		}
	}
}

// ringAffecting reports whether an event changed first-ring membership:
// a relay entered the ring, or a ring member was demoted or blocked out.
func ringAffecting(ev proto.Event) bool {
	switch ev.Kind {
	case proto.EventPromoted:
		return ev.Level == proto.TrustFirstRing
	case proto.EventDemoted, proto.EventBlocked:
		return ev.PrevLevel == proto.TrustFirstRing
	}
	return false
}

// sameRing compares two sorted membership snapshots.
func sameRing(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
