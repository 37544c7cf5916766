package rotation

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relayring/pkg/proto"
)

// Session failures. All of them are fatal to the current session only; the
// coordinator survives and may retry. ErrSessionActive is an invariant
// violation and is never retried.
var (
	ErrAckTimeout       = errors.New("rotation: acknowledgment deadline exceeded")
	ErrAckMismatch      = errors.New("rotation: acknowledgment set mismatch")
	ErrConnectionVerify = errors.New("rotation: connection verification failed")
	ErrSessionActive    = errors.New("rotation: concurrent session conflict")
)

// Session is one key-rotation round. It is owned exclusively by the
// coordinator and destroyed on completion, timeout or rollback. The phase
// sequence is strict; no phase is skipped or re-entered.
type Session struct {
	ID          string
	RotationID  uuid.UUID
	InitiatorID string
	OldKeyHash  [proto.KeyHashSize]byte
	NewPub      ed25519.PublicKey
	newPriv     ed25519.PrivateKey
	CreatedAt   time.Time
	Deadline    time.Time

	mu       sync.Mutex
	phase    proto.RotationPhase
	required map[string]proto.RelayRecord
	acks     map[string]ed25519.PublicKey
	verified map[string]bool
}

func newSession(initiatorID string, oldKeyHash [proto.KeyHashSize]byte, newPub ed25519.PublicKey, newPriv ed25519.PrivateKey, members []proto.RelayRecord, now time.Time, timeout time.Duration) *Session {
	required := make(map[string]proto.RelayRecord, len(members))
	for _, m := range members {
		required[m.RelayID] = m
	}
	id := uuid.New()
	return &Session{
		ID:          id.String(),
		RotationID:  id,
		InitiatorID: initiatorID,
		OldKeyHash:  oldKeyHash,
		NewPub:      newPub,
		newPriv:     newPriv,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
		phase:       proto.PhaseInitiated,
		required:    required,
		acks:        make(map[string]ed25519.PublicKey),
		verified:    make(map[string]bool),
	}
}

func (s *Session) Phase() proto.RotationPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// advance moves the session exactly one phase forward. Anything else is a
// coordinator bug.
func (s *Session) advance(to proto.RotationPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == proto.PhaseRolledBack || s.phase == proto.PhaseCompleted {
		return fmt.Errorf("session %s is terminal in %s", s.ID, s.phase)
	}
	if to != s.phase+1 {
		return fmt.Errorf("illegal phase transition %s -> %s", s.phase, to)
	}
	s.phase = to
	return nil
}

func (s *Session) rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != proto.PhaseCompleted {
		s.phase = proto.PhaseRolledBack
	}
}

// recordAck stores one member acknowledgment. An ack from outside the
// membership snapshot fails the round: a substitute member is never
// equivalent to the one that was snapshotted.
func (s *Session) recordAck(memberID string, newPub ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.required[memberID]; !ok {
		return fmt.Errorf("%w: ack from non-member %s", ErrAckMismatch, memberID)
	}
	s.acks[memberID] = newPub
	if s.phase == proto.PhaseKeysDistributed {
		s.phase = proto.PhasePartiallyAcknowledged
	}
	return nil
}

// fullyAcked requires exact set equality between received and required acks.
func (s *Session) fullyAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acks) != len(s.required) {
		return false
	}
	for id := range s.required {
		if _, ok := s.acks[id]; !ok {
			return false
		}
	}
	return true
}

func (s *Session) markVerified(memberID string) {
	s.mu.Lock()
	s.verified[memberID] = true
	s.mu.Unlock()
}

func (s *Session) allVerified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.required {
		if !s.verified[id] {
			return false
		}
	}
	return true
}

func (s *Session) requiredMembers() []proto.RelayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.RelayRecord, 0, len(s.required))
	for _, rec := range s.required {
		out = append(out, rec)
	}
	return out
}

func (s *Session) ackedKey(memberID string) (ed25519.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.acks[memberID]
	return pub, ok
}

func (s *Session) ackedKeys() map[string]ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ed25519.PublicKey, len(s.acks))
	for id, pub := range s.acks {
		out[id] = pub
	}
	return out
}
