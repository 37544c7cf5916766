package rotation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relayring/pkg/crypto"
	"relayring/pkg/events"
	"relayring/pkg/integrity"
	"relayring/pkg/proto"
	"relayring/pkg/transport"
)

// Registry is the slice of the trust registry the coordinator needs.
type Registry interface {
	FirstRing() []proto.RelayRecord
	Snapshot(relayID string) (proto.RelayRecord, bool)
	UpdatePublicKey(relayID string, pubB64 string) error
}

// Service coordinates ring-wide key rotation and answers the member side of
// the protocol. At most one session is active per ring at any moment.
type Service struct {
	cfg     Config
	reg     Registry
	tr      transport.Transport
	codec   *integrity.Codec
	bus     *events.Bus
	localID string
	now     func() time.Time
	trigger chan struct{}

	mu             sync.Mutex
	active         *Session
	pub            ed25519.PublicKey
	priv           ed25519.PrivateKey
	prevPub        ed25519.PublicKey
	prevValidUntil time.Time
	pending        map[string]*memberRotation
}

// memberRotation is this node's member-side state for a rotation initiated
// elsewhere: the freshly generated keypair handed out in the ack, plus what
// is needed to revert on rollback.
type memberRotation struct {
	newPub    ed25519.PublicKey
	newPriv   ed25519.PrivateKey
	oldPub    ed25519.PublicKey
	oldPriv   ed25519.PrivateKey
	activated bool
	createdAt time.Time
}

func New(cfg Config, reg Registry, tr transport.Transport, codec *integrity.Codec, bus *events.Bus, localID string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *Service {
	return &Service{
		cfg:     cfg,
		reg:     reg,
		tr:      tr,
		codec:   codec,
		bus:     bus,
		localID: localID,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		pub:     pub,
		priv:    priv,
		pending: make(map[string]*memberRotation),
	}
}

// Trigger requests a rotation outside the regular interval, typically on a
// first-ring membership change. Requests arriving while one is pending
// collapse into a single run.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.Printf("rotation interval=%s timeout=%s max_attempts=%d", s.cfg.Interval, s.cfg.Timeout, s.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RotateWithRetry(ctx)
		case <-s.trigger:
			s.RotateWithRetry(ctx)
		}
	}
}

// RotateWithRetry drives one rotation to completion with bounded retries and
// exponential backoff. Exhausting every attempt raises an operator-visible
// alert but never crashes the coordinator.
func (s *Service) RotateWithRetry(ctx context.Context) {
	attempts := s.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		err := s.Rotate(ctx)
		if errors.Is(err, ErrSessionActive) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("rotation retries exhausted: %v", err)
	if s.bus != nil {
		s.bus.Publish(proto.Event{Kind: proto.EventRotationExhausted, Reason: err.Error()})
	}
}

// Rotate runs one full rotation session: generate a keypair, distribute the
// signed key change to the membership snapshot, collect the exact ack set,
// verify a connection with every member under its new key, then activate.
// Any failure or the session deadline rolls the ring back to the old keys.
func (s *Service) Rotate(ctx context.Context) error {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		// Mutual exclusion is enforced structurally; hitting this is a bug.
		log.Printf("CRITICAL rotation started while session %s active", s.active.ID)
		return ErrSessionActive
	}
	oldPub := s.pub
	oldPriv := s.priv
	s.mu.Unlock()

	newPub, newPriv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		return fmt.Errorf("rotation keygen: %w", err)
	}

	members := make([]proto.RelayRecord, 0)
	for _, rec := range s.reg.FirstRing() {
		if rec.RelayID != s.localID {
			members = append(members, rec)
		}
	}
	sess := newSession(s.localID, crypto.HashPublicKey(oldPub), newPub, newPriv, members, s.now(), s.cfg.Timeout)

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.active = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	log.Printf("rotation session=%s members=%d deadline=%s", sess.ID, len(members), sess.Deadline.Format(time.RFC3339))

	// The deadline cancels every remaining exchange without member
	// cooperation.
	rotCtx, cancel := context.WithDeadline(ctx, sess.Deadline)
	defer cancel()

	if err := s.distribute(rotCtx, sess, oldPriv); err != nil {
		return s.rollback(ctx, sess, err)
	}
	if err := s.verifyConnections(rotCtx, sess); err != nil {
		return s.rollback(ctx, sess, err)
	}
	return s.complete(sess, oldPub, newPub, newPriv)
}

// distribute covers KeysDistributed through FullyAcknowledged.
func (s *Service) distribute(ctx context.Context, sess *Session, oldPriv ed25519.PrivateKey) error {
	if err := sess.advance(proto.PhaseKeysDistributed); err != nil {
		return err
	}
	payload, err := crypto.SignKeyChange([proto.RotationIDSize]byte(sess.RotationID), oldPriv, sess.NewPub)
	if err != nil {
		return err
	}
	raw := payload.Marshal()

	members := sess.requiredMembers()
	var wg sync.WaitGroup
	for _, member := range members {
		wg.Add(1)
		go func(member proto.RelayRecord) {
			defer wg.Done()
			if err := s.sendKeyChange(ctx, sess, member, raw); err != nil {
				log.Printf("rotation key change failed session=%s member=%s: %v", sess.ID, member.RelayID, err)
			}
		}(member)
	}
	wg.Wait()

	if !sess.fullyAcked() {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrAckTimeout, ctx.Err())
		}
		return ErrAckMismatch
	}
	if len(members) > 0 {
		// With members present the ack path went through
		// PartiallyAcknowledged; an empty ring acks trivially.
		if err := sess.advance(proto.PhaseFullyAcknowledged); err != nil {
			return err
		}
	} else {
		if err := sess.advance(proto.PhasePartiallyAcknowledged); err != nil {
			return err
		}
		if err := sess.advance(proto.PhaseFullyAcknowledged); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sendKeyChange(ctx context.Context, sess *Session, member proto.RelayRecord, keyChangeRaw []byte) error {
	replyPayload, err := s.exchange(ctx, member, proto.MsgKeyChange, keyChangeRaw)
	if err != nil {
		return err
	}
	var ack proto.KeyChangeAckPayload
	if err := json.Unmarshal(replyPayload, &ack); err != nil {
		return fmt.Errorf("bad ack payload: %w", err)
	}
	if ack.RotationID != sess.ID || ack.MemberID != member.RelayID {
		return fmt.Errorf("%w: ack for wrong session or member", ErrAckMismatch)
	}
	memberPub, err := crypto.ParseEd25519PublicKey(member.PubKey)
	if err != nil {
		return fmt.Errorf("member key: %w", err)
	}
	if err := crypto.VerifyKeyChangeAck(ack, memberPub); err != nil {
		return err
	}
	newPub, err := crypto.ParseEd25519PublicKey(ack.NewPubKey)
	if err != nil {
		return err
	}
	return sess.recordAck(member.RelayID, newPub)
}

// verifyConnections opens a test exchange with every member under its new
// key before anything becomes active.
func (s *Service) verifyConnections(ctx context.Context, sess *Session) error {
	members := sess.requiredMembers()
	for _, member := range members {
		newPub, ok := sess.ackedKey(member.RelayID)
		if !ok {
			return fmt.Errorf("%w: missing acked key for %s", ErrConnectionVerify, member.RelayID)
		}
		challenge := make([]byte, s.cfg.ConnChallengeSize)
		if _, err := rand.Read(challenge); err != nil {
			return err
		}
		payload, err := json.Marshal(proto.ConnVerifyPayload{
			RotationID: sess.ID,
			Challenge:  base64.RawURLEncoding.EncodeToString(challenge),
		})
		if err != nil {
			return err
		}
		replyPayload, err := s.exchange(ctx, member, proto.MsgConnVerify, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionVerify, err)
		}
		var reply proto.ConnVerifyReply
		if err := json.Unmarshal(replyPayload, &reply); err != nil {
			return fmt.Errorf("%w: bad reply", ErrConnectionVerify)
		}
		if reply.RotationID != sess.ID || reply.MemberID != member.RelayID {
			return fmt.Errorf("%w: reply mismatch", ErrConnectionVerify)
		}
		if err := crypto.VerifyConnVerify(sess.ID, challenge, reply.Signature, newPub); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionVerify, err)
		}
		sess.markVerified(member.RelayID)
	}
	if !sess.allVerified() {
		return ErrConnectionVerify
	}
	return sess.advance(proto.PhaseConnectionsVerified)
}

func (s *Service) complete(sess *Session, oldPub ed25519.PublicKey, newPub ed25519.PublicKey, newPriv ed25519.PrivateKey) error {
	if err := sess.advance(proto.PhaseCompleted); err != nil {
		return err
	}
	s.mu.Lock()
	s.prevPub = oldPub
	s.prevValidUntil = s.now().Add(s.cfg.GracePeriod)
	s.pub = newPub
	s.priv = newPriv
	s.mu.Unlock()

	if err := crypto.PersistPrivateKey(s.cfg.KeyFile, newPriv); err != nil {
		log.Printf("rotation key persist warning: %v", err)
	}
	for memberID, memberPub := range sess.ackedKeys() {
		if err := s.reg.UpdatePublicKey(memberID, crypto.EncodeEd25519PublicKey(memberPub)); err != nil {
			log.Printf("rotation member key update warning member=%s: %v", memberID, err)
		}
	}
	if _, ok := s.reg.Snapshot(s.localID); ok {
		_ = s.reg.UpdatePublicKey(s.localID, crypto.EncodeEd25519PublicKey(newPub))
	}
	log.Printf("rotation completed session=%s", sess.ID)
	if s.bus != nil {
		s.bus.Publish(proto.Event{Kind: proto.EventRotationCompleted, RotationID: sess.ID})
	}
	return nil
}

// rollback instructs every member to keep its prior keys and discards the
// session. Old keys stay authoritative.
func (s *Service) rollback(ctx context.Context, sess *Session, cause error) error {
	sess.rollback()
	payload, err := json.Marshal(proto.KeyRollbackPayload{RotationID: sess.ID, Reason: cause.Error()})
	if err == nil {
		for _, member := range sess.requiredMembers() {
			rbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, sendErr := s.exchange(rbCtx, member, proto.MsgKeyRollback, payload); sendErr != nil {
				log.Printf("rotation rollback notify failed session=%s member=%s: %v", sess.ID, member.RelayID, sendErr)
			}
			cancel()
		}
	}
	log.Printf("rotation rolled back session=%s: %v", sess.ID, cause)
	if s.bus != nil {
		s.bus.Publish(proto.Event{Kind: proto.EventRotationRolledBack, RotationID: sess.ID, Reason: cause.Error()})
	}
	return fmt.Errorf("session %s rolled back: %w", sess.ID, cause)
}

func (s *Service) exchange(ctx context.Context, member proto.RelayRecord, msgType uint8, payload []byte) ([]byte, error) {
	env, err := s.codec.Encode(msgType, payload)
	if err != nil {
		return nil, err
	}
	raw, err := s.tr.Send(ctx, member.Address, env.Marshal())
	if err != nil {
		return nil, err
	}
	replyEnv, err := integrity.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(ctx, member.RelayID, replyEnv)
}

// ActivePhase reports the phase of the running session, if any.
func (s *Service) ActivePhase() (proto.RotationPhase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0, false
	}
	return s.active.Phase(), true
}

// CurrentPublicKey returns the active signing key.
func (s *Service) CurrentPublicKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crypto.EncodeEd25519PublicKey(s.pub)
}

// AcceptedKeys lists the keys currently valid for inbound traffic: the
// active key plus the previous one while its grace period lasts.
func (s *Service) AcceptedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{crypto.EncodeEd25519PublicKey(s.pub)}
	if len(s.prevPub) > 0 && s.now().Before(s.prevValidUntil) {
		out = append(out, crypto.EncodeEd25519PublicKey(s.prevPub))
	}
	return out
}
