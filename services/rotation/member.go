package rotation

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"relayring/pkg/crypto"
	"relayring/pkg/proto"
)

// Member side of the protocol: a coordinator elsewhere in the ring drives the
// session, this node generates its own replacement keypair, acks, proves the
// new key works, and only then activates it. A rollback before activation
// restores the old keypair untouched.

// HandleKeyChange verifies a coordinator's signed key change, generates this
// node's replacement keypair and returns the signed acknowledgment carrying
// the new public key.
func (s *Service) HandleKeyChange(senderID string, payload []byte) ([]byte, error) {
	change, err := proto.UnmarshalKeyChange(payload)
	if err != nil {
		return nil, err
	}
	sender, ok := s.reg.Snapshot(senderID)
	if !ok {
		return nil, fmt.Errorf("key change from unknown relay %s", senderID)
	}
	senderPub, err := crypto.ParseEd25519PublicKey(sender.PubKey)
	if err != nil {
		return nil, err
	}
	if err := crypto.VerifyKeyChange(change, senderPub); err != nil {
		return nil, err
	}

	rotationID := uuid.UUID(change.RotationID).String()
	newPub, newPriv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for id, pend := range s.pending {
		if s.now().Sub(pend.createdAt) > s.cfg.GracePeriod {
			delete(s.pending, id)
		}
	}
	oldPub, oldPriv := s.pub, s.priv
	s.pending[rotationID] = &memberRotation{
		newPub:    newPub,
		newPriv:   newPriv,
		oldPub:    oldPub,
		oldPriv:   oldPriv,
		createdAt: s.now(),
	}
	s.mu.Unlock()

	ack, err := crypto.SignKeyChangeAck(rotationID, s.localID, newPub, oldPriv)
	if err != nil {
		return nil, err
	}
	log.Printf("rotation ack sent session=%s coordinator=%s", rotationID, senderID)
	return json.Marshal(ack)
}

// HandleConnVerify answers a connection challenge with the pending new key
// and activates it: a completed verification means the coordinator is about
// to commit the rotation.
func (s *Service) HandleConnVerify(senderID string, payload []byte) ([]byte, error) {
	var req proto.ConnVerifyPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad connection challenge: %w", err)
	}
	challenge, err := base64.RawURLEncoding.DecodeString(req.Challenge)
	if err != nil {
		return nil, fmt.Errorf("bad challenge encoding: %w", err)
	}

	s.mu.Lock()
	pend, ok := s.pending[req.RotationID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no pending rotation %s", req.RotationID)
	}
	sig, err := crypto.SignConnVerify(req.RotationID, challenge, pend.newPriv)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !pend.activated {
		pend.activated = true
		s.prevPub = s.pub
		s.prevValidUntil = s.now().Add(s.cfg.GracePeriod)
		s.pub = pend.newPub
		s.priv = pend.newPriv
	}
	s.mu.Unlock()

	if err := crypto.PersistPrivateKey(s.cfg.KeyFile, pend.newPriv); err != nil {
		log.Printf("rotation key persist warning: %v", err)
	}
	log.Printf("rotation key activated session=%s coordinator=%s", req.RotationID, senderID)
	return json.Marshal(proto.ConnVerifyReply{
		RotationID: req.RotationID,
		MemberID:   s.localID,
		Signature:  sig,
	})
}

// HandleRollback reverts a pending or freshly activated rotation. After the
// revert the old keypair is authoritative again and the pending state is
// gone.
func (s *Service) HandleRollback(senderID string, payload []byte) ([]byte, error) {
	var req proto.KeyRollbackPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad rollback: %w", err)
	}

	s.mu.Lock()
	pend, ok := s.pending[req.RotationID]
	if ok {
		if pend.activated {
			s.pub = pend.oldPub
			s.priv = pend.oldPriv
			s.prevPub = nil
			s.prevValidUntil = s.now()
		}
		delete(s.pending, req.RotationID)
	}
	s.mu.Unlock()

	if !ok {
		// Duplicate or late rollback; acknowledging is still correct.
		log.Printf("rotation rollback for unknown session=%s coordinator=%s", req.RotationID, senderID)
	} else {
		log.Printf("rotation rolled back session=%s coordinator=%s reason=%q", req.RotationID, senderID, req.Reason)
		if pend.activated {
			if err := crypto.PersistPrivateKey(s.cfg.KeyFile, s.privSnapshot()); err != nil {
				log.Printf("rotation key persist warning: %v", err)
			}
		}
	}
	return json.Marshal(map[string]string{"rotation_id": req.RotationID, "status": "rolled_back"})
}

func (s *Service) privSnapshot() ed25519.PrivateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priv
}
