package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"relayring/pkg/proto"
)

const (
	keyChangeContext  = "ring_key_change_v1"
	keyAckContext     = "ring_key_ack_v1"
	connVerifyContext = "ring_conn_verify_v1"
)

func keyChangeMessage(rotationID [proto.RotationIDSize]byte, oldKeyHash [proto.KeyHashSize]byte, newPub []byte) []byte {
	msg := make([]byte, 0, len(keyChangeContext)+proto.RotationIDSize+proto.KeyHashSize+len(newPub))
	msg = append(msg, keyChangeContext...)
	msg = append(msg, rotationID[:]...)
	msg = append(msg, oldKeyHash[:]...)
	msg = append(msg, newPub...)
	return msg
}

// SignKeyChange builds a key_change payload signed with the initiator's
// currently active (old) key, binding the new key to the rotation id.
func SignKeyChange(rotationID [proto.RotationIDSize]byte, oldPriv ed25519.PrivateKey, newPub ed25519.PublicKey) (proto.KeyChangePayload, error) {
	if len(oldPriv) != ed25519.PrivateKeySize {
		return proto.KeyChangePayload{}, fmt.Errorf("invalid signing key size")
	}
	oldPub := oldPriv.Public().(ed25519.PublicKey)
	p := proto.KeyChangePayload{
		RotationID:   rotationID,
		OldKeyHash:   HashPublicKey(oldPub),
		NewPublicKey: append([]byte(nil), newPub...),
	}
	p.Signature = ed25519.Sign(oldPriv, keyChangeMessage(p.RotationID, p.OldKeyHash, p.NewPublicKey))
	return p, nil
}

// VerifyKeyChange checks a key_change payload against the sender's currently
// trusted public key, including the old-key hash binding.
func VerifyKeyChange(p proto.KeyChangePayload, senderPub ed25519.PublicKey) error {
	if len(senderPub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid sender public key size")
	}
	if HashPublicKey(senderPub) != p.OldKeyHash {
		return fmt.Errorf("key change old-key hash mismatch")
	}
	if len(p.NewPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("key change new key size invalid")
	}
	if !ed25519.Verify(senderPub, keyChangeMessage(p.RotationID, p.OldKeyHash, p.NewPublicKey), p.Signature) {
		return fmt.Errorf("key change signature invalid")
	}
	return nil
}

func keyAckMessage(rotationID string, memberID string, newPubB64 string) []byte {
	return []byte(keyAckContext + "|" + rotationID + "|" + memberID + "|" + newPubB64)
}

// SignKeyChangeAck builds a member acknowledgment carrying the member's
// freshly generated public key, signed with the member's old key.
func SignKeyChangeAck(rotationID string, memberID string, newPub ed25519.PublicKey, oldPriv ed25519.PrivateKey) (proto.KeyChangeAckPayload, error) {
	if len(oldPriv) != ed25519.PrivateKeySize {
		return proto.KeyChangeAckPayload{}, fmt.Errorf("invalid signing key size")
	}
	ack := proto.KeyChangeAckPayload{
		RotationID: rotationID,
		MemberID:   memberID,
		NewPubKey:  EncodeEd25519PublicKey(newPub),
	}
	sig := ed25519.Sign(oldPriv, keyAckMessage(ack.RotationID, ack.MemberID, ack.NewPubKey))
	ack.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return ack, nil
}

func VerifyKeyChangeAck(ack proto.KeyChangeAckPayload, memberPub ed25519.PublicKey) error {
	if strings.TrimSpace(ack.Signature) == "" {
		return fmt.Errorf("ack missing signature")
	}
	sig, err := base64.RawURLEncoding.DecodeString(ack.Signature)
	if err != nil {
		return fmt.Errorf("decode ack signature: %w", err)
	}
	if _, err := ParseEd25519PublicKey(ack.NewPubKey); err != nil {
		return fmt.Errorf("ack new key: %w", err)
	}
	if !ed25519.Verify(memberPub, keyAckMessage(ack.RotationID, ack.MemberID, ack.NewPubKey), sig) {
		return fmt.Errorf("ack signature invalid")
	}
	return nil
}

// SignConnVerify answers a post-rotation connection challenge with the
// member's new key, proving possession before the rotation completes.
func SignConnVerify(rotationID string, challenge []byte, newPriv ed25519.PrivateKey) (string, error) {
	if len(newPriv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid signing key size")
	}
	msg := append([]byte(connVerifyContext+"|"+rotationID+"|"), challenge...)
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(newPriv, msg)), nil
}

func VerifyConnVerify(rotationID string, challenge []byte, sigB64 string, newPub ed25519.PublicKey) error {
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return fmt.Errorf("decode challenge signature: %w", err)
	}
	msg := append([]byte(connVerifyContext+"|"+rotationID+"|"), challenge...)
	if !ed25519.Verify(newPub, msg, sig) {
		return fmt.Errorf("challenge signature invalid")
	}
	return nil
}
