package crypto

import (
	"crypto/rand"
	"testing"
)

func TestKeyChangeSignVerify(t *testing.T) {
	oldPub, oldPriv, err := GenerateEd25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	newPub, _, err := GenerateEd25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var rotationID [16]byte
	copy(rotationID[:], "rot-0001-test-id")

	p, err := SignKeyChange(rotationID, oldPriv, newPub)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if p.OldKeyHash != HashPublicKey(oldPub) {
		t.Fatal("old key hash not bound to signer")
	}
	if err := VerifyKeyChange(p, oldPub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	otherPub, _, _ := GenerateEd25519Keypair()
	if err := VerifyKeyChange(p, otherPub); err == nil {
		t.Fatal("payload verified against wrong sender key")
	}

	p.NewPublicKey[0] ^= 0x01
	if err := VerifyKeyChange(p, oldPub); err == nil {
		t.Fatal("tampered new key verified")
	}
}

func TestKeyChangeAckSignVerify(t *testing.T) {
	memberPub, memberPriv, _ := GenerateEd25519Keypair()
	newPub, _, _ := GenerateEd25519Keypair()

	ack, err := SignKeyChangeAck("rot-1", "member-a", newPub, memberPriv)
	if err != nil {
		t.Fatalf("sign ack: %v", err)
	}
	if err := VerifyKeyChangeAck(ack, memberPub); err != nil {
		t.Fatalf("verify ack: %v", err)
	}

	tampered := ack
	tampered.MemberID = "member-b"
	if err := VerifyKeyChangeAck(tampered, memberPub); err == nil {
		t.Fatal("ack with swapped member id verified")
	}

	tampered = ack
	tampered.RotationID = "rot-2"
	if err := VerifyKeyChangeAck(tampered, memberPub); err == nil {
		t.Fatal("ack replayed into another rotation verified")
	}
}

func TestConnVerifySignVerify(t *testing.T) {
	newPub, newPriv, _ := GenerateEd25519Keypair()
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatalf("challenge: %v", err)
	}

	sig, err := SignConnVerify("rot-1", challenge, newPriv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyConnVerify("rot-1", challenge, sig, newPub); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyConnVerify("rot-2", challenge, sig, newPub); err == nil {
		t.Fatal("signature valid for different rotation")
	}
	challenge[0] ^= 0x01
	if err := VerifyConnVerify("rot-1", challenge, sig, newPub); err == nil {
		t.Fatal("signature valid for altered challenge")
	}
}
