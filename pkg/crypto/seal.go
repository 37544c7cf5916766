package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// SealedProbe is a blind-test payload encrypted under a disposable keypair.
// The recipient key is generated and immediately discarded, so no party,
// including the prober, can open the box afterwards. The relay under test is
// only expected to carry it, never to read it.
type SealedProbe struct {
	Sealed    []byte
	SealerPub string
}

func SealBlindProbe(size int) (SealedProbe, error) {
	if size <= 0 {
		size = 64
	}
	recipientPub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return SealedProbe{}, fmt.Errorf("generate disposable recipient key: %w", err)
	}
	sealerPub, sealerPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return SealedProbe{}, fmt.Errorf("generate disposable sealer key: %w", err)
	}
	plaintext := make([]byte, size)
	if _, err := rand.Read(plaintext); err != nil {
		return SealedProbe{}, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return SealedProbe{}, err
	}
	sealed := box.Seal(nonce[:], plaintext, &nonce, recipientPub, sealerPriv)
	return SealedProbe{
		Sealed:    sealed,
		SealerPub: base64.RawURLEncoding.EncodeToString(sealerPub[:]),
	}, nil
}
