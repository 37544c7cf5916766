package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func GenerateEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func EncodeEd25519PublicKey(pub ed25519.PublicKey) string {
	if len(pub) != ed25519.PublicKeySize {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(pub)
}

func ParseEd25519PublicKey(pubB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(pubB64))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return ed25519.PublicKey(raw), nil
}

// HashPublicKey returns the 32-byte identity hash of a relay public key.
func HashPublicKey(pub ed25519.PublicKey) [32]byte {
	return sha256.Sum256(pub)
}

// RelayIDFromPublicKey derives the stable relay id from a public key. The id
// stays fixed for the life of the record even after the key itself rotates.
func RelayIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := HashPublicKey(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// LoadOrCreateKeypair reads a base64 private key from path, generating and
// persisting a fresh keypair when the file does not exist yet. An empty path
// yields an ephemeral keypair.
func LoadOrCreateKeypair(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return GenerateEd25519Keypair()
	}
	b, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b)))
		if decErr != nil {
			return nil, nil, decErr
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("invalid private key size")
		}
		priv := ed25519.PrivateKey(raw)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err := GenerateEd25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	if err := PersistPrivateKey(path, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func PersistPrivateKey(path string, priv ed25519.PrivateKey) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	enc := base64.RawURLEncoding.EncodeToString(priv)
	return os.WriteFile(path, []byte(enc+"\n"), 0o600)
}
