package registry

import (
	"context"
	"log"
	"os"
	"strings"

	"relayring/pkg/crypto"
	"relayring/pkg/proto"
)

// Feed is an external discovery source. The registry admits whatever the
// feed produces at Untrusted; discovery never grants trust.
type Feed interface {
	Candidates() <-chan proto.Candidate
}

// EnvSeedFeed emits the operator-configured seed relays from
// RING_SEED_RELAYS, a comma separated list of pubkey@address entries, then
// closes. Relay ids are derived from the public key, never taken on faith.
type EnvSeedFeed struct {
	raw string
}

func NewEnvSeedFeed() *EnvSeedFeed {
	return &EnvSeedFeed{raw: os.Getenv("RING_SEED_RELAYS")}
}

func (f *EnvSeedFeed) Candidates() <-chan proto.Candidate {
	ch := make(chan proto.Candidate)
	go func() {
		defer close(ch)
		for _, entry := range strings.Split(f.raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			pubB64, addr, ok := strings.Cut(entry, "@")
			if !ok {
				log.Printf("registry skipping malformed seed %q", entry)
				continue
			}
			pub, err := crypto.ParseEd25519PublicKey(pubB64)
			if err != nil {
				log.Printf("registry skipping seed with bad key %q: %v", entry, err)
				continue
			}
			ch <- proto.Candidate{
				RelayID: crypto.RelayIDFromPublicKey(pub),
				PubKey:  pubB64,
				Address: addr,
			}
		}
	}()
	return ch
}

// ConsumeFeed drains a discovery feed into the record table. Returns nil
// when the feed closes.
func (s *Service) ConsumeFeed(ctx context.Context, feed Feed) error {
	ch := feed.Candidates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			s.Admit(c)
		}
	}
}
