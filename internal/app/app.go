package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relayring/pkg/crypto"
	"relayring/pkg/events"
	"relayring/pkg/integrity"
	"relayring/pkg/transport"
	"relayring/services/mesh"
	"relayring/services/registry"
	"relayring/services/rotation"
	"relayring/services/verifier"
)

type Roles struct {
	Registry bool
	Verifier bool
	Rotation bool
	Mesh     bool
}

func (r Roles) Any() bool {
	return r.Registry || r.Verifier || r.Rotation || r.Mesh
}

type Config struct {
	ListenAddr string
	Roles      Roles
}

// Run wires the enabled services together and blocks until the context is
// canceled or one service fails. Every service shares one identity, one
// integrity codec and one event bus.
func Run(ctx context.Context, cfg Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = envStrOr("RING_LISTEN_ADDR", ":8470")
	}

	rotCfg := rotation.ConfigFromEnv()
	pub, priv, err := crypto.LoadOrCreateKeypair(rotCfg.KeyFile)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	localID := crypto.RelayIDFromPublicKey(pub)
	log.Printf("node id=%s listen=%s", localID, cfg.ListenAddr)

	var rdb *redis.Client
	if addr := strings.TrimSpace(os.Getenv("RING_REDIS_ADDR")); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("RING_REDIS_PASSWORD")})
		log.Printf("node redis=%s", addr)
	}

	var window integrity.ReplayWindow
	maxAge := time.Duration(envIntOr("RING_MSG_MAX_AGE_SEC", 300)) * time.Second
	if rdb != nil {
		window = integrity.NewRedisWindow(rdb, maxAge, "ring:replay")
	} else {
		window = integrity.NewMemoryWindow(maxAge)
	}
	codec := integrity.NewCodec(window, maxAge)
	tr := transport.NewHTTPTransport(localID, 15*time.Second)
	bus := events.NewBus()
	defer bus.Close()

	regCfg := registry.ConfigFromEnv()
	var store registry.Store
	if rdb != nil {
		store = registry.NewRedisStore(rdb, "ring")
	} else {
		store = registry.NewFileStore(regCfg.RecordsFile)
	}
	reg := registry.New(regCfg, store, bus)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("registry load: %w", err)
	}
	quorum := registry.NewRingQuorum(tr, codec, regCfg.QuorumMode, 10*time.Second)
	reg.SetQuorum(quorum.Approve)

	ver := verifier.New(verifier.ConfigFromEnv(), reg, tr, codec)
	rot := rotation.New(rotCfg, reg, tr, codec, bus, localID, pub, priv)
	dispatch := newDispatcher(localID, codec, reg, ver, rot)
	server := transport.NewServer(cfg.ListenAddr, dispatch.Handle)

	var runners []func(context.Context) error
	runners = append(runners, server.Run)
	if cfg.Roles.Registry {
		runners = append(runners, reg.Run)
		feed := registry.NewEnvSeedFeed()
		runners = append(runners, func(ctx context.Context) error {
			return reg.ConsumeFeed(ctx, feed)
		})
	}
	if cfg.Roles.Verifier {
		runners = append(runners, ver.Run)
	}
	if cfg.Roles.Rotation {
		runners = append(runners, rot.Run)
	}
	if cfg.Roles.Mesh {
		svc := mesh.New(mesh.ConfigFromEnv(), bus, reg, rot)
		runners = append(runners, svc.Run)
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return fmt.Errorf("node stopped: %w", err)
	}

	log.Println("node stopped")
	return nil
}

func envStrOr(key string, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
