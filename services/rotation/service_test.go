package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"relayring/pkg/crypto"
	"relayring/pkg/events"
	"relayring/pkg/integrity"
	"relayring/pkg/proto"
)

type ringReg struct {
	mu      sync.Mutex
	records map[string]proto.RelayRecord
}

func (r *ringReg) FirstRing() []proto.RelayRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proto.RelayRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Level == proto.TrustFirstRing {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelayID < out[j].RelayID })
	return out
}

func (r *ringReg) Snapshot(relayID string) (proto.RelayRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[relayID]
	return rec, ok
}

func (r *ringReg) UpdatePublicKey(relayID string, pubB64 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[relayID]
	if !ok {
		return fmt.Errorf("unknown relay %s", relayID)
	}
	rec.PubKey = pubB64
	r.records[relayID] = rec
	return nil
}

type memberNode struct {
	id    string
	svc   *Service
	codec *integrity.Codec
}

// ringNet wires a coordinator to member nodes in memory, mimicking the
// dispatcher each node runs at its transport boundary.
type ringNet struct {
	coordID string
	mu      sync.Mutex
	members map[string]*memberNode
	down    map[string]bool
	flaky   map[string]int
}

func (n *ringNet) Send(ctx context.Context, address string, payload []byte) ([]byte, error) {
	n.mu.Lock()
	node, ok := n.members[address]
	if n.down[address] {
		n.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if n.flaky[address] > 0 {
		n.flaky[address]--
		n.mu.Unlock()
		return nil, errors.New("transient network error")
	}
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no route to %s", address)
	}

	env, err := integrity.UnmarshalEnvelope(payload)
	if err != nil {
		return nil, err
	}
	body, err := node.codec.Decode(ctx, n.coordID, env)
	if err != nil {
		return nil, err
	}
	var reply []byte
	replyType := env.Type
	switch env.Type {
	case proto.MsgKeyChange:
		replyType = proto.MsgKeyChangeAck
		reply, err = node.svc.HandleKeyChange(n.coordID, body)
	case proto.MsgConnVerify:
		reply, err = node.svc.HandleConnVerify(n.coordID, body)
	case proto.MsgKeyRollback:
		reply, err = node.svc.HandleRollback(n.coordID, body)
	default:
		err = fmt.Errorf("unexpected message type %d", env.Type)
	}
	if err != nil {
		return nil, err
	}
	out, err := node.codec.Encode(replyType, reply)
	if err != nil {
		return nil, err
	}
	return out.Marshal(), nil
}

func testRotationConfig() Config {
	return Config{
		Interval:          time.Hour,
		Timeout:           5 * time.Second,
		MaxAttempts:       2,
		GracePeriod:       10 * time.Minute,
		ConnChallengeSize: 32,
	}
}

func buildRing(t *testing.T, memberIDs []string, bus *events.Bus) (*Service, *ringReg, *ringNet, map[string]*memberNode) {
	t.Helper()
	coordPub, coordPriv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	coordID := "coord"

	net := &ringNet{
		coordID: coordID,
		members: make(map[string]*memberNode),
		down:    make(map[string]bool),
		flaky:   make(map[string]int),
	}
	coordReg := &ringReg{records: map[string]proto.RelayRecord{
		coordID: {RelayID: coordID, PubKey: crypto.EncodeEd25519PublicKey(coordPub), Level: proto.TrustFirstRing},
	}}

	nodes := make(map[string]*memberNode, len(memberIDs))
	for _, id := range memberIDs {
		pub, priv, err := crypto.GenerateEd25519Keypair()
		if err != nil {
			t.Fatalf("keygen %s: %v", id, err)
		}
		addr := id + ".internal:8470"
		coordReg.records[id] = proto.RelayRecord{
			RelayID: id,
			PubKey:  crypto.EncodeEd25519PublicKey(pub),
			Address: addr,
			Level:   proto.TrustFirstRing,
		}
		memberReg := &ringReg{records: map[string]proto.RelayRecord{
			coordID: {RelayID: coordID, PubKey: crypto.EncodeEd25519PublicKey(coordPub), Level: proto.TrustFirstRing},
		}}
		node := &memberNode{
			id:    id,
			svc:   New(testRotationConfig(), memberReg, nil, integrity.NewCodec(nil, time.Minute), nil, id, pub, priv),
			codec: integrity.NewCodec(nil, time.Minute),
		}
		net.members[addr] = node
		nodes[id] = node
	}

	coord := New(testRotationConfig(), coordReg, net, integrity.NewCodec(nil, time.Minute), bus, coordID, coordPub, coordPriv)
	return coord, coordReg, net, nodes
}

func TestRotateCompletesAcrossRing(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	coord, coordReg, _, nodes := buildRing(t, []string{"m1", "m2", "m3"}, bus)
	oldKey := coord.CurrentPublicKey()
	oldMemberKeys := map[string]string{}
	for id, node := range nodes {
		oldMemberKeys[id] = node.svc.CurrentPublicKey()
	}

	if err := coord.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if coord.CurrentPublicKey() == oldKey {
		t.Fatal("coordinator key unchanged")
	}
	if keys := coord.AcceptedKeys(); len(keys) != 2 {
		t.Fatalf("expected active plus grace key, got %d", len(keys))
	}
	for id, node := range nodes {
		newKey := node.svc.CurrentPublicKey()
		if newKey == oldMemberKeys[id] {
			t.Fatalf("member %s key unchanged", id)
		}
		rec, _ := coordReg.Snapshot(id)
		if rec.PubKey != newKey {
			t.Fatalf("registry key for %s not updated", id)
		}
	}
	rec, _ := coordReg.Snapshot("coord")
	if rec.PubKey != coord.CurrentPublicKey() {
		t.Fatal("coordinator registry key not updated")
	}

	ev := <-sub
	if ev.Kind != proto.EventRotationCompleted || ev.RotationID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRotateRollsBackWhenMemberUnreachable(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	coord, coordReg, net, nodes := buildRing(t, []string{"m1", "m2", "m3", "m4"}, bus)
	oldKey := coord.CurrentPublicKey()
	net.down["m4.internal:8470"] = true

	err := coord.Rotate(context.Background())
	if !errors.Is(err, ErrAckMismatch) {
		t.Fatalf("want ack mismatch rollback, got %v", err)
	}

	if coord.CurrentPublicKey() != oldKey {
		t.Fatal("coordinator key changed despite rollback")
	}
	if keys := coord.AcceptedKeys(); len(keys) != 1 {
		t.Fatalf("rollback left %d accepted keys", len(keys))
	}
	for id, node := range nodes {
		rec, _ := coordReg.Snapshot(id)
		if rec.PubKey != node.svc.CurrentPublicKey() {
			t.Fatalf("member %s key drifted from registry", id)
		}
	}

	ev := <-sub
	if ev.Kind != proto.EventRotationRolledBack {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, active := coord.ActivePhase(); active {
		t.Fatal("session still active after rollback")
	}
}

func TestRotateWithRetryRecoversTransientFailure(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	coord, _, net, _ := buildRing(t, []string{"m1", "m2"}, bus)
	oldKey := coord.CurrentPublicKey()
	net.flaky["m2.internal:8470"] = 1

	coord.RotateWithRetry(context.Background())

	if coord.CurrentPublicKey() == oldKey {
		t.Fatal("retry did not complete the rotation")
	}
	kinds := make([]proto.EventKind, 0, 2)
	for len(kinds) < 2 {
		kinds = append(kinds, (<-sub).Kind)
	}
	if kinds[0] != proto.EventRotationRolledBack || kinds[1] != proto.EventRotationCompleted {
		t.Fatalf("unexpected event order %v", kinds)
	}
}

func TestRotateRejectsConcurrentSessions(t *testing.T) {
	coord, _, _, _ := buildRing(t, []string{"m1"}, nil)
	coord.mu.Lock()
	coord.active = &Session{ID: "occupied"}
	coord.mu.Unlock()

	if err := coord.Rotate(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("want ErrSessionActive, got %v", err)
	}
}

func TestMemberRollbackRestoresOldKey(t *testing.T) {
	coord, _, net, nodes := buildRing(t, []string{"m1"}, nil)
	node := nodes["m1"]
	oldKey := node.svc.CurrentPublicKey()

	// A rollback arriving after the member already activated its new key
	// must restore the old one.
	if err := coord.Rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	rotated := node.svc.CurrentPublicKey()
	if rotated == oldKey {
		t.Fatal("member never rotated")
	}

	var rotationID string
	node.svc.mu.Lock()
	for id := range node.svc.pending {
		rotationID = id
	}
	node.svc.mu.Unlock()
	rollback, _ := json.Marshal(proto.KeyRollbackPayload{RotationID: rotationID, Reason: "test"})
	if _, err := node.svc.HandleRollback(net.coordID, rollback); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if node.svc.CurrentPublicKey() != oldKey {
		t.Fatal("rollback did not restore the old key")
	}
}
