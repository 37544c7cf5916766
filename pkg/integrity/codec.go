package integrity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

// The three decode failures drive different trust penalties downstream, so
// they are distinct sentinels and callers must not conflate them.
var (
	ErrTamper  = errors.New("integrity: tamper detected")
	ErrExpired = errors.New("integrity: message expired")
	ErrReplay  = errors.New("integrity: replay detected")
)

const DefaultMaxAge = 300 * time.Second

// Codec wraps and unwraps control-plane payloads. Encode stamps a fresh
// random salt and a monotonic per-sender sequence number; Decode verifies
// the hash, the timestamp window and replay state, in that order.
type Codec struct {
	window ReplayWindow
	maxAge time.Duration
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

func NewCodec(window ReplayWindow, maxAge time.Duration) *Codec {
	if window == nil {
		window = NewMemoryWindow(maxAge)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Codec{window: window, maxAge: maxAge, now: time.Now}
}

func (c *Codec) Encode(msgType uint8, payload []byte) (*Envelope, error) {
	e := &Envelope{Type: msgType, Payload: append([]byte(nil), payload...)}
	if _, err := rand.Read(e.Salt[:]); err != nil {
		return nil, fmt.Errorf("salt generation: %w", err)
	}
	c.mu.Lock()
	c.seq++
	e.Sequence = c.seq
	c.mu.Unlock()
	e.Timestamp = uint64(c.now().Unix())
	e.Hash = computeHash(e.Type, e.Payload, e.Salt, e.Sequence, e.Timestamp)
	return e, nil
}

// Decode validates an envelope from senderID and returns its payload. On
// success the (sender, sequence) pair is recorded in the replay window.
func (c *Codec) Decode(ctx context.Context, senderID string, e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, ErrTamper
	}
	if computeHash(e.Type, e.Payload, e.Salt, e.Sequence, e.Timestamp) != e.Hash {
		return nil, ErrTamper
	}
	now := c.now().Unix()
	age := now - int64(e.Timestamp)
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > c.maxAge {
		return nil, ErrExpired
	}
	fresh, err := c.window.Remember(ctx, senderID, e.Sequence)
	if err != nil {
		return nil, fmt.Errorf("replay window: %w", err)
	}
	if !fresh {
		return nil, ErrReplay
	}
	return e.Payload, nil
}
