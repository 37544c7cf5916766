package events

import (
	"sync"
	"time"

	"relayring/pkg/proto"
)

const subscriberBuffer = 64

// Bus fans ring events out to observability consumers. Publish never blocks:
// a subscriber that falls more than a buffer behind loses events rather than
// stalling trust or rotation progress.
type Bus struct {
	mu     sync.Mutex
	subs   []chan proto.Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe() <-chan proto.Event {
	ch := make(chan proto.Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(ev proto.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
