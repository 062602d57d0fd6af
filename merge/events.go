package merge

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/hub/identity"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/message"
)

// EventType names what happened
type EventType string

const (
	EventMerge         EventType = "merge_message"
	EventPrune         EventType = "prune_message"
	EventRevoke        EventType = "revoke_message"
	EventOnChain       EventType = "merge_on_chain_event"
	EventUsernameProof EventType = "merge_username_proof"
)

// Event is published after the change it describes is durable
type Event struct {
	Seq           uint64                  `json:"seq"`
	Type          EventType               `json:"type"`
	Message       *message.Message        `json:"message,omitempty"`
	Deleted       []*message.Message      `json:"deleted,omitempty"`
	OnChainEvent  *identity.OnChainEvent  `json:"on_chain_event,omitempty"`
	UsernameProof *identity.UsernameProof `json:"username_proof,omitempty"`
}

// DefaultSubscriberBuffer is used when Subscribe is given no buffer size
const DefaultSubscriberBuffer = 256

// Bus fans events out to subscribers. A subscriber whose channel is full
// misses the event; publishing never blocks.
type Bus struct {
	log *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewBus creates an event bus
func NewBus(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = logger.Logger
	}
	return &Bus{log: log, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving every subsequent event and a
// cancel func that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps ev with the next sequence number and delivers it
func (b *Bus) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			b.log.Warnw("Event subscriber is slow, dropping event",
				"subscriber", id,
				"seq", ev.Seq,
				"type", ev.Type,
				"dropped_total", n)
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
