package engine

import (
	"sync"

	"github.com/seantiz/foundry/internal/model"
)

// subscriberBufferSize is the channel buffer for each update subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// Sink receives session snapshots. Publish must never block the session.
type Sink interface {
	Publish(u model.Update)
}

// Broker fans session updates out to subscribers. Subscribers either follow
// one session (by session key) or every session. It is safe for concurrent
// use and implements Sink.
//
// Closed session topics are retained as markers so that late subscribers
// receive a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*updateTopic
	all    updateTopic
}

type updateTopic struct {
	subs   map[int]chan model.Update
	nextID int
	closed bool
}

func newUpdateTopic() *updateTopic {
	return &updateTopic{subs: make(map[int]chan model.Update)}
}

func (t *updateTopic) add() (int, chan model.Update) {
	if t.subs == nil {
		t.subs = make(map[int]chan model.Update)
	}
	ch := make(chan model.Update, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	return id, ch
}

func (t *updateTopic) publish(u model.Update) {
	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
			// Drop for slow subscribers to avoid blocking sessions.
		}
	}
}

// NewBroker creates a new update broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*updateTopic),
	}
}

// Subscribe returns a channel that receives updates for one session and an
// unsubscribe function. If the session has already finished, the returned
// channel is immediately closed.
func (b *Broker) Subscribe(key string) (<-chan model.Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok {
		t = newUpdateTopic()
		b.topics[key] = t
	}

	if t.closed {
		ch := make(chan model.Update)
		close(ch)
		return ch, func() {}
	}

	id, ch := t.add()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// SubscribeAll returns a channel that receives the updates of every session.
func (b *Broker) SubscribeAll() (<-chan model.Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ch := b.all.add()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all.subs, id)
	}
}

// Publish delivers u to the subscribers of its session and to every
// all-sessions subscriber.
func (b *Broker) Publish(u model.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all.publish(u)

	t, ok := b.topics[u.Key()]
	if !ok || t.closed {
		return
	}
	t.publish(u)
}

// Close signals that a session will publish no more updates. Its
// subscriber channels are closed and future Subscribe calls for the key
// return a closed channel.
func (b *Broker) Close(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok {
		t = newUpdateTopic()
		t.closed = true
		b.topics[key] = t
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
