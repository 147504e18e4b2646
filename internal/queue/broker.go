package queue

import "sync"

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Updates are dropped if a subscriber falls this far behind; the final
// update for an item is delivered by the closed-topic marker instead.
const subscriberBufferSize = 64

// Update is a progress snapshot for a single queue item.
type Update struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Broker fans out per-item progress updates to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after an item reaches a terminal status) receive a closed
// channel instead of blocking forever. Each marker is a few bytes, which is
// acceptable for the expected queue volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Update
	nextID int
	closed bool
}

// NewBroker creates a new progress broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives progress updates for the given
// item and an unsubscribe function. If the item has already finished (Close
// was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(itemID string) (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[itemID]
	if !ok {
		t = &topic{subs: make(map[int]chan Update)}
		b.topics[itemID] = t
	}

	ch := make(chan Update, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an update to all subscribers of the given item.
// Updates are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(itemID string, u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[itemID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
			// Drop update for slow subscribers to avoid blocking processing.
		}
	}
}

// Close signals that no more updates will be published for the given item.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(itemID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[itemID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[itemID] = &topic{subs: make(map[int]chan Update), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
