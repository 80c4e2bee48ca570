package realtime

import (
	"sync"

	"github.com/example/field-sync-engine/internal/types"
)

// Joiner manages topic membership on the underlying connection. *Client
// satisfies it.
type Joiner interface {
	Join(topic string) error
	Leave(topic string) error
}

// ChannelKey identifies one logical subscription: a table plus an optional
// server-side row filter such as "assignee_id=eq.<uuid>".
type ChannelKey struct {
	Table  string
	Filter string
}

// Topic renders the wire topic for the key.
func (k ChannelKey) Topic() string {
	topic := "changes:public:" + k.Table
	if k.Filter != "" {
		topic += ":" + k.Filter
	}
	return topic
}

type channelRef struct {
	refs     int
	nextID   uint64
	handlers map[uint64]func(types.ChangeEvent)
}

// Registry reference-counts subscriptions per ChannelKey. The first Acquire
// for a key joins the topic once; the last release leaves it. Concurrent
// holders of the same key share a single topic on the wire.
type Registry struct {
	joiner Joiner

	mu       sync.Mutex
	channels map[ChannelKey]*channelRef
	byTopic  map[string]ChannelKey
}

// NewRegistry builds a registry joining topics through j.
func NewRegistry(j Joiner) *Registry {
	return &Registry{
		joiner:   j,
		channels: make(map[ChannelKey]*channelRef),
		byTopic:  make(map[string]ChannelKey),
	}
}

// Acquire registers handler for events on key, joining the topic if this is
// the first holder. The returned release function drops the registration and
// leaves the topic when no holders remain. Release is idempotent.
func (r *Registry) Acquire(key ChannelKey, handler func(types.ChangeEvent)) (func(), error) {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		ch = &channelRef{handlers: make(map[uint64]func(types.ChangeEvent))}
		r.channels[key] = ch
		r.byTopic[key.Topic()] = key
	}
	ch.refs++
	id := ch.nextID
	ch.nextID++
	if handler != nil {
		ch.handlers[id] = handler
	}
	r.mu.Unlock()

	if !ok {
		if err := r.joiner.Join(key.Topic()); err != nil {
			r.drop(key, id)
			return nil, err
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { r.drop(key, id) })
	}
	return release, nil
}

func (r *Registry) drop(key ChannelKey, id uint64) {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(ch.handlers, id)
	ch.refs--
	last := ch.refs <= 0
	if last {
		delete(r.channels, key)
		delete(r.byTopic, key.Topic())
	}
	r.mu.Unlock()

	if last {
		_ = r.joiner.Leave(key.Topic())
	}
}

// Dispatch fans an event out to every handler registered for the topic.
// Unknown topics are dropped. Intended as the Client sink.
func (r *Registry) Dispatch(topic string, ev types.ChangeEvent) {
	r.mu.Lock()
	key, ok := r.byTopic[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	ch := r.channels[key]
	handlers := make([]func(types.ChangeEvent), 0, len(ch.handlers))
	for _, h := range ch.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len reports the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
