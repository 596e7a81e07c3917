// Package twin keeps the last value published on every topic.
package twin

import (
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// Store holds one message per topic, keyed by the message source. Entries
// expire lazily: a read of an expired entry removes it.
// It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	messages map[uri.URI]*message.Message
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		messages: make(map[uri.URI]*message.Message),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddMessage stores msg as the last value of its topic. A message with the
// id already stored is ignored; any other id replaces the entry, whatever
// its creation time. onAdded, if not nil, is called with msg after a
// successful store and before AddMessage returns.
func (s *Store) AddMessage(msg *message.Message, onAdded func(*message.Message)) bool {
	if msg == nil {
		return false
	}
	topic := msg.Source()

	s.mu.Lock()
	if existing, ok := s.messages[topic]; ok && existing.ID() == msg.ID() {
		s.mu.Unlock()
		return false
	}
	s.messages[topic] = msg
	s.mu.Unlock()

	if onAdded != nil {
		onAdded(msg)
	}
	return true
}

// RemoveMessage drops the entry of topic and reports whether there was one.
func (s *Store) RemoveMessage(topic uri.URI) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[topic]; !ok {
		return false
	}
	delete(s.messages, topic)
	return true
}

// GetMessage returns the last value of topic, or nil when there is none or
// it has expired.
func (s *Store) GetMessage(topic uri.URI) *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[topic]
	if !ok {
		return nil
	}
	if msg.IsExpiredAt(s.now()) {
		delete(s.messages, topic)
		return nil
	}
	return msg
}

// Topics returns the topics that have an entry, expired or not.
func (s *Store) Topics() []uri.URI {
	s.mu.Lock()
	out := make([]uri.URI, 0, len(s.messages))
	for topic := range s.messages {
		out = append(out, topic)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Size returns the number of entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[uri.URI]*message.Message)
}

// Snapshot describes every entry for diagnostics.
func (s *Store) Snapshot() []ubus.CachedMessage {
	s.mu.Lock()
	out := make([]ubus.CachedMessage, 0, len(s.messages))
	for topic, msg := range s.messages {
		out = append(out, ubus.CachedMessage{
			Topic:     topic,
			ID:        msg.ID().String(),
			CreatedAt: msg.CreatedAt(),
			TTL:       msg.TTL(),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic.String() < out[j].Topic.String() })
	return out
}
