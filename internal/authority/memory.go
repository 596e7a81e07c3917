// Package authority provides an in-memory subscription authority for the
// standalone daemon and for tests.
package authority

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// TopicInfo describes one topic known to the authority.
type TopicInfo struct {
	Topic       uri.URI   `json:"topic" yaml:"topic"`
	Publisher   uri.URI   `json:"publisher" yaml:"publisher"`
	Subscribers []uri.URI `json:"subscribers" yaml:"subscribers"`
}

// Memory is a SubscriptionAuthority that keeps its state in memory and
// accepts every request it is given.
type Memory struct {
	log logrus.FieldLogger

	mu          sync.RWMutex
	publishers  map[uri.URI]uri.URI
	subscribers map[uri.URI]map[uri.URI]ubus.SubscriptionState
	listeners   map[int]ubus.SubscriptionListener
	nextID      int
}

// NewMemory creates an empty authority.
func NewMemory(log logrus.FieldLogger) *Memory {
	return &Memory{
		log:         logging.OrDiscard(log).WithField("component", "authority"),
		publishers:  make(map[uri.URI]uri.URI),
		subscribers: make(map[uri.URI]map[uri.URI]ubus.SubscriptionState),
		listeners:   make(map[int]ubus.SubscriptionListener),
	}
}

// GetPublisher implements ubus.SubscriptionAuthority.
func (m *Memory) GetPublisher(ctx context.Context, topic uri.URI) (uri.URI, error) {
	if err := ctx.Err(); err != nil {
		return uri.URI{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[topic], nil
}

// GetSubscribers implements ubus.SubscriptionAuthority. Only subscribers in
// the SUBSCRIBED state are returned.
func (m *Memory) GetSubscribers(ctx context.Context, topic uri.URI) ([]uri.URI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribedLocked(topic), nil
}

func (m *Memory) subscribedLocked(topic uri.URI) []uri.URI {
	out := make([]uri.URI, 0, len(m.subscribers[topic]))
	for s, state := range m.subscribers[topic] {
		if state == ubus.StateSubscribed {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// AddListener implements ubus.SubscriptionAuthority.
func (m *Memory) AddListener(l ubus.SubscriptionListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// CreateTopic makes publisher the publisher of topic.
func (m *Memory) CreateTopic(topic, publisher uri.URI) error {
	if !topic.IsTopic() {
		return status.Errorf(codes.InvalidArgument, "%s is not a topic", topic)
	}
	if publisher.Entity == "" {
		return status.Error(codes.InvalidArgument, "publisher is empty")
	}
	publisher = publisher.Client()

	m.mu.Lock()
	if existing, ok := m.publishers[topic]; ok && existing != publisher {
		m.mu.Unlock()
		return status.Errorf(codes.AlreadyExists, "%s is published by %s", topic, existing)
	}
	m.publishers[topic] = publisher
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"topic": topic.String(), "publisher": publisher.String()}).Info("Topic created")
	m.notify(func(l ubus.SubscriptionListener) {
		if l.OnTopicCreated != nil {
			l.OnTopicCreated(topic, publisher)
		}
	})
	return nil
}

// DeprecateTopic forgets topic, its publisher and its subscribers.
func (m *Memory) DeprecateTopic(topic uri.URI) error {
	m.mu.Lock()
	_, known := m.publishers[topic]
	_, subscribed := m.subscribers[topic]
	if !known && !subscribed {
		m.mu.Unlock()
		return status.Errorf(codes.NotFound, "unknown topic %s", topic)
	}
	delete(m.publishers, topic)
	delete(m.subscribers, topic)
	m.mu.Unlock()

	m.log.WithField("topic", topic.String()).Info("Topic deprecated")
	m.notify(func(l ubus.SubscriptionListener) {
		if l.OnTopicDeprecated != nil {
			l.OnTopicDeprecated(topic)
		}
	})
	return nil
}

// SetSubscription records the state of subscriber on topic.
func (m *Memory) SetSubscription(topic, subscriber uri.URI, state ubus.SubscriptionState) error {
	if !topic.IsTopic() {
		return status.Errorf(codes.InvalidArgument, "%s is not a topic", topic)
	}
	if subscriber.Entity == "" {
		return status.Error(codes.InvalidArgument, "subscriber is empty")
	}
	subscriber = subscriber.Client()

	m.mu.Lock()
	states, ok := m.subscribers[topic]
	if !ok {
		states = make(map[uri.URI]ubus.SubscriptionState)
		m.subscribers[topic] = states
	}
	if state == ubus.StateUnsubscribed {
		delete(states, subscriber)
	} else {
		states[subscriber] = state
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"topic":      topic.String(),
		"subscriber": subscriber.String(),
		"state":      state.String(),
	}).Info("Subscription changed")
	m.notify(func(l ubus.SubscriptionListener) {
		if l.OnSubscriptionChanged != nil {
			l.OnSubscriptionChanged(topic, subscriber, state)
		}
	})
	return nil
}

// Reset forgets everything and tells the listeners to drop their caches.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.publishers = make(map[uri.URI]uri.URI)
	m.subscribers = make(map[uri.URI]map[uri.URI]ubus.SubscriptionState)
	m.mu.Unlock()

	m.notify(func(l ubus.SubscriptionListener) {
		if l.OnReset != nil {
			l.OnReset()
		}
	})
}

// Topics lists every topic with a publisher or a subscriber.
func (m *Memory) Topics() []TopicInfo {
	m.mu.RLock()
	seen := make(map[uri.URI]struct{})
	for topic := range m.publishers {
		seen[topic] = struct{}{}
	}
	for topic := range m.subscribers {
		seen[topic] = struct{}{}
	}
	out := make([]TopicInfo, 0, len(seen))
	for topic := range seen {
		out = append(out, TopicInfo{
			Topic:       topic,
			Publisher:   m.publishers[topic],
			Subscribers: m.subscribedLocked(topic),
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic.String() < out[j].Topic.String() })
	return out
}

func (m *Memory) notify(fn func(l ubus.SubscriptionListener)) {
	m.mu.RLock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]ubus.SubscriptionListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}
