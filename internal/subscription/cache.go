// Package subscription caches what the subscription authority knows about
// topics: who publishes them and who is subscribed.
//
// Entries are fetched from the authority on first access and afterwards
// kept current by the authority's change notifications; a populated entry is
// never fetched again until Clear.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

type uriSet map[uri.URI]struct{}

func (s uriSet) slice() []uri.URI {
	out := make([]uri.URI, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	sortURIs(out)
	return out
}

// Cache is the subscriber and publisher cache.
type Cache struct {
	log   logrus.FieldLogger
	group singleflight.Group

	mu          sync.RWMutex
	authority   ubus.SubscriptionAuthority
	generation  uint64
	subscribers map[uri.URI]uriSet
	publishers  map[uri.URI]uri.URI
}

// New creates a cache in front of authority. authority may be nil until
// SetAuthority is called; lookups then return empty results that are not
// cached.
func New(authority ubus.SubscriptionAuthority, log logrus.FieldLogger) *Cache {
	return &Cache{
		log:         logging.OrDiscard(log).WithField("component", "subscription-cache"),
		authority:   authority,
		subscribers: make(map[uri.URI]uriSet),
		publishers:  make(map[uri.URI]uri.URI),
	}
}

// SetAuthority replaces the authority and drops everything cached from the
// previous one.
func (c *Cache) SetAuthority(authority ubus.SubscriptionAuthority) {
	c.mu.Lock()
	c.authority = authority
	c.mu.Unlock()
	c.Clear()
}

// GetSubscribers returns the subscribers of topic.
func (c *Cache) GetSubscribers(ctx context.Context, topic uri.URI) []uri.URI {
	c.mu.RLock()
	set, ok := c.subscribers[topic]
	if ok {
		out := set.slice()
		c.mu.RUnlock()
		return out
	}
	gen, authority := c.generation, c.authority
	c.mu.RUnlock()

	v, _, _ := c.group.Do(fmt.Sprintf("%d|subscribers|%s", gen, topic), func() (any, error) {
		return c.fetchSubscribers(ctx, authority, gen, topic), nil
	})
	return v.([]uri.URI)
}

func (c *Cache) fetchSubscribers(ctx context.Context, authority ubus.SubscriptionAuthority, gen uint64, topic uri.URI) []uri.URI {
	c.mu.RLock()
	existing, ok := c.subscribers[topic]
	if ok && c.generation == gen {
		out := existing.slice()
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()

	if authority == nil {
		return []uri.URI{}
	}
	subscribers, err := authority.GetSubscribers(ctx, topic)
	if err != nil {
		c.log.WithField("topic", topic.String()).WithError(err).Warn("Failed to fetch subscribers")
		return []uri.URI{}
	}

	fetched := make(uriSet, len(subscribers))
	for _, s := range subscribers {
		fetched[s] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return fetched.slice()
	}
	if existing, ok := c.subscribers[topic]; ok {
		return existing.slice()
	}
	c.subscribers[topic] = fetched
	return fetched.slice()
}

// AddSubscriber adds subscriber to topic and reports whether the set changed.
// When topic could not be populated from the authority nothing is cached, so
// the next lookup asks the authority again.
func (c *Cache) AddSubscriber(ctx context.Context, topic, subscriber uri.URI) bool {
	c.GetSubscribers(ctx, topic)

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[topic]
	if !ok {
		return true
	}
	if _, exists := set[subscriber]; exists {
		return false
	}
	set[subscriber] = struct{}{}
	return true
}

// RemoveSubscriber removes subscriber from topic and reports whether the
// set changed.
func (c *Cache) RemoveSubscriber(ctx context.Context, topic, subscriber uri.URI) bool {
	c.GetSubscribers(ctx, topic)

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subscribers[topic]
	if !ok {
		return false
	}
	if _, exists := set[subscriber]; !exists {
		return false
	}
	delete(set, subscriber)
	return true
}

// IsTopicSubscribed reports whether a subscriber of topic has clientURI's
// authority and entity.
func (c *Cache) IsTopicSubscribed(ctx context.Context, topic, clientURI uri.URI) bool {
	for _, s := range c.GetSubscribers(ctx, topic) {
		if s.SameClient(clientURI) {
			return true
		}
	}
	return false
}

// GetSubscribedTopics returns the cached topics with at least one subscriber.
func (c *Cache) GetSubscribedTopics() []uri.URI {
	c.mu.RLock()
	out := make([]uri.URI, 0, len(c.subscribers))
	for topic, set := range c.subscribers {
		if len(set) > 0 {
			out = append(out, topic)
		}
	}
	c.mu.RUnlock()

	sortURIs(out)
	return out
}

// GetPublisher returns the publisher of topic, or the empty URI.
func (c *Cache) GetPublisher(ctx context.Context, topic uri.URI) uri.URI {
	c.mu.RLock()
	publisher, ok := c.publishers[topic]
	gen, authority := c.generation, c.authority
	c.mu.RUnlock()
	if ok {
		return publisher
	}

	v, _, _ := c.group.Do(fmt.Sprintf("%d|publisher|%s", gen, topic), func() (any, error) {
		return c.fetchPublisher(ctx, authority, gen, topic), nil
	})
	return v.(uri.URI)
}

func (c *Cache) fetchPublisher(ctx context.Context, authority ubus.SubscriptionAuthority, gen uint64, topic uri.URI) uri.URI {
	c.mu.RLock()
	existing, ok := c.publishers[topic]
	if ok && c.generation == gen {
		c.mu.RUnlock()
		return existing
	}
	c.mu.RUnlock()

	if authority == nil {
		return uri.URI{}
	}
	publisher, err := authority.GetPublisher(ctx, topic)
	if err != nil {
		c.log.WithField("topic", topic.String()).WithError(err).Warn("Failed to fetch publisher")
		return uri.URI{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return publisher
	}
	if existing, ok := c.publishers[topic]; ok {
		return existing
	}
	c.publishers[topic] = publisher
	return publisher
}

// AddTopic records publisher as the publisher of topic and reports whether
// that changed anything.
func (c *Cache) AddTopic(topic, publisher uri.URI) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.publishers[topic]; ok && existing == publisher {
		return false
	}
	c.publishers[topic] = publisher
	return true
}

// RemoveTopic marks topic as having no publisher and no subscribers. The
// entries stay cached so the authority is not asked again.
func (c *Cache) RemoveTopic(topic uri.URI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishers[topic] = uri.URI{}
	c.subscribers[topic] = make(uriSet)
}

// IsTopicCreated reports whether the publisher of topic has clientURI's
// authority and entity.
func (c *Cache) IsTopicCreated(ctx context.Context, topic, clientURI uri.URI) bool {
	publisher := c.GetPublisher(ctx, topic)
	return !publisher.IsEmpty() && publisher.SameClient(clientURI)
}

// GetCreatedTopics returns the cached topics that have a publisher.
func (c *Cache) GetCreatedTopics() []uri.URI {
	c.mu.RLock()
	out := make([]uri.URI, 0, len(c.publishers))
	for topic, publisher := range c.publishers {
		if !publisher.IsEmpty() {
			out = append(out, topic)
		}
	}
	c.mu.RUnlock()

	sortURIs(out)
	return out
}

// Clear drops both maps. Fetches in flight when Clear is called do not
// repopulate the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.subscribers = make(map[uri.URI]uriSet)
	c.publishers = make(map[uri.URI]uri.URI)
}

// Subscriptions lists every cached topic with at least one subscriber.
func (c *Cache) Subscriptions() []ubus.TopicSubscribers {
	c.mu.RLock()
	out := make([]ubus.TopicSubscribers, 0, len(c.subscribers))
	for topic, set := range c.subscribers {
		if len(set) == 0 {
			continue
		}
		out = append(out, ubus.TopicSubscribers{Topic: topic, Subscribers: set.slice()})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic.String() < out[j].Topic.String() })
	return out
}

// Publishers lists every cached topic that has a publisher.
func (c *Cache) Publishers() []ubus.TopicPublisher {
	c.mu.RLock()
	out := make([]ubus.TopicPublisher, 0, len(c.publishers))
	for topic, publisher := range c.publishers {
		if !publisher.IsEmpty() {
			out = append(out, ubus.TopicPublisher{Topic: topic, Publisher: publisher})
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic.String() < out[j].Topic.String() })
	return out
}

func sortURIs(us []uri.URI) {
	sort.Slice(us, func(i, j int) bool { return us[i].String() < us[j].String() })
}
