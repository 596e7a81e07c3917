// Package routingtable keeps the topic ⇄ client index of the clients that
// asked the bus to deliver a topic to them.
package routingtable

import (
	"sort"
	"sync"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

type clientSet map[*client.Client]struct{}

type topicSet map[uri.URI]struct{}

// LinkedClients maps topics to the clients linked to them and back. Both
// directions are updated under one lock so readers never see them disagree.
type LinkedClients struct {
	mu       sync.RWMutex
	byTopic  map[uri.URI]clientSet
	byClient map[*client.Client]topicSet
}

// New creates an empty index.
func New() *LinkedClients {
	return &LinkedClients{
		byTopic:  make(map[uri.URI]clientSet),
		byClient: make(map[*client.Client]topicSet),
	}
}

// Link links c to topic. It reports whether the link is new; released
// clients are never linked.
func (l *LinkedClients) Link(topic uri.URI, c *client.Client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.IsReleased() {
		return false
	}
	clients, ok := l.byTopic[topic]
	if !ok {
		clients = make(clientSet)
		l.byTopic[topic] = clients
	}
	if _, linked := clients[c]; linked {
		return false
	}
	clients[c] = struct{}{}

	topics, ok := l.byClient[c]
	if !ok {
		topics = make(topicSet)
		l.byClient[c] = topics
	}
	topics[topic] = struct{}{}
	return true
}

// Unlink removes the link between c and topic and reports whether there was one.
func (l *LinkedClients) Unlink(topic uri.URI, c *client.Client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byTopic[topic][c]; !ok {
		return false
	}
	l.unlinkLocked(topic, c)
	return true
}

// UnlinkAll removes every link of c and returns the topics it was linked to.
func (l *LinkedClients) UnlinkAll(c *client.Client) []uri.URI {
	l.mu.Lock()
	defer l.mu.Unlock()

	topics := l.byClient[c]
	out := make([]uri.URI, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
		l.unlinkLocked(topic, c)
	}
	sortURIs(out)
	return out
}

func (l *LinkedClients) unlinkLocked(topic uri.URI, c *client.Client) {
	if clients, ok := l.byTopic[topic]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(l.byTopic, topic)
		}
	}
	if topics, ok := l.byClient[c]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(l.byClient, c)
		}
	}
}

// GetClients returns the clients linked to topic. The result is never nil.
func (l *LinkedClients) GetClients(topic uri.URI) []*client.Client {
	return l.collect(topic, func(*client.Client) bool { return true })
}

// GetClientsFor returns the clients linked to topic that registered as
// clientURI's authority and entity. One logical client may hold several
// registrations.
func (l *LinkedClients) GetClientsFor(topic, clientURI uri.URI) []*client.Client {
	return l.collect(topic, func(c *client.Client) bool { return clientURI.SameClient(c.URI()) })
}

func (l *LinkedClients) collect(topic uri.URI, keep func(*client.Client) bool) []*client.Client {
	l.mu.RLock()
	out := make([]*client.Client, 0, len(l.byTopic[topic]))
	for c := range l.byTopic[topic] {
		if keep(c) {
			out = append(out, c)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Token() < out[j].Token() })
	return out
}

// IsLinked reports whether c is linked to topic.
func (l *LinkedClients) IsLinked(topic uri.URI, c *client.Client) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byTopic[topic][c]
	return ok
}

// GetTopics returns the topics c is linked to.
func (l *LinkedClients) GetTopics(c *client.Client) []uri.URI {
	l.mu.RLock()
	out := make([]uri.URI, 0, len(l.byClient[c]))
	for topic := range l.byClient[c] {
		out = append(out, topic)
	}
	l.mu.RUnlock()

	sortURIs(out)
	return out
}

// Snapshot lists every linked topic with the tokens of its clients.
func (l *LinkedClients) Snapshot() []ubus.TopicClients {
	l.mu.RLock()
	out := make([]ubus.TopicClients, 0, len(l.byTopic))
	for topic, clients := range l.byTopic {
		tc := ubus.TopicClients{Topic: topic, Clients: make([]string, 0, len(clients))}
		for c := range clients {
			tc.Clients = append(tc.Clients, ubus.ShortToken(c.Token()))
		}
		sort.Strings(tc.Clients)
		out = append(out, tc)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic.String() < out[j].Topic.String() })
	return out
}

// Clear drops every link.
func (l *LinkedClients) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byTopic = make(map[uri.URI]clientSet)
	l.byClient = make(map[*client.Client]topicSet)
}

func sortURIs(us []uri.URI) {
	sort.Slice(us, func(i, j int) bool { return us[i].String() < us[j].String() })
}
