package ubus

import (
	"context"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// SubscriptionState is the state of one subscriber on one topic as reported
// by the subscription authority.
type SubscriptionState int

const (
	StateUnsubscribed SubscriptionState = iota
	StateSubscribePending
	StateSubscribed
	StateUnsubscribePending
)

func (s SubscriptionState) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StateSubscribePending:
		return "SUBSCRIBE_PENDING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateUnsubscribePending:
		return "UNSUBSCRIBE_PENDING"
	default:
		return "UNKNOWN"
	}
}

// ParseSubscriptionState parses the name returned by String.
func ParseSubscriptionState(s string) (SubscriptionState, error) {
	for st := StateUnsubscribed; st <= StateUnsubscribePending; st++ {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return StateUnsubscribed, fmt.Errorf("unknown subscription state %q", s)
}

// SubscriptionListener receives push notifications from the subscription
// authority. Every callback is optional.
type SubscriptionListener struct {
	OnSubscriptionChanged func(topic, subscriber uri.URI, state SubscriptionState)
	OnTopicCreated        func(topic, publisher uri.URI)
	OnTopicDeprecated     func(topic uri.URI)

	// OnReset tells the bus to drop everything it cached from the authority
	OnReset func()
}

// SubscriptionAuthority owns subscription state. The bus caches its answers
// and keeps the cache current through the listener callbacks.
type SubscriptionAuthority interface {
	// GetPublisher returns the publisher of topic, or the empty URI.
	GetPublisher(ctx context.Context, topic uri.URI) (uri.URI, error)

	// GetSubscribers returns the client URIs subscribed to topic.
	GetSubscribers(ctx context.Context, topic uri.URI) ([]uri.URI, error)

	// AddListener registers l and returns a function that removes it.
	AddListener(l SubscriptionListener) (remove func())
}
