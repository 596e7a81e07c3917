package ubus

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// Snapshot is a point-in-time diagnostic view of the bus.
type Snapshot struct {
	TakenAt         time.Time          `json:"takenAt"`
	Clients         []ClientInfo       `json:"clients"`
	Linked          []TopicClients     `json:"linked"`
	Subscriptions   []TopicSubscribers `json:"subscriptions"`
	Publishers      []TopicPublisher   `json:"publishers"`
	Cached          []CachedMessage    `json:"cached"`
	Servers         []MethodServer     `json:"servers"`
	PendingRequests int                `json:"pendingRequests"`
}

// ClientInfo describes one registered client.
type ClientInfo struct {
	Token        string    `json:"token"`
	PackageName  string    `json:"packageName"`
	Entity       uri.URI   `json:"entity"`
	PID          int       `json:"pid"`
	UID          int       `json:"uid"`
	Remote       bool      `json:"remote"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// TopicClients lists the clients linked to a topic.
type TopicClients struct {
	Topic   uri.URI  `json:"topic"`
	Clients []string `json:"clients"`
}

// TopicSubscribers lists the cached subscribers of a topic.
type TopicSubscribers struct {
	Topic       uri.URI   `json:"topic"`
	Subscribers []uri.URI `json:"subscribers"`
}

// TopicPublisher is the cached publisher of a topic.
type TopicPublisher struct {
	Topic     uri.URI `json:"topic"`
	Publisher uri.URI `json:"publisher"`
}

// CachedMessage describes the last value held for a topic.
type CachedMessage struct {
	Topic     uri.URI       `json:"topic"`
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// MethodServer is the client serving a method.
type MethodServer struct {
	Method uri.URI `json:"method"`
	Client string  `json:"client"`
}

// ShortToken abbreviates a client token for display.
func ShortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// WriteText renders the snapshot in a human-readable form.
func (s Snapshot) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Snapshot taken at %s\n\n", s.TakenAt.Format(time.RFC3339))

	fmt.Fprintf(tw, "Clients (%d):\n", len(s.Clients))
	fmt.Fprintf(tw, "  TOKEN\tENTITY\tPACKAGE\tPID\tUID\tREMOTE\n")
	for _, c := range s.Clients {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%t\n", ShortToken(c.Token), c.Entity, c.PackageName, c.PID, c.UID, c.Remote)
	}

	fmt.Fprintf(tw, "\nLinked topics (%d):\n", len(s.Linked))
	for _, l := range s.Linked {
		fmt.Fprintf(tw, "  %s\t%s\n", l.Topic, strings.Join(l.Clients, ", "))
	}

	fmt.Fprintf(tw, "\nSubscriptions (%d):\n", len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		names := make([]string, 0, len(sub.Subscribers))
		for _, u := range sub.Subscribers {
			names = append(names, u.String())
		}
		fmt.Fprintf(tw, "  %s\t%s\n", sub.Topic, strings.Join(names, ", "))
	}

	fmt.Fprintf(tw, "\nPublishers (%d):\n", len(s.Publishers))
	for _, p := range s.Publishers {
		fmt.Fprintf(tw, "  %s\t%s\n", p.Topic, p.Publisher)
	}

	fmt.Fprintf(tw, "\nCached messages (%d):\n", len(s.Cached))
	for _, m := range s.Cached {
		fmt.Fprintf(tw, "  %s\t%s\t%s\tttl=%s\n", m.Topic, m.ID, m.CreatedAt.Format(time.RFC3339Nano), m.TTL)
	}

	fmt.Fprintf(tw, "\nRPC servers (%d):\n", len(s.Servers))
	for _, srv := range s.Servers {
		fmt.Fprintf(tw, "  %s\t%s\n", srv.Method, srv.Client)
	}

	fmt.Fprintf(tw, "\nPending requests: %d\n", s.PendingRequests)
	return tw.Flush()
}
