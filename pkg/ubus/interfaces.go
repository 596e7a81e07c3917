package ubus

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// Listener receives the messages the bus routes to one registered client.
// OnReceive is called from bus goroutines; an error is treated as a
// retryable delivery failure.
type Listener interface {
	OnReceive(msg *message.Message) error
}

// ListenerFunc adapts a function to the Listener interface. Function values
// are not comparable, so re-registering a token with a ListenerFunc is never
// idempotent; wrap it in a pointer type when that matters.
type ListenerFunc func(msg *message.Message) error

// OnReceive calls f(msg).
func (f ListenerFunc) OnReceive(msg *message.Message) error {
	return f(msg)
}

// ConnectionWatcher is implemented by listeners whose underlying connection
// can die. Done is closed when the connection is gone; the bus then
// unregisters the client as if it had asked to.
type ConnectionWatcher interface {
	Done() <-chan struct{}
}

// DispatchFlags modify EnableDispatching.
type DispatchFlags uint32

const (
	// FlagSuppressAutoFetch disables the immediate push of the cached last
	// value when a client starts listening on a topic it is subscribed to.
	FlagSuppressAutoFetch DispatchFlags = 1 << iota
)

// Bus is the surface the bus exposes to transports and local callers.
// Every operation returns nil on success or a gRPC status error.
type Bus interface {
	io.Closer

	// Start starts the bus components.
	Start(ctx context.Context) error

	// Stop drains in-flight work and clears every registry.
	Stop(ctx context.Context) error

	// RegisterClient registers the caller as entity under token.
	RegisterClient(ctx context.Context, packageName string, entity uri.URI, token string, listener Listener) error

	// UnregisterClient releases the client registered under token.
	UnregisterClient(ctx context.Context, token string) error

	// Send routes msg on behalf of the client registered under token.
	Send(ctx context.Context, msg *message.Message, token string) error

	// Pull returns the cached last value of topic if the client is subscribed to it.
	Pull(ctx context.Context, topic uri.URI, count int, token string) ([]*message.Message, error)

	// EnableDispatching starts delivery of a topic, or claims a method.
	EnableDispatching(ctx context.Context, u uri.URI, flags DispatchFlags, token string) error

	// DisableDispatching stops delivery of a topic, or releases a method.
	DisableDispatching(ctx context.Context, u uri.URI, flags DispatchFlags, token string) error

	// IsTopicCreated reports whether clientURI is the publisher of topic.
	IsTopicCreated(ctx context.Context, topic, clientURI uri.URI) bool

	// Snapshot returns a diagnostic view of the bus state.
	Snapshot(ctx context.Context) Snapshot

	// Health returns the health of the bus.
	Health(ctx context.Context) HealthStatus
}

// HealthStatus represents the overall health of the bus
type HealthStatus struct {
	// Healthy indicates the bus is started and accepting work
	Healthy bool

	// Clients is the number of registered clients
	Clients int

	// Topics is the number of topics with a cached last value
	Topics int

	// PendingRequests is the number of in-flight RPC requests
	PendingRequests int

	// Message provides additional health information
	Message string
}
