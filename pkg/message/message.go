package message

import (
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// Message is the envelope routed by the bus. It is immutable after construction.
type Message struct {
	id            uuid.UUID
	typ           Type
	source        uri.URI
	sink          uri.URI
	priority      Priority
	ttl           time.Duration
	reqID         uuid.UUID
	commStatus    codes.Code
	payloadFormat string
	payload       []byte
}

// Option customizes a message while it is being built.
type Option func(*Message)

// WithID overrides the generated id. The id must be a UUIDv7 to pass Validate.
func WithID(id uuid.UUID) Option {
	return func(m *Message) { m.id = id }
}

// WithTTL sets the time to live. Zero means the message never expires.
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) { m.ttl = ttl }
}

// WithSink addresses a PUBLISH to a single destination.
func WithSink(sink uri.URI) Option {
	return func(m *Message) { m.sink = sink }
}

// WithPriority sets the class of service.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.priority = p }
}

// WithPayload sets the payload and its format (for example "application/json").
// The payload is copied.
func WithPayload(format string, payload []byte) Option {
	return func(m *Message) {
		m.payloadFormat = format
		m.payload = copyBytes(payload)
	}
}

// NewID returns a new time-ordered message id.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewPublish creates a PUBLISH message on topic.
func NewPublish(topic uri.URI, opts ...Option) *Message {
	return build(&Message{typ: TypePublish, source: topic, priority: CS1}, opts)
}

// NewNotification creates a NOTIFICATION on topic addressed to sink.
func NewNotification(topic, sink uri.URI, opts ...Option) *Message {
	return build(&Message{typ: TypeNotification, source: topic, sink: sink, priority: CS1}, opts)
}

// NewRequest creates a REQUEST from the response address to method.
func NewRequest(responseAddress, method uri.URI, ttl time.Duration, opts ...Option) *Message {
	return build(&Message{typ: TypeRequest, source: responseAddress, sink: method, priority: CS4, ttl: ttl}, opts)
}

// NewResponse creates a successful RESPONSE to request.
func NewResponse(request *Message, opts ...Option) *Message {
	return build(&Message{
		typ:      TypeResponse,
		source:   request.sink,
		sink:     request.source,
		priority: request.priority,
		reqID:    request.id,
	}, opts)
}

// NewFailedResponse creates a RESPONSE to request that carries a failure code
// instead of a payload.
func NewFailedResponse(request *Message, code codes.Code, opts ...Option) *Message {
	m := NewResponse(request, opts...)
	m.commStatus = code
	return m
}

func build(m *Message, opts []Option) *Message {
	for _, opt := range opts {
		opt(m)
	}
	if m.id == uuid.Nil {
		m.id = NewID()
	}
	return m
}

// ID returns the unique message id.
func (m *Message) ID() uuid.UUID { return m.id }

// Type returns the message type.
func (m *Message) Type() Type { return m.typ }

// Source returns the topic (publish, notification), the response address
// (request) or the method (response).
func (m *Message) Source() uri.URI { return m.source }

// Sink returns the explicit destination, or the empty URI for broadcasts.
func (m *Message) Sink() uri.URI { return m.sink }

// Priority returns the class of service.
func (m *Message) Priority() Priority { return m.priority }

// TTL returns the time to live; zero means no expiry.
func (m *Message) TTL() time.Duration { return m.ttl }

// ReqID returns the id of the request a response answers; uuid.Nil otherwise.
func (m *Message) ReqID() uuid.UUID { return m.reqID }

// CommStatus returns the failure code of a failed response; codes.OK otherwise.
func (m *Message) CommStatus() codes.Code { return m.commStatus }

// PayloadFormat returns the declared payload format.
func (m *Message) PayloadFormat() string { return m.payloadFormat }

// Payload returns a copy of the payload.
func (m *Message) Payload() []byte { return copyBytes(m.payload) }

// CreatedAt returns the creation time embedded in the id, or the zero time
// if the id is not a UUIDv7.
func (m *Message) CreatedAt() time.Time {
	return CreatedAt(m.id)
}

// IsExpired reports whether the TTL has elapsed.
func (m *Message) IsExpired() bool {
	return m.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the TTL has elapsed at now.
func (m *Message) IsExpiredAt(now time.Time) bool {
	if m.ttl <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt()) >= m.ttl
}

// RemainingTTL returns how long the message has left to live at now.
// It returns 0 for messages without a TTL and a non-positive value for
// expired ones.
func (m *Message) RemainingTTL(now time.Time) time.Duration {
	if m.ttl <= 0 {
		return 0
	}
	return m.ttl - now.Sub(m.CreatedAt())
}

// WithoutSink returns a copy of m with the sink removed.
func (m *Message) WithoutSink() *Message {
	c := *m
	c.sink = uri.URI{}
	return &c
}

// CreatedAt decodes the unix millisecond timestamp of a UUIDv7.
func CreatedAt(id uuid.UUID) time.Time {
	if id.Version() != 7 {
		return time.Time{}
	}
	var ms int64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | int64(id[i])
	}
	return time.UnixMilli(ms)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
