package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
)

// Request/Response types for the HTTP API

// TokenHeader carries the bus client token on every client request.
const TokenHeader = "X-Ubus-Token"

// LoginRequest represents a login request
type LoginRequest struct {
	PackageName string `json:"packageName"`
	UID         int    `json:"uid"`
	Admin       bool   `json:"admin,omitempty"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token       string    `json:"token"`
	PackageName string    `json:"packageName"`
	PID         int       `json:"pid"`
	UID         int       `json:"uid"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RegisteredEvent is the first event of a stream.
type RegisteredEvent struct {
	Token  string `json:"token"`
	Entity string `json:"entity"`
}

// SendResponse acknowledges an accepted message
type SendResponse struct {
	ID string `json:"id"`
}

// DispatchRequest enables or disables dispatching of a topic or method
type DispatchRequest struct {
	URI               string `json:"uri"`
	Enable            bool   `json:"enable"`
	SuppressAutoFetch bool   `json:"suppressAutoFetch,omitempty"`
}

// PullResponse holds pulled messages
type PullResponse struct {
	Messages []*message.Message `json:"messages"`
}

// TopicCreatedResponse answers a topic ownership query
type TopicCreatedResponse struct {
	Topic   string `json:"topic"`
	Client  string `json:"client"`
	Created bool   `json:"created"`
}

// AdminTopicRequest creates a topic in the subscription authority
type AdminTopicRequest struct {
	Topic     string `json:"topic"`
	Publisher string `json:"publisher"`
}

// AdminSubscriptionRequest changes a subscription in the subscription authority
type AdminSubscriptionRequest struct {
	Topic      string `json:"topic"`
	Subscriber string `json:"subscriber"`
	State      string `json:"state"`
}

// AdminTopic is one topic known to the subscription authority
type AdminTopic struct {
	Topic       string   `json:"topic"`
	Publisher   string   `json:"publisher,omitempty"`
	Subscribers []string `json:"subscribers"`
}

// AdminTopicsResponse lists the topics of the subscription authority
type AdminTopicsResponse struct {
	Topics []AdminTopic `json:"topics"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy         bool   `json:"healthy"`
	Clients         int    `json:"clients"`
	Topics          int    `json:"topics"`
	PendingRequests int    `json:"pendingRequests"`
	Message         string `json:"message"`
}
