package httpclient

import (
	"time"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
)

// TokenHeader carries the bus client token.
const TokenHeader = "X-Ubus-Token"

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the bus HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// PackageName is the package this client logs in as
	PackageName string

	// UID is the user id this client logs in as
	UID int

	// Admin requests an admin token
	Admin bool

	// Timeout for HTTP requests. Streams are not subject to it.
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// LoginResponse represents the response from authentication
type LoginResponse struct {
	Token       string    `json:"token"`
	PackageName string    `json:"packageName"`
	PID         int       `json:"pid"`
	UID         int       `json:"uid"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type loginRequest struct {
	PackageName string `json:"packageName"`
	UID         int    `json:"uid"`
	Admin       bool   `json:"admin,omitempty"`
}

type registeredEvent struct {
	Token  string `json:"token"`
	Entity string `json:"entity"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type dispatchRequest struct {
	URI               string `json:"uri"`
	Enable            bool   `json:"enable"`
	SuppressAutoFetch bool   `json:"suppressAutoFetch,omitempty"`
}

type pullResponse struct {
	Messages []*message.Message `json:"messages"`
}

type topicCreatedResponse struct {
	Created bool `json:"created"`
}

type topicRequest struct {
	Topic     string `json:"topic"`
	Publisher string `json:"publisher"`
}

type subscriptionRequest struct {
	Topic      string `json:"topic"`
	Subscriber string `json:"subscriber"`
	State      string `json:"state"`
}

// Topic is one topic known to the subscription authority
type Topic struct {
	Topic       string   `json:"topic"`
	Publisher   string   `json:"publisher,omitempty"`
	Subscribers []string `json:"subscribers"`
}

type topicsResponse struct {
	Topics []Topic `json:"topics"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy         bool   `json:"healthy"`
	Clients         int    `json:"clients"`
	Topics          int    `json:"topics"`
	PendingRequests int    `json:"pendingRequests"`
	Message         string `json:"message"`
}
