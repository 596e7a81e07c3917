// Package client implements the client registry of the bus: who is
// registered under which token, whether they are allowed to be, and the
// authority check every routed message goes through.
package client

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// ErrReleased is returned by Send on a client that has been unregistered.
var ErrReleased = errors.New("client released")

// Credentials identify the process behind a client.
type Credentials struct {
	PackageName string
	PID         int
	UID         int
	Entity      uri.URI
}

func (c Credentials) String() string {
	return fmt.Sprintf("%s[pid=%d, uid=%d, entity=%s]", c.PackageName, c.PID, c.UID, c.Entity)
}

// Client is one registration. Clients are created and released by the
// Manager only; everyone else holds read-only references and must treat a
// released Client as inert.
type Client struct {
	creds        Credentials
	token        string
	listener     ubus.Listener
	remote       bool
	registeredAt time.Time

	released    atomic.Bool
	releasedCh  chan struct{}
	releaseOnce sync.Once
}

func newClient(creds Credentials, token string, listener ubus.Listener, remote bool) *Client {
	return &Client{
		creds:        creds,
		token:        token,
		listener:     listener,
		remote:       remote,
		registeredAt: time.Now(),
		releasedCh:   make(chan struct{}),
	}
}

// Credentials returns the identity the client registered with.
func (c *Client) Credentials() Credentials { return c.creds }

// Token returns the opaque registration token.
func (c *Client) Token() string { return c.token }

// URI returns the entity URI the client registered as.
func (c *Client) URI() uri.URI { return c.creds.Entity }

// Listener returns the listener messages are delivered to.
func (c *Client) Listener() ubus.Listener { return c.listener }

// IsRemote reports whether the client is the remote bridge.
func (c *Client) IsRemote() bool { return c.remote }

// IsLocal reports whether the client is an ordinary on-device client.
func (c *Client) IsLocal() bool { return !c.remote }

// IsReleased reports whether the client has been unregistered.
func (c *Client) IsReleased() bool { return c.released.Load() }

// Released is closed when the client is released.
func (c *Client) Released() <-chan struct{} { return c.releasedCh }

// RegisteredAt returns the registration time.
func (c *Client) RegisteredAt() time.Time { return c.registeredAt }

// Send hands msg to the client's listener.
func (c *Client) Send(msg *message.Message) error {
	if c.IsReleased() {
		return ErrReleased
	}
	return c.listener.OnReceive(msg)
}

// CheckAuthority returns UNAUTHENTICATED unless the client may act on u. A
// local client may only use URIs of its own authority and entity. The remote
// bridge may additionally act for any remote-authority URI.
func (c *Client) CheckAuthority(u uri.URI) error {
	if u.SameClient(c.creds.Entity) {
		return nil
	}
	if c.remote && u.IsRemote() {
		return nil
	}
	return status.Errorf(codes.Unauthenticated, "%s is not authorized to use %s", c.creds.Entity, u)
}

// Info describes the client for diagnostics.
func (c *Client) Info() ubus.ClientInfo {
	return ubus.ClientInfo{
		Token:        c.token,
		PackageName:  c.creds.PackageName,
		Entity:       c.creds.Entity,
		PID:          c.creds.PID,
		UID:          c.creds.UID,
		Remote:       c.remote,
		RegisteredAt: c.registeredAt,
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("client %s (%s)", ubus.ShortToken(c.token), c.creds)
}

func (c *Client) release() {
	c.releaseOnce.Do(func() {
		c.released.Store(true)
		close(c.releasedCh)
	})
}
