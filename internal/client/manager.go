package client

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/internal/metrics"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// RegistrationListener receives registry changes. Both callbacks are
// optional and are called after the registry has been updated, outside of
// its lock.
type RegistrationListener struct {
	OnClientRegistered   func(c *Client)
	OnClientUnregistered func(c *Client)
}

// Config configures a Manager.
type Config struct {
	// RemoteEntity is the entity name of the remote bridge
	RemoteEntity string

	// Self is the identity of the bus process. Calls from it skip
	// authentication and identity checks.
	Self ubus.Identity

	// Identity tells the manager who is calling. Defaults to a
	// ubus.ContextIdentityProvider for Self.
	Identity ubus.IdentityProvider

	// Authenticator vets registrations from other processes. Defaults to a
	// ManifestAuthenticator with no manifests, which rejects everyone.
	Authenticator Authenticator

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Manager is the registry of live clients keyed by token.
type Manager struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*Client
	remote  *Client

	listenersMu sync.RWMutex
	listeners   []*RegistrationListener
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	if cfg.Identity == nil {
		cfg.Identity = ubus.ContextIdentityProvider{Self: cfg.Self}
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = ManifestAuthenticator{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Manager{
		cfg:     cfg,
		log:     logging.OrDiscard(cfg.Logger).WithField("component", "client-manager"),
		metrics: cfg.Metrics,
		clients: make(map[string]*Client),
	}
}

// AddListener registers l and returns a function that removes it.
// Listeners are notified in the order they were added.
func (m *Manager) AddListener(l RegistrationListener) (remove func()) {
	entry := &l
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, entry)
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		for i, e := range m.listeners {
			if e == entry {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// RegisterClient registers the caller in ctx as entity under token.
//
// Registering a live token again with the same listener is a no-op; with a
// different listener it fails with INVALID_ARGUMENT.
func (m *Manager) RegisterClient(ctx context.Context, packageName string, entity uri.URI, token string, listener ubus.Listener) error {
	switch {
	case packageName == "":
		return status.Error(codes.InvalidArgument, "package name is empty")
	case entity.Entity == "":
		return status.Error(codes.InvalidArgument, "entity is empty")
	case token == "":
		return status.Error(codes.InvalidArgument, "token is empty")
	case listener == nil:
		return status.Error(codes.InvalidArgument, "listener is nil")
	}

	caller := m.cfg.Identity.CallerIdentity(ctx)
	creds := Credentials{
		PackageName: packageName,
		PID:         caller.PID,
		UID:         caller.UID,
		Entity:      entity.Client(),
	}

	m.mu.Lock()
	if existing, ok := m.clients[token]; ok && !existing.IsReleased() {
		m.mu.Unlock()
		if sameListener(existing.listener, listener) {
			return nil
		}
		return status.Errorf(codes.InvalidArgument, "token %s is already registered with a different listener", ubus.ShortToken(token))
	}

	if err := m.authenticate(caller, creds); err != nil {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"token":       ubus.ShortToken(token),
			"credentials": creds.String(),
		}).WithError(err).Warn("Registration rejected")
		return status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}

	remote := creds.Entity.Authority == "" && creds.Entity.Entity == m.cfg.RemoteEntity
	c := newClient(creds, token, listener, remote)
	m.clients[token] = c
	if remote {
		m.remote = c
	}
	m.metrics.Clients.Set(float64(len(m.clients)))
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"token":  ubus.ShortToken(token),
		"entity": creds.Entity.String(),
		"remote": remote,
	}).Info("Client registered")

	if w, ok := listener.(ubus.ConnectionWatcher); ok {
		go m.watch(c, w)
	}

	m.notify(func(l *RegistrationListener) {
		if l.OnClientRegistered != nil {
			l.OnClientRegistered(c)
		}
	})
	return nil
}

func (m *Manager) authenticate(caller ubus.Identity, creds Credentials) error {
	if caller.SameProcess(m.cfg.Self) {
		return nil
	}
	if caller.PackageName != "" && caller.PackageName != creds.PackageName {
		return status.Errorf(codes.Unauthenticated, "caller package %q does not match %q", caller.PackageName, creds.PackageName)
	}
	return m.cfg.Authenticator.Authenticate(creds)
}

// UnregisterClient releases the client registered under token. An unknown
// token is not an error.
func (m *Manager) UnregisterClient(ctx context.Context, token string) error {
	caller := m.cfg.Identity.CallerIdentity(ctx)

	m.mu.Lock()
	c, ok := m.clients[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if !caller.SameProcess(m.cfg.Self) && (caller.PID != c.creds.PID || caller.UID != c.creds.UID) {
		m.mu.Unlock()
		return status.Errorf(codes.Unauthenticated, "caller pid=%d uid=%d did not register %s", caller.PID, caller.UID, ubus.ShortToken(token))
	}
	m.removeLocked(c)
	m.mu.Unlock()

	m.released(c)
	return nil
}

// removeLocked deletes c from the tables. Caller holds m.mu.
func (m *Manager) removeLocked(c *Client) {
	delete(m.clients, c.token)
	if m.remote == c {
		m.remote = nil
	}
	m.metrics.Clients.Set(float64(len(m.clients)))
}

func (m *Manager) released(c *Client) {
	c.release()
	m.log.WithFields(logrus.Fields{
		"token":  ubus.ShortToken(c.token),
		"entity": c.creds.Entity.String(),
	}).Info("Client unregistered")

	m.notify(func(l *RegistrationListener) {
		if l.OnClientUnregistered != nil {
			l.OnClientUnregistered(c)
		}
	})
}

// watch unregisters c when its connection dies.
func (m *Manager) watch(c *Client, w ubus.ConnectionWatcher) {
	select {
	case <-w.Done():
	case <-c.Released():
		return
	}

	m.mu.Lock()
	if m.clients[c.token] != c {
		m.mu.Unlock()
		return
	}
	m.removeLocked(c)
	m.mu.Unlock()

	m.log.WithField("token", ubus.ShortToken(c.token)).Debug("Client connection died")
	m.released(c)
}

func (m *Manager) notify(fn func(l *RegistrationListener)) {
	m.listenersMu.RLock()
	listeners := make([]*RegistrationListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

// GetClient returns the live client registered under token, or nil.
func (m *Manager) GetClient(token string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[token]
}

// GetClientOrError is GetClient failing with UNAUTHENTICATED for an
// unknown token.
func (m *Manager) GetClientOrError(token string) (*Client, error) {
	if c := m.GetClient(token); c != nil {
		return c, nil
	}
	return nil, status.Errorf(codes.Unauthenticated, "client %s is not registered", ubus.ShortToken(token))
}

// RemoteClient returns the remote bridge, or nil when it is not registered.
func (m *Manager) RemoteClient() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// FindByURI returns the live clients registered as u's authority and entity.
func (m *Manager) FindByURI(u uri.URI) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Client
	for _, c := range m.clients {
		if u.SameClient(c.creds.Entity) {
			out = append(out, c)
		}
	}
	return out
}

// Clients returns every live client, oldest registration first.
func (m *Manager) Clients() []*Client {
	m.mu.Lock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].registeredAt.Equal(out[j].registeredAt) {
			return out[i].token < out[j].token
		}
		return out[i].registeredAt.Before(out[j].registeredAt)
	})
	return out
}

// Count returns the number of live clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Clear releases every client without notifying listeners. Used at shutdown
// after every other component has been cleared.
func (m *Manager) Clear() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.remote = nil
	m.metrics.Clients.Set(0)
	m.mu.Unlock()

	for _, c := range clients {
		c.release()
	}
}

// sameListener reports whether a and b are the same listener object or an
// equal listener value.
func sameListener(a, b ubus.Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() { _ = recover() }()
	return a == b
}
