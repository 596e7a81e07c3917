// Package broker assembles the bus components behind the ubus.Bus surface
// and drives their lifecycle.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/internal/dispatcher"
	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/internal/metrics"
	"github.com/rmacdonaldsmith/ubus-go/internal/routingtable"
	"github.com/rmacdonaldsmith/ubus-go/internal/subscription"
	"github.com/rmacdonaldsmith/ubus-go/internal/twin"
	"github.com/rmacdonaldsmith/ubus-go/internal/worker"
	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
	stateClosed
)

// component is one entry of the ordered lifecycle. Components start in
// order and stop in reverse.
type component struct {
	name  string
	start func(ctx context.Context) error
	stop  func(timeout time.Duration) error
}

// Broker implements ubus.Bus.
type Broker struct {
	cfg *Config
	log logrus.FieldLogger

	metrics       *metrics.Metrics
	clients       *client.Manager
	linked        *routingtable.LinkedClients
	subscriptions *subscription.Cache
	twin          *twin.Store
	pool          *worker.Pool[worker.Task]
	scheduler     *worker.Scheduler
	dispatcher    *dispatcher.Dispatcher

	components []component

	mu        sync.RWMutex
	state     state
	startedAt time.Time
}

var _ ubus.Bus = (*Broker)(nil)

// New creates a broker and its components. Call Start before use.
func New(cfg *Config) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logging.OrDiscard(cfg.Logger)
	m, err := metrics.New(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	self := ubus.SelfIdentity(cfg.Settings.PackageName)
	if cfg.Self != nil {
		self = *cfg.Self
	}
	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = client.ManifestAuthenticator{Resolver: client.StaticManifests(cfg.Manifests)}
	}

	b := &Broker{
		cfg:     cfg,
		log:     log.WithField("component", "broker"),
		metrics: m,
		clients: client.NewManager(client.Config{
			RemoteEntity:  cfg.Settings.RemoteEntity,
			Self:          self,
			Identity:      cfg.Identity,
			Authenticator: authenticator,
			Logger:        log,
			Metrics:       m,
		}),
		linked:        routingtable.New(),
		subscriptions: subscription.New(cfg.Authority, log),
		twin:          twin.NewStore(),
		scheduler:     worker.NewScheduler(),
	}

	var poolOpts []worker.Option[worker.Task]
	if cfg.Registerer != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[worker.Task](cfg.Registerer, "ubus_dispatch"))
	}
	b.pool = worker.NewPool(cfg.Settings.Workers, cfg.Settings.QueueSize, worker.RunTask, poolOpts...)

	b.dispatcher = dispatcher.New(dispatcher.Config{
		Clients:            b.clients,
		Linked:             b.linked,
		Subscriptions:      b.subscriptions,
		Twin:               b.twin,
		Pool:               b.pool,
		Scheduler:          b.scheduler,
		SubscriptionEntity: cfg.Settings.SubscriptionEntity,
		DeliveryRetryDelay: cfg.Settings.DeliveryRetryDelay,
		RequestRetryDelay:  cfg.Settings.RequestRetryDelay,
		Logger:             log,
		Metrics:            m,
	})

	var removeListener func()
	b.components = []component{
		{
			name:  "dispatch-pool",
			start: b.pool.Start,
			stop:  b.pool.Stop,
		},
		{
			name: "scheduler",
			stop: b.scheduler.Stop,
		},
		{
			name: "subscription-listener",
			start: func(context.Context) error {
				removeListener = cfg.Authority.AddListener(b.dispatcher.SubscriptionListener())
				return nil
			},
			stop: func(time.Duration) error {
				if removeListener != nil {
					removeListener()
				}
				return nil
			},
		},
	}
	return b, nil
}

// Start starts every component in order. Starting a running broker is a
// no-op; a stopped broker cannot be restarted.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		return nil
	case stateStopped, stateClosed:
		return status.Error(codes.FailedPrecondition, "broker cannot be restarted")
	}

	for i, c := range b.components {
		if c.start == nil {
			continue
		}
		if err := c.start(ctx); err != nil {
			b.stopComponents(b.components[:i])
			return status.Errorf(codes.Internal, "failed to start %s: %v", c.name, err)
		}
	}

	b.state = stateRunning
	b.startedAt = time.Now()
	b.log.WithFields(logrus.Fields{
		"package": b.cfg.Settings.PackageName,
		"workers": b.cfg.Settings.Workers,
	}).Info("Broker started")
	return nil
}

// Stop stops accepting work, waits up to the shutdown timeout for each
// component to drain, then clears every registry.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopped
	b.mu.Unlock()

	b.stopComponents(b.components)

	b.dispatcher.Clear()
	b.clients.Clear()
	b.log.Info("Broker stopped")
	return nil
}

func (b *Broker) stopComponents(components []component) {
	timeout := b.cfg.shutdownTimeout()
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if c.stop == nil {
			continue
		}
		if err := c.stop(timeout); err != nil {
			b.log.WithError(err).WithField("component", c.name).Warn("Component did not stop cleanly")
		}
	}
}

// Close stops the broker and releases it permanently.
func (b *Broker) Close() error {
	if err := b.Stop(context.Background()); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateClosed {
		return nil
	}
	b.dispatcher.Close()
	b.state = stateClosed
	return nil
}

func (b *Broker) running() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != stateRunning {
		return status.Error(codes.Unavailable, "bus is not running")
	}
	return nil
}

// RegisterClient implements ubus.Bus.
func (b *Broker) RegisterClient(ctx context.Context, packageName string, entity uri.URI, token string, listener ubus.Listener) error {
	if err := b.running(); err != nil {
		return err
	}
	return toStatus(b.clients.RegisterClient(ctx, packageName, entity, token, listener))
}

// UnregisterClient implements ubus.Bus.
func (b *Broker) UnregisterClient(ctx context.Context, token string) error {
	if err := b.running(); err != nil {
		return err
	}
	return toStatus(b.clients.UnregisterClient(ctx, token))
}

// Send implements ubus.Bus.
func (b *Broker) Send(ctx context.Context, msg *message.Message, token string) error {
	if err := b.running(); err != nil {
		return err
	}
	c, err := b.clients.GetClientOrError(token)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(b.dispatcher.DispatchFrom(ctx, msg, c))
}

// Pull implements ubus.Bus.
func (b *Broker) Pull(ctx context.Context, topic uri.URI, count int, token string) ([]*message.Message, error) {
	if err := b.running(); err != nil {
		return nil, err
	}
	c, err := b.clients.GetClientOrError(token)
	if err != nil {
		return nil, toStatus(err)
	}
	msgs, err := b.dispatcher.Pull(ctx, topic, count, c)
	return msgs, toStatus(err)
}

// EnableDispatching implements ubus.Bus.
func (b *Broker) EnableDispatching(ctx context.Context, u uri.URI, flags ubus.DispatchFlags, token string) error {
	if err := b.running(); err != nil {
		return err
	}
	c, err := b.clients.GetClientOrError(token)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(b.dispatcher.EnableDispatching(ctx, u, flags, c))
}

// DisableDispatching implements ubus.Bus.
func (b *Broker) DisableDispatching(ctx context.Context, u uri.URI, flags ubus.DispatchFlags, token string) error {
	if err := b.running(); err != nil {
		return err
	}
	c, err := b.clients.GetClientOrError(token)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(b.dispatcher.DisableDispatching(ctx, u, flags, c))
}

// IsTopicCreated implements ubus.Bus.
func (b *Broker) IsTopicCreated(ctx context.Context, topic, clientURI uri.URI) bool {
	if b.running() != nil {
		return false
	}
	return b.dispatcher.IsTopicCreated(ctx, topic, clientURI)
}

// Snapshot implements ubus.Bus.
func (b *Broker) Snapshot(_ context.Context) ubus.Snapshot {
	clients := b.clients.Clients()
	infos := make([]ubus.ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	return ubus.Snapshot{
		TakenAt:         time.Now(),
		Clients:         infos,
		Linked:          b.linked.Snapshot(),
		Subscriptions:   b.subscriptions.Subscriptions(),
		Publishers:      b.subscriptions.Publishers(),
		Cached:          b.twin.Snapshot(),
		Servers:         b.dispatcher.RPC().Servers(),
		PendingRequests: b.dispatcher.RPC().PendingCount(),
	}
}

// Health implements ubus.Bus.
func (b *Broker) Health(_ context.Context) ubus.HealthStatus {
	b.mu.RLock()
	st, startedAt := b.state, b.startedAt
	b.mu.RUnlock()

	h := ubus.HealthStatus{
		Healthy:         st == stateRunning,
		Clients:         b.clients.Count(),
		Topics:          b.twin.Size(),
		PendingRequests: b.dispatcher.RPC().PendingCount(),
	}
	switch st {
	case stateNew:
		h.Message = "not started"
	case stateRunning:
		stats := b.pool.Stats()
		h.Message = fmt.Sprintf("running for %s, %d dispatches queued", time.Since(startedAt).Round(time.Second), stats.QueueDepth)
	default:
		h.Message = "stopped"
	}
	return h
}

// Clients returns the client registry.
func (b *Broker) Clients() *client.Manager { return b.clients }

// toStatus converts err to a status error. Errors that do not carry a
// status become INTERNAL.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
