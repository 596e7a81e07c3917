// Package dispatcher routes what clients send: requests and responses to
// the RPC handler, publishes and notifications to the subscribers and linked
// clients of their topic.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/internal/metrics"
	"github.com/rmacdonaldsmith/ubus-go/internal/routingtable"
	"github.com/rmacdonaldsmith/ubus-go/internal/rpc"
	"github.com/rmacdonaldsmith/ubus-go/internal/subscription"
	"github.com/rmacdonaldsmith/ubus-go/internal/twin"
	"github.com/rmacdonaldsmith/ubus-go/internal/worker"
	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// DefaultDeliveryRetryDelay is the pause before the single resend of a
// failed fan-out delivery.
const DefaultDeliveryRetryDelay = 50 * time.Millisecond

// Config wires a Dispatcher to the rest of the bus.
type Config struct {
	Clients       *client.Manager
	Linked        *routingtable.LinkedClients
	Subscriptions *subscription.Cache
	Twin          *twin.Store

	// Pool runs asynchronous fan-out
	Pool *worker.Pool[worker.Task]

	// Scheduler runs request timeouts and retries
	Scheduler *worker.Scheduler

	// SubscriptionEntity is the entity of the local subscription authority
	SubscriptionEntity string

	// DeliveryRetryDelay defaults to DefaultDeliveryRetryDelay
	DeliveryRetryDelay time.Duration

	// RequestRetryDelay defaults to rpc.DefaultRetryDelay
	RequestRetryDelay time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Dispatcher routes messages between clients.
type Dispatcher struct {
	clients            *client.Manager
	linked             *routingtable.LinkedClients
	subs               *subscription.Cache
	twin               *twin.Store
	rpc                *rpc.Handler
	pool               *worker.Pool[worker.Task]
	subscriptionEntity string
	retryDelay         time.Duration
	log                logrus.FieldLogger
	metrics            *metrics.Metrics

	removeListener func()
}

// New creates a dispatcher and the RPC handler it delegates to, and
// subscribes to client unregistrations.
func New(cfg Config) *Dispatcher {
	if cfg.DeliveryRetryDelay <= 0 {
		cfg.DeliveryRetryDelay = DefaultDeliveryRetryDelay
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	log := logging.OrDiscard(cfg.Logger)

	d := &Dispatcher{
		clients:            cfg.Clients,
		linked:             cfg.Linked,
		subs:               cfg.Subscriptions,
		twin:               cfg.Twin,
		pool:               cfg.Pool,
		subscriptionEntity: cfg.SubscriptionEntity,
		retryDelay:         cfg.DeliveryRetryDelay,
		log:                log.WithField("component", "dispatcher"),
		metrics:            cfg.Metrics,
	}
	d.rpc = rpc.NewHandler(rpc.Config{
		Clients:    cfg.Clients,
		Scheduler:  cfg.Scheduler,
		Deliver:    d.dispatchTo,
		RetryDelay: cfg.RequestRetryDelay,
		Logger:     log,
		Metrics:    cfg.Metrics,
	})
	d.removeListener = cfg.Clients.AddListener(client.RegistrationListener{
		OnClientUnregistered: d.onClientUnregistered,
	})
	return d
}

// RPC returns the request/response handler.
func (d *Dispatcher) RPC() *rpc.Handler { return d.rpc }

// Close stops listening for client unregistrations.
func (d *Dispatcher) Close() {
	d.removeListener()
}

// DispatchFrom routes msg sent by sender.
func (d *Dispatcher) DispatchFrom(ctx context.Context, msg *message.Message, sender *client.Client) error {
	if msg == nil {
		return status.Error(codes.InvalidArgument, "message cannot be nil")
	}
	d.metrics.MessagesReceived.WithLabelValues(msg.Type().String()).Inc()

	switch msg.Type() {
	case message.TypeRequest:
		if err := msg.Validate(); err != nil {
			return err
		}
		return d.rpc.HandleRequest(ctx, msg, sender)
	case message.TypeResponse:
		if err := msg.Validate(); err != nil {
			return err
		}
		return d.rpc.HandleResponse(ctx, msg, sender)
	case message.TypePublish, message.TypeNotification:
		if err := msg.Validate(); err != nil {
			return err
		}
		return d.dispatchGeneric(ctx, msg, sender)
	default:
		return status.Errorf(codes.Unimplemented, "message type %s is not supported", msg.Type())
	}
}

func (d *Dispatcher) dispatchGeneric(ctx context.Context, msg *message.Message, sender *client.Client) error {
	topic := msg.Source()
	if err := sender.CheckAuthority(topic); err != nil {
		return err
	}
	if msg.IsExpired() {
		return status.Errorf(codes.DeadlineExceeded, "message %s expired", msg.ID())
	}

	if !msg.Sink().IsEmpty() && d.isBroadcastReentry(msg) {
		msg = msg.WithoutSink()
	}
	if !msg.Sink().IsEmpty() {
		d.dispatchAsync(func(context.Context) { d.dispatchDirected(msg, sender) })
		return nil
	}

	if sender.IsLocal() && !d.subs.IsTopicCreated(ctx, topic, sender.URI()) {
		return status.Errorf(codes.NotFound, "%s is not the publisher of %s", sender.URI(), topic)
	}
	d.twin.AddMessage(msg, func(m *message.Message) {
		d.dispatchAsync(func(ctx context.Context) { d.broadcast(ctx, m, sender) })
	})
	return nil
}

// isBroadcastReentry reports whether msg is a remote broadcast the bridge
// forwarded to the local subscription authority. Such a message is
// delivered as a broadcast, not as a directed send.
func (d *Dispatcher) isBroadcastReentry(msg *message.Message) bool {
	sink := msg.Sink()
	return d.subscriptionEntity != "" &&
		!sink.IsRemote() &&
		sink.Entity == d.subscriptionEntity &&
		msg.Source().IsRemote()
}

func (d *Dispatcher) dispatchDirected(msg *message.Message, from *client.Client) {
	sink := msg.Sink()
	if sink.IsRemote() {
		if bridge := d.clients.RemoteClient(); bridge != nil && bridge != from {
			_ = d.dispatchTo(bridge, msg)
		}
		return
	}
	for _, c := range d.linked.GetClientsFor(msg.Source(), sink) {
		_ = d.dispatchTo(c, msg)
	}
}

// broadcast delivers msg to every linked local client of a subscriber of its
// topic, and once to the remote bridge when a subscriber is remote.
func (d *Dispatcher) broadcast(ctx context.Context, msg *message.Message, from *client.Client) {
	topic := msg.Source()
	seen := make(map[*client.Client]struct{})
	remote := false

	for _, subscriber := range d.subs.GetSubscribers(ctx, topic) {
		if subscriber.IsRemote() {
			remote = true
			continue
		}
		for _, c := range d.linked.GetClientsFor(topic, subscriber) {
			if _, ok := seen[c]; ok || c.IsRemote() {
				continue
			}
			seen[c] = struct{}{}
			_ = d.dispatchTo(c, msg)
		}
	}

	if remote {
		if bridge := d.clients.RemoteClient(); bridge != nil && bridge != from {
			_ = d.dispatchTo(bridge, msg)
		}
	}
}

// dispatchTo delivers msg to c, resending once after a short pause when the
// first attempt fails. It blocks the caller for the pause.
func (d *Dispatcher) dispatchTo(c *client.Client, msg *message.Message) error {
	err := c.Send(msg)
	if err == nil {
		d.metrics.MessagesDelivered.Inc()
		return nil
	}
	if errors.Is(err, client.ErrReleased) {
		return err
	}

	log := d.log.WithFields(logrus.Fields{
		"token":      ubus.ShortToken(c.Token()),
		"message_id": msg.ID().String(),
	})
	log.WithError(err).Debug("Delivery failed, retrying")
	d.metrics.DeliveryRetries.Inc()
	time.Sleep(d.retryDelay)

	if err = c.Send(msg); err != nil {
		d.metrics.DeliveryFailures.Inc()
		log.WithError(err).Warn("Delivery failed")
		return err
	}
	d.metrics.MessagesDelivered.Inc()
	return nil
}

// dispatchAsync runs task on the dispatch pool.
func (d *Dispatcher) dispatchAsync(task worker.Task) {
	if err := d.pool.Submit(task); err != nil {
		d.log.WithError(err).Warn("Dropped asynchronous dispatch")
	}
}

// EnableDispatching claims method u for c, or links c to topic u. Unless
// flags suppress it, a client subscribed to the topic immediately gets the
// cached last value.
func (d *Dispatcher) EnableDispatching(ctx context.Context, u uri.URI, flags ubus.DispatchFlags, c *client.Client) error {
	if u.IsMethod() {
		return d.rpc.RegisterServer(u, c)
	}
	if !u.IsTopic() {
		return status.Errorf(codes.InvalidArgument, "%s is neither a topic nor a method", u)
	}

	d.linked.Link(u, c)
	if flags&ubus.FlagSuppressAutoFetch == 0 && d.subs.IsTopicSubscribed(ctx, u, c.URI()) {
		d.dispatchAsync(func(context.Context) { d.pushLastValue(u, c) })
	}
	return nil
}

// DisableDispatching releases method u, or unlinks c from topic u.
func (d *Dispatcher) DisableDispatching(_ context.Context, u uri.URI, _ ubus.DispatchFlags, c *client.Client) error {
	if u.IsMethod() {
		return d.rpc.UnregisterServer(u, c)
	}
	if !u.IsTopic() {
		return status.Errorf(codes.InvalidArgument, "%s is neither a topic nor a method", u)
	}
	d.linked.Unlink(u, c)
	return nil
}

func (d *Dispatcher) pushLastValue(topic uri.URI, c *client.Client) {
	if msg := d.twin.GetMessage(topic); msg != nil {
		_ = d.dispatchTo(c, msg)
	}
}

// Pull returns the cached last value of topic when c is subscribed to it.
// At most one message is ever returned.
func (d *Dispatcher) Pull(ctx context.Context, topic uri.URI, count int, c *client.Client) ([]*message.Message, error) {
	if !topic.IsTopic() {
		return nil, status.Errorf(codes.InvalidArgument, "%s is not a topic", topic)
	}
	if count <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "count must be positive, got %d", count)
	}
	if !d.subs.IsTopicSubscribed(ctx, topic, c.URI()) {
		return []*message.Message{}, nil
	}
	if msg := d.twin.GetMessage(topic); msg != nil {
		return []*message.Message{msg}, nil
	}
	return []*message.Message{}, nil
}

// IsTopicCreated reports whether clientURI publishes topic.
func (d *Dispatcher) IsTopicCreated(ctx context.Context, topic, clientURI uri.URI) bool {
	return d.subs.IsTopicCreated(ctx, topic, clientURI)
}

func (d *Dispatcher) onClientUnregistered(c *client.Client) {
	d.linked.UnlinkAll(c)
	d.rpc.OnClientUnregistered(c)
}

// Clear empties every registry the dispatcher routes with.
func (d *Dispatcher) Clear() {
	d.rpc.Clear()
	d.linked.Clear()
	d.subs.Clear()
	d.twin.Clear()
}
