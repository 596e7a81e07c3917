// Package rpc correlates requests with responses: it tracks which client
// serves each method, the requests waiting for an answer, and the timeout and
// retry of every one of them.
package rpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/internal/metrics"
	"github.com/rmacdonaldsmith/ubus-go/internal/worker"
	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// DefaultRetryDelay is the delay before the single redelivery of a request
// whose first delivery failed.
const DefaultRetryDelay = 500 * time.Millisecond

// State is the lifecycle state of a pending request.
type State int

const (
	// StateCreated: recorded, not delivered to a server yet
	StateCreated State = iota
	// StateDelivering: claimed by one delivery attempt
	StateDelivering
	// StateDispatched: delivered to the server
	StateDispatched
	// StatePendingRetry: first delivery failed, redelivery scheduled
	StatePendingRetry
	// StateCompleted: the response was forwarded to the requester
	StateCompleted
	// StateExpired: the timeout fired and a DEADLINE_EXCEEDED response was sent
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateDelivering:
		return "DELIVERING"
	case StateDispatched:
		return "DISPATCHED"
	case StatePendingRetry:
		return "PENDING_RETRY"
	case StateCompleted:
		return "COMPLETED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// DeliverFunc hands a message to a client.
type DeliverFunc func(c *client.Client, msg *message.Message) error

// Config configures a Handler.
type Config struct {
	// Clients resolves the remote bridge and tells whether a method's
	// service has a live registration
	Clients *client.Manager

	// Scheduler runs timeouts and retries
	Scheduler *worker.Scheduler

	// Deliver sends a message to a client. Defaults to (*client.Client).Send.
	Deliver DeliverFunc

	// RetryDelay defaults to DefaultRetryDelay
	RetryDelay time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

type pendingRequest struct {
	request   *message.Message
	requester *client.Client
	createdAt time.Time
	state     State
	timeout   *worker.Handle
	retry     *worker.Handle
}

// Handler is the request/response correlation table.
type Handler struct {
	clients    *client.Manager
	scheduler  *worker.Scheduler
	deliver    DeliverFunc
	retryDelay time.Duration
	log        logrus.FieldLogger
	metrics    *metrics.Metrics

	mu            sync.Mutex
	servers       map[uri.URI]*client.Client
	serverMethods map[*client.Client]map[uri.URI]struct{}
	pending       map[uuid.UUID]*pendingRequest
}

// NewHandler creates a handler. Clients and Scheduler are required.
func NewHandler(cfg Config) *Handler {
	if cfg.Deliver == nil {
		cfg.Deliver = func(c *client.Client, msg *message.Message) error { return c.Send(msg) }
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Handler{
		clients:       cfg.Clients,
		scheduler:     cfg.Scheduler,
		deliver:       cfg.Deliver,
		retryDelay:    cfg.RetryDelay,
		log:           logging.OrDiscard(cfg.Logger).WithField("component", "rpc"),
		metrics:       cfg.Metrics,
		servers:       make(map[uri.URI]*client.Client),
		serverMethods: make(map[*client.Client]map[uri.URI]struct{}),
		pending:       make(map[uuid.UUID]*pendingRequest),
	}
}

// RegisterServer makes server the owner of method. Requests that were
// waiting for the method to get a server are delivered right away.
func (h *Handler) RegisterServer(method uri.URI, server *client.Client) error {
	if !method.IsMethod() {
		return status.Errorf(codes.InvalidArgument, "%s is not a method", method)
	}
	if err := server.CheckAuthority(method); err != nil {
		return err
	}

	h.mu.Lock()
	if existing, ok := h.servers[method]; ok && existing != server && !existing.IsReleased() {
		h.mu.Unlock()
		return status.Errorf(codes.AlreadyExists, "%s is already served by %s", method, ubus.ShortToken(existing.Token()))
	} else if ok && existing != server {
		h.dropMethodLocked(existing, method)
	}
	h.servers[method] = server
	methods, ok := h.serverMethods[server]
	if !ok {
		methods = make(map[uri.URI]struct{})
		h.serverMethods[server] = methods
	}
	methods[method] = struct{}{}

	var waiting []uuid.UUID
	for id, p := range h.pending {
		if p.state == StateCreated && p.request.Sink() == method {
			waiting = append(waiting, id)
		}
	}
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"method": method.String(),
		"token":  ubus.ShortToken(server.Token()),
	}).Debug("Server registered")

	for _, id := range waiting {
		if _, err := h.scheduler.Schedule(0, func() { h.attempt(id, false) }); err != nil {
			h.log.WithField("request_id", id.String()).WithError(err).Warn("Failed to schedule redispatch")
		}
	}
	return nil
}

// UnregisterServer releases method. It fails with NOT_FOUND when another
// client owns it.
func (h *Handler) UnregisterServer(method uri.URI, server *client.Client) error {
	if !method.IsMethod() {
		return status.Errorf(codes.InvalidArgument, "%s is not a method", method)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.servers[method]
	if !ok {
		return nil
	}
	if existing != server {
		return status.Errorf(codes.NotFound, "%s is served by another client", method)
	}
	delete(h.servers, method)
	h.dropMethodLocked(server, method)
	return nil
}

func (h *Handler) dropMethodLocked(server *client.Client, method uri.URI) {
	if methods, ok := h.serverMethods[server]; ok {
		delete(methods, method)
		if len(methods) == 0 {
			delete(h.serverMethods, server)
		}
	}
}

// OnClientUnregistered releases every method c served. Requests already
// delivered to c stay pending until they are answered or time out.
func (h *Handler) OnClientUnregistered(c *client.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for method := range h.serverMethods[c] {
		if h.servers[method] == c {
			delete(h.servers, method)
		}
	}
	delete(h.serverMethods, c)
}

// GetMethods returns the methods served by server.
func (h *Handler) GetMethods(server *client.Client) []uri.URI {
	h.mu.Lock()
	out := make([]uri.URI, 0, len(h.serverMethods[server]))
	for method := range h.serverMethods[server] {
		out = append(out, method)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// HandleRequest records request and delivers it to the server of its
// method. It returns once the request is pending, whether or not the first
// delivery succeeded.
func (h *Handler) HandleRequest(ctx context.Context, request *message.Message, requester *client.Client) error {
	if err := requester.CheckAuthority(request.Source()); err != nil {
		return err
	}
	now := time.Now()
	remaining := request.RemainingTTL(now)
	if remaining <= 0 {
		return status.Errorf(codes.DeadlineExceeded, "request %s expired", request.ID())
	}

	method := request.Sink()
	server := h.resolveServer(method)
	alive := server != nil || len(h.clients.FindByURI(method)) > 0

	h.mu.Lock()
	id := request.ID()
	if _, exists := h.pending[id]; exists {
		h.mu.Unlock()
		return status.Errorf(codes.Aborted, "request %s is already pending", id)
	}
	if !alive {
		h.mu.Unlock()
		return status.Errorf(codes.Unavailable, "no server for %s", method)
	}

	timeout, err := h.scheduler.Schedule(remaining, func() { h.expire(id) })
	if err != nil {
		h.mu.Unlock()
		return status.Errorf(codes.Unavailable, "cannot accept requests: %v", err)
	}
	h.pending[id] = &pendingRequest{
		request:   request,
		requester: requester,
		createdAt: now,
		state:     StateCreated,
		timeout:   timeout,
	}
	h.metrics.RPCPending.Set(float64(len(h.pending)))
	h.mu.Unlock()

	h.attempt(id, false)
	return nil
}

// resolveServer returns the client serving method: the remote bridge for a
// remote method, the registered server otherwise.
func (h *Handler) resolveServer(method uri.URI) *client.Client {
	if method.IsRemote() {
		return h.clients.RemoteClient()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localServerLocked(method)
}

func (h *Handler) localServerLocked(method uri.URI) *client.Client {
	if s, ok := h.servers[method]; ok && !s.IsReleased() {
		return s
	}
	return nil
}

// claimable reports whether an attempt may take p: a first attempt takes a
// CREATED request, a retry takes a PENDING_RETRY one.
func (p *pendingRequest) claimable(isRetry bool) bool {
	if isRetry {
		return p.state == StatePendingRetry
	}
	return p.state == StateCreated
}

// attempt delivers a pending request to the current server of its method.
// Only the attempt that moves the request to DELIVERING sends it.
func (h *Handler) attempt(id uuid.UUID, isRetry bool) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok || !p.claimable(isRetry) {
		h.mu.Unlock()
		return
	}
	method := p.request.Sink()
	log := h.log.WithFields(logrus.Fields{
		"request_id": id.String(),
		"method":     method.String(),
	})

	// A local server is resolved under the same lock RegisterServer scans
	// with, so a request put back to CREATED is always seen by it.
	var server *client.Client
	if !method.IsRemote() {
		server = h.localServerLocked(method)
		if server == nil {
			p.state = StateCreated
			h.mu.Unlock()
			log.Debug("Request waiting for its server")
			return
		}
	}
	p.state = StateDelivering
	h.mu.Unlock()

	if method.IsRemote() {
		server = h.clients.RemoteClient()
		if server == nil {
			h.mu.Lock()
			if h.pending[id] == p {
				p.state = StateCreated
			}
			h.mu.Unlock()
			log.Debug("Request waiting for the remote bridge")
			return
		}
	}

	err := h.deliver(server, p.request)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[id] != p {
		return
	}
	if err == nil {
		p.state = StateDispatched
		return
	}
	if isRetry {
		p.state = StatePendingRetry
		log.WithError(err).Warn("Request redelivery failed, waiting for timeout")
		return
	}

	p.state = StatePendingRetry
	retry, serr := h.scheduler.Schedule(h.retryDelay, func() { h.attempt(id, true) })
	if serr != nil {
		log.WithError(serr).Warn("Failed to schedule request redelivery")
		return
	}
	p.retry = retry
	log.WithError(err).Debug("Request delivery failed, retry scheduled")
}

// expire completes a request with a DEADLINE_EXCEEDED response.
func (h *Handler) expire(id uuid.UUID) {
	h.mu.Lock()
	p, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, id)
	p.state = StateExpired
	p.retry.Cancel()
	h.metrics.RPCPending.Set(float64(len(h.pending)))
	h.mu.Unlock()

	h.metrics.RPCTimeouts.Inc()
	response := message.NewFailedResponse(p.request, codes.DeadlineExceeded)
	log := h.log.WithFields(logrus.Fields{
		"request_id": id.String(),
		"method":     p.request.Sink().String(),
	})
	log.Debug("Request timed out")
	if err := h.deliver(p.requester, response); err != nil {
		log.WithError(err).Warn("Failed to deliver timeout response")
	}
}

// HandleResponse forwards response to the client waiting for it. A response
// nobody waits for anymore fails with CANCELLED.
func (h *Handler) HandleResponse(ctx context.Context, response *message.Message, server *client.Client) error {
	if err := server.CheckAuthority(response.Source()); err != nil {
		return err
	}
	if response.IsExpired() {
		return status.Errorf(codes.DeadlineExceeded, "response %s expired", response.ID())
	}

	h.mu.Lock()
	id := response.ReqID()
	p, ok := h.pending[id]
	if !ok {
		h.mu.Unlock()
		return status.Errorf(codes.Canceled, "request %s is not pending", id)
	}
	if p.request.Sink() != response.Source() {
		h.mu.Unlock()
		return status.Errorf(codes.InvalidArgument, "response source %s does not match method %s", response.Source(), p.request.Sink())
	}
	delete(h.pending, id)
	p.state = StateCompleted
	p.timeout.Cancel()
	p.retry.Cancel()
	h.metrics.RPCPending.Set(float64(len(h.pending)))
	h.mu.Unlock()

	if err := h.deliver(p.requester, response); err != nil {
		h.log.WithFields(logrus.Fields{
			"request_id": id.String(),
			"token":      ubus.ShortToken(p.requester.Token()),
		}).WithError(err).Warn("Failed to deliver response")
	}
	return nil
}

// RequestState returns the state of a pending request.
func (h *Handler) RequestState(id uuid.UUID) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pending[id]; ok {
		return p.state, true
	}
	return 0, false
}

// PendingCount returns the number of pending requests.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Servers lists every method with its server.
func (h *Handler) Servers() []ubus.MethodServer {
	h.mu.Lock()
	out := make([]ubus.MethodServer, 0, len(h.servers))
	for method, server := range h.servers {
		out = append(out, ubus.MethodServer{Method: method, Client: ubus.ShortToken(server.Token())})
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Method.String() < out[j].Method.String() })
	return out
}

// Clear cancels every timeout and retry and empties all tables.
func (h *Handler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.pending {
		p.timeout.Cancel()
		p.retry.Cancel()
	}
	h.pending = make(map[uuid.UUID]*pendingRequest)
	h.servers = make(map[uri.URI]*client.Client)
	h.serverMethods = make(map[*client.Client]map[uri.URI]struct{})
	h.metrics.RPCPending.Set(0)
}
