package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/authority"
	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// TopicAdmin is the part of the subscription authority the admin API drives.
type TopicAdmin interface {
	CreateTopic(topic, publisher uri.URI) error
	DeprecateTopic(topic uri.URI) error
	SetSubscription(topic, subscriber uri.URI, state ubus.SubscriptionState) error
	Topics() []authority.TopicInfo
}

// Handlers contains the HTTP handlers of the bus binding
type Handlers struct {
	bus       ubus.Bus
	admin     TopicAdmin
	jwtAuth   *JWTAuth
	log       logrus.FieldLogger
	keepAlive time.Duration
	buffer    int
}

// NewHandlers creates the handlers. admin may be nil.
func NewHandlers(bus ubus.Bus, admin TopicAdmin, jwtAuth *JWTAuth, log logrus.FieldLogger, keepAlive time.Duration, buffer int) *Handlers {
	return &Handlers{
		bus:       bus,
		admin:     admin,
		jwtAuth:   jwtAuth,
		log:       log,
		keepAlive: keepAlive,
		buffer:    buffer,
	}
}

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codes.InvalidArgument, "Invalid request body")
		return
	}
	if req.PackageName == "" {
		writeError(w, codes.InvalidArgument, "packageName is required")
		return
	}

	token, claims, err := h.jwtAuth.GenerateToken(req.PackageName, req.UID, req.Admin)
	if err != nil {
		writeError(w, codes.Internal, "Failed to generate token")
		return
	}

	writeJSON(w, LoginResponse{
		Token:       token,
		PackageName: claims.PackageName,
		PID:         claims.PID,
		UID:         claims.UID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, http.StatusOK)
}

// Stream handles GET /api/v1/stream?entity=/svc. It registers a client
// for the lifetime of the connection and streams what the bus delivers.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	entity, err := uri.Parse(r.URL.Query().Get("entity"))
	if err != nil {
		writeError(w, codes.InvalidArgument, fmt.Sprintf("invalid entity: %v", err))
		return
	}
	packageName := r.URL.Query().Get("package")
	if claims := GetClaims(r); claims != nil {
		packageName = claims.PackageName
	}
	if packageName == "" {
		packageName = entity.Entity
	}

	ctx := r.Context()
	token := uuid.NewString()
	listener := newStreamListener(h.buffer)
	defer listener.close()

	if err := h.bus.RegisterClient(ctx, packageName, entity.Client(), token, listener); err != nil {
		writeStatus(w, err)
		return
	}

	log := h.log.WithFields(logrus.Fields{"token": ubus.ShortToken(token), "entity": entity.String()})
	log.Info("Stream connected")
	defer log.Info("Stream disconnected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "registered", RegisteredEvent{Token: token, Entity: entity.Client().String()}); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case msg := <-listener.messages:
			if err := writeSSE(w, "message", msg); err != nil {
				log.WithError(err).Warn("Failed to write message to stream")
				return
			}
		}
	}
}

// Send handles POST /api/v1/messages
func (h *Handlers) Send(w http.ResponseWriter, r *http.Request) {
	var msg message.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, codes.InvalidArgument, fmt.Sprintf("invalid message: %v", err))
		return
	}
	if err := h.bus.Send(r.Context(), &msg, r.Header.Get(TokenHeader)); err != nil {
		writeStatus(w, err)
		return
	}
	writeJSON(w, SendResponse{ID: msg.ID().String()}, http.StatusAccepted)
}

// Dispatch handles POST /api/v1/dispatch
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codes.InvalidArgument, "Invalid request body")
		return
	}
	u, err := uri.Parse(req.URI)
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}

	var flags ubus.DispatchFlags
	if req.SuppressAutoFetch {
		flags |= ubus.FlagSuppressAutoFetch
	}
	token := r.Header.Get(TokenHeader)
	if req.Enable {
		err = h.bus.EnableDispatching(r.Context(), u, flags, token)
	} else {
		err = h.bus.DisableDispatching(r.Context(), u, flags, token)
	}
	if err != nil {
		writeStatus(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pull handles GET /api/v1/pull?topic=&count=
func (h *Handlers) Pull(w http.ResponseWriter, r *http.Request) {
	topic, err := uri.Parse(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	count := 1
	if s := r.URL.Query().Get("count"); s != "" {
		if count, err = strconv.Atoi(s); err != nil {
			writeError(w, codes.InvalidArgument, "count must be an integer")
			return
		}
	}

	msgs, err := h.bus.Pull(r.Context(), topic, count, r.Header.Get(TokenHeader))
	if err != nil {
		writeStatus(w, err)
		return
	}
	writeJSON(w, PullResponse{Messages: msgs}, http.StatusOK)
}

// TopicCreated handles GET /api/v1/topics/created?topic=&client=
func (h *Handlers) TopicCreated(w http.ResponseWriter, r *http.Request) {
	topic, err := uri.Parse(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	clientURI, err := uri.Parse(r.URL.Query().Get("client"))
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	writeJSON(w, TopicCreatedResponse{
		Topic:   topic.String(),
		Client:  clientURI.String(),
		Created: h.bus.IsTopicCreated(r.Context(), topic, clientURI),
	}, http.StatusOK)
}

// Unregister handles DELETE /api/v1/clients/{token}
func (h *Handlers) Unregister(w http.ResponseWriter, r *http.Request) {
	if err := h.bus.UnregisterClient(r.Context(), mux.Vars(r)["token"]); err != nil {
		writeStatus(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Dump handles GET /api/v1/admin/dump. The default is the text rendering;
// ?format=json returns the snapshot itself.
func (h *Handlers) Dump(w http.ResponseWriter, r *http.Request) {
	snapshot := h.bus.Snapshot(r.Context())
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, snapshot, http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := snapshot.WriteText(w); err != nil {
		h.log.WithError(err).Warn("Failed to write dump")
	}
}

// AdminTopics handles GET /api/v1/admin/topics
func (h *Handlers) AdminTopics(w http.ResponseWriter, r *http.Request) {
	if !h.adminAvailable(w) {
		return
	}
	infos := h.admin.Topics()
	resp := AdminTopicsResponse{Topics: make([]AdminTopic, 0, len(infos))}
	for _, info := range infos {
		t := AdminTopic{
			Topic:       info.Topic.String(),
			Publisher:   info.Publisher.String(),
			Subscribers: make([]string, 0, len(info.Subscribers)),
		}
		for _, s := range info.Subscribers {
			t.Subscribers = append(t.Subscribers, s.String())
		}
		resp.Topics = append(resp.Topics, t)
	}
	writeJSON(w, resp, http.StatusOK)
}

// AdminCreateTopic handles POST /api/v1/admin/topics
func (h *Handlers) AdminCreateTopic(w http.ResponseWriter, r *http.Request) {
	if !h.adminAvailable(w) {
		return
	}
	var req AdminTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codes.InvalidArgument, "Invalid request body")
		return
	}
	topic, err := uri.Parse(req.Topic)
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	publisher, err := uri.Parse(req.Publisher)
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	if err := h.admin.CreateTopic(topic, publisher); err != nil {
		writeStatus(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// AdminDeprecateTopic handles DELETE /api/v1/admin/topics?topic=
func (h *Handlers) AdminDeprecateTopic(w http.ResponseWriter, r *http.Request) {
	if !h.adminAvailable(w) {
		return
	}
	topic, err := uri.Parse(r.URL.Query().Get("topic"))
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	if err := h.admin.DeprecateTopic(topic); err != nil {
		writeStatus(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminSetSubscription handles POST /api/v1/admin/subscriptions
func (h *Handlers) AdminSetSubscription(w http.ResponseWriter, r *http.Request) {
	if !h.adminAvailable(w) {
		return
	}
	var req AdminSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codes.InvalidArgument, "Invalid request body")
		return
	}
	topic, err := uri.Parse(req.Topic)
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	subscriber, err := uri.Parse(req.Subscriber)
	if err != nil {
		writeError(w, codes.InvalidArgument, err.Error())
		return
	}
	state := ubus.StateSubscribed
	if req.State != "" {
		if state, err = ubus.ParseSubscriptionState(req.State); err != nil {
			writeError(w, codes.InvalidArgument, err.Error())
			return
		}
	}
	if err := h.admin.SetSubscription(topic, subscriber, state); err != nil {
		writeStatus(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) adminAvailable(w http.ResponseWriter) bool {
	if h.admin == nil {
		writeStatus(w, status.Error(codes.Unimplemented, "no subscription authority is administered by this bus"))
		return false
	}
	return true
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.bus.Health(r.Context())

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse{
		Healthy:         health.Healthy,
		Clients:         health.Clients,
		Topics:          health.Topics,
		PendingRequests: health.PendingRequests,
		Message:         health.Message,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
