// Package httpapi exposes the bus over HTTP. Clients log in for a JWT,
// hold an SSE stream open as their registration, and send, pull and
// claim dispatching with plain requests. Errors are google.rpc.Status
// bodies carrying the bus status code.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
)

const (
	defaultKeepAlive    = 15 * time.Second
	defaultStreamBuffer = 256
)

// Config holds server configuration
type Config struct {
	Addr      string
	SecretKey string
	NoAuth    bool
	TokenTTL  time.Duration

	// KeepAlive is the interval of SSE ping comments
	KeepAlive time.Duration

	// StreamBuffer is the number of messages buffered per stream
	StreamBuffer int

	// Gatherer backs /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer

	Logger logrus.FieldLogger
}

// Server represents the HTTP API server
type Server struct {
	handlers   *Handlers
	middleware *Middleware
	jwtAuth    *JWTAuth
	router     *mux.Router
	server     *http.Server
	log        logrus.FieldLogger
}

// NewServer creates a new HTTP API server for bus. admin may be nil when
// the subscription authority is not administered through this server.
func NewServer(bus ubus.Bus, admin TopicAdmin, cfg Config) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	log := logging.OrDiscard(cfg.Logger).WithField("component", "httpapi")

	jwtAuth := NewJWTAuth(cfg.SecretKey, cfg.TokenTTL)
	s := &Server{
		handlers:   NewHandlers(bus, admin, jwtAuth, log, cfg.KeepAlive, cfg.StreamBuffer),
		middleware: NewMiddleware(jwtAuth, cfg.NoAuth, log),
		jwtAuth:    jwtAuth,
		log:        log,
	}
	s.router = s.setupRoutes(cfg.Gatherer)

	// No write timeout: streams stay open for the life of the client.
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.middleware.Recovery, s.middleware.Logging, s.middleware.CORS)

	auth := s.middleware.AuthRequired
	admin := s.middleware.AdminRequired
	h := s.handlers

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api.HandleFunc("/stream", auth(h.Stream)).Methods(http.MethodGet)
	api.HandleFunc("/messages", auth(h.Send)).Methods(http.MethodPost)
	api.HandleFunc("/dispatch", auth(h.Dispatch)).Methods(http.MethodPost)
	api.HandleFunc("/pull", auth(h.Pull)).Methods(http.MethodGet)
	api.HandleFunc("/topics/created", auth(h.TopicCreated)).Methods(http.MethodGet)
	api.HandleFunc("/clients/{token}", auth(h.Unregister)).Methods(http.MethodDelete)

	api.HandleFunc("/admin/dump", admin(h.Dump)).Methods(http.MethodGet)
	api.HandleFunc("/admin/topics", admin(h.AdminTopics)).Methods(http.MethodGet)
	api.HandleFunc("/admin/topics", admin(h.AdminCreateTopic)).Methods(http.MethodPost)
	api.HandleFunc("/admin/topics", admin(h.AdminDeprecateTopic)).Methods(http.MethodDelete)
	api.HandleFunc("/admin/subscriptions", admin(h.AdminSetSubscription)).Methods(http.MethodPost)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
