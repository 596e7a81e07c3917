// Command ubusd runs the message bus with its HTTP binding.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/ubus-go/internal/authority"
	"github.com/rmacdonaldsmith/ubus-go/internal/broker"
	"github.com/rmacdonaldsmith/ubus-go/internal/config"
	"github.com/rmacdonaldsmith/ubus-go/internal/httpapi"
	"github.com/rmacdonaldsmith/ubus-go/internal/logging"
)

const (
	appName    = "ubusd"
	appVersion = "0.1.0"

	httpShutdownTimeout = 5 * time.Second
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}

	d, err := newDaemon(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bus")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		log.WithError(err).Fatal("Bus stopped with error")
	}
}

// daemon wires the bus, its authority and the HTTP server.
type daemon struct {
	cfg       *config.Config
	log       logrus.FieldLogger
	registry  *prometheus.Registry
	authority *authority.Memory
	broker    *broker.Broker
	server    *httpapi.Server
}

func newDaemon(cfg *config.Config, log *logrus.Logger) (*daemon, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	auth := authority.NewMemory(log)
	if err := auth.Seed(cfg.Topics); err != nil {
		return nil, fmt.Errorf("failed to seed topics: %w", err)
	}

	b, err := broker.New(&broker.Config{
		Settings:   cfg.Broker,
		Authority:  auth,
		Manifests:  cfg.Manifests,
		Registerer: registry,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	server := httpapi.NewServer(b, auth, httpapi.Config{
		Addr:      cfg.HTTP.Addr(),
		SecretKey: cfg.HTTP.SecretKey,
		NoAuth:    cfg.HTTP.NoAuth,
		TokenTTL:  cfg.HTTP.TokenTTL,
		Gatherer:  registry,
		Logger:    log,
	})

	return &daemon{
		cfg:       cfg,
		log:       log.WithField("component", appName),
		registry:  registry,
		authority: auth,
		broker:    b,
		server:    server,
	}, nil
}

// run starts the bus and serves until ctx is done, then drains.
func (d *daemon) run(ctx context.Context) error {
	if err := d.broker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := d.broker.Close(); err != nil {
			d.log.WithError(err).Warn("Error closing bus")
		}
	}()

	if d.cfg.HTTP.NoAuth {
		d.log.Warn("HTTP authentication is disabled")
	}
	d.log.WithFields(logrus.Fields{
		"version": appVersion,
		"addr":    d.cfg.HTTP.Addr(),
	}).Info("Bus started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(d.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := d.server.Stop(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("HTTP server did not stop cleanly")
		}
		return d.broker.Stop(shutdownCtx)
	})
	return g.Wait()
}
