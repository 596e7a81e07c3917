package broker

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/internal/config"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
)

var (
	// ErrMissingAuthority is returned when no subscription authority is configured
	ErrMissingAuthority = errors.New("subscription authority is required")
	// ErrMissingPackageName is returned when the bus has no package name
	ErrMissingPackageName = errors.New("package name cannot be empty")
)

// Config holds the configuration for a Broker.
type Config struct {
	// Settings are the routing parameters, usually loaded by internal/config
	Settings config.BrokerConfig

	// Authority owns subscription state
	Authority ubus.SubscriptionAuthority

	// Authenticator vets registrations from other processes. Defaults to
	// manifest checks against Manifests.
	Authenticator client.Authenticator

	// Manifests lists the entities each package may register as
	Manifests map[string][]string

	// Identity tells the bus who is calling. Defaults to reading the
	// caller from the context.
	Identity ubus.IdentityProvider

	// Self is the identity of the bus process. Defaults to the current
	// process under Settings.PackageName.
	Self *ubus.Identity

	// Registerer receives the bus collectors. Nil disables export.
	Registerer prometheus.Registerer

	Logger logrus.FieldLogger
}

// NewConfig returns a Config with default settings backed by authority.
func NewConfig(authority ubus.SubscriptionAuthority) *Config {
	return &Config{
		Settings:  config.Default().Broker,
		Authority: authority,
	}
}

// Validate checks that the configuration can build a Broker.
func (c *Config) Validate() error {
	if c.Authority == nil {
		return ErrMissingAuthority
	}
	if c.Settings.PackageName == "" {
		return ErrMissingPackageName
	}
	return nil
}

func (c *Config) shutdownTimeout() time.Duration {
	if c.Settings.ShutdownTimeout <= 0 {
		return 100 * time.Millisecond
	}
	return c.Settings.ShutdownTimeout
}
