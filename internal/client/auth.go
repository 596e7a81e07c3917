package client

import (
	"fmt"
	"slices"

	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
)

// Authenticator decides whether a caller may register as the entity in its
// credentials.
type Authenticator interface {
	Authenticate(creds Credentials) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(creds Credentials) error

// Authenticate calls f(creds).
func (f AuthenticatorFunc) Authenticate(creds Credentials) error {
	return f(creds)
}

// StaticManifests maps a package name to the entities it declares.
type StaticManifests map[string][]string

// DeclaredEntities implements ubus.ManifestResolver.
func (m StaticManifests) DeclaredEntities(packageName string) []string {
	return m[packageName]
}

// ManifestAuthenticator accepts a registration when the package manifest
// declares the entity being registered.
type ManifestAuthenticator struct {
	Resolver ubus.ManifestResolver
}

// Authenticate implements Authenticator.
func (a ManifestAuthenticator) Authenticate(creds Credentials) error {
	if a.Resolver == nil {
		return fmt.Errorf("no manifest metadata for package %q", creds.PackageName)
	}
	declared := a.Resolver.DeclaredEntities(creds.PackageName)
	if len(declared) == 0 {
		return fmt.Errorf("package %q declares no entities", creds.PackageName)
	}
	if !slices.Contains(declared, creds.Entity.Entity) {
		return fmt.Errorf("package %q does not declare entity %q", creds.PackageName, creds.Entity.Entity)
	}
	return nil
}
