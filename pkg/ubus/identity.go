package ubus

import (
	"context"
	"os"
)

// Identity is the process identity of a caller.
type Identity struct {
	PID         int
	UID         int
	PackageName string
}

// SameProcess reports whether id and other describe the same caller.
func (id Identity) SameProcess(other Identity) bool {
	return id.PID == other.PID && id.UID == other.UID
}

// IdentityProvider tells the bus who is calling.
type IdentityProvider interface {
	CallerIdentity(ctx context.Context) Identity
}

// ManifestResolver answers which entities a package declared in its manifest.
type ManifestResolver interface {
	DeclaredEntities(packageName string) []string
}

type identityKey struct{}

// WithCaller returns a context carrying the caller identity. Transports call
// it for every inbound operation.
func WithCaller(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// CallerFromContext returns the identity stored by WithCaller.
func CallerFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// SelfIdentity returns the identity of the current process.
func SelfIdentity(packageName string) Identity {
	return Identity{PID: os.Getpid(), UID: os.Getuid(), PackageName: packageName}
}

// ContextIdentityProvider reads the caller from the context. A context
// without a caller is a call from the bus process itself.
type ContextIdentityProvider struct {
	Self Identity
}

// CallerIdentity implements IdentityProvider.
func (p ContextIdentityProvider) CallerIdentity(ctx context.Context) Identity {
	if id, ok := CallerFromContext(ctx); ok {
		return id
	}
	return p.Self
}
