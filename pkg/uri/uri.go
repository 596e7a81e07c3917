package uri

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MethodPrefix marks a resource as an RPC method.
	MethodPrefix = "rpc."

	// ResponseResource is the reserved resource of a response address.
	ResponseResource = "rpc.response"
)

var (
	// ErrEmpty is returned when parsing an empty string
	ErrEmpty = errors.New("uri cannot be empty")
	// ErrMissingEntity is returned when a URI has no entity segment
	ErrMissingEntity = errors.New("uri entity cannot be empty")
	// ErrMalformed is returned when a URI does not follow the /entity/resource form
	ErrMalformed = errors.New("malformed uri")
)

// URI identifies a topic, a method or a response address of one entity.
// The zero value is the empty URI.
type URI struct {
	// Authority is the device the entity lives on; empty for the local device
	Authority string

	// Entity is the name of the software entity (service or application)
	Entity string

	// Resource is the topic name, "rpc.<method>" or "rpc.response"; empty for a client URI
	Resource string
}

// New creates a local URI.
func New(entity, resource string) URI {
	return URI{Entity: entity, Resource: resource}
}

// NewRemote creates a URI on a remote authority.
func NewRemote(authority, entity, resource string) URI {
	return URI{Authority: authority, Entity: entity, Resource: resource}
}

// Parse parses "/entity[/resource]" or "//authority/entity[/resource]".
func Parse(s string) (URI, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return URI{}, ErrEmpty
	}

	var u URI
	switch {
	case strings.HasPrefix(s, "//"):
		parts := strings.SplitN(s[2:], "/", 3)
		if len(parts) < 2 || parts[0] == "" {
			return URI{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		u.Authority = parts[0]
		u.Entity = parts[1]
		if len(parts) == 3 {
			u.Resource = parts[2]
		}
	case strings.HasPrefix(s, "/"):
		parts := strings.SplitN(s[1:], "/", 2)
		u.Entity = parts[0]
		if len(parts) == 2 {
			u.Resource = parts[1]
		}
	default:
		return URI{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	if u.Entity == "" {
		return URI{}, fmt.Errorf("%w: %q", ErrMissingEntity, s)
	}
	if strings.Contains(u.Resource, "/") {
		return URI{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return u, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the textual form accepted by Parse, or "" for the empty URI.
func (u URI) String() string {
	if u.IsEmpty() {
		return ""
	}
	var b strings.Builder
	if u.Authority != "" {
		b.WriteString("//")
		b.WriteString(u.Authority)
	}
	b.WriteString("/")
	b.WriteString(u.Entity)
	if u.Resource != "" {
		b.WriteString("/")
		b.WriteString(u.Resource)
	}
	return b.String()
}

// IsEmpty reports whether u is the zero URI.
func (u URI) IsEmpty() bool {
	return u == URI{}
}

// IsRemote reports whether u lives on another authority.
func (u URI) IsRemote() bool {
	return u.Authority != ""
}

// IsMethod reports whether u names an RPC method.
func (u URI) IsMethod() bool {
	return u.Entity != "" && strings.HasPrefix(u.Resource, MethodPrefix) &&
		u.Resource != ResponseResource && len(u.Resource) > len(MethodPrefix)
}

// IsResponse reports whether u is a response address.
func (u URI) IsResponse() bool {
	return u.Entity != "" && u.Resource == ResponseResource
}

// IsTopic reports whether u names a pub/sub topic.
func (u URI) IsTopic() bool {
	return u.Entity != "" && u.Resource != "" && !strings.HasPrefix(u.Resource, MethodPrefix)
}

// Client returns the client identity of u: the same authority and entity, no resource.
func (u URI) Client() URI {
	return URI{Authority: u.Authority, Entity: u.Entity}
}

// ResponseAddress returns the response address of the client that owns u.
func (u URI) ResponseAddress() URI {
	return URI{Authority: u.Authority, Entity: u.Entity, Resource: ResponseResource}
}

// SameClient reports whether u and other belong to the same client.
func (u URI) SameClient(other URI) bool {
	return u.Entity != "" && u.Authority == other.Authority && u.Entity == other.Entity
}

// MarshalText implements encoding.TextMarshaler.
func (u URI) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty text yields the empty URI.
func (u *URI) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*u = URI{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
