package message

import (
	"fmt"
	"strings"
)

// Type is the kind of a message.
type Type int

const (
	// TypeUnspecified is the zero value and is never routed
	TypeUnspecified Type = iota

	// TypePublish is broadcast to the subscribers of its source topic
	TypePublish

	// TypeNotification is sent on its source topic to exactly one sink
	TypeNotification

	// TypeRequest is an RPC call from a response address to a method
	TypeRequest

	// TypeResponse answers the request whose id it carries in ReqID
	TypeResponse
)

var typeNames = map[Type]string{
	TypeUnspecified:  "UNSPECIFIED",
	TypePublish:      "PUBLISH",
	TypeNotification: "NOTIFICATION",
	TypeRequest:      "REQUEST",
	TypeResponse:     "RESPONSE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for typ, n := range typeNames {
		if n == name {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown message type %q", string(text))
}

// Priority is the class of service of a message, CS0 (lowest) to CS6.
type Priority int

const (
	CS0 Priority = iota
	CS1
	CS2
	CS3
	CS4
	CS5
	CS6
)

func (p Priority) String() string {
	return fmt.Sprintf("CS%d", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	var n int
	if _, err := fmt.Sscanf(strings.ToUpper(string(text)), "CS%d", &n); err != nil || n < 0 || n > int(CS6) {
		return fmt.Errorf("unknown priority %q", string(text))
	}
	*p = Priority(n)
	return nil
}
