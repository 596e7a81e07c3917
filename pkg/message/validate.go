package message

import (
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Validate checks that the attributes are consistent with the message type.
// It returns an INVALID_ARGUMENT status error describing the first problem found.
func (m *Message) Validate() error {
	if m == nil {
		return status.Error(codes.InvalidArgument, "message cannot be nil")
	}
	if m.id.Version() != 7 {
		return status.Errorf(codes.InvalidArgument, "message id %s is not a UUIDv7", m.id)
	}
	if m.ttl < 0 {
		return status.Error(codes.InvalidArgument, "ttl cannot be negative")
	}

	switch m.typ {
	case TypePublish:
		if !m.source.IsTopic() {
			return status.Errorf(codes.InvalidArgument, "publish source %q is not a topic", m.source)
		}
		if !m.sink.IsEmpty() && m.sink.Entity == "" {
			return status.Errorf(codes.InvalidArgument, "publish sink %q has no entity", m.sink)
		}
	case TypeNotification:
		if !m.source.IsTopic() {
			return status.Errorf(codes.InvalidArgument, "notification source %q is not a topic", m.source)
		}
		if m.sink.Entity == "" {
			return status.Error(codes.InvalidArgument, "notification requires a sink")
		}
	case TypeRequest:
		if !m.source.IsResponse() {
			return status.Errorf(codes.InvalidArgument, "request source %q is not a response address", m.source)
		}
		if !m.sink.IsMethod() {
			return status.Errorf(codes.InvalidArgument, "request sink %q is not a method", m.sink)
		}
		if m.ttl == 0 {
			return status.Error(codes.InvalidArgument, "request requires a ttl")
		}
	case TypeResponse:
		if !m.source.IsMethod() {
			return status.Errorf(codes.InvalidArgument, "response source %q is not a method", m.source)
		}
		if !m.sink.IsResponse() {
			return status.Errorf(codes.InvalidArgument, "response sink %q is not a response address", m.sink)
		}
		if m.reqID == uuid.Nil {
			return status.Error(codes.InvalidArgument, "response requires a request id")
		}
	default:
		return status.Errorf(codes.InvalidArgument, "unsupported message type %s", m.typ)
	}
	return nil
}
