package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

var (
	testTopic    = uri.MustParse("/svc.speed/speed")
	testMethod   = uri.MustParse("/svc.door/rpc.Open")
	testResponse = uri.MustParse("/app.dash/rpc.response")
)

func TestNewPublish(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	msg := NewPublish(testTopic, WithPayload("text/plain", []byte("42")), WithTTL(time.Second))

	assert.Equal(t, TypePublish, msg.Type())
	assert.Equal(t, testTopic, msg.Source())
	assert.True(t, msg.Sink().IsEmpty())
	assert.Equal(t, CS1, msg.Priority())
	assert.Equal(t, time.Second, msg.TTL())
	assert.Equal(t, "text/plain", msg.PayloadFormat())
	assert.Equal(t, []byte("42"), msg.Payload())
	assert.Equal(t, 7, int(msg.ID().Version()))
	assert.False(t, msg.CreatedAt().Before(before.Truncate(time.Millisecond)))
	require.NoError(t, msg.Validate())
}

func TestMessage_PayloadIsCopied(t *testing.T) {
	payload := []byte("abc")
	msg := NewPublish(testTopic, WithPayload("", payload))
	payload[0] = 'x'

	got := msg.Payload()
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'y'
	assert.Equal(t, []byte("abc"), msg.Payload())
}

func TestMessage_Expiry(t *testing.T) {
	msg := NewPublish(testTopic, WithTTL(50*time.Millisecond))
	created := msg.CreatedAt()

	assert.False(t, msg.IsExpiredAt(created.Add(49*time.Millisecond)))
	assert.True(t, msg.IsExpiredAt(created.Add(50*time.Millisecond)))
	assert.Equal(t, 20*time.Millisecond, msg.RemainingTTL(created.Add(30*time.Millisecond)))
	assert.LessOrEqual(t, msg.RemainingTTL(created.Add(time.Second)), time.Duration(0))

	noTTL := NewPublish(testTopic)
	assert.False(t, noTTL.IsExpiredAt(time.Now().Add(24*time.Hour)))
	assert.Equal(t, time.Duration(0), noTTL.RemainingTTL(time.Now()))
}

func TestCreatedAt_NonV7(t *testing.T) {
	assert.True(t, CreatedAt(uuid.New()).IsZero())
}

func TestNewResponse(t *testing.T) {
	req := NewRequest(testResponse, testMethod, time.Second)
	require.NoError(t, req.Validate())

	resp := NewResponse(req, WithPayload("", []byte("ok")))
	assert.Equal(t, TypeResponse, resp.Type())
	assert.Equal(t, testMethod, resp.Source())
	assert.Equal(t, testResponse, resp.Sink())
	assert.Equal(t, req.ID(), resp.ReqID())
	assert.Equal(t, codes.OK, resp.CommStatus())
	require.NoError(t, resp.Validate())

	failed := NewFailedResponse(req, codes.DeadlineExceeded)
	assert.Equal(t, codes.DeadlineExceeded, failed.CommStatus())
	assert.Equal(t, req.ID(), failed.ReqID())
	assert.NotEqual(t, resp.ID(), failed.ID())
}

func TestMessage_WithoutSink(t *testing.T) {
	sink := uri.MustParse("/core.usubscription")
	msg := NewNotification(testTopic, sink)
	stripped := msg.WithoutSink()

	assert.Equal(t, sink, msg.Sink())
	assert.True(t, stripped.Sink().IsEmpty())
	assert.Equal(t, msg.ID(), stripped.ID())
}

func TestMessage_PublishWithSink(t *testing.T) {
	sink := uri.MustParse("/app.alice")
	msg := NewPublish(testTopic, WithSink(sink))

	assert.Equal(t, TypePublish, msg.Type())
	assert.Equal(t, sink, msg.Sink())
	assert.NoError(t, msg.Validate())
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil", nil},
		{"non v7 id", NewPublish(testTopic, WithID(uuid.New()))},
		{"publish to method", NewPublish(testMethod)},
		{"publish sink without entity", NewPublish(testTopic, WithSink(uri.URI{Resource: "door.front"}))},
		{"notification without sink", NewNotification(testTopic, uri.URI{})},
		{"request without ttl", NewRequest(testResponse, testMethod, 0)},
		{"request to topic", NewRequest(testResponse, testTopic, time.Second)},
		{"request from topic", NewRequest(testTopic, testMethod, time.Second)},
		{"unspecified", build(&Message{source: testTopic}, nil)},
		{"negative ttl", NewPublish(testTopic, WithTTL(-time.Second))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestMessage_JSON(t *testing.T) {
	req := NewRequest(testResponse, testMethod, 1500*time.Millisecond, WithPayload("application/json", []byte(`{"a":1}`)))
	failed := NewFailedResponse(req, codes.Unavailable)

	for _, msg := range []*Message{req, failed} {
		data, err := json.Marshal(msg)
		require.NoError(t, err)

		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, *msg, decoded)
	}
}

func TestMessage_UnmarshalJSON_GeneratesID(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"PUBLISH","source":"/svc.speed/speed","priority":"CS2"}`), &msg))

	assert.Equal(t, TypePublish, msg.Type())
	assert.Equal(t, CS2, msg.Priority())
	require.NoError(t, msg.Validate())
}

func TestType_UnmarshalText_Unknown(t *testing.T) {
	var typ Type
	assert.Error(t, typ.UnmarshalText([]byte("BROADCAST")))

	var p Priority
	assert.Error(t, p.UnmarshalText([]byte("CS9")))
}
