package httpclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/authority"
	"github.com/rmacdonaldsmith/ubus-go/internal/broker"
	"github.com/rmacdonaldsmith/ubus-go/internal/httpapi"
	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

var (
	doorTopic = uri.MustParse("/car.body/door.front")
	body      = uri.MustParse("/car.body")
	dashboard = uri.MustParse("/app.dashboard")
	openDoor  = uri.MustParse("/car.body/rpc.OpenDoor")
)

func newServer(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	auth := authority.NewMemory(nil)
	cfg := broker.NewConfig(auth)
	cfg.Manifests = map[string][]string{
		"com.example.body":      {"car.body"},
		"com.example.dashboard": {"app.dashboard"},
	}
	b, err := broker.New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	server := httpapi.NewServer(b, auth, httpapi.Config{SecretKey: "test-secret", KeepAlive: 50 * time.Millisecond})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return ts, b
}

func login(t *testing.T, serverURL, packageName string, admin bool) *Client {
	t.Helper()
	c, err := NewClient(Config{ServerURL: serverURL, PackageName: packageName, UID: 10001, Admin: admin})
	require.NoError(t, err)
	_, err = c.Login(context.Background())
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		c, err := NewClient(Config{ServerURL: "http://localhost:8080", PackageName: "com.example.app"})
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, c.config.Timeout)
	})

	t.Run("missing_server_url", func(t *testing.T) {
		_, err := NewClient(Config{PackageName: "com.example.app"})
		assert.ErrorContains(t, err, "ServerURL is required")
	})

	t.Run("missing_package_name", func(t *testing.T) {
		_, err := NewClient(Config{ServerURL: "http://localhost:8080"})
		assert.ErrorContains(t, err, "PackageName is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		_, err := NewClient(Config{ServerURL: "://invalid-url", PackageName: "com.example.app"})
		assert.Error(t, err)
	})
}

func TestClient_PublishSubscribe(t *testing.T) {
	ts, _ := newServer(t)
	ctx := context.Background()

	admin := login(t, ts.URL, "ops", true)
	pub := login(t, ts.URL, "com.example.body", false)
	sub := login(t, ts.URL, "com.example.dashboard", false)

	pubStream, err := pub.Connect(ctx, body, StreamConfig{})
	require.NoError(t, err)
	defer pubStream.Close()
	subStream, err := sub.Connect(ctx, dashboard, StreamConfig{})
	require.NoError(t, err)
	defer subStream.Close()
	assert.Equal(t, "/app.dashboard", subStream.Entity())

	require.NoError(t, admin.CreateTopic(ctx, doorTopic, body))
	require.NoError(t, admin.SetSubscription(ctx, doorTopic, dashboard, ubus.StateSubscribed))
	require.NoError(t, sub.EnableDispatching(ctx, subStream.Token(), doorTopic, 0))

	created, err := sub.IsTopicCreated(ctx, doorTopic, body)
	require.NoError(t, err)
	assert.True(t, created)

	msg := message.NewPublish(doorTopic, message.WithPayload("text/plain", []byte("open")))
	id, err := pub.Send(ctx, pubStream.Token(), msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID().String(), id)

	select {
	case got := <-subStream.Messages():
		assert.Equal(t, msg.ID(), got.ID())
		assert.Equal(t, []byte("open"), got.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	pulled, err := sub.Pull(ctx, subStream.Token(), doorTopic, 1)
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	topics, err := admin.Topics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, []string{"/app.dashboard"}, topics[0].Subscribers)

	dump, err := admin.Dump(ctx)
	require.NoError(t, err)
	assert.Contains(t, dump, "/car.body/door.front")

	snapshot, err := admin.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Clients, 2)
	require.Len(t, snapshot.Cached, 1)
	assert.Equal(t, doorTopic, snapshot.Cached[0].Topic)
}

func TestClient_RequestResponse(t *testing.T) {
	ts, _ := newServer(t)
	ctx := context.Background()

	server := login(t, ts.URL, "com.example.body", false)
	caller := login(t, ts.URL, "com.example.dashboard", false)

	serverStream, err := server.Connect(ctx, body, StreamConfig{})
	require.NoError(t, err)
	defer serverStream.Close()
	callerStream, err := caller.Connect(ctx, dashboard, StreamConfig{})
	require.NoError(t, err)
	defer callerStream.Close()

	require.NoError(t, server.EnableDispatching(ctx, serverStream.Token(), openDoor, 0))

	req := message.NewRequest(dashboard.ResponseAddress(), openDoor, 2*time.Second)
	_, err = caller.Send(ctx, callerStream.Token(), req)
	require.NoError(t, err)

	var got *message.Message
	select {
	case got = <-serverStream.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	assert.Equal(t, req.ID(), got.ID())

	_, err = server.Send(ctx, serverStream.Token(), message.NewResponse(got))
	require.NoError(t, err)

	select {
	case resp := <-callerStream.Messages():
		assert.Equal(t, req.ID(), resp.ReqID())
		assert.Equal(t, message.TypeResponse, resp.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestClient_StatusErrors(t *testing.T) {
	ts, _ := newServer(t)
	ctx := context.Background()
	c := login(t, ts.URL, "com.example.dashboard", false)

	_, err := c.Send(ctx, "nobody", message.NewPublish(doorTopic))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = c.Connect(ctx, body, StreamConfig{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "package does not declare car.body")

	err = c.CreateTopic(ctx, doorTopic, body)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestStream_CloseUnregisters(t *testing.T) {
	ts, b := newServer(t)
	ctx := context.Background()
	c := login(t, ts.URL, "com.example.body", false)

	stream, err := c.Connect(ctx, body, StreamConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Health(ctx).Clients)

	require.NoError(t, stream.Close())
	_, open := <-stream.Messages()
	assert.False(t, open)

	require.Eventually(t, func() bool { return b.Health(ctx).Clients == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_Health(t *testing.T) {
	ts, b := newServer(t)
	ctx := context.Background()
	c, err := NewClient(Config{ServerURL: ts.URL, PackageName: "probe"})
	require.NoError(t, err)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)

	require.NoError(t, b.Stop(ctx))
	h, err = c.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, "stopped", h.Message)
}
