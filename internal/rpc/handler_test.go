package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/internal/worker"
	"github.com/rmacdonaldsmith/ubus-go/pkg/message"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

type inbox struct {
	mu       sync.Mutex
	msgs     []*message.Message
	failures int32
}

func (i *inbox) OnReceive(msg *message.Message) error {
	if atomic.LoadInt32(&i.failures) > 0 {
		atomic.AddInt32(&i.failures, -1)
		return errors.New("transport failure")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	return nil
}

func (i *inbox) received() []*message.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*message.Message, len(i.msgs))
	copy(out, i.msgs)
	return out
}

type fixture struct {
	t         *testing.T
	clients   *client.Manager
	scheduler *worker.Scheduler
	handler   *Handler
	n         int
}

func newFixture(t *testing.T) *fixture {
	clients := client.NewManager(client.Config{
		RemoteEntity: "core.ubus.remote",
		Self:         ubus.SelfIdentity("core.ubus"),
	})
	scheduler := worker.NewScheduler()
	t.Cleanup(func() { _ = scheduler.Stop(time.Second) })

	return &fixture{
		t:         t,
		clients:   clients,
		scheduler: scheduler,
		handler: NewHandler(Config{
			Clients:    clients,
			Scheduler:  scheduler,
			RetryDelay: 20 * time.Millisecond,
		}),
	}
}

func (f *fixture) register(entity string) (*client.Client, *inbox) {
	f.t.Helper()
	f.n++
	in := &inbox{}
	token := fmt.Sprintf("token-%d", f.n)
	require.NoError(f.t, f.clients.RegisterClient(context.Background(), "core.ubus", uri.MustParse(entity), token, in))
	return f.clients.GetClient(token), in
}

var (
	pingMethod   = uri.MustParse("/svc.ping/rpc.Ping")
	responseAddr = uri.MustParse("/app.caller/rpc.response")
)

func TestRegisterServer(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	other, _ := f.register("/svc.ping")
	stranger, _ := f.register("/app.caller")

	assert.Equal(t, codes.InvalidArgument, status.Code(f.handler.RegisterServer(uri.MustParse("/svc.ping/topic"), server)))
	assert.Equal(t, codes.Unauthenticated, status.Code(f.handler.RegisterServer(pingMethod, stranger)))

	require.NoError(t, f.handler.RegisterServer(pingMethod, server))
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))
	assert.Equal(t, codes.AlreadyExists, status.Code(f.handler.RegisterServer(pingMethod, other)))

	assert.Equal(t, []uri.URI{pingMethod}, f.handler.GetMethods(server))
	assert.Empty(t, f.handler.GetMethods(other))
	require.Len(t, f.handler.Servers(), 1)
}

func TestRegisterServer_ReplacesReleasedServer(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	replacement, _ := f.register("/svc.ping")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	require.NoError(t, f.clients.UnregisterClient(context.Background(), server.Token()))
	require.NoError(t, f.handler.RegisterServer(pingMethod, replacement))
	assert.Equal(t, []uri.URI{pingMethod}, f.handler.GetMethods(replacement))
	assert.Empty(t, f.handler.GetMethods(server))
}

func TestUnregisterServer(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	other, _ := f.register("/svc.ping")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	assert.Equal(t, codes.NotFound, status.Code(f.handler.UnregisterServer(pingMethod, other)))
	require.NoError(t, f.handler.UnregisterServer(pingMethod, server))
	assert.Empty(t, f.handler.GetMethods(server))
	assert.NoError(t, f.handler.UnregisterServer(pingMethod, other))
}

func TestHandleRequest_Delivered(t *testing.T) {
	f := newFixture(t)
	server, serverInbox := f.register("/svc.ping")
	caller, callerInbox := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	require.Len(t, serverInbox.received(), 1)
	state, ok := f.handler.RequestState(req.ID())
	require.True(t, ok)
	assert.Equal(t, StateDispatched, state)

	resp := message.NewResponse(req)
	require.NoError(t, f.handler.HandleResponse(context.Background(), resp, server))

	got := callerInbox.received()
	require.Len(t, got, 1)
	assert.Equal(t, req.ID(), got[0].ReqID())
	assert.Equal(t, 0, f.handler.PendingCount())

	// answering twice is a late response
	assert.Equal(t, codes.Canceled, status.Code(f.handler.HandleResponse(context.Background(), resp, server)))
	assert.Len(t, callerInbox.received(), 1)
}

func TestHandleRequest_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	caller, _ := f.register("/app.other")

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	assert.Equal(t, codes.Unauthenticated, status.Code(f.handler.HandleRequest(context.Background(), req, caller)))
}

func TestHandleRequest_Expired(t *testing.T) {
	f := newFixture(t)
	server, serverInbox := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	req := message.NewRequest(responseAddr, pingMethod, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	err := f.handler.HandleRequest(context.Background(), req, caller)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Empty(t, serverInbox.received())
	assert.Equal(t, 0, f.handler.PendingCount())
}

func TestHandleRequest_Duplicate(t *testing.T) {
	f := newFixture(t)
	server, serverInbox := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))
	assert.Equal(t, codes.Aborted, status.Code(f.handler.HandleRequest(context.Background(), req, caller)))

	assert.Len(t, serverInbox.received(), 1)
	assert.Equal(t, 1, f.handler.PendingCount())
}

func TestHandleRequest_NoServer(t *testing.T) {
	f := newFixture(t)
	caller, _ := f.register("/app.caller")

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	assert.Equal(t, codes.Unavailable, status.Code(f.handler.HandleRequest(context.Background(), req, caller)))
	assert.Equal(t, 0, f.handler.PendingCount())
}

func TestHandleRequest_ServerRegistersLater(t *testing.T) {
	f := newFixture(t)
	service, serviceInbox := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	state, ok := f.handler.RequestState(req.ID())
	require.True(t, ok)
	assert.Equal(t, StateCreated, state)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, f.handler.RegisterServer(pingMethod, service))

	assert.Eventually(t, func() bool { return len(serviceInbox.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, req.ID(), serviceInbox.received()[0].ID())
}

func TestHandleRequest_RepeatedServerRegistrationDeliversOnce(t *testing.T) {
	f := newFixture(t)
	service, serviceInbox := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	require.NoError(t, f.handler.RegisterServer(pingMethod, service))
	require.NoError(t, f.handler.RegisterServer(pingMethod, service))

	assert.Eventually(t, func() bool { return len(serviceInbox.received()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, serviceInbox.received(), 1)

	state, ok := f.handler.RequestState(req.ID())
	require.True(t, ok)
	assert.Equal(t, StateDispatched, state)
}

func TestHandleRequest_Timeout(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	caller, callerInbox := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	req := message.NewRequest(responseAddr, pingMethod, 50*time.Millisecond)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	assert.Eventually(t, func() bool { return len(callerInbox.received()) == 1 }, time.Second, 5*time.Millisecond)
	got := callerInbox.received()[0]
	assert.Equal(t, message.TypeResponse, got.Type())
	assert.Equal(t, codes.DeadlineExceeded, got.CommStatus())
	assert.Equal(t, req.ID(), got.ReqID())
	assert.Equal(t, 0, f.handler.PendingCount())

	late := message.NewResponse(req)
	assert.Equal(t, codes.Canceled, status.Code(f.handler.HandleResponse(context.Background(), late, server)))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, callerInbox.received(), 1)
}

func TestHandleRequest_RetryAfterFailedDelivery(t *testing.T) {
	f := newFixture(t)
	server, serverInbox := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))
	atomic.StoreInt32(&serverInbox.failures, 1)

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	state, _ := f.handler.RequestState(req.ID())
	assert.Equal(t, StatePendingRetry, state)
	assert.Empty(t, serverInbox.received())

	assert.Eventually(t, func() bool { return len(serverInbox.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		state, _ := f.handler.RequestState(req.ID())
		return state == StateDispatched
	}, time.Second, 5*time.Millisecond)
}

func TestHandleResponse_Validation(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	// only the method's entity may answer
	assert.Equal(t, codes.Unauthenticated, status.Code(f.handler.HandleResponse(context.Background(), message.NewResponse(req), caller)))

	otherMethod := uri.MustParse("/svc.ping/rpc.Other")
	forged := message.NewResponse(message.NewRequest(responseAddr, otherMethod, time.Second, message.WithID(req.ID())))
	assert.Equal(t, codes.InvalidArgument, status.Code(f.handler.HandleResponse(context.Background(), forged, server)))
	assert.Equal(t, 1, f.handler.PendingCount())
}

func TestOnClientUnregistered_ReleasesMethodsKeepsPending(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	caller, _ := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))
	require.NoError(t, f.handler.RegisterServer(uri.MustParse("/svc.ping/rpc.Echo"), server))

	req := message.NewRequest(responseAddr, pingMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	f.handler.OnClientUnregistered(server)

	assert.Empty(t, f.handler.GetMethods(server))
	assert.Empty(t, f.handler.Servers())
	assert.Equal(t, 1, f.handler.PendingCount())
}

func TestHandleRequest_RemoteMethod(t *testing.T) {
	f := newFixture(t)
	caller, _ := f.register("/app.caller")
	remoteMethod := uri.MustParse("//cloud/svc.weather/rpc.Forecast")

	req := message.NewRequest(responseAddr, remoteMethod, time.Second)
	assert.Equal(t, codes.Unavailable, status.Code(f.handler.HandleRequest(context.Background(), req, caller)))

	_, bridgeInbox := f.register("/core.ubus.remote")
	req = message.NewRequest(responseAddr, remoteMethod, time.Second)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))
	assert.Len(t, bridgeInbox.received(), 1)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	caller, callerInbox := f.register("/app.caller")
	require.NoError(t, f.handler.RegisterServer(pingMethod, server))

	req := message.NewRequest(responseAddr, pingMethod, 30*time.Millisecond)
	require.NoError(t, f.handler.HandleRequest(context.Background(), req, caller))

	f.handler.Clear()
	assert.Equal(t, 0, f.handler.PendingCount())
	assert.Empty(t, f.handler.Servers())

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, callerInbox.received())
}
