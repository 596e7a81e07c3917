package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/ubus-go/internal/authority"
	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/internal/metrics"
	"github.com/rmacdonaldsmith/ubus-go/internal/routingtable"
	"github.com/rmacdonaldsmith/ubus-go/internal/subscription"
	"github.com/rmacdonaldsmith/ubus-go/internal/twin"
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

func (i *inbox) count() int { return len(i.received()) }

type fixture struct {
	t          *testing.T
	clients    *client.Manager
	authority  *authority.Memory
	subs       *subscription.Cache
	twin       *twin.Store
	linked     *routingtable.LinkedClients
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
	n          int
}

func newFixture(t *testing.T) *fixture {
	clients := client.NewManager(client.Config{
		RemoteEntity: "core.ubus.remote",
		Self:         ubus.SelfIdentity("core.ubus"),
	})
	auth := authority.NewMemory(nil)
	subs := subscription.New(auth, nil)
	store := twin.NewStore()
	linked := routingtable.New()
	m := metrics.NewUnregistered()

	pool := worker.NewPool(2, 64, worker.RunTask)
	require.NoError(t, pool.Start(context.Background()))
	scheduler := worker.NewScheduler()
	t.Cleanup(func() {
		_ = pool.Stop(time.Second)
		_ = scheduler.Stop(time.Second)
	})

	d := New(Config{
		Clients:            clients,
		Linked:             linked,
		Subscriptions:      subs,
		Twin:               store,
		Pool:               pool,
		Scheduler:          scheduler,
		SubscriptionEntity: "core.usubscription",
		Metrics:            m,
	})
	auth.AddListener(d.SubscriptionListener())

	return &fixture{
		t:          t,
		clients:    clients,
		authority:  auth,
		subs:       subs,
		twin:       store,
		linked:     linked,
		metrics:    m,
		dispatcher: d,
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
	doorTopic = uri.MustParse("/car.body/door.front")
	body      = uri.MustParse("/car.body")
	alice     = uri.MustParse("/app.alice")
)

func (f *fixture) publisherAndSubscriber() (pub *client.Client, sub *client.Client, subInbox *inbox) {
	f.t.Helper()
	pub, _ = f.register("/car.body")
	sub, subInbox = f.register("/app.alice")
	require.NoError(f.t, f.authority.CreateTopic(doorTopic, body))
	require.NoError(f.t, f.authority.SetSubscription(doorTopic, alice, ubus.StateSubscribed))
	require.NoError(f.t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, sub))
	return pub, sub, subInbox
}

func TestDispatchFrom_PublishBroadcast(t *testing.T) {
	f := newFixture(t)
	pub, _, subInbox := f.publisherAndSubscriber()

	msg := message.NewPublish(doorTopic, message.WithPayload("text/plain", []byte("open")))
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, pub))

	assert.Eventually(t, func() bool { return subInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, msg.ID(), subInbox.received()[0].ID())
	assert.Same(t, msg, f.twin.GetMessage(doorTopic))

	// same id again is not new and is not broadcast again
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, pub))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, subInbox.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDelivered))
}

func TestDispatchFrom_PublishRequiresPublisher(t *testing.T) {
	f := newFixture(t)
	_, sub, subInbox := f.publisherAndSubscriber()
	other, _ := f.register("/app.mallory")
	topic := uri.MustParse("/app.mallory/door.front")

	err := f.dispatcher.DispatchFrom(context.Background(), message.NewPublish(topic), other)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Nil(t, f.twin.GetMessage(topic))

	// an explicit sink bypasses the publisher check
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), topic, 0, sub))
	directed := message.NewPublish(topic, message.WithSink(sub.URI()))
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), directed, other))
	assert.Eventually(t, func() bool { return subInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, directed.ID(), subInbox.received()[0].ID())
	assert.Equal(t, message.TypePublish, subInbox.received()[0].Type())
	assert.Nil(t, f.twin.GetMessage(topic))

	notification := message.NewNotification(topic, sub.URI())
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), notification, other))
	assert.Eventually(t, func() bool { return subInbox.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatchFrom_AuthorityCheck(t *testing.T) {
	f := newFixture(t)
	_, sub, _ := f.publisherAndSubscriber()

	err := f.dispatcher.DispatchFrom(context.Background(), message.NewPublish(doorTopic), sub)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestDispatchFrom_Expired(t *testing.T) {
	f := newFixture(t)
	pub, _, subInbox := f.publisherAndSubscriber()

	msg := message.NewPublish(doorTopic, message.WithTTL(5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, codes.DeadlineExceeded, status.Code(f.dispatcher.DispatchFrom(context.Background(), msg, pub)))
	assert.Equal(t, 0, f.twin.Size())
	assert.Equal(t, 0, subInbox.count())
}

func TestDispatchFrom_InvalidAndUnsupported(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")

	assert.Equal(t, codes.InvalidArgument, status.Code(f.dispatcher.DispatchFrom(context.Background(), nil, pub)))

	notification := message.NewNotification(doorTopic, uri.URI{})
	assert.Equal(t, codes.InvalidArgument, status.Code(f.dispatcher.DispatchFrom(context.Background(), notification, pub)))

	var unspecified message.Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"UNSPECIFIED","source":"/car.body/door.front"}`), &unspecified))
	assert.Equal(t, codes.Unimplemented, status.Code(f.dispatcher.DispatchFrom(context.Background(), &unspecified, pub)))
}

func TestDispatchFrom_NotificationToSink(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")
	target, targetInbox := f.register("/app.alice")
	bystander, bystanderInbox := f.register("/app.bob")
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, target))
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, bystander))

	msg := message.NewNotification(doorTopic, alice)
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, pub))

	assert.Eventually(t, func() bool { return targetInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, bystanderInbox.count())
	assert.Nil(t, f.twin.GetMessage(doorTopic))
}

func TestDispatchFrom_UnlinkedOrUnsubscribedGetsNothing(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")
	_, subscribedInbox := f.register("/app.alice")
	linked, linkedInbox := f.register("/app.bob")
	require.NoError(t, f.authority.CreateTopic(doorTopic, body))
	require.NoError(t, f.authority.SetSubscription(doorTopic, alice, ubus.StateSubscribed))
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, linked))

	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), message.NewPublish(doorTopic), pub))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, subscribedInbox.count())
	assert.Equal(t, 0, linkedInbox.count())
	assert.Equal(t, 1, f.twin.Size())
}

func TestDispatchFrom_RemoteSubscriberViaBridge(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")
	_, bridgeInbox := f.register("/core.ubus.remote")
	require.NoError(t, f.authority.CreateTopic(doorTopic, body))
	require.NoError(t, f.authority.SetSubscription(doorTopic, uri.MustParse("//cloud/app.fleet"), ubus.StateSubscribed))
	require.NoError(t, f.authority.SetSubscription(doorTopic, uri.MustParse("//cloud/app.audit"), ubus.StateSubscribed))

	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), message.NewPublish(doorTopic), pub))
	assert.Eventually(t, func() bool { return bridgeInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, bridgeInbox.count())
}

func TestDispatchFrom_BroadcastReentry(t *testing.T) {
	f := newFixture(t)
	bridge, bridgeInbox := f.register("/core.ubus.remote")
	sub, subInbox := f.register("/app.alice")
	remoteTopic := uri.MustParse("//cloud/app.fleet/position")
	require.NoError(t, f.authority.SetSubscription(remoteTopic, alice, ubus.StateSubscribed))
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), remoteTopic, 0, sub))

	msg := message.NewNotification(remoteTopic, uri.MustParse("/core.usubscription"))
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, bridge))

	assert.Eventually(t, func() bool { return subInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, subInbox.received()[0].Sink().IsEmpty())
	assert.NotNil(t, f.twin.GetMessage(remoteTopic))
	assert.Equal(t, 0, bridgeInbox.count())
}

func TestDispatchTo_RetriesOnce(t *testing.T) {
	f := newFixture(t)
	c, in := f.register("/app.alice")
	msg := message.NewPublish(doorTopic)

	atomic.StoreInt32(&in.failures, 1)
	start := time.Now()
	require.NoError(t, f.dispatcher.dispatchTo(c, msg))
	assert.GreaterOrEqual(t, time.Since(start), DefaultDeliveryRetryDelay)
	assert.Equal(t, 1, in.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryRetries))

	atomic.StoreInt32(&in.failures, 2)
	assert.Error(t, f.dispatcher.dispatchTo(c, msg))
	assert.Equal(t, 1, in.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryFailures))

	require.NoError(t, f.clients.UnregisterClient(context.Background(), c.Token()))
	assert.ErrorIs(t, f.dispatcher.dispatchTo(c, msg), client.ErrReleased)
}

func TestEnableDispatching_AutoFetch(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")
	sub, subInbox := f.register("/app.alice")
	require.NoError(t, f.authority.CreateTopic(doorTopic, body))
	require.NoError(t, f.authority.SetSubscription(doorTopic, alice, ubus.StateSubscribed))

	msg := message.NewPublish(doorTopic)
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, pub))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, subInbox.count())

	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, ubus.FlagSuppressAutoFetch, sub))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, subInbox.count())

	require.NoError(t, f.dispatcher.DisableDispatching(context.Background(), doorTopic, 0, sub))
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, sub))
	assert.Eventually(t, func() bool { return subInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, msg.ID(), subInbox.received()[0].ID())
}

func TestEnableDispatching_Methods(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	other, _ := f.register("/svc.ping")
	method := uri.MustParse("/svc.ping/rpc.Ping")

	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), method, 0, server))
	assert.Equal(t, codes.AlreadyExists, status.Code(f.dispatcher.EnableDispatching(context.Background(), method, 0, other)))
	assert.Equal(t, codes.NotFound, status.Code(f.dispatcher.DisableDispatching(context.Background(), method, 0, other)))
	require.NoError(t, f.dispatcher.DisableDispatching(context.Background(), method, 0, server))

	assert.Equal(t, codes.InvalidArgument, status.Code(f.dispatcher.EnableDispatching(context.Background(), uri.MustParse("/svc.ping"), 0, server)))
}

func TestDispatchFrom_RequestResponse(t *testing.T) {
	f := newFixture(t)
	server, serverInbox := f.register("/svc.ping")
	caller, callerInbox := f.register("/app.alice")
	method := uri.MustParse("/svc.ping/rpc.Ping")
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), method, 0, server))

	req := message.NewRequest(uri.MustParse("/app.alice/rpc.response"), method, time.Second)
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), req, caller))
	require.Equal(t, 1, serverInbox.count())

	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), message.NewResponse(serverInbox.received()[0]), server))
	require.Equal(t, 1, callerInbox.count())
	assert.Equal(t, req.ID(), callerInbox.received()[0].ReqID())
	assert.Equal(t, 0, f.dispatcher.RPC().PendingCount())
}

func TestPull(t *testing.T) {
	f := newFixture(t)
	pub, sub, _ := f.publisherAndSubscriber()
	stranger, _ := f.register("/app.bob")

	got, err := f.dispatcher.Pull(context.Background(), doorTopic, 1, sub)
	require.NoError(t, err)
	assert.Empty(t, got)

	msg := message.NewPublish(doorTopic)
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, pub))

	got, err = f.dispatcher.Pull(context.Background(), doorTopic, 5, sub)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID(), got[0].ID())

	got, err = f.dispatcher.Pull(context.Background(), doorTopic, 1, stranger)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = f.dispatcher.Pull(context.Background(), doorTopic, 0, sub)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubscriptionChanged_PushesLastValue(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")
	sub, subInbox := f.register("/app.alice")
	require.NoError(t, f.authority.CreateTopic(doorTopic, body))
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, sub))

	msg := message.NewPublish(doorTopic)
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), msg, pub))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, subInbox.count())

	require.NoError(t, f.authority.SetSubscription(doorTopic, alice, ubus.StateSubscribed))
	assert.Eventually(t, func() bool { return subInbox.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.subs.IsTopicSubscribed(context.Background(), doorTopic, alice))

	require.NoError(t, f.authority.SetSubscription(doorTopic, alice, ubus.StateUnsubscribePending))
	assert.False(t, f.subs.IsTopicSubscribed(context.Background(), doorTopic, alice))
}

func TestTopicDeprecated_ClearsCaches(t *testing.T) {
	f := newFixture(t)
	pub, _, _ := f.publisherAndSubscriber()
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), message.NewPublish(doorTopic), pub))
	require.NotNil(t, f.twin.GetMessage(doorTopic))

	require.NoError(t, f.authority.DeprecateTopic(doorTopic))

	assert.Nil(t, f.twin.GetMessage(doorTopic))
	assert.Empty(t, f.subs.GetSubscribers(context.Background(), doorTopic))
	assert.False(t, f.dispatcher.IsTopicCreated(context.Background(), doorTopic, body))
}

func TestTopicCreated_And_Reset(t *testing.T) {
	f := newFixture(t)
	pub, _ := f.register("/car.body")

	assert.False(t, f.dispatcher.IsTopicCreated(context.Background(), doorTopic, body))
	require.NoError(t, f.authority.CreateTopic(doorTopic, body))
	assert.True(t, f.dispatcher.IsTopicCreated(context.Background(), doorTopic, pub.URI()))

	f.authority.Reset()
	assert.Empty(t, f.subs.Publishers())
}

func TestClientUnregistered_CleansUp(t *testing.T) {
	f := newFixture(t)
	server, _ := f.register("/svc.ping")
	method := uri.MustParse("/svc.ping/rpc.Ping")
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), method, 0, server))
	require.NoError(t, f.dispatcher.EnableDispatching(context.Background(), doorTopic, 0, server))

	require.NoError(t, f.clients.UnregisterClient(context.Background(), server.Token()))

	assert.Empty(t, f.linked.GetTopics(server))
	assert.Empty(t, f.dispatcher.RPC().GetMethods(server))
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	pub, _, _ := f.publisherAndSubscriber()
	require.NoError(t, f.dispatcher.DispatchFrom(context.Background(), message.NewPublish(doorTopic), pub))

	f.dispatcher.Clear()
	assert.Equal(t, 0, f.twin.Size())
	assert.Empty(t, f.linked.Snapshot())
	assert.Empty(t, f.subs.Publishers())
}
