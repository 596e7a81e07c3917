package dispatcher

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/ubus-go/internal/client"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
	"github.com/rmacdonaldsmith/ubus-go/pkg/uri"
)

// SubscriptionListener returns the callbacks the subscription authority
// uses to keep the bus current.
func (d *Dispatcher) SubscriptionListener() ubus.SubscriptionListener {
	return ubus.SubscriptionListener{
		OnSubscriptionChanged: d.onSubscriptionChanged,
		OnTopicCreated:        d.onTopicCreated,
		OnTopicDeprecated:     d.onTopicDeprecated,
		OnReset:               d.subs.Clear,
	}
}

func (d *Dispatcher) onSubscriptionChanged(topic, subscriber uri.URI, state ubus.SubscriptionState) {
	ctx := context.Background()
	log := d.log.WithFields(logrus.Fields{
		"topic":      topic.String(),
		"subscriber": subscriber.String(),
		"state":      state.String(),
	})

	if state != ubus.StateSubscribed {
		if d.subs.RemoveSubscriber(ctx, topic, subscriber) {
			log.Debug("Subscriber removed")
		}
		return
	}
	if d.subs.AddSubscriber(ctx, topic, subscriber) {
		log.Debug("Subscriber added")
	}

	d.dispatchAsync(func(context.Context) {
		for _, c := range d.subscriberClients(topic, subscriber) {
			d.pushLastValue(topic, c)
		}
	})
}

// subscriberClients resolves a subscriber to the clients that receive for it.
func (d *Dispatcher) subscriberClients(topic, subscriber uri.URI) []*client.Client {
	if subscriber.IsRemote() {
		if bridge := d.clients.RemoteClient(); bridge != nil {
			return []*client.Client{bridge}
		}
		return nil
	}
	return d.linked.GetClientsFor(topic, subscriber)
}

func (d *Dispatcher) onTopicCreated(topic, publisher uri.URI) {
	if d.subs.AddTopic(topic, publisher) {
		d.log.WithFields(logrus.Fields{
			"topic":     topic.String(),
			"publisher": publisher.String(),
		}).Debug("Topic created")
	}
}

func (d *Dispatcher) onTopicDeprecated(topic uri.URI) {
	d.subs.RemoveTopic(topic)
	d.twin.RemoveMessage(topic)
	d.log.WithField("topic", topic.String()).Debug("Topic deprecated")
}
