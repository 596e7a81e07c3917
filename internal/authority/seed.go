package authority

import (
	"fmt"

	"github.com/rmacdonaldsmith/ubus-go/internal/config"
	"github.com/rmacdonaldsmith/ubus-go/pkg/ubus"
)

// Seed creates the configured topics and subscribes their subscribers.
func (m *Memory) Seed(topics []config.TopicConfig) error {
	for _, t := range topics {
		topic, publisher, subscribers, err := t.Parse()
		if err != nil {
			return err
		}
		if publisher.Entity != "" {
			if err := m.CreateTopic(topic, publisher); err != nil {
				return fmt.Errorf("failed to create %s: %w", topic, err)
			}
		}
		for _, s := range subscribers {
			if err := m.SetSubscription(topic, s, ubus.StateSubscribed); err != nil {
				return fmt.Errorf("failed to subscribe %s to %s: %w", s, topic, err)
			}
		}
	}
	return nil
}
