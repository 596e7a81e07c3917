// Package message provides the immutable envelope routed by the bus.
//
// A Message carries one of four types:
//   - PUBLISH: broadcast on a topic to every subscriber
//   - NOTIFICATION: sent on a topic to one explicit sink
//   - REQUEST: sent from a response address to a method
//   - RESPONSE: sent from a method back to the requester's response address
//
// Message ids are UUIDv7 values. The first 48 bits hold the unix millisecond
// creation time, which is what TTL expiry is computed from:
//
//	msg := message.NewPublish(topic, message.WithTTL(time.Second))
//	...
//	if msg.IsExpired() {
//		// drop it
//	}
//
// Messages never change after construction. Builders such as WithoutSink
// return modified copies.
package message
