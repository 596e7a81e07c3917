// Package ubus defines the contracts of the on-device message bus.
//
// This package holds the abstractions shared by the bus core, its transports
// and its collaborators:
//   - Bus: the operations a transport exposes to clients (register, send, pull,
//     enable/disable dispatching, diagnostics)
//   - Listener: how a registered client receives messages
//   - SubscriptionAuthority and SubscriptionListener: the external service that
//     owns subscription state and pushes changes to the bus
//   - IdentityProvider and ManifestResolver: who is calling, and which entities
//     a package may register as
//
// Operations return nil or a gRPC status error (google.golang.org/grpc/status)
// whose code follows the bus error model:
//
//	err := bus.Send(ctx, msg, token)
//	switch status.Code(err) {
//	case codes.OK:
//	case codes.NotFound:
//		// publish by a client that does not own the topic
//	case codes.DeadlineExceeded:
//		// ttl elapsed before the bus saw the message
//	}
//
// Example registration of a local client:
//
//	listener := ubus.ListenerFunc(func(msg *message.Message) error {
//		fmt.Println("received", msg.ID())
//		return nil
//	})
//	err := bus.RegisterClient(ctx, "com.example.app", uri.MustParse("/app.example"), token, listener)
package ubus
