// Package messaging provides the actor framework and the channel-owning
// roles built on it.
//
// An Actor owns exactly one channel against one supervised connection and
// processes its mailbox strictly serially:
//   - Behavior: the callback contract (Init, HandleConnected,
//     HandleDisconnected, HandleCall, HandleCast, HandleInfo, Terminate)
//   - BaseBehavior: embeddable defaults; roles override selectively
//   - Publisher: exchange setup plus a two-stage outbound pipeline
//     (BeforePublication, EncodeMessage) with fire-and-forget transmission
//   - Consumer: queue context setup plus a delivery stream dispatched
//     through the mailbox into HandleMessage
//
// Channel loss is survived: the actor clears its context, reports
// HandleDisconnected, and re-requests a channel when the connection comes
// back, at the connection's own retry cadence. Failures during the
// initial start sequence stop the actor instead.
//
// Example usage:
//
//	pub, err := messaging.StartPublisher(conn, messaging.PublisherConfig{
//		Exchange: transport.ExchangeSpec{Name: "events", Type: "topic", Durable: true},
//	}, messaging.BasePublisherBehavior{}, nil)
//	if err != nil {
//		return err
//	}
//	defer pub.Stop()
//
//	err = pub.Publish(OrderCreated{ID: "123"}, "order.created")
package messaging
