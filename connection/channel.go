package connection

import "github.com/burrowmq/burrow/transport"

// Channel is a thin, monitorable handle wrapping one broker channel plus
// the connection it was opened on. A Channel is valid only for as long as
// its owning connection keeps the broker connection it was opened under;
// it never reconnects itself. Exactly one owner is expected to drive
// traffic over it.
type Channel struct {
	id     string
	handle transport.Channel
	conn   *Connection
	down   chan error
}

// ID returns the registry identity of this channel.
func (c *Channel) ID() string {
	return c.id
}

// Connection returns the connection this channel was opened on.
func (c *Channel) Connection() *Connection {
	return c.conn
}

// Monitor returns a channel that receives the close reason (nil for a
// graceful shutdown) exactly once when the underlying broker channel
// terminates.
func (c *Channel) Monitor() <-chan error {
	return c.down
}

// Close closes the underlying channel. Best effort; closing an
// already-dead channel is not a failure at this layer.
func (c *Channel) Close() {
	_ = c.handle.Close()
}

// ExchangeDeclare declares an exchange on this channel.
func (c *Channel) ExchangeDeclare(spec transport.ExchangeSpec) error {
	return c.handle.ExchangeDeclare(spec)
}

// QueueDeclare declares a queue on this channel and returns its name,
// which may be server-generated.
func (c *Channel) QueueDeclare(spec transport.QueueSpec) (string, error) {
	return c.handle.QueueDeclare(spec)
}

// QueueBind binds a queue to an exchange on this channel.
func (c *Channel) QueueBind(spec transport.BindSpec) error {
	return c.handle.QueueBind(spec)
}

// Qos configures prefetch on this channel.
func (c *Channel) Qos(spec transport.QosSpec) error {
	return c.handle.Qos(spec)
}

// Publish transmits one message over this channel. Fire and forget.
func (c *Channel) Publish(exchange, routingKey string, msg transport.Publishing) error {
	return c.handle.Publish(exchange, routingKey, msg)
}

// Consume starts a delivery stream on this channel.
func (c *Channel) Consume(queue, consumerTag string, spec transport.ConsumeSpec) (<-chan transport.Delivery, error) {
	return c.handle.Consume(queue, consumerTag, spec)
}
