// Package transport defines the contract between the client runtime and
// the wire-protocol driver. The connection layer and the messaging roles
// only ever talk to these interfaces; the concrete AMQP implementation
// lives in transports/amqp.
package transport

import "time"

// Adapter opens broker connections. Implementations wrap a wire-protocol
// library; fakes implement it directly in tests.
type Adapter interface {
	// Dial opens a connection to a single broker host.
	Dial(host Host) (Connection, error)
}

// Connection is one live broker connection.
type Connection interface {
	// Channel opens a new channel multiplexed over this connection.
	Channel() (Channel, error)

	// NotifyClose registers a liveness subscription. The returned channel
	// receives the close reason (nil for a graceful shutdown) exactly once
	// and is then closed.
	NotifyClose(receiver chan error) <-chan error

	// Close shuts the connection down gracefully.
	Close() error

	// Terminate tears the connection down without waiting for the graceful
	// handshake. Used when Close confirmation does not arrive in time.
	Terminate() error
}

// Channel is one logical channel on a broker connection. Channels fail
// independently of the connection that hosts them.
type Channel interface {
	// NotifyClose registers a liveness subscription, with the same
	// semantics as Connection.NotifyClose.
	NotifyClose(receiver chan error) <-chan error

	// Close closes the channel. Closing an already-closed channel is not
	// an error.
	Close() error

	ExchangeDeclare(spec ExchangeSpec) error
	QueueDeclare(spec QueueSpec) (name string, err error)
	QueueBind(spec BindSpec) error
	Qos(spec QosSpec) error

	// Publish transmits one message. Fire and forget; no confirmation is
	// awaited at this layer.
	Publish(exchange, routingKey string, msg Publishing) error

	// Consume starts a delivery stream from queue. The stream closes when
	// the channel dies or the consumer is cancelled.
	Consume(queue, consumerTag string, spec ConsumeSpec) (<-chan Delivery, error)
}

// Host holds the connection parameters for one broker.
type Host struct {
	Address  string `yaml:"address"`
	VHost    string `yaml:"vhost"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DialTimeout is set from the connection section of the file
	// configuration, not per host.
	DialTimeout time.Duration `yaml:"-"`
}

// ExchangeSpec declares one exchange.
type ExchangeSpec struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Durable    bool           `yaml:"durable"`
	AutoDelete bool           `yaml:"auto_delete"`
	Arguments  map[string]any `yaml:"arguments"`
}

// QueueSpec declares one queue. An empty Name asks the broker for a
// server-generated name.
type QueueSpec struct {
	Name       string         `yaml:"name"`
	Durable    bool           `yaml:"durable"`
	AutoDelete bool           `yaml:"auto_delete"`
	Exclusive  bool           `yaml:"exclusive"`
	Arguments  map[string]any `yaml:"arguments"`
}

// BindSpec binds a queue to an exchange.
type BindSpec struct {
	Queue      string         `yaml:"queue"`
	Exchange   string         `yaml:"exchange"`
	RoutingKey string         `yaml:"routing_key"`
	Arguments  map[string]any `yaml:"arguments"`
}

// QosSpec configures consumer prefetch.
type QosSpec struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Global        bool `yaml:"global"`
}

// ConsumeSpec configures a delivery stream.
type ConsumeSpec struct {
	AutoAck   bool           `yaml:"auto_ack"`
	Exclusive bool           `yaml:"exclusive"`
	Arguments map[string]any `yaml:"arguments"`
}

// Publishing is one outbound message in its final wire shape.
type Publishing struct {
	Body        []byte
	ContentType string
	Headers     map[string]any
	Persistent  bool
	Priority    uint8
	Expiration  string
}

// Delivery is one inbound message handed to a consumer role.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	ContentType() string
	Headers() map[string]any

	// Ack marks the delivery as processed.
	Ack() error

	// Nack rejects the delivery, optionally requeueing it.
	Nack(requeue bool) error
}
