package messaging

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/burrowmq/burrow/connection"
	"github.com/burrowmq/burrow/transport"
)

// ConsumerBehavior extends Behavior with delivery handling.
type ConsumerBehavior interface {
	Behavior

	// HandleMessage processes one delivery. The implementation owns
	// acknowledgement; a non-nil error stops the actor.
	HandleMessage(delivery transport.Delivery, given any) (any, error)
}

// BaseConsumerBehavior is the default consumer callback set: deliveries
// are acknowledged and otherwise ignored.
type BaseConsumerBehavior struct {
	BaseBehavior
}

// HandleMessage acknowledges the delivery and passes the state through.
func (BaseConsumerBehavior) HandleMessage(delivery transport.Delivery, given any) (any, error) {
	_ = delivery.Ack()
	return given, nil
}

// ConsumerConfig configures the Consumer role. The whole protocol
// context is re-declared on every channel (re)open.
type ConsumerConfig struct {
	// Queue to consume from. An empty name requests a server-generated
	// queue; the actual name is used for bindings and consuming.
	Queue transport.QueueSpec

	// Exchange, when named, is declared and the queue bound to it under
	// each of RoutingKeys.
	Exchange    transport.ExchangeSpec
	RoutingKeys []string

	// Qos is applied when PrefetchCount is set.
	Qos transport.QosSpec

	// Consume configures the delivery stream.
	Consume transport.ConsumeSpec
}

// Consumer is the actor framework specialized with queue context setup
// and a delivery stream dispatched through the actor mailbox. It is the
// structural peer of Publisher.
type Consumer struct {
	actor  *Actor
	config ConsumerConfig
	tag    string
	logger *slog.Logger
}

// StartConsumer starts a consumer over conn.
func StartConsumer(conn *connection.Connection, config ConsumerConfig, behavior ConsumerBehavior, args any, options ...ActorOption) (*Consumer, error) {
	c := &Consumer{
		config: config,
		tag:    "burrow-" + uuid.New().String(),
		logger: slog.Default(),
	}

	core := &consumerCore{user: behavior, consumer: c}

	actorOptions := append([]ActorOption{withSetup("consumer", c.setup)}, options...)
	actor := newActor(conn, core, actorOptions...)
	c.actor = actor
	c.logger = actor.logger

	if err := actor.start(args); err != nil {
		return nil, err
	}
	return c, nil
}

// setup declares the consumer's protocol context on a fresh channel and
// starts the delivery stream.
func (c *Consumer) setup(ch *connection.Channel) error {
	queue, err := ch.QueueDeclare(c.config.Queue)
	if err != nil {
		return err
	}

	if c.config.Exchange.Name != "" {
		if err := ch.ExchangeDeclare(c.config.Exchange); err != nil {
			return err
		}
		for _, key := range c.config.RoutingKeys {
			err := ch.QueueBind(transport.BindSpec{
				Queue:      queue,
				Exchange:   c.config.Exchange.Name,
				RoutingKey: key,
			})
			if err != nil {
				return err
			}
		}
	}

	if c.config.Qos.PrefetchCount > 0 {
		if err := ch.Qos(c.config.Qos); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(queue, c.tag, c.config.Consume)
	if err != nil {
		return err
	}

	// The stream closes with the channel; each (re)open starts a fresh
	// forwarder.
	go c.forward(deliveries)

	return nil
}

// forward feeds the delivery stream into the actor mailbox so handling
// shares the actor's strictly serial processing.
func (c *Consumer) forward(deliveries <-chan transport.Delivery) {
	for d := range deliveries {
		select {
		case c.actor.infos <- d:
		case <-c.actor.ctx.Done():
			return
		}
	}
}

// Tag returns the consumer tag announced to the broker.
func (c *Consumer) Tag() string {
	return c.tag
}

// Stop requests an orderly stop and waits for it.
func (c *Consumer) Stop() {
	c.actor.Stop()
}

// Done is closed when the consumer has terminated.
func (c *Consumer) Done() <-chan struct{} {
	return c.actor.Done()
}

// Err returns the stop reason once Done is closed.
func (c *Consumer) Err() error {
	return c.actor.Err()
}

// consumerCore routes deliveries to the user behavior and delegates
// everything else.
type consumerCore struct {
	user     ConsumerBehavior
	consumer *Consumer
}

func (c *consumerCore) Init(args any) (any, error) {
	return c.user.Init(args)
}

func (c *consumerCore) HandleConnected(given any) (any, error) {
	return c.user.HandleConnected(given)
}

func (c *consumerCore) HandleDisconnected(reason error, given any) any {
	return c.user.HandleDisconnected(reason, given)
}

func (c *consumerCore) HandleCall(msg any, given any) (any, any, error) {
	return c.user.HandleCall(msg, given)
}

func (c *consumerCore) HandleCast(msg any, given any) (any, error) {
	return c.user.HandleCast(msg, given)
}

func (c *consumerCore) HandleInfo(msg any, given any) (any, error) {
	if d, ok := msg.(transport.Delivery); ok {
		return c.user.HandleMessage(d, given)
	}
	return c.user.HandleInfo(msg, given)
}

func (c *consumerCore) Terminate(reason error, given any) {
	c.user.Terminate(reason, given)
}
