// Package amqp implements the transport contract on top of the
// rabbitmq/amqp091-go driver.
package amqp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/burrowmq/burrow/transport"
)

const defaultPort = 5672

// Adapter dials RabbitMQ brokers. The zero value is ready to use.
type Adapter struct{}

// New returns an Adapter.
func New() *Adapter {
	return &Adapter{}
}

// Dial opens a connection to one broker host.
func (a *Adapter) Dial(host transport.Host) (transport.Connection, error) {
	uri, err := buildURI(host)
	if err != nil {
		return nil, err
	}

	cfg := amqp.Config{
		Vhost:     uri.Vhost,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	}
	if host.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(host.DialTimeout)
	}

	conn, err := amqp.DialConfig(uri.String(), cfg)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial %s: %w", host.Address, err)
	}

	return &connection{conn: conn}, nil
}

func buildURI(host transport.Host) (amqp.URI, error) {
	addr, portStr, err := net.SplitHostPort(host.Address)
	if err != nil {
		// Bare hostname without a port.
		addr, portStr = host.Address, strconv.Itoa(defaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return amqp.URI{}, fmt.Errorf("amqp: invalid port in address %q: %w", host.Address, err)
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     addr,
		Port:     port,
		Username: host.Username,
		Password: host.Password,
		Vhost:    host.VHost,
	}
	if uri.Username == "" {
		uri.Username = "guest"
		uri.Password = "guest"
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri, nil
}

type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (transport.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	return &channel{ch: ch}, nil
}

func (c *connection) NotifyClose(receiver chan error) <-chan error {
	go forwardClose(c.conn.NotifyClose(make(chan *amqp.Error, 1)), receiver)
	return receiver
}

func (c *connection) Close() error {
	return c.conn.Close()
}

func (c *connection) Terminate() error {
	return c.conn.CloseDeadline(time.Now())
}

type channel struct {
	ch *amqp.Channel
}

func (c *channel) NotifyClose(receiver chan error) <-chan error {
	go forwardClose(c.ch.NotifyClose(make(chan *amqp.Error, 1)), receiver)
	return receiver
}

// forwardClose translates the driver's close notification into the
// transport contract: one error (nil on graceful shutdown), then close.
func forwardClose(src chan *amqp.Error, dst chan error) {
	reason, ok := <-src
	if !ok || reason == nil {
		dst <- nil
	} else {
		dst <- reason
	}
	close(dst)
}

func (c *channel) Close() error {
	err := c.ch.Close()
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

func (c *channel) ExchangeDeclare(spec transport.ExchangeSpec) error {
	return c.ch.ExchangeDeclare(
		spec.Name,
		spec.Type,
		spec.Durable,
		spec.AutoDelete,
		false, // internal
		false, // no-wait
		amqp.Table(spec.Arguments),
	)
}

func (c *channel) QueueDeclare(spec transport.QueueSpec) (string, error) {
	q, err := c.ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		spec.AutoDelete,
		spec.Exclusive,
		false, // no-wait
		amqp.Table(spec.Arguments),
	)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *channel) QueueBind(spec transport.BindSpec) error {
	return c.ch.QueueBind(
		spec.Queue,
		spec.RoutingKey,
		spec.Exchange,
		false, // no-wait
		amqp.Table(spec.Arguments),
	)
}

func (c *channel) Qos(spec transport.QosSpec) error {
	return c.ch.Qos(spec.PrefetchCount, 0, spec.Global)
}

func (c *channel) Publish(exchange, routingKey string, msg transport.Publishing) error {
	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	return c.ch.PublishWithContext(context.Background(),
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			Body:         msg.Body,
			ContentType:  msg.ContentType,
			Headers:      amqp.Table(msg.Headers),
			DeliveryMode: deliveryMode,
			Priority:     msg.Priority,
			Expiration:   msg.Expiration,
		},
	)
}

func (c *channel) Consume(queue, consumerTag string, spec transport.ConsumeSpec) (<-chan transport.Delivery, error) {
	src, err := c.ch.Consume(
		queue,
		consumerTag,
		spec.AutoAck,
		spec.Exclusive,
		false, // no-local
		false, // no-wait
		amqp.Table(spec.Arguments),
	)
	if err != nil {
		return nil, err
	}

	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for d := range src {
			out <- &delivery{d: d}
		}
	}()
	return out, nil
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte            { return d.d.Body }
func (d *delivery) RoutingKey() string      { return d.d.RoutingKey }
func (d *delivery) ContentType() string     { return d.d.ContentType }
func (d *delivery) Headers() map[string]any { return d.d.Headers }
func (d *delivery) Ack() error              { return d.d.Ack(false) }
func (d *delivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
