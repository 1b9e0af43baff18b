package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/burrowmq/burrow/connection"
	"github.com/burrowmq/burrow/transport"
)

// Action is a pipeline hook's verdict on an outbound message.
type Action int

const (
	// Proceed continues the pipeline with the (possibly rewritten)
	// message.
	Proceed Action = iota

	// Ignore silently drops the message; the actor keeps running.
	Ignore

	// Stop aborts the whole actor with the returned reason.
	Stop
)

// Message is one outbound publication moving through the pipeline. Hooks
// may rewrite any field in place.
type Message struct {
	Payload    any
	Body       []byte
	RoutingKey string
	Options    PublishOptions
}

// PublishOptions carries the wire options of one publication.
type PublishOptions struct {
	ContentType string
	Headers     map[string]any
	Persistent  bool
	Priority    uint8
	Expiration  string
}

// PublishOption configures one publication.
type PublishOption func(*PublishOptions)

// WithContentType sets the content type.
func WithContentType(contentType string) PublishOption {
	return func(o *PublishOptions) {
		o.ContentType = contentType
	}
}

// WithHeaders merges headers into the publication.
func WithHeaders(headers map[string]any) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]any)
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// WithPersistent marks the publication persistent.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) {
		o.Persistent = persistent
	}
}

// WithPriority sets the message priority.
func WithPriority(priority uint8) PublishOption {
	return func(o *PublishOptions) {
		o.Priority = priority
	}
}

// WithExpiration sets the per-message TTL, in milliseconds as the broker
// expects it.
func WithExpiration(expiration string) PublishOption {
	return func(o *PublishOptions) {
		o.Expiration = expiration
	}
}

// PublisherBehavior extends Behavior with the two outbound pipeline
// stages. BasePublisherBehavior provides pass-through defaults.
type PublisherBehavior interface {
	Behavior

	// BeforePublication runs first on every publication. It may rewrite
	// the message, drop it (Ignore), or abort the actor (Stop).
	BeforePublication(msg *Message, given any) (Action, any, error)

	// EncodeMessage converts msg.Payload into msg.Body, with the same
	// verdicts available as BeforePublication.
	EncodeMessage(msg *Message, given any) (Action, any, error)
}

// BasePublisherBehavior is the default publisher callback set: messages
// pass through untouched and are encoded as JSON.
type BasePublisherBehavior struct {
	BaseBehavior
}

// BeforePublication passes the message through unchanged.
func (BasePublisherBehavior) BeforePublication(msg *Message, given any) (Action, any, error) {
	return Proceed, given, nil
}

// EncodeMessage serializes the payload to JSON and attaches the content
// type, unless an earlier stage already produced a body.
func (BasePublisherBehavior) EncodeMessage(msg *Message, given any) (Action, any, error) {
	if msg.Body == nil {
		body, err := json.Marshal(msg.Payload)
		if err != nil {
			return Stop, given, fmt.Errorf("messaging: encode payload: %w", err)
		}
		msg.Body = body
	}
	if msg.Options.ContentType == "" {
		msg.Options.ContentType = "application/json"
	}
	return Proceed, given, nil
}

// PublisherConfig configures the Publisher role.
type PublisherConfig struct {
	// Exchange is declared on every channel (re)open. Leave the name
	// empty to publish through the broker's default exchange with no
	// declaration.
	Exchange transport.ExchangeSpec
}

// Publisher is the actor framework specialized with exchange context
// setup and the two-stage outbound pipeline. Publications are
// fire-and-forget and FIFO with respect to one publisher.
type Publisher struct {
	actor  *Actor
	config PublisherConfig
	logger *slog.Logger
}

// StartPublisher starts a publisher over conn. behavior supplies the
// pipeline hooks; args seed its given state.
func StartPublisher(conn *connection.Connection, config PublisherConfig, behavior PublisherBehavior, args any, options ...ActorOption) (*Publisher, error) {
	p := &Publisher{
		config: config,
		logger: slog.Default(),
	}

	core := &publisherCore{user: behavior, publisher: p}

	setup := func(ch *connection.Channel) error {
		if config.Exchange.Name == "" {
			return nil
		}
		return ch.ExchangeDeclare(config.Exchange)
	}

	actorOptions := append([]ActorOption{withSetup("publisher", setup)}, options...)
	actor := newActor(conn, core, actorOptions...)
	p.actor = actor
	p.logger = actor.logger

	if err := actor.start(args); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish submits one publication. Asynchronous: the message is handed
// to the publisher's mailbox and the call returns; no delivery
// confirmation is awaited anywhere in this layer.
func (p *Publisher) Publish(payload any, routingKey string, options ...PublishOption) error {
	msg := &Message{Payload: payload, RoutingKey: routingKey}
	for _, opt := range options {
		opt(&msg.Options)
	}
	return p.actor.Cast(msg)
}

// PublishSync submits one publication and waits until the pipeline has
// run and the message left over the channel, bounded by ctx. Still no
// broker confirmation; the wait covers transmission, not delivery. An
// ignored message waits the same way and returns nil.
func (p *Publisher) PublishSync(ctx context.Context, payload any, routingKey string, options ...PublishOption) error {
	msg := &Message{Payload: payload, RoutingKey: routingKey}
	for _, opt := range options {
		opt(&msg.Options)
	}

	reply, err := p.actor.Call(ctx, msg)
	if err != nil {
		return err
	}
	if transmitErr, ok := reply.(error); ok {
		return transmitErr
	}
	return nil
}

// Stop requests an orderly stop and waits for it.
func (p *Publisher) Stop() {
	p.actor.Stop()
}

// Done is closed when the publisher has terminated.
func (p *Publisher) Done() <-chan struct{} {
	return p.actor.Done()
}

// Err returns the stop reason once Done is closed.
func (p *Publisher) Err() error {
	return p.actor.Err()
}

// publisherCore intercepts publication casts and calls and delegates
// everything else to the user behavior.
type publisherCore struct {
	user      PublisherBehavior
	publisher *Publisher
}

func (c *publisherCore) Init(args any) (any, error) {
	return c.user.Init(args)
}

func (c *publisherCore) HandleConnected(given any) (any, error) {
	return c.user.HandleConnected(given)
}

func (c *publisherCore) HandleDisconnected(reason error, given any) any {
	return c.user.HandleDisconnected(reason, given)
}

func (c *publisherCore) HandleCall(msg any, given any) (any, any, error) {
	if m, ok := msg.(*Message); ok {
		transmitErr, given, stop := c.process(m, given)
		var reply any
		if transmitErr != nil {
			reply = transmitErr
		}
		return reply, given, stop
	}
	return c.user.HandleCall(msg, given)
}

func (c *publisherCore) HandleCast(msg any, given any) (any, error) {
	if m, ok := msg.(*Message); ok {
		transmitErr, given, stop := c.process(m, given)
		if transmitErr != nil {
			// Fire and forget: a transmission failure is logged, and a
			// dead channel surfaces through the monitor anyway.
			c.publisher.logger.Warn("publish failed",
				"exchange", c.publisher.config.Exchange.Name,
				"routingKey", m.RoutingKey,
				"error", transmitErr)
		}
		return given, stop
	}
	return c.user.HandleCast(msg, given)
}

func (c *publisherCore) HandleInfo(msg any, given any) (any, error) {
	return c.user.HandleInfo(msg, given)
}

func (c *publisherCore) Terminate(reason error, given any) {
	c.user.Terminate(reason, given)
}

// process runs the outbound pipeline for one message: the preparation
// hook, the encoding hook, then transmission over the current channel.
// Returns the transmission error (nil when the message was ignored or
// sent), the new given state, and a stop reason for the actor.
func (c *publisherCore) process(msg *Message, given any) (error, any, error) {
	action, given, err := c.user.BeforePublication(msg, given)
	switch action {
	case Ignore:
		return nil, given, nil
	case Stop:
		return nil, given, stopReason(err)
	}

	action, given, err = c.user.EncodeMessage(msg, given)
	switch action {
	case Ignore:
		return nil, given, nil
	case Stop:
		return nil, given, stopReason(err)
	}

	ch := c.publisher.actor.current()
	err = ch.Publish(c.publisher.config.Exchange.Name, msg.RoutingKey, transport.Publishing{
		Body:        msg.Body,
		ContentType: msg.Options.ContentType,
		Headers:     msg.Options.Headers,
		Persistent:  msg.Options.Persistent,
		Priority:    msg.Options.Priority,
		Expiration:  msg.Options.Expiration,
	})

	return err, given, nil
}

func stopReason(err error) error {
	if err == nil {
		return errStopRequested
	}
	return err
}
