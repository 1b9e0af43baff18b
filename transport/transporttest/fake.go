// Package transporttest provides an in-memory implementation of the
// transport contract for exercising the connection runtime and the
// messaging roles without a broker.
package transporttest

import (
	"errors"
	"sync"

	"github.com/burrowmq/burrow/transport"
)

var (
	// ErrDialRefused is returned by Dial for hosts marked failing.
	ErrDialRefused = errors.New("transporttest: dial refused")

	// ErrChannelRefused is returned by Channel when refused.
	ErrChannelRefused = errors.New("transporttest: channel refused")

	// ErrClosed is returned by operations on dead handles.
	ErrClosed = errors.New("transporttest: closed")

	// ErrTerminated is the close reason delivered by Terminate.
	ErrTerminated = errors.New("transporttest: terminated")
)

// Adapter is a scriptable in-memory Adapter.
type Adapter struct {
	mu        sync.Mutex
	failing   map[string]bool
	dials     map[string]int
	conns     []*Conn
	hangClose bool
	hold      chan struct{}
}

// NewAdapter returns an adapter where every host dials successfully.
func NewAdapter() *Adapter {
	return &Adapter{
		failing: make(map[string]bool),
		dials:   make(map[string]int),
	}
}

// FailHost makes dials to address fail until RestoreHost.
func (a *Adapter) FailHost(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing[address] = true
}

// RestoreHost makes dials to address succeed again.
func (a *Adapter) RestoreHost(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failing, address)
}

// HangClose makes every future connection ignore graceful Close calls,
// so close confirmations only arrive through Terminate.
func (a *Adapter) HangClose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangClose = true
}

// HoldDials makes every Dial block until ReleaseDials.
func (a *Adapter) HoldDials() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hold == nil {
		a.hold = make(chan struct{})
	}
}

// ReleaseDials unblocks dials held by HoldDials.
func (a *Adapter) ReleaseDials() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hold != nil {
		close(a.hold)
		a.hold = nil
	}
}

// Dials reports how many times address was dialed.
func (a *Adapter) Dials(address string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials[address]
}

// LastConn returns the most recently dialed connection, or nil.
func (a *Adapter) LastConn() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

// Dial implements transport.Adapter.
func (a *Adapter) Dial(host transport.Host) (transport.Connection, error) {
	a.mu.Lock()
	a.dials[host.Address]++
	hold := a.hold
	a.mu.Unlock()

	if hold != nil {
		<-hold
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failing[host.Address] {
		return nil, ErrDialRefused
	}

	conn := &Conn{Host: host, hangClose: a.hangClose}
	a.conns = append(a.conns, conn)
	return conn, nil
}

// Conn is one fake broker connection.
type Conn struct {
	Host transport.Host

	mu         sync.Mutex
	closed     bool
	terminated bool
	hangClose  bool
	refuse     bool
	declareErr error
	notify     []chan error
	channels   []*Channel
}

// RefuseChannels makes Channel fail from now on.
func (c *Conn) RefuseChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = true
}

// AllowChannels makes Channel succeed again after RefuseChannels.
func (c *Conn) AllowChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = false
}

// FailDeclares makes declares fail on every channel opened from now on.
func (c *Conn) FailDeclares(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declareErr = err
}

// Terminated reports whether Terminate was called.
func (c *Conn) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Channels returns every channel opened on this connection.
func (c *Conn) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Channel implements transport.Connection.
func (c *Conn) Channel() (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.refuse {
		return nil, ErrChannelRefused
	}

	ch := &Channel{conn: c, declareErr: c.declareErr}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements transport.Connection.
func (c *Conn) NotifyClose(receiver chan error) <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		receiver <- nil
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements transport.Connection. With HangClose set the
// confirmation never arrives and callers must fall back to Terminate.
func (c *Conn) Close() error {
	c.mu.Lock()
	hang := c.hangClose
	c.mu.Unlock()

	if hang {
		return nil
	}
	c.Shutdown(nil)
	return nil
}

// Terminate implements transport.Connection.
func (c *Conn) Terminate() error {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()

	c.Shutdown(ErrTerminated)
	return nil
}

// Shutdown simulates the connection dying with the given reason (nil for
// a graceful shutdown). Every channel on it dies too, as a real driver
// would have it.
func (c *Conn) Shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Kill(reason)
	}
	for _, n := range notify {
		n <- reason
		close(n)
	}
}

// Channel is one fake broker channel.
type Channel struct {
	conn *Conn

	mu         sync.Mutex
	closed     bool
	notify     []chan error
	exchanges  []transport.ExchangeSpec
	queues     []transport.QueueSpec
	binds      []transport.BindSpec
	qos        []transport.QosSpec
	published  []Publication
	stream     chan transport.Delivery
	declareErr error
}

// Publication is one recorded Publish call.
type Publication struct {
	Exchange   string
	RoutingKey string
	Message    transport.Publishing
}

// FailDeclares makes every declare operation fail with err.
func (ch *Channel) FailDeclares(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.declareErr = err
}

// Exchanges returns the declared exchanges.
func (ch *Channel) Exchanges() []transport.ExchangeSpec {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]transport.ExchangeSpec, len(ch.exchanges))
	copy(out, ch.exchanges)
	return out
}

// Queues returns the declared queues.
func (ch *Channel) Queues() []transport.QueueSpec {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]transport.QueueSpec, len(ch.queues))
	copy(out, ch.queues)
	return out
}

// Binds returns the recorded bindings.
func (ch *Channel) Binds() []transport.BindSpec {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]transport.BindSpec, len(ch.binds))
	copy(out, ch.binds)
	return out
}

// QosSpecs returns the applied Qos settings.
func (ch *Channel) QosSpecs() []transport.QosSpec {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]transport.QosSpec, len(ch.qos))
	copy(out, ch.qos)
	return out
}

// Published returns the recorded publications.
func (ch *Channel) Published() []Publication {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]Publication, len(ch.published))
	copy(out, ch.published)
	return out
}

// Closed reports whether the channel is dead.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Kill simulates the channel dying with the given reason.
func (ch *Channel) Kill(reason error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	stream := ch.stream
	ch.stream = nil
	ch.mu.Unlock()

	if stream != nil {
		close(stream)
	}
	for _, n := range notify {
		n <- reason
		close(n)
	}
}

// Deliver pushes one delivery into the consume stream.
func (ch *Channel) Deliver(d transport.Delivery) {
	ch.mu.Lock()
	stream := ch.stream
	ch.mu.Unlock()

	if stream != nil {
		stream <- d
	}
}

// NotifyClose implements transport.Channel.
func (ch *Channel) NotifyClose(receiver chan error) <-chan error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		receiver <- nil
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close implements transport.Channel.
func (ch *Channel) Close() error {
	ch.Kill(nil)
	return nil
}

// ExchangeDeclare implements transport.Channel.
func (ch *Channel) ExchangeDeclare(spec transport.ExchangeSpec) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.declareErr != nil {
		return ch.declareErr
	}
	ch.exchanges = append(ch.exchanges, spec)
	return nil
}

// QueueDeclare implements transport.Channel.
func (ch *Channel) QueueDeclare(spec transport.QueueSpec) (string, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.declareErr != nil {
		return "", ch.declareErr
	}
	ch.queues = append(ch.queues, spec)
	if spec.Name == "" {
		return "amq.gen-test", nil
	}
	return spec.Name, nil
}

// QueueBind implements transport.Channel.
func (ch *Channel) QueueBind(spec transport.BindSpec) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.declareErr != nil {
		return ch.declareErr
	}
	ch.binds = append(ch.binds, spec)
	return nil
}

// Qos implements transport.Channel.
func (ch *Channel) Qos(spec transport.QosSpec) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = append(ch.qos, spec)
	return nil
}

// Publish implements transport.Channel.
func (ch *Channel) Publish(exchange, routingKey string, msg transport.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return ErrClosed
	}
	ch.published = append(ch.published, Publication{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Message:    msg,
	})
	return nil
}

// Consume implements transport.Channel.
func (ch *Channel) Consume(queue, consumerTag string, spec transport.ConsumeSpec) (<-chan transport.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, ErrClosed
	}
	ch.stream = make(chan transport.Delivery, 16)
	return ch.stream, nil
}

// Delivery is a recordable transport.Delivery.
type Delivery struct {
	Payload []byte
	Key     string
	Content string
	Header  map[string]any

	mu     sync.Mutex
	acked  bool
	nacked bool
}

// Acked reports whether Ack was called.
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Nacked reports whether Nack was called.
func (d *Delivery) Nacked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked
}

// Body implements transport.Delivery.
func (d *Delivery) Body() []byte { return d.Payload }

// RoutingKey implements transport.Delivery.
func (d *Delivery) RoutingKey() string { return d.Key }

// ContentType implements transport.Delivery.
func (d *Delivery) ContentType() string { return d.Content }

// Headers implements transport.Delivery.
func (d *Delivery) Headers() map[string]any { return d.Header }

// Ack implements transport.Delivery.
func (d *Delivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

// Nack implements transport.Delivery.
func (d *Delivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	return nil
}
