// Package connection implements the resilient connection runtime: a
// supervised process owning at most one live broker connection, a
// reconnect state machine with host failover, and a multi-keyed registry
// of the channels opened on the current connection.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burrowmq/burrow/internal/multikeymap"
	"github.com/burrowmq/burrow/transport"
)

// DefaultReconnectDelay is the pause between two full failed host sweeps.
const DefaultReconnectDelay = 1000 * time.Millisecond

// StateListener receives connection lifecycle notifications. Callbacks
// run on their own goroutines and must not block on connection calls.
type StateListener interface {
	OnConnected(host transport.Host)
	OnDisconnected(reason error)
}

// Connection supervises one broker connection. All state lives in a
// single goroutine processing one request or liveness event at a time;
// the exported methods are request/response exchanges with that
// goroutine.
type Connection struct {
	adapter transport.Adapter
	hosts   []transport.Host
	delay   time.Duration
	logger  *slog.Logger

	requests chan any
	events   chan event
	done     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithReconnectDelay sets the pause between failed host sweeps.
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *Connection) {
		c.delay = delay
	}
}

// Start launches a connection process over the given hosts, tried in
// order on every sweep. The process begins connecting immediately and
// retries forever; it has no terminal state short of Stop.
func Start(adapter transport.Adapter, hosts []transport.Host, options ...Option) (*Connection, error) {
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}

	c := &Connection{
		adapter:  adapter,
		hosts:    hosts,
		delay:    DefaultReconnectDelay,
		logger:   slog.Default(),
		requests: make(chan any),
		events:   make(chan event, 16),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	go c.run()

	return c, nil
}

// OpenChannel opens a channel on the current broker connection and
// registers it for cleanup against both the caller and the channel
// itself. ctx is the caller's lifetime: when it ends, the channel is
// released and its registry record removed. Fails immediately with
// ErrClosed while no broker connection is live; there is no queueing.
func (c *Connection) OpenChannel(ctx context.Context) (*Channel, error) {
	req := openChannelRequest{owner: ctx, reply: make(chan openChannelReply, 1)}

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r.channel, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

// Get returns the live broker connection handle, or ErrClosed. Read
// only; no side effects.
func (c *Connection) Get(ctx context.Context) (transport.Connection, error) {
	req := getRequest{reply: make(chan getReply, 1)}

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r.handle, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

// Close shuts the current broker connection down: a graceful close,
// waited on for timeout, then a forced termination waited on without
// bound. The connection process then re-enters connecting; there is no
// permanently closed state. Closing while disconnected is a no-op.
func (c *Connection) Close(timeout time.Duration) error {
	req := closeRequest{timeout: timeout, reply: make(chan error, 1)}

	select {
	case c.requests <- req:
	case <-c.done:
		return ErrStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// Stop terminates the connection process. The current broker connection,
// if any, is torn down best effort.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	<-c.finished
}

// ReconnectDelay returns the pause between failed host sweeps. Channel
// owners retrying their own opens reuse it as their cadence.
func (c *Connection) ReconnectDelay() time.Duration {
	return c.delay
}

// AddStateListener subscribes to lifecycle notifications.
func (c *Connection) AddStateListener(l StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveStateListener unsubscribes a listener added earlier.
func (c *Connection) RemoveStateListener(l StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

// requests

type openChannelRequest struct {
	owner context.Context
	reply chan openChannelReply
}

type openChannelReply struct {
	channel *Channel
	err     error
}

type getRequest struct {
	reply chan getReply
}

type getReply struct {
	handle transport.Connection
	err    error
}

type closeRequest struct {
	timeout time.Duration
	reply   chan error
}

// events

type eventKind int

const (
	eventConnectionDown eventKind = iota
	eventMonitorFired
)

type event struct {
	kind eventKind

	// eventConnectionDown
	epoch  uint64
	reason error

	// eventMonitorFired
	key         string
	channelDied bool
}

// record is one registry entry: the channel plus a release signal that
// stops its watcher goroutines.
type record struct {
	channel  *Channel
	released chan struct{}
}

// connState is the single-goroutine state of one connected period.
type connState struct {
	handle   transport.Connection
	host     transport.Host
	epoch    uint64
	registry *multikeymap.Map[string, record]
}

func (c *Connection) run() {
	defer close(c.finished)

	var epoch uint64

	for {
		st, ok := c.connect(epoch + 1)
		if !ok {
			return
		}
		epoch = st.epoch

		if !c.connected(st) {
			return
		}
	}
}

// connect sweeps the host list in order until one dial succeeds,
// sleeping for the reconnect delay after each full failed sweep.
// Requests arriving while disconnected, including while a dial is in
// flight, are answered with ErrClosed; they are never queued. Returns
// false when the process is stopping.
func (c *Connection) connect(epoch uint64) (*connState, bool) {
	for {
		for _, host := range c.hosts {
			handle, ok := c.dial(host)
			if !ok {
				return nil, false
			}
			if handle == nil {
				continue
			}

			st := &connState{
				handle:   handle,
				host:     host,
				epoch:    epoch,
				registry: multikeymap.New[string, record](),
			}
			c.watchConnection(handle, epoch)

			c.logger.Info("connected to broker", "address", host.Address)
			c.notifyConnected(host)

			return st, true
		}

		c.logger.Warn("all hosts failed, backing off",
			"hosts", len(c.hosts),
			"delay", c.delay)

		if !c.backoff() {
			return nil, false
		}
	}
}

type dialResult struct {
	handle transport.Connection
	err    error
}

// dial runs one dial attempt off the state goroutine so the mailbox
// stays serviced while the wire handshake is in flight. Returns a nil
// handle on dial failure and ok=false when the process is stopping.
func (c *Connection) dial(host transport.Host) (transport.Connection, bool) {
	result := make(chan dialResult, 1)
	go func() {
		handle, err := c.adapter.Dial(host)
		result <- dialResult{handle: handle, err: err}
	}()

	for {
		select {
		case r := <-result:
			if r.err != nil {
				c.logger.Warn("broker dial failed",
					"address", host.Address,
					"error", r.err)
				return nil, true
			}
			return r.handle, true

		case req := <-c.requests:
			c.replyClosed(req)

		case <-c.events:
			// stale; nothing tracked while disconnected

		case <-c.done:
			// A dial still in flight may yet succeed; release its handle.
			go func() {
				if r := <-result; r.err == nil {
					_ = r.handle.Terminate()
				}
			}()
			return nil, false
		}
	}
}

// backoff sleeps for the reconnect delay while keeping the mailbox
// serviced: requests fail fast with ErrClosed, stale events are dropped.
func (c *Connection) backoff() bool {
	timer := time.NewTimer(c.delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case req := <-c.requests:
			c.replyClosed(req)
		case <-c.events:
			// stale; nothing tracked while disconnected
		case <-c.done:
			return false
		}
	}
}

// replyClosed answers a request received while no broker connection is
// live. Close is a no-op success in that state.
func (c *Connection) replyClosed(req any) {
	switch r := req.(type) {
	case openChannelRequest:
		r.reply <- openChannelReply{err: ErrClosed}
	case getRequest:
		r.reply <- getReply{err: ErrClosed}
	case closeRequest:
		r.reply <- nil
	}
}

// connected is the main loop of the connected state. Returns false when
// the process is stopping.
func (c *Connection) connected(st *connState) bool {
	for {
		select {
		case <-c.done:
			_ = st.handle.Terminate()
			return false

		case ev := <-c.events:
			switch ev.kind {
			case eventConnectionDown:
				if ev.epoch != st.epoch {
					continue
				}
				c.handleDown(ev.reason)
				return true

			case eventMonitorFired:
				c.handleMonitor(st, ev)

			default:
				// An event this process never registered for; the
				// invariant is broken, stop and let supervision restart.
				c.logger.Error("unexpected event, stopping", "kind", ev.kind)
				_ = st.handle.Terminate()
				c.stopOnce.Do(func() { close(c.done) })
				return false
			}

		case req := <-c.requests:
			switch r := req.(type) {
			case getRequest:
				r.reply <- getReply{handle: st.handle}
			case openChannelRequest:
				c.handleOpenChannel(st, r)
			case closeRequest:
				return c.handleClose(st, r)
			}
		}
	}
}

// handleDown processes the loss of the broker connection. The reason
// classification is informational only: a graceful shutdown and a broker
// failure take the identical path back to connecting.
func (c *Connection) handleDown(reason error) {
	if reason == nil {
		c.logger.Info("broker connection shut down")
	} else {
		c.logger.Warn("broker connection failed", "error", reason)
	}
	c.notifyDisconnected(reason)
}

// handleMonitor processes the termination of a tracked party: either the
// owner of a channel or the channel itself. Whichever key fired, the
// whole record goes; the channel handle is released defensively in both
// cases, double cleanup being harmless.
func (c *Connection) handleMonitor(st *connState, ev event) {
	rec, ok := st.registry.Pop(ev.key)
	if !ok {
		// Already cleaned up through another key.
		return
	}

	close(rec.released)
	rec.channel.Close()

	c.logger.Debug("channel released",
		"channel", rec.channel.ID(),
		"channelDied", ev.channelDied)
}

// handleOpenChannel opens a channel on the live connection and registers
// it under three keys: the owner monitor, the channel monitor, and the
// channel id. On any failure the registry is left untouched.
func (c *Connection) handleOpenChannel(st *connState, req openChannelRequest) {
	// The requester may have vanished between request and completion;
	// treat that the same as not being connected.
	select {
	case <-req.owner.Done():
		req.reply <- openChannelReply{err: ErrClosed}
		return
	default:
	}

	handle, err := st.handle.Channel()
	if err != nil {
		req.reply <- openChannelReply{err: &ChannelError{
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}}
		return
	}

	ch := &Channel{
		id:     uuid.New().String(),
		handle: handle,
		conn:   c,
		down:   make(chan error, 1),
	}

	ownerKey := "owner-" + uuid.New().String()
	monitorKey := "monitor-" + uuid.New().String()
	released := make(chan struct{})

	st.registry.Put([]string{ownerKey, monitorKey, ch.id}, record{
		channel:  ch,
		released: released,
	})

	c.watchOwner(req.owner, ownerKey, released)
	c.watchChannel(handle, ch, monitorKey, released)

	c.logger.Debug("channel opened", "channel", ch.id)
	req.reply <- openChannelReply{channel: ch}
}

// handleClose performs the orderly shutdown protocol: graceful close,
// bounded wait for the close confirmation, then forced termination with
// an unbounded wait. Either way the caller gets a reply and the process
// re-enters connecting. Monitor events keep being serviced while
// waiting. Returns false when the process is stopping.
func (c *Connection) handleClose(st *connState, req closeRequest) bool {
	if err := st.handle.Close(); err != nil {
		c.logger.Debug("graceful close failed", "error", err)
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	forced := false
	for {
		select {
		case ev := <-c.events:
			switch ev.kind {
			case eventConnectionDown:
				if ev.epoch != st.epoch {
					continue
				}
				c.notifyDisconnected(ev.reason)
				req.reply <- nil
				return true
			case eventMonitorFired:
				c.handleMonitor(st, ev)
			}

		case <-timer.C:
			if forced {
				continue
			}
			forced = true
			c.logger.Warn("close confirmation timed out, terminating",
				"timeout", req.timeout)
			if err := st.handle.Terminate(); err != nil {
				c.logger.Debug("terminate failed", "error", err)
			}
			// From here the wait for confirmation is unbounded.

		case <-c.done:
			_ = st.handle.Terminate()
			req.reply <- ErrStopped
			return false
		}
	}
}

// watchConnection subscribes to the liveness of one broker connection
// and forwards its termination into the mailbox, tagged with the epoch
// so stale notifications are ignored after a reconnect.
func (c *Connection) watchConnection(handle transport.Connection, epoch uint64) {
	notify := handle.NotifyClose(make(chan error, 1))
	go func() {
		reason, ok := <-notify
		if !ok {
			reason = nil
		}
		select {
		case c.events <- event{kind: eventConnectionDown, epoch: epoch, reason: reason}:
		case <-c.done:
		}
	}()
}

// watchOwner forwards the end of a channel owner's lifetime into the
// mailbox, unless the record was already released through another key.
func (c *Connection) watchOwner(owner context.Context, key string, released chan struct{}) {
	go func() {
		select {
		case <-owner.Done():
			select {
			case c.events <- event{kind: eventMonitorFired, key: key}:
			case <-released:
			case <-c.done:
			}
		case <-released:
		case <-c.done:
		}
	}()
}

// watchChannel forwards the death of the broker channel itself, both to
// the channel's monitor (for its owner) and into the mailbox (for the
// registry).
func (c *Connection) watchChannel(handle transport.Channel, ch *Channel, key string, released chan struct{}) {
	notify := handle.NotifyClose(make(chan error, 1))
	go func() {
		select {
		case reason, ok := <-notify:
			if !ok {
				reason = nil
			}
			ch.down <- reason
			select {
			case c.events <- event{kind: eventMonitorFired, key: key, channelDied: true}:
			case <-c.done:
			}
		case <-released:
		case <-c.done:
		}
	}()
}

func (c *Connection) notifyConnected(host transport.Host) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, l := range c.listeners {
		go l.OnConnected(host)
	}
}

func (c *Connection) notifyDisconnected(reason error) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, l := range c.listeners {
		go l.OnDisconnected(reason)
	}
}

// String implements fmt.Stringer for log friendliness.
func (c *Connection) String() string {
	return fmt.Sprintf("connection(%d hosts)", len(c.hosts))
}
