// Package messaging builds channel-owning roles on top of the connection
// runtime: a generic actor skeleton that holds exactly one channel
// against one connection and re-declares its protocol context on every
// (re)open, plus the Publisher and Consumer roles instantiated from it.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/burrowmq/burrow/connection"
	"github.com/burrowmq/burrow/transport"
)

// Actor is a single-goroutine message processor owning one channel. Its
// mailbox carries synchronous calls, fire-and-forget casts, and info
// messages; they are processed strictly in order of arrival per sender.
//
// Lifecycle: request a channel, declare the role context, signal
// connected, then serve the mailbox until the channel is lost. On loss
// the role is told, the context cleared, and a fresh channel requested;
// failed reopens are retried on the connection's reconnect cadence, with
// the connection's own reconnect notification as a shortcut. Failures
// during the initial start sequence stop the actor with that reason.
type Actor struct {
	conn     *connection.Connection
	behavior Behavior
	setup    func(*connection.Channel) error
	role     string
	logger   *slog.Logger

	calls chan callMsg
	casts chan any
	infos chan any

	ctx    context.Context
	cancel context.CancelFunc

	reconnected chan struct{}

	finished   chan struct{}
	stopReason error

	// channel is the current open channel. Touched only by the actor
	// goroutine; roles read it from inside their callbacks.
	channel *connection.Channel
}

type callMsg struct {
	msg   any
	reply chan callReply
}

type callReply struct {
	value any
	err   error
}

// ActorOption configures an actor.
type ActorOption func(*Actor)

// WithActorLogger sets the logger.
func WithActorLogger(logger *slog.Logger) ActorOption {
	return func(a *Actor) {
		a.logger = logger
	}
}

// withSetup installs the role's protocol context declaration, run on
// every successful channel open.
func withSetup(role string, setup func(*connection.Channel) error) ActorOption {
	return func(a *Actor) {
		a.role = role
		a.setup = setup
	}
}

// StartActor starts a generic actor against conn. behavior.Init runs
// synchronously; an Init error fails the start. Everything after that,
// including the first channel request, happens on the actor goroutine.
func StartActor(conn *connection.Connection, behavior Behavior, args any, options ...ActorOption) (*Actor, error) {
	a := newActor(conn, behavior, options...)
	if err := a.start(args); err != nil {
		return nil, err
	}
	return a, nil
}

// newActor builds an actor without starting it, so roles can finish
// wiring themselves up before the first channel request happens.
func newActor(conn *connection.Connection, behavior Behavior, options ...ActorOption) *Actor {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Actor{
		conn:        conn,
		behavior:    behavior,
		setup:       func(*connection.Channel) error { return nil },
		role:        "actor",
		logger:      slog.Default(),
		calls:       make(chan callMsg),
		casts:       make(chan any, 64),
		infos:       make(chan any, 64),
		ctx:         ctx,
		cancel:      cancel,
		reconnected: make(chan struct{}, 1),
		finished:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

func (a *Actor) start(args any) error {
	given, err := a.behavior.Init(args)
	if err != nil {
		a.cancel()
		return err
	}

	a.conn.AddStateListener(a)
	go a.run(given)

	return nil
}

// Call sends msg to the actor and waits for the reply, bounded by ctx.
// The actor side is not aborted on timeout; it may still process the
// message and mutate state after the caller gives up.
func (a *Actor) Call(ctx context.Context, msg any) (any, error) {
	cm := callMsg{msg: msg, reply: make(chan callReply, 1)}

	select {
	case a.calls <- cm:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.finished:
		return nil, ErrActorStopped
	}

	select {
	case r := <-cm.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.finished:
		return nil, ErrActorStopped
	}
}

// Cast sends msg to the actor without waiting for it to be processed.
func (a *Actor) Cast(msg any) error {
	select {
	case a.casts <- msg:
		return nil
	case <-a.finished:
		return ErrActorStopped
	}
}

// Notify delivers an info message to the actor.
func (a *Actor) Notify(msg any) error {
	select {
	case a.infos <- msg:
		return nil
	case <-a.finished:
		return ErrActorStopped
	}
}

// Stop requests an orderly stop and waits for the actor to finish.
func (a *Actor) Stop() {
	a.cancel()
	<-a.finished
}

// Done is closed when the actor has terminated.
func (a *Actor) Done() <-chan struct{} {
	return a.finished
}

// Err returns the stop reason once Done is closed; nil means an orderly
// stop.
func (a *Actor) Err() error {
	select {
	case <-a.finished:
		return a.stopReason
	default:
		return nil
	}
}

// OnConnected implements connection.StateListener. It nudges an actor
// waiting for the connection to come back; the buffered token coalesces
// repeated notifications.
func (a *Actor) OnConnected(transport.Host) {
	select {
	case a.reconnected <- struct{}{}:
	default:
	}
}

// OnDisconnected implements connection.StateListener. The actor learns
// about disconnects through its own channel monitor; nothing to do here.
func (a *Actor) OnDisconnected(error) {}

func (a *Actor) run(given any) {
	reason, given := a.loop(given)

	a.conn.RemoveStateListener(a)
	a.channel = nil
	a.cancel() // releases the registry record held against this actor

	a.stopReason = reason
	a.behavior.Terminate(reason, given)
	close(a.finished)

	if reason != nil {
		a.logger.Error("actor stopped", "role", a.role, "error", reason)
	} else {
		a.logger.Debug("actor stopped", "role", a.role)
	}
}

func (a *Actor) loop(given any) (error, any) {
	started := false

	for {
		ch, err := a.conn.OpenChannel(a.ctx)
		switch {
		case err == nil:

		case errors.Is(err, context.Canceled):
			return nil, given

		case errors.Is(err, connection.ErrStopped) || !started:
			// Failures during the initial start sequence stop the actor;
			// so does losing the connection process for good.
			return err, given

		default:
			// The connection is between brokers, the reopen raced its
			// own down notification, or a live connection refused the
			// channel. Wait for the reconnect notification, but retry on
			// the connection's cadence regardless: the notification only
			// fires on an actual re-dial.
			a.logger.Debug("channel reopen failed, retrying",
				"role", a.role, "error", err)
			retry := time.NewTimer(a.conn.ReconnectDelay())
			select {
			case <-a.reconnected:
			case <-retry.C:
			case <-a.ctx.Done():
				retry.Stop()
				return nil, given
			}
			retry.Stop()
			continue
		}

		a.channel = ch
		if err := a.setup(ch); err != nil {
			return &SetupError{Role: a.role, Err: err, Timestamp: time.Now()}, given
		}

		given, err = a.behavior.HandleConnected(given)
		if err != nil {
			return err, given
		}
		started = true

		a.logger.Debug("actor connected", "role", a.role, "channel", ch.ID())

		reason, stopping := a.serve(ch, &given)
		if stopping {
			return reason, given
		}

		// Channel lost; clear context and go back to requesting one.
		a.channel = nil
		given = a.behavior.HandleDisconnected(reason, given)
	}
}

// serve processes the mailbox until the channel is lost (stopping false)
// or the actor must stop (stopping true).
func (a *Actor) serve(ch *connection.Channel, given *any) (error, bool) {
	down := ch.Monitor()

	for {
		select {
		case <-a.ctx.Done():
			return nil, true

		case reason := <-down:
			a.logger.Debug("channel lost", "role", a.role, "error", reason)
			return reason, false

		case cm := <-a.calls:
			reply, g, err := a.behavior.HandleCall(cm.msg, *given)
			*given = g
			cm.reply <- callReply{value: reply, err: err}
			if err != nil {
				return err, true
			}

		case msg := <-a.casts:
			g, err := a.behavior.HandleCast(msg, *given)
			*given = g
			if err != nil {
				return err, true
			}

		case msg := <-a.infos:
			g, err := a.behavior.HandleInfo(msg, *given)
			*given = g
			if err != nil {
				return err, true
			}
		}
	}
}

// current returns the channel the actor holds right now. Only valid from
// inside behavior callbacks, which run on the actor goroutine.
func (a *Actor) current() *connection.Channel {
	return a.channel
}
