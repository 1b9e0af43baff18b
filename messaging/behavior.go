package messaging

// Behavior is the pluggable callback set an actor delegates its
// role-specific decisions to. All callbacks run on the actor's own
// goroutine, one at a time; the given state is threaded through every
// invocation by ownership and never inspected by the framework.
//
// BaseBehavior provides default implementations; concrete roles embed it
// and override selectively. Overrides that want the default behavior for
// some messages delegate to the embedded base explicitly.
type Behavior interface {
	// Init produces the initial given state from the start arguments.
	// An error aborts the start.
	Init(args any) (given any, err error)

	// HandleConnected runs after the channel is open and the role's
	// protocol context has been declared. Returning an error stops the
	// actor with that reason.
	HandleConnected(given any) (any, error)

	// HandleDisconnected runs when the actor's channel is lost, before
	// a new one is requested. reason is nil for a graceful close.
	HandleDisconnected(reason error, given any) any

	// HandleCall processes a synchronous request. reply is delivered to
	// the caller; a non-nil error stops the actor with that reason.
	HandleCall(msg any, given any) (reply any, newGiven any, err error)

	// HandleCast processes an asynchronous message. A non-nil error
	// stops the actor with that reason.
	HandleCast(msg any, given any) (any, error)

	// HandleInfo processes any other message delivered to the actor.
	HandleInfo(msg any, given any) (any, error)

	// Terminate runs exactly once when the actor stops, whatever the
	// reason. reason is nil for a requested, orderly stop.
	Terminate(reason error, given any)
}

// BaseBehavior is the default callback set. Unknown calls and casts are
// contract violations and stop the actor; unknown infos are ignored;
// everything else passes through unchanged.
type BaseBehavior struct{}

// Init uses the start arguments as the initial given state.
func (BaseBehavior) Init(args any) (any, error) {
	return args, nil
}

// HandleConnected passes the given state through.
func (BaseBehavior) HandleConnected(given any) (any, error) {
	return given, nil
}

// HandleDisconnected passes the given state through.
func (BaseBehavior) HandleDisconnected(reason error, given any) any {
	return given
}

// HandleCall treats any call as a contract violation.
func (BaseBehavior) HandleCall(msg any, given any) (any, any, error) {
	return nil, given, ErrUnexpectedCall
}

// HandleCast treats any cast as a contract violation.
func (BaseBehavior) HandleCast(msg any, given any) (any, error) {
	return given, ErrUnexpectedCast
}

// HandleInfo ignores unrecognized messages.
func (BaseBehavior) HandleInfo(msg any, given any) (any, error) {
	return given, nil
}

// Terminate does nothing.
func (BaseBehavior) Terminate(reason error, given any) {}
