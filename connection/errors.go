package connection

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned when an operation needs a live broker
	// connection and none exists. The connection keeps retrying in the
	// background; callers decide whether to try again later.
	ErrClosed = errors.New("connection: closed")

	// ErrStopped is returned when the connection process has been
	// stopped for good.
	ErrStopped = errors.New("connection: stopped")

	// ErrNoHosts is returned by Start when the host list is empty.
	ErrNoHosts = errors.New("connection: no hosts configured")
)

// ChannelError wraps a wire-layer failure while opening a channel.
type ChannelError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("connection: %s failed: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
