package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowmq/burrow/transport"
	"github.com/burrowmq/burrow/transport/transporttest"
)

func testExchange() transport.ExchangeSpec {
	return transport.ExchangeSpec{Name: "events", Type: "topic", Durable: true}
}

// pipelineBehavior scripts the two pipeline hooks.
type pipelineBehavior struct {
	BasePublisherBehavior

	mu          sync.Mutex
	before      []Action
	encodeStop  error
	beforeCalls int
	terminated  error
	done        bool
}

func (b *pipelineBehavior) BeforePublication(msg *Message, given any) (Action, any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.before) == 0 {
		return Proceed, given, nil
	}
	action := b.before[b.beforeCalls%len(b.before)]
	b.beforeCalls++
	return action, given, nil
}

func (b *pipelineBehavior) EncodeMessage(msg *Message, given any) (Action, any, error) {
	b.mu.Lock()
	stop := b.encodeStop
	b.mu.Unlock()

	if stop != nil {
		return Stop, given, stop
	}
	return b.BasePublisherBehavior.EncodeMessage(msg, given)
}

func (b *pipelineBehavior) Terminate(reason error, given any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated = reason
	b.done = true
}

func (b *pipelineBehavior) terminateReason() (error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated, b.done
}

func waitPublisherChannel(t *testing.T, adapter *transporttest.Adapter) *transporttest.Channel {
	t.Helper()

	var ch *transporttest.Channel
	require.Eventually(t, func() bool {
		conn := adapter.LastConn()
		if conn == nil {
			return false
		}
		channels := conn.Channels()
		if len(channels) == 0 {
			return false
		}
		ch = channels[len(channels)-1]
		return len(ch.Exchanges()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return ch
}

func TestStartPublisher(t *testing.T) {
	t.Run("declares the configured exchange on connect", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, &pipelineBehavior{}, nil)
		require.NoError(t, err)
		defer pub.Stop()

		ch := waitPublisherChannel(t, adapter)
		exchanges := ch.Exchanges()
		require.Len(t, exchanges, 1)
		assert.Equal(t, "events", exchanges[0].Name)
		assert.Equal(t, "topic", exchanges[0].Type)
	})

	t.Run("a failed exchange declaration is fatal", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		boom := errors.New("access refused")
		adapter.LastConn().FailDeclares(boom)

		behavior := &pipelineBehavior{}
		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, behavior, nil)
		require.NoError(t, err)

		select {
		case <-pub.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("publisher did not stop")
		}

		var setupErr *SetupError
		require.ErrorAs(t, pub.Err(), &setupErr)
		assert.ErrorIs(t, pub.Err(), boom)
	})
}

func TestPublish(t *testing.T) {
	t.Run("transmits the final payload with routing key and options", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, &pipelineBehavior{}, nil)
		require.NoError(t, err)
		defer pub.Stop()

		ch := waitPublisherChannel(t, adapter)

		payload := map[string]string{"order": "123"}
		require.NoError(t, pub.Publish(payload, "order.created",
			WithPersistent(true),
			WithHeaders(map[string]any{"origin": "test"})))

		require.Eventually(t, func() bool {
			return len(ch.Published()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		got := ch.Published()[0]
		assert.Equal(t, "events", got.Exchange)
		assert.Equal(t, "order.created", got.RoutingKey)
		assert.Equal(t, "application/json", got.Message.ContentType)
		assert.True(t, got.Message.Persistent)
		assert.Equal(t, "test", got.Message.Headers["origin"])

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(got.Message.Body, &decoded))
		assert.Equal(t, payload, decoded)
	})

	t.Run("ignored publications are dropped silently", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		behavior := &pipelineBehavior{before: []Action{Ignore, Proceed}}
		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, behavior, nil)
		require.NoError(t, err)
		defer pub.Stop()

		ch := waitPublisherChannel(t, adapter)

		require.NoError(t, pub.Publish("m1", "k.1"))
		require.NoError(t, pub.Publish("m2", "k.2"))
		require.NoError(t, pub.Publish("m3", "k.3"))
		require.NoError(t, pub.Publish("m4", "k.4"))

		require.Eventually(t, func() bool {
			return len(ch.Published()) == 2
		}, 2*time.Second, 5*time.Millisecond)

		// FIFO per publisher: the 2nd and 4th, in order.
		published := ch.Published()
		assert.Equal(t, "k.2", published[0].RoutingKey)
		assert.Equal(t, "k.4", published[1].RoutingKey)

		// nothing else trickles in
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, ch.Published(), 2)
	})

	t.Run("an encode stop terminates the publisher without transmitting", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		boom := errors.New("cannot encode")
		behavior := &pipelineBehavior{encodeStop: boom}
		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, behavior, nil)
		require.NoError(t, err)

		ch := waitPublisherChannel(t, adapter)

		require.NoError(t, pub.Publish("m1", "k.1"))

		select {
		case <-pub.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("publisher did not stop")
		}

		assert.ErrorIs(t, pub.Err(), boom)
		assert.Empty(t, ch.Published())

		reason, done := behavior.terminateReason()
		assert.True(t, done)
		assert.ErrorIs(t, reason, boom)
	})

	t.Run("synchronous publish transmits before returning", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, &pipelineBehavior{}, nil)
		require.NoError(t, err)

		ch := waitPublisherChannel(t, adapter)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, pub.PublishSync(ctx, "last words", "k.final"))

		// An immediate teardown must not lose an acknowledged publish.
		pub.Stop()
		require.Len(t, ch.Published(), 1)
		assert.Equal(t, "k.final", ch.Published()[0].RoutingKey)
	})

	t.Run("synchronous publish on a stopped publisher fails fast", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, &pipelineBehavior{}, nil)
		require.NoError(t, err)
		pub.Stop()

		err = pub.PublishSync(context.Background(), "late", "k.late")
		assert.ErrorIs(t, err, ErrActorStopped)
	})

	t.Run("a hook rewriting the message wins over the original", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, &rewritingBehavior{}, nil)
		require.NoError(t, err)
		defer pub.Stop()

		ch := waitPublisherChannel(t, adapter)

		require.NoError(t, pub.Publish("payload", "original.key"))

		require.Eventually(t, func() bool {
			return len(ch.Published()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, "rewritten.key", ch.Published()[0].RoutingKey)
	})
}

func TestPublisherReconnect(t *testing.T) {
	t.Run("re-declares the exchange on a fresh channel after loss", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		pub, err := StartPublisher(conn, PublisherConfig{Exchange: testExchange()}, &pipelineBehavior{}, nil)
		require.NoError(t, err)
		defer pub.Stop()

		first := waitPublisherChannel(t, adapter)
		first.Kill(errors.New("channel crashed"))

		require.Eventually(t, func() bool {
			channels := adapter.LastConn().Channels()
			if len(channels) < 2 {
				return false
			}
			return len(channels[len(channels)-1].Exchanges()) == 1
		}, 2*time.Second, 5*time.Millisecond)

		// publications flow again over the new channel
		require.NoError(t, pub.Publish("after", "k.after"))
		require.Eventually(t, func() bool {
			channels := adapter.LastConn().Channels()
			return len(channels[len(channels)-1].Published()) == 1
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestBasePublisherBehavior(t *testing.T) {
	t.Run("default encoding keeps an existing body", func(t *testing.T) {
		msg := &Message{Payload: "ignored", Body: []byte("raw")}

		action, _, err := BasePublisherBehavior{}.EncodeMessage(msg, nil)
		require.NoError(t, err)
		assert.Equal(t, Proceed, action)
		assert.Equal(t, []byte("raw"), msg.Body)
		assert.Equal(t, "application/json", msg.Options.ContentType)
	})

	t.Run("default encoding respects a preset content type", func(t *testing.T) {
		msg := &Message{Payload: "x", Options: PublishOptions{ContentType: "text/plain"}}

		_, _, err := BasePublisherBehavior{}.EncodeMessage(msg, nil)
		require.NoError(t, err)
		assert.Equal(t, "text/plain", msg.Options.ContentType)
	})
}

// rewritingBehavior rewrites the routing key in the first stage.
type rewritingBehavior struct {
	BasePublisherBehavior
}

func (rewritingBehavior) BeforePublication(msg *Message, given any) (Action, any, error) {
	msg.RoutingKey = "rewritten.key"
	return Proceed, given, nil
}
