package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowmq/burrow/transport"
	"github.com/burrowmq/burrow/transport/transporttest"
)

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Queue:       transport.QueueSpec{Name: "orders", Durable: true},
		Exchange:    transport.ExchangeSpec{Name: "events", Type: "topic", Durable: true},
		RoutingKeys: []string{"order.created", "order.cancelled"},
		Qos:         transport.QosSpec{PrefetchCount: 8},
	}
}

// recordingConsumer collects every delivery it handles.
type recordingConsumer struct {
	BaseConsumerBehavior

	mu       sync.Mutex
	handled  []transport.Delivery
	fail     error
	failures int
}

func (b *recordingConsumer) HandleMessage(delivery transport.Delivery, given any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fail != nil {
		b.failures++
		return given, b.fail
	}
	b.handled = append(b.handled, delivery)
	return given, delivery.Ack()
}

func (b *recordingConsumer) deliveries() []transport.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]transport.Delivery, len(b.handled))
	copy(out, b.handled)
	return out
}

func waitConsumerChannel(t *testing.T, adapter *transporttest.Adapter) *transporttest.Channel {
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
		return len(ch.Queues()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return ch
}

func TestStartConsumer(t *testing.T) {
	t.Run("declares queue, exchange, bindings and qos", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		cons, err := StartConsumer(conn, testConsumerConfig(), &recordingConsumer{}, nil)
		require.NoError(t, err)
		defer cons.Stop()

		ch := waitConsumerChannel(t, adapter)

		queues := ch.Queues()
		require.Len(t, queues, 1)
		assert.Equal(t, "orders", queues[0].Name)
		assert.True(t, queues[0].Durable)

		exchanges := ch.Exchanges()
		require.Len(t, exchanges, 1)
		assert.Equal(t, "events", exchanges[0].Name)

		binds := ch.Binds()
		require.Len(t, binds, 2)
		assert.Equal(t, "orders", binds[0].Queue)
		assert.Equal(t, "events", binds[0].Exchange)
		assert.Equal(t, "order.created", binds[0].RoutingKey)
		assert.Equal(t, "order.cancelled", binds[1].RoutingKey)

		qos := ch.QosSpecs()
		require.Len(t, qos, 1)
		assert.Equal(t, 8, qos[0].PrefetchCount)
	})

	t.Run("server-generated queue names feed the bindings", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		config := testConsumerConfig()
		config.Queue = transport.QueueSpec{Exclusive: true}
		config.RoutingKeys = []string{"#"}

		cons, err := StartConsumer(conn, config, &recordingConsumer{}, nil)
		require.NoError(t, err)
		defer cons.Stop()

		ch := waitConsumerChannel(t, adapter)
		binds := ch.Binds()
		require.Len(t, binds, 1)
		assert.Equal(t, "amq.gen-test", binds[0].Queue)
	})

	t.Run("a failed queue declaration is fatal", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		boom := errors.New("precondition failed")
		adapter.LastConn().FailDeclares(boom)

		cons, err := StartConsumer(conn, testConsumerConfig(), &recordingConsumer{}, nil)
		require.NoError(t, err)

		select {
		case <-cons.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}

		var setupErr *SetupError
		require.ErrorAs(t, cons.Err(), &setupErr)
		assert.Equal(t, "consumer", setupErr.Role)
		assert.ErrorIs(t, cons.Err(), boom)
	})

	t.Run("announces a unique consumer tag", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		first, err := StartConsumer(conn, testConsumerConfig(), &recordingConsumer{}, nil)
		require.NoError(t, err)
		defer first.Stop()

		second, err := StartConsumer(conn, testConsumerConfig(), &recordingConsumer{}, nil)
		require.NoError(t, err)
		defer second.Stop()

		assert.NotEmpty(t, first.Tag())
		assert.NotEqual(t, first.Tag(), second.Tag())
	})
}

func TestConsumerDeliveries(t *testing.T) {
	t.Run("deliveries reach the behavior in order", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		behavior := &recordingConsumer{}
		cons, err := StartConsumer(conn, testConsumerConfig(), behavior, nil)
		require.NoError(t, err)
		defer cons.Stop()

		ch := waitConsumerChannel(t, adapter)
		ch.Deliver(&transporttest.Delivery{Payload: []byte("one"), Key: "order.created"})
		ch.Deliver(&transporttest.Delivery{Payload: []byte("two"), Key: "order.cancelled"})

		require.Eventually(t, func() bool {
			return len(behavior.deliveries()) == 2
		}, 2*time.Second, 5*time.Millisecond)

		handled := behavior.deliveries()
		assert.Equal(t, []byte("one"), handled[0].Body())
		assert.Equal(t, []byte("two"), handled[1].Body())
	})

	t.Run("the behavior owns acknowledgement", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		behavior := &recordingConsumer{}
		cons, err := StartConsumer(conn, testConsumerConfig(), behavior, nil)
		require.NoError(t, err)
		defer cons.Stop()

		ch := waitConsumerChannel(t, adapter)
		delivery := &transporttest.Delivery{Payload: []byte("payload")}
		ch.Deliver(delivery)

		require.Eventually(t, delivery.Acked, 2*time.Second, 5*time.Millisecond)
		assert.False(t, delivery.Nacked())
	})

	t.Run("a handler error stops the consumer", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		boom := errors.New("poison message")
		behavior := &recordingConsumer{fail: boom}
		cons, err := StartConsumer(conn, testConsumerConfig(), behavior, nil)
		require.NoError(t, err)

		ch := waitConsumerChannel(t, adapter)
		ch.Deliver(&transporttest.Delivery{Payload: []byte("bad")})

		select {
		case <-cons.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
		assert.ErrorIs(t, cons.Err(), boom)
	})
}

func TestConsumerReconnect(t *testing.T) {
	t.Run("re-declares the full context and keeps consuming", func(t *testing.T) {
		adapter := transporttest.NewAdapter()
		conn := startTestConnection(t, adapter)

		behavior := &recordingConsumer{}
		cons, err := StartConsumer(conn, testConsumerConfig(), behavior, nil)
		require.NoError(t, err)
		defer cons.Stop()

		first := waitConsumerChannel(t, adapter)
		first.Kill(errors.New("channel crashed"))

		var second *transporttest.Channel
		require.Eventually(t, func() bool {
			channels := adapter.LastConn().Channels()
			if len(channels) < 2 {
				return false
			}
			second = channels[len(channels)-1]
			return len(second.Queues()) == 1 && len(second.Binds()) == 2
		}, 2*time.Second, 5*time.Millisecond)

		second.Deliver(&transporttest.Delivery{Payload: []byte("after")})
		require.Eventually(t, func() bool {
			return len(behavior.deliveries()) == 1
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestBaseConsumerBehavior(t *testing.T) {
	t.Run("acknowledges deliveries by default", func(t *testing.T) {
		delivery := &transporttest.Delivery{Payload: []byte("x")}

		given, err := BaseConsumerBehavior{}.HandleMessage(delivery, "state")
		require.NoError(t, err)
		assert.Equal(t, "state", given)
		assert.True(t, delivery.Acked())
	})
}
