package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowmq/burrow/transport"
)

func TestBuildURI(t *testing.T) {
	t.Run("full host", func(t *testing.T) {
		uri, err := buildURI(transport.Host{
			Address:  "broker-1:5673",
			VHost:    "/orders",
			Username: "app",
			Password: "secret",
		})
		require.NoError(t, err)
		assert.Equal(t, "broker-1", uri.Host)
		assert.Equal(t, 5673, uri.Port)
		assert.Equal(t, "/orders", uri.Vhost)
		assert.Equal(t, "app", uri.Username)
	})

	t.Run("bare hostname gets the default port", func(t *testing.T) {
		uri, err := buildURI(transport.Host{Address: "broker-1"})
		require.NoError(t, err)
		assert.Equal(t, "broker-1", uri.Host)
		assert.Equal(t, 5672, uri.Port)
	})

	t.Run("anonymous hosts fall back to guest", func(t *testing.T) {
		uri, err := buildURI(transport.Host{Address: "broker-1:5672"})
		require.NoError(t, err)
		assert.Equal(t, "guest", uri.Username)
		assert.Equal(t, "guest", uri.Password)
		assert.Equal(t, "/", uri.Vhost)
	})

	t.Run("garbage port is an error", func(t *testing.T) {
		_, err := buildURI(transport.Host{Address: "broker-1:none"})
		require.Error(t, err)
	})
}
