// Copyright 2025 Burrow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package burrow is a resilient client runtime for AMQP-style message
// brokers. It keeps application code decoupled from the instability of a
// single network connection and a single logical channel: connections
// drop, brokers restart, channels crash independently of the connection
// hosting them. The runtime supervises, retries, and re-establishes this
// resource hierarchy without losing in-flight application state.
package burrow

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/burrowmq/burrow/config"
	"github.com/burrowmq/burrow/connection"
	"github.com/burrowmq/burrow/messaging"
	"github.com/burrowmq/burrow/transport"
	amqptransport "github.com/burrowmq/burrow/transports/amqp"
)

// Client is the main entry point: it owns one supervised connection and
// hands out channel-owning roles built on it.
type Client struct {
	conn    *connection.Connection
	fileCfg *config.Config
	logger  *slog.Logger
}

// clientConfig holds client construction options.
type clientConfig struct {
	adapter        transport.Adapter
	logger         *slog.Logger
	reconnectDelay time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithAdapter swaps the wire-protocol adapter. Defaults to the AMQP
// implementation.
func WithAdapter(adapter transport.Adapter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.adapter = adapter
	}
}

// WithReconnectDelay sets the pause between failed host sweeps.
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// NewClient starts a client over the given broker hosts, tried in order
// for failover. The connection is established in the background and
// retried forever.
func NewClient(hosts []transport.Host, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		adapter: amqptransport.New(),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOptions := []connection.Option{connection.WithLogger(cfg.logger)}
	if cfg.reconnectDelay > 0 {
		connOptions = append(connOptions, connection.WithReconnectDelay(cfg.reconnectDelay))
	}

	conn, err := connection.Start(cfg.adapter, hosts, connOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to start connection: %w", err)
	}

	return &Client{conn: conn, logger: cfg.logger}, nil
}

// NewClientFromConfig starts a client from a YAML configuration file.
func NewClientFromConfig(path string, options ...ClientOption) (*Client, error) {
	fileCfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	opts := append([]ClientOption{
		WithReconnectDelay(time.Duration(fileCfg.Connection.ReconnectDelay)),
	}, options...)

	client, err := NewClient(fileCfg.Hosts, opts...)
	if err != nil {
		return nil, err
	}

	client.fileCfg = fileCfg
	return client, nil
}

// Connection returns the supervised connection.
func (c *Client) Connection() *connection.Connection {
	return c.conn
}

// NewPublisher starts a publisher role on this client's connection.
func (c *Client) NewPublisher(cfg messaging.PublisherConfig, behavior messaging.PublisherBehavior, args any) (*messaging.Publisher, error) {
	return messaging.StartPublisher(c.conn, cfg, behavior, args,
		messaging.WithActorLogger(c.logger))
}

// NewConsumer starts a consumer role on this client's connection.
func (c *Client) NewConsumer(cfg messaging.ConsumerConfig, behavior messaging.ConsumerBehavior, args any) (*messaging.Consumer, error) {
	return messaging.StartConsumer(c.conn, cfg, behavior, args,
		messaging.WithActorLogger(c.logger))
}

// PublisherConfig returns the publisher section of the loaded file
// configuration, or a zero config when the client was not built from a
// file.
func (c *Client) PublisherConfig() messaging.PublisherConfig {
	if c.fileCfg == nil {
		return messaging.PublisherConfig{}
	}
	return messaging.PublisherConfig{Exchange: c.fileCfg.Publisher.Exchange}
}

// ConsumerConfig returns the consumer section of the loaded file
// configuration.
func (c *Client) ConsumerConfig() messaging.ConsumerConfig {
	if c.fileCfg == nil {
		return messaging.ConsumerConfig{}
	}
	return messaging.ConsumerConfig{
		Queue:       c.fileCfg.Consumer.Queue,
		Exchange:    c.fileCfg.Consumer.Exchange,
		RoutingKeys: c.fileCfg.Consumer.RoutingKeys,
		Qos:         c.fileCfg.Consumer.Qos,
		Consume:     c.fileCfg.Consumer.Consume,
	}
}

// Close tears the client down: the broker connection is closed and the
// connection process stopped for good.
func (c *Client) Close() error {
	err := c.conn.Close(5 * time.Second)
	c.conn.Stop()
	if err != nil && !errors.Is(err, connection.ErrStopped) {
		return err
	}
	return nil
}
