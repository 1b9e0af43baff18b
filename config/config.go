// Package config loads the runtime configuration from a YAML file:
// broker hosts (one or an ordered failover list), connection tuning, and
// optional role sections.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/burrowmq/burrow/transport"
)

// Config is the complete file configuration.
type Config struct {
	Hosts      HostList         `yaml:"hosts"`
	Connection ConnectionConfig `yaml:"connection"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig tunes the connection runtime.
type ConnectionConfig struct {
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	DialTimeout    Duration `yaml:"dial_timeout"`
}

// PublisherConfig is the publisher role section.
type PublisherConfig struct {
	Exchange transport.ExchangeSpec `yaml:"exchange"`
}

// ConsumerConfig is the consumer role section.
type ConsumerConfig struct {
	Queue       transport.QueueSpec    `yaml:"queue"`
	Exchange    transport.ExchangeSpec `yaml:"exchange"`
	RoutingKeys []string               `yaml:"routing_keys"`
	Qos         transport.QosSpec      `yaml:"qos"`
	Consume     transport.ConsumeSpec  `yaml:"consume"`
}

// HostList accepts either a single host mapping or an ordered sequence
// of them; any other shape is a load-time error.
type HostList []transport.Host

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HostList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var host transport.Host
		if err := node.Decode(&host); err != nil {
			return err
		}
		*h = HostList{host}
		return nil

	case yaml.SequenceNode:
		var hosts []transport.Host
		if err := node.Decode(&hosts); err != nil {
			return err
		}
		*h = HostList(hosts)
		return nil

	default:
		return fmt.Errorf("config: hosts must be a map or a list of maps")
	}
}

// Duration parses YAML scalars like "750ms" or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and parses the configuration file, applies defaults, and
// validates the result. Malformed configuration is fatal here, at
// startup, never at runtime.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	// Defaults
	if cfg.Connection.ReconnectDelay == 0 {
		cfg.Connection.ReconnectDelay = Duration(1000 * time.Millisecond)
	}
	if cfg.Connection.DialTimeout == 0 {
		cfg.Connection.DialTimeout = Duration(5 * time.Second)
	}
	for i := range cfg.Hosts {
		if cfg.Hosts[i].DialTimeout == 0 {
			cfg.Hosts[i].DialTimeout = time.Duration(cfg.Connection.DialTimeout)
		}
	}

	// Validation
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("config: at least one host is required")
	}
	for i, host := range cfg.Hosts {
		if host.Address == "" {
			return nil, fmt.Errorf("config: host %d has no address", i)
		}
	}

	return &cfg, nil
}
