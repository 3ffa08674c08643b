// Package kafka produces detection results and PLC status changes to Kafka.
package kafka

import (
	"crypto/tls"
	"time"

	"visiongate/config"
	"visiongate/namespace"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds configuration for a Kafka cluster connection.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool

	// Topics: results go to Topic, status changes to Topic + ".status".
	Topic string
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1, // All replicas must acknowledge
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
		Topic:            "visiongate.results",
	}
}

// FromConfig converts the persisted cluster settings, filling unset fields
// from DefaultConfig. The topic defaults to <namespace>.results.
func FromConfig(c config.KafkaConfig, ns string) Config {
	cfg := DefaultConfig(c.Name)
	cfg.Enabled = c.Enabled
	if len(c.Brokers) > 0 {
		cfg.Brokers = c.Brokers
	}
	cfg.UseTLS = c.UseTLS
	cfg.TLSSkipVerify = c.TLSSkipVerify
	cfg.SASLMechanism = SASLMechanism(c.SASLMechanism)
	cfg.Username = c.Username
	cfg.Password = c.Password
	if c.RequiredAcks != 0 {
		cfg.RequiredAcks = c.RequiredAcks
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryBackoff > 0 {
		cfg.RetryBackoff = c.RetryBackoff
	}
	if c.AutoCreateTopics != nil {
		cfg.AutoCreateTopics = *c.AutoCreateTopics
	}

	switch {
	case c.Topic != "":
		cfg.Topic = c.Topic
	case ns != "":
		cfg.Topic = namespace.New(ns, c.Selector).KafkaResultTopic()
	}
	return cfg
}

// StatusTopic returns the topic for status changes.
func (c *Config) StatusTopic() string {
	return namespace.KafkaStatusTopic(c.Topic)
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
