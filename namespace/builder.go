// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// Join joins segments with sep, trimming sep from each segment and skipping
// empty ones ("a//b" and "/a/b/" never occur).
func Join(sep string, segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, sep)
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

// --- MQTT (delimiter: /) ---

// MQTTBase returns the topic prefix: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return Join("/", b.namespace, b.selector)
}

// MQTTTopic returns {ns}[/{sel}]/{suffix}
func (b *Builder) MQTTTopic(suffix string) string {
	return Join("/", b.MQTTBase(), suffix)
}

// --- Valkey (delimiter: :) ---

// ValkeyBase returns the key prefix: {ns}[:{sel}]
func (b *Builder) ValkeyBase() string {
	return Join(":", b.namespace, b.selector)
}

// ValkeyKey returns {ns}[:{sel}]:{parts...}
func (b *Builder) ValkeyKey(parts ...string) string {
	return Join(":", append([]string{b.ValkeyBase()}, parts...)...)
}

// --- Kafka (delimiter: .) ---

// KafkaResultTopic returns the topic for detection results: {ns}[.{sel}].results
func (b *Builder) KafkaResultTopic() string {
	return Join(".", b.namespace, b.selector, "results")
}

// KafkaStatusTopic returns the status topic paired with a result topic: {topic}.status
func KafkaStatusTopic(resultTopic string) string {
	return Join(".", resultTopic, "status")
}
