// Package mqtt publishes detection results and PLC status to MQTT brokers.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"visiongate/config"
	"visiongate/logging"
	"visiongate/namespace"
	"visiongate/publish"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// Topic suffixes under the root topic.
const (
	TopicResult = "result"
	TopicStatus = "status"
	TopicReset  = "cmd/reset"
)

// CommandResponse is published on <root>/cmd/reset/response.
type CommandResponse struct {
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ResetHandler handles a counter reset requested over MQTT.
type ResetHandler func() error

// Publisher handles the MQTT connection to a single broker. It implements publish.Sink.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	resetHandler ResetHandler
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{config: cfg, namespace: ns}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "mqtt/" + p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetResetHandler sets the callback for counter reset commands.
func (p *Publisher) SetResetHandler(h ResetHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetHandler = h
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// RootTopic returns the topic prefix: namespace, then the optional selector.
func (p *Publisher) RootTopic() string {
	return namespace.New(p.namespace, p.config.Selector).MQTTBase()
}

// Topic returns the full topic for suffix.
func (p *Publisher) Topic(suffix string) string {
	return namespace.New(p.namespace, p.config.Selector).MQTTTopic(suffix)
}

// Start connects to the MQTT broker. Disabled publishers are not started.
func (p *Publisher) Start() error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "visiongate-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		// Subscriptions are lost on reconnect with a clean session.
		p.subscribeCommands(c)
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
}

// PublishResult publishes a detection result on <root>/result.
func (p *Publisher) PublishResult(ev publish.ResultEvent) error {
	return p.publishJSON(p.Topic(TopicResult), false, ev)
}

// PublishStatus publishes the PLC status on <root>/status, retained so new
// subscribers see the current state.
func (p *Publisher) PublishStatus(ev publish.StatusEvent) error {
	return p.publishJSON(p.Topic(TopicStatus), true, ev)
}

func (p *Publisher) publishJSON(topic string, retained bool, v interface{}) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return fmt.Errorf("mqtt %s: not connected", p.config.Name)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	token := client.Publish(topic, 1, retained, payload)
	// Use timeout to prevent blocking
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("mqtt %s: publish to %s timed out", p.config.Name, topic)
	}
	return token.Error()
}

func (p *Publisher) subscribeCommands(client pahomqtt.Client) {
	topic := p.Topic(TopicReset)
	logMQTT("Subscribing to command topic: %s", topic)
	token := client.Subscribe(topic, 1, p.handleReset)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		logMQTT("Failed to subscribe to %s: %v", topic, token.Error())
	}
}

func (p *Publisher) handleReset(client pahomqtt.Client, msg pahomqtt.Message) {
	p.mu.RLock()
	handler := p.resetHandler
	p.mu.RUnlock()

	resp := CommandResponse{Command: "reset", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if handler == nil {
		resp.Error = "no reset handler configured"
	} else if err := handler(); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}
	logMQTT("Counter reset via %s: success=%v", msg.Topic(), resp.Success)

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	// Must not wait on a token inside a paho callback.
	go func() {
		token := client.Publish(msg.Topic()+"/response", 1, false, payload)
		token.WaitTimeout(2 * time.Second)
	}()
}
