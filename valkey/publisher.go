// Package valkey stores detection results and PLC status in Valkey/Redis and
// announces results on a Pub/Sub channel.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"visiongate/config"
	"visiongate/logging"
	"visiongate/namespace"
	"visiongate/publish"
)

// HistoryLength is the number of results kept in the history list.
const HistoryLength = 100

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// Keys holds the key and channel names used by a publisher.
type Keys struct {
	LastResult string // JSON of the latest result
	History    string // list of recent results, newest first
	Counts     string // hash of written-back detections per class
	Status     string // JSON of the PLC status
	Results    string // Pub/Sub channel for results
}

// KeysFor builds the key names under namespace and the optional selector.
func KeysFor(ns, selector string) Keys {
	b := namespace.New(ns, selector)
	return Keys{
		LastResult: b.ValkeyKey("result", "last"),
		History:    b.ValkeyKey("result", "history"),
		Counts:     b.ValkeyKey("counts"),
		Status:     b.ValkeyKey("status"),
		Results:    b.ValkeyKey("results"),
	}
}

// Publisher handles publishing to a Valkey server. It implements publish.Sink.
type Publisher struct {
	config  *config.ValkeyConfig
	keys    Keys
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config: cfg,
		keys:   KeysFor(ns, cfg.Selector),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "valkey/" + p.config.Name
}

// Keys returns the key names in use.
func (p *Publisher) Keys() Keys {
	return p.keys
}

// Start connects to the Valkey server. Disabled publishers are not started.
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

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) conn() (*redis.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running || p.client == nil {
		return nil, fmt.Errorf("valkey %s: not connected", p.config.Name)
	}
	return p.client, nil
}

// PublishResult stores the result as the latest, prepends it to the history,
// counts written-back classes and announces it on the results channel, in
// one transaction.
func (p *Publisher) PublishResult(ev publish.ResultEvent) error {
	client, err := p.conn()
	if err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	// Use a short timeout to prevent blocking
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.keys.LastResult, data, p.config.KeyTTL)
		pipe.LPush(ctx, p.keys.History, data)
		pipe.LTrim(ctx, p.keys.History, 0, HistoryLength-1)
		if ev.PLCWritten {
			pipe.HIncrBy(ctx, p.keys.Counts, strconv.Itoa(ev.ClassID), 1)
		}
		pipe.Publish(ctx, p.keys.Results, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// PublishStatus stores the PLC status.
func (p *Publisher) PublishStatus(ev publish.StatusEvent) error {
	client, err := p.conn()
	if err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.keys.Status, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// ResetCounts deletes the per-class counts, after an operator reset.
func (p *Publisher) ResetCounts() error {
	client, err := p.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Del(ctx, p.keys.Counts).Err()
}
