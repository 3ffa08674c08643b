package kafka

import (
	"context"
	"testing"
	"time"

	"visiongate/config"
	"visiongate/publish"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := FromConfig(config.KafkaConfig{Name: "plant"}, "visiongate")
		if cfg.Topic != "visiongate.results" || cfg.StatusTopic() != "visiongate.results.status" {
			t.Errorf("topics = %q, %q", cfg.Topic, cfg.StatusTopic())
		}
		if cfg.RequiredAcks != -1 || cfg.MaxRetries != 3 || !cfg.AutoCreateTopics {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
		if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
			t.Errorf("Brokers = %v", cfg.Brokers)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		off := false
		cfg := FromConfig(config.KafkaConfig{
			Name:             "plant",
			Enabled:          true,
			Brokers:          []string{"k1:9092", "k2:9092"},
			SASLMechanism:    "SCRAM-SHA-512",
			RequiredAcks:     1,
			MaxRetries:       5,
			RetryBackoff:     time.Second,
			Topic:            "line1.detections",
			AutoCreateTopics: &off,
		}, "visiongate")
		if cfg.Topic != "line1.detections" || cfg.SASLMechanism != SASLSCRAMSHA512 {
			t.Errorf("cfg = %+v", cfg)
		}
		if cfg.RequiredAcks != 1 || cfg.MaxRetries != 5 || cfg.RetryBackoff != time.Second || cfg.AutoCreateTopics {
			t.Errorf("producer settings = %+v", cfg)
		}
	})

	t.Run("selector", func(t *testing.T) {
		cfg := FromConfig(config.KafkaConfig{Selector: "cam2"}, "plant")
		if cfg.Topic != "plant.cam2.results" {
			t.Errorf("Topic = %q", cfg.Topic)
		}
	})
}

func TestGetTLSConfig(t *testing.T) {
	cfg := DefaultConfig("a")
	if cfg.GetTLSConfig() != nil {
		t.Error("TLS disabled should return nil")
	}
	cfg.UseTLS = true
	cfg.TLSSkipVerify = true
	if tc := cfg.GetTLSConfig(); tc == nil || !tc.InsecureSkipVerify {
		t.Error("expected TLS config with InsecureSkipVerify")
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mech SASLMechanism
		user string
		want bool
	}{
		{SASLPlain, "u", true},
		{SASLSCRAMSHA256, "u", true},
		{SASLSCRAMSHA512, "u", true},
		{SASLNone, "u", false},
		{SASLPlain, "", false},
	}
	for _, tt := range tests {
		cfg := DefaultConfig("a")
		cfg.SASLMechanism = tt.mech
		cfg.Username = tt.user
		cfg.Password = "p"
		got := NewProducer(&cfg).getSASLMechanism() != nil
		if got != tt.want {
			t.Errorf("%q user=%q: mechanism present = %v, want %v", tt.mech, tt.user, got, tt.want)
		}
	}
}

func TestStatusKey(t *testing.T) {
	if got := StatusKey(publish.StatusEvent{IP: "192.168.0.17", DB: 4}); got != "192.168.0.17/DB4" {
		t.Errorf("StatusKey() = %q", got)
	}
}

func TestProducer_NotConnected(t *testing.T) {
	cfg := DefaultConfig("plant")
	p := NewProducer(&cfg)
	if p.IsRunning() || p.Name() != "kafka/plant" {
		t.Errorf("running=%v name=%q", p.IsRunning(), p.Name())
	}
	// Disabled producers start as a no-op.
	if err := p.Start(); err != nil {
		t.Errorf("Start on disabled producer: %v", err)
	}
	if err := p.Produce(context.Background(), "t", nil, []byte("x")); err == nil {
		t.Error("expected error producing while disconnected")
	}
	if err := p.PublishResult(publish.ResultEvent{ID: "r1"}); err == nil {
		t.Error("expected error publishing while disconnected")
	}
	p.Stop()
	if p.GetStatus() != StatusDisconnected {
		t.Errorf("status = %v", p.GetStatus())
	}
}
