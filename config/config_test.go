package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PLC.IP != "192.168.1.10" || cfg.PLC.DB != 4 || cfg.PLC.Rack != 0 || cfg.PLC.Slot != 1 || cfg.PLC.ConnType != 2 {
		t.Errorf("unexpected PLC defaults: %+v", cfg.PLC)
	}
	if cfg.PLC.TriggerOffset != 0 || cfg.PLC.ResultOffset != 2 {
		t.Errorf("expected DBW0/DBW2, got %d/%d", cfg.PLC.TriggerOffset, cfg.PLC.ResultOffset)
	}
	if cfg.PLC.ArmValue != 1 || cfg.PLC.AckValue != 2 {
		t.Errorf("expected arm=1 ack=2, got %d/%d", cfg.PLC.ArmValue, cfg.PLC.AckValue)
	}
	if cfg.Detect.DefaultModel != "best.pt" || cfg.Detect.MinConfidence != 0.1 {
		t.Errorf("unexpected detect defaults: %+v", cfg.Detect)
	}
	if cfg.Detect.EmptyResultClass != 0 {
		t.Error("empty-result write-back should be disabled by default")
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 8080 {
		t.Errorf("unexpected web defaults: %+v", cfg.Web)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	p := DefaultPath()
	if !strings.HasSuffix(p, filepath.Join(".visiongate", "config.yaml")) && p != "config.yaml" {
		t.Errorf("DefaultPath() = %q", p)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PLC.PollInterval != 500*time.Millisecond {
			t.Error("expected default config")
		}
		if _, err := os.Stat(filepath.Join(tmpDir, "nonexistent.yaml")); !os.IsNotExist(err) {
			t.Error("Load should not create the file")
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test.yaml")

		cfg := DefaultConfig()
		cfg.PLC.IP = "192.168.0.17"
		cfg.PLC.Transport = "modbus"
		cfg.Detect.EmptyResultClass = 2
		cfg.MQTT = []MQTTConfig{{Name: "line1", Broker: "mqtt.local", Port: 1883, Enabled: true}}
		cfg.Kafka = []KafkaConfig{{Name: "plant", Brokers: []string{"k1:9092"}, Topic: "detections"}}

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.PLC.IP != "192.168.0.17" || loaded.PLC.Transport != "modbus" {
			t.Errorf("PLC config not preserved: %+v", loaded.PLC)
		}
		if loaded.Detect.EmptyResultClass != 2 {
			t.Error("detect config not preserved")
		}
		if len(loaded.MQTT) != 1 || loaded.MQTT[0].Broker != "mqtt.local" {
			t.Error("MQTT config not preserved")
		}
		if len(loaded.Kafka) != 1 || loaded.Kafka[0].Topic != "detections" {
			t.Error("Kafka config not preserved")
		}
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(tmpDir, "partial.yaml")
		os.WriteFile(path, []byte("plc:\n  ip: 10.0.0.5\n"), 0644)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PLC.IP != "10.0.0.5" || cfg.PLC.DB != 4 || cfg.PLC.ResultOffset != 2 {
			t.Errorf("unexpected PLC config: %+v", cfg.PLC)
		}
	})

	t.Run("creates directory if needed", func(t *testing.T) {
		path := filepath.Join(tmpDir, "subdir", "nested", "config.yaml")
		if err := DefaultConfig().Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("config file was not created")
		}
	})

	t.Run("returns error for invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.yaml")
		os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644)

		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PLC_IP":          "192.168.0.17",
		"PLC_DB":          "4",
		"PLC_RACK":        "0",
		"PLC_SLOT":        "1",
		"PLC_CONN_TYPE":   "3",
		"PLC_TRANSPORT":   "sim",
		"YOLO_CONF":       "0.35",
		"YOLO_MODEL":      "line2.pt",
		"MODEL_DIR":       "/srv/models",
		"INFERENCE_URL":   "http://infer:9000/predict",
		"VISIONGATE_PORT": "9090",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.PLC.IP != "192.168.0.17" || cfg.PLC.ConnType != 3 || cfg.PLC.Transport != "sim" {
		t.Errorf("PLC = %+v", cfg.PLC)
	}
	if cfg.Detect.MinConfidence != 0.35 || cfg.Detect.DefaultModel != "line2.pt" || cfg.Detect.ModelDir != "/srv/models" {
		t.Errorf("Detect = %+v", cfg.Detect)
	}
	if cfg.Detect.InferenceURL != "http://infer:9000/predict" || cfg.Web.Port != 9090 {
		t.Errorf("url=%q port=%d", cfg.Detect.InferenceURL, cfg.Web.Port)
	}

	t.Run("unset keeps values", func(t *testing.T) {
		cfg := DefaultConfig()
		if err := cfg.ApplyEnv(func(string) string { return "" }); err != nil {
			t.Fatalf("ApplyEnv: %v", err)
		}
		if cfg.PLC.IP != "192.168.1.10" || cfg.Detect.MinConfidence != 0.1 {
			t.Error("unset variables changed the config")
		}
	})

	t.Run("malformed numbers", func(t *testing.T) {
		cfg := DefaultConfig()
		bad := map[string]string{"PLC_DB": "four", "YOLO_CONF": "high"}
		err := cfg.ApplyEnv(func(k string) string { return bad[k] })
		if err == nil || !strings.Contains(err.Error(), "PLC_DB") || !strings.Contains(err.Error(), "YOLO_CONF") {
			t.Errorf("err = %v", err)
		}
		if cfg.PLC.DB != 4 {
			t.Error("malformed value should not be applied")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errSub string
	}{
		{"unknown transport", func(c *Config) { c.PLC.Transport = "profinet" }, "transport"},
		{"negative db", func(c *Config) { c.PLC.DB = -1 }, "plc.db"},
		{"odd trigger offset", func(c *Config) { c.PLC.TriggerOffset = 1 }, "trigger_offset"},
		{"odd result offset", func(c *Config) { c.PLC.ResultOffset = 3 }, "result_offset"},
		{"same offsets", func(c *Config) { c.PLC.ResultOffset = 0 }, "must differ"},
		{"same values", func(c *Config) { c.PLC.AckValue = 1 }, "arm_value"},
		{"confidence above one", func(c *Config) { c.Detect.MinConfidence = 1.5 }, "min_confidence"},
		{"negative confidence", func(c *Config) { c.Detect.MinConfidence = -0.1 }, "min_confidence"},
		{"bad port", func(c *Config) { c.Web.Port = 70000 }, "web.port"},
		{"admin without hash", func(c *Config) { c.Web.AdminUser = "op" }, "admin_password_hash"},
		{"bad namespace", func(c *Config) { c.Namespace = "line 1" }, "namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"visiongate", true},
		{"line-1_cam.a", true},
		{"", false},
		{"line 1", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		if got := IsValidNamespace(tt.ns); got != tt.want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tt.ns, got, tt.want)
		}
	}
}
