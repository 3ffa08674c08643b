// Package config handles configuration persistence for visiongate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // topic/key prefix for the sinks
	PLC       PLCConfig      `yaml:"plc"`
	Detect    DetectConfig   `yaml:"detect"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Pushes    []PushConfig   `yaml:"pushes,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes the PLC connection and the handshake registers.
type PLCConfig struct {
	IP            string        `yaml:"ip"`
	Port          int           `yaml:"port,omitempty"` // 0 = transport default
	DB            int           `yaml:"db"`
	Rack          int           `yaml:"rack"`
	Slot          int           `yaml:"slot"`
	ConnType      int           `yaml:"connection_type"`     // S7 connection type (1=PG, 2=OP, 3=S7 basic)
	Transport     string        `yaml:"transport"`           // s7, modbus or sim
	Timeout       time.Duration `yaml:"timeout,omitempty"`   // dial and I/O timeout
	TriggerOffset int           `yaml:"trigger_offset"`      // byte offset of the trigger word
	ResultOffset  int           `yaml:"result_offset"`       // byte offset of the result word
	ArmValue      int16         `yaml:"arm_value"`           // trigger value requesting a detection
	AckValue      int16         `yaml:"ack_value"`           // trigger value written after a detection
	AutoConnect   bool          `yaml:"auto_connect"`        // connect once at startup
	PollInterval  time.Duration `yaml:"poll_interval"`       // background status poll
	SimRearm      time.Duration `yaml:"sim_rearm,omitempty"` // sim transport: delay before re-arming
}

// DetectConfig holds the detection parameters.
type DetectConfig struct {
	ModelDir         string        `yaml:"model_dir"`
	DefaultModel     string        `yaml:"default_model"`
	MinConfidence    float64       `yaml:"min_confidence"`
	InferenceURL     string        `yaml:"inference_url,omitempty"` // empty = simulated detector
	InferenceTimeout time.Duration `yaml:"inference_timeout,omitempty"`
	EmptyResultClass int           `yaml:"empty_result_class,omitempty"` // 0 = no write-back for empty frames
	ClassNames       []string      `yaml:"class_names,omitempty"`
}

// WebConfig holds web server configuration.
type WebConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	AdminUser    string   `yaml:"admin_user,omitempty"`
	AdminHash    string   `yaml:"admin_password_hash,omitempty"` // bcrypt
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port format
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database"`
	Selector string        `yaml:"selector,omitempty"`
	UseTLS   bool          `yaml:"use_tls,omitempty"`
	KeyTTL   time.Duration `yaml:"key_ttl,omitempty"` // 0 = no expiry
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name             string        `yaml:"name"`
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	UseTLS           bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty"`
	Topic            string        `yaml:"topic"`
	Selector         string        `yaml:"selector,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty"` // default true
}

// Push auth types.
const (
	PushAuthNone         = ""
	PushAuthBearer       = "bearer"
	PushAuthJWT          = "jwt"
	PushAuthBasic        = "basic"
	PushAuthCustomHeader = "custom_header"
)

// PushAuthConfig holds the credentials sent with a push request.
type PushAuthConfig struct {
	Type        string `yaml:"type,omitempty"`
	Token       string `yaml:"token,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	HeaderName  string `yaml:"header_name,omitempty"`
	HeaderValue string `yaml:"header_value,omitempty"`
}

// PushConfig describes an HTTP endpoint notified of detection results.
type PushConfig struct {
	Name        string            `yaml:"name"`
	Enabled     bool              `yaml:"enabled"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`       // default POST
	ContentType string            `yaml:"content_type,omitempty"` // default application/json
	Headers     map[string]string `yaml:"headers,omitempty"`
	Body        string            `yaml:"body,omitempty"` // template with #field references; empty sends the result JSON
	Auth        PushAuthConfig    `yaml:"auth,omitempty"`
	Classes     []int             `yaml:"classes,omitempty"`      // only these class ids; empty = all
	WrittenOnly bool              `yaml:"written_only,omitempty"` // only results written back to the PLC
	CooldownMin time.Duration     `yaml:"cooldown_min,omitempty"` // minimum time between requests
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "visiongate",
		PLC: PLCConfig{
			IP:            "192.168.1.10",
			DB:            4,
			Rack:          0,
			Slot:          1,
			ConnType:      2,
			Transport:     "s7",
			Timeout:       5 * time.Second,
			TriggerOffset: 0,
			ResultOffset:  2,
			ArmValue:      1,
			AckValue:      2,
			PollInterval:  500 * time.Millisecond,
		},
		Detect: DetectConfig{
			ModelDir:         "model",
			DefaultModel:     "best.pt",
			MinConfidence:    0.1,
			InferenceTimeout: 10 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
		Pushes: []PushConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.visiongate/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".visiongate", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save marshals the config and writes it to path.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Getenv is the environment lookup used by ApplyEnv.
type Getenv func(key string) string

// ApplyEnv overrides fields from environment variables. Unset variables are
// ignored; malformed numbers are reported.
func (c *Config) ApplyEnv(getenv Getenv) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	var errs []string
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: not an integer", key, v))
			return
		}
		*dst = n
	}

	str("PLC_IP", &c.PLC.IP)
	num("PLC_DB", &c.PLC.DB)
	num("PLC_RACK", &c.PLC.Rack)
	num("PLC_SLOT", &c.PLC.Slot)
	num("PLC_CONN_TYPE", &c.PLC.ConnType)
	str("PLC_TRANSPORT", &c.PLC.Transport)
	str("YOLO_MODEL", &c.Detect.DefaultModel)
	str("MODEL_DIR", &c.Detect.ModelDir)
	str("INFERENCE_URL", &c.Detect.InferenceURL)
	num("VISIONGATE_PORT", &c.Web.Port)

	if v := strings.TrimSpace(getenv("YOLO_CONF")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("YOLO_CONF=%q: not a number", v))
		} else {
			c.Detect.MinConfidence = f
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots")
	}

	p := c.PLC
	switch p.Transport {
	case "s7", "modbus", "sim":
	default:
		return fmt.Errorf("plc.transport %q: must be s7, modbus or sim", p.Transport)
	}
	if p.DB < 0 {
		return fmt.Errorf("plc.db %d: must not be negative", p.DB)
	}
	if p.TriggerOffset < 0 || p.TriggerOffset%2 != 0 {
		return fmt.Errorf("plc.trigger_offset %d: must be a non-negative even byte offset", p.TriggerOffset)
	}
	if p.ResultOffset < 0 || p.ResultOffset%2 != 0 {
		return fmt.Errorf("plc.result_offset %d: must be a non-negative even byte offset", p.ResultOffset)
	}
	if p.TriggerOffset == p.ResultOffset {
		return fmt.Errorf("plc.trigger_offset and plc.result_offset must differ")
	}
	if p.ArmValue == p.AckValue {
		return fmt.Errorf("plc.arm_value and plc.ack_value must differ")
	}

	d := c.Detect
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		return fmt.Errorf("detect.min_confidence %v: must be within [0, 1]", d.MinConfidence)
	}
	if d.EmptyResultClass < 0 || d.EmptyResultClass > 32767 {
		return fmt.Errorf("detect.empty_result_class %d: out of range", d.EmptyResultClass)
	}

	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		return fmt.Errorf("web.port %d: out of range", c.Web.Port)
	}
	if c.Web.AdminUser != "" && c.Web.AdminHash == "" {
		return fmt.Errorf("web.admin_password_hash is required when web.admin_user is set")
	}

	for _, push := range c.Pushes {
		if !push.Enabled {
			continue
		}
		if push.URL == "" {
			return fmt.Errorf("push %q: url is required", push.Name)
		}
		switch push.Auth.Type {
		case PushAuthNone, PushAuthBearer, PushAuthJWT, PushAuthBasic, PushAuthCustomHeader:
		default:
			return fmt.Errorf("push %q: unknown auth type %q", push.Name, push.Auth.Type)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
