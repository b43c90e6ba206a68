// Package config provides YAML-based configuration loading for the
// telemetry node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// NodeID is the local source identifier stamped on every envelope
	NodeID string `mapstructure:"node_id"`

	// DataDir base directory for persistent data
	DataDir string `mapstructure:"data_dir"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// MTU bounds the sealed frame size on the wire
	MTU int `mapstructure:"mtu"`

	// Pipeline holds conditioning and reassembly tuning
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// QoS holds the per-class egress shaping table
	QoS QoSConfig `mapstructure:"qos"`

	// Crypto holds the link key material
	Crypto CryptoConfig `mapstructure:"crypto"`

	// Transports list to configure multiple inbound/outbound links
	Transports []TransportConfig `mapstructure:"transports"`

	// Topics holds per-topic pipeline policy
	Topics []TopicConfig `mapstructure:"topics"`

	// Schemas registers payload schema ids beyond the built-in raw schema
	Schemas []SchemaConfig `mapstructure:"schemas"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// PipelineConfig tunes conditioning, reassembly and loss recovery.
type PipelineConfig struct {
	PaceIntervalMS   int `mapstructure:"pace_interval_ms"`
	ReorderWindow    int `mapstructure:"reorder_window"`
	ReorderHoldMS    int `mapstructure:"reorder_hold_ms"`
	DefragTimeoutMS  int `mapstructure:"defrag_timeout_ms"`
	DefragBudgetKB   int `mapstructure:"defrag_budget_kb"`
	BlockTimeoutMS   int `mapstructure:"block_timeout_ms"`
	FlushIntervalMS  int `mapstructure:"flush_interval_ms"`
	DriftWindowSize  int `mapstructure:"drift_window_size"`
	SessionIdleSecs  int `mapstructure:"session_idle_secs"`
	MaintainEveryMS  int `mapstructure:"maintain_every_ms"`
}

// QoSClassConfig shapes one priority class.
type QoSClassConfig struct {
	Rate     int64 `mapstructure:"rate"`
	Burst    int64 `mapstructure:"burst"`
	QueueLen int   `mapstructure:"queue_len"`
}

// QoSConfig is the egress shaping table, highest class first.
type QoSConfig struct {
	MaxWaitMS int              `mapstructure:"max_wait_ms"`
	Classes   []QoSClassConfig `mapstructure:"classes"`
}

// CryptoConfig holds link key material, base64url (no padding) raw bytes.
type CryptoConfig struct {
	SigningKey     string `mapstructure:"signing_key"`      // ed25519 private
	PeerVerifyKey  string `mapstructure:"peer_verify_key"`  // ed25519 public
	KXPrivateKey   string `mapstructure:"kx_private_key"`   // x25519 private
	PeerKXPublic   string `mapstructure:"peer_kx_public"`   // x25519 public
	RotateMsgs     uint64 `mapstructure:"rotate_msgs"`
	RotateInterval string `mapstructure:"rotate_interval"` // duration string
}

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: quic
//     listen: [":4433"]
//     dial:
//       - address: "10.0.0.2:4433"
//         peer_id: "base-station"
//   - kind: nats
//     dial:
//       - address: "nats://127.0.0.1:4222|robot.tx|robot.rx"
//   - kind: dtn
//     inner: quic
//     spool_kb: 8192
type TransportConfig struct {
	Kind    string           `mapstructure:"kind"`
	Listen  []string         `mapstructure:"listen"`
	Dial    []PeerDialConfig `mapstructure:"dial"`
	Inner   string           `mapstructure:"inner"`    // dtn only
	SpoolKB int              `mapstructure:"spool_kb"` // dtn only
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}

// TopicConfig sets per-topic pipeline policy. Topics without an entry use
// the zero policy: no compression, no delta, k=1 m=0, priority P2.
type TopicConfig struct {
	Topic          string  `mapstructure:"topic"`
	Priority       int     `mapstructure:"priority"`
	Compression    string  `mapstructure:"compression"` // none, s2, zstd
	Delta          bool    `mapstructure:"delta"`
	DeltaThreshold float64 `mapstructure:"delta_threshold"`
	FECDataShards  int     `mapstructure:"fec_data_shards"`
	FECParity      int     `mapstructure:"fec_parity"`
	FECAdaptive    bool    `mapstructure:"fec_adaptive"`
	FECParityMax   int     `mapstructure:"fec_parity_max"`
	Reliable       bool    `mapstructure:"reliable"` // request retransmit of lost blocks
}

// SchemaConfig binds one envelope schema id to a payload content type.
// An empty content type means opaque raw bytes.
type SchemaConfig struct {
	ID          uint32 `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	ContentType string `mapstructure:"content_type"` // e.g. application/json
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "aria-node",
		NodeID:  "robot-1",
		DataDir: "./data",
		MTU:     1400,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/aria.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Pipeline: PipelineConfig{
			PaceIntervalMS:  10,
			ReorderWindow:   10,
			ReorderHoldMS:   100,
			DefragTimeoutMS: 5000,
			DefragBudgetKB:  4096,
			BlockTimeoutMS:  5000,
			FlushIntervalMS: 50,
			DriftWindowSize: 100,
			SessionIdleSecs: 300,
			MaintainEveryMS: 100,
		},
		QoS: QoSConfig{
			MaxWaitMS: 2000,
			Classes: []QoSClassConfig{
				{Rate: 1000, Burst: 100, QueueLen: 1000},
				{Rate: 500, Burst: 50, QueueLen: 500},
				{Rate: 200, Burst: 20, QueueLen: 200},
				{Rate: 50, Burst: 10, QueueLen: 100},
			},
		},
		Transports: []TransportConfig{
			{Kind: "quic", Listen: []string{":4433"}},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix ARIA and `.`/`-` are replaced with `_`.
// Example: ARIA_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ARIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("mtu", cfg.MTU)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("pipeline.pace_interval_ms", cfg.Pipeline.PaceIntervalMS)
	v.SetDefault("pipeline.reorder_window", cfg.Pipeline.ReorderWindow)
	v.SetDefault("pipeline.reorder_hold_ms", cfg.Pipeline.ReorderHoldMS)
	v.SetDefault("pipeline.defrag_timeout_ms", cfg.Pipeline.DefragTimeoutMS)
	v.SetDefault("pipeline.defrag_budget_kb", cfg.Pipeline.DefragBudgetKB)
	v.SetDefault("pipeline.block_timeout_ms", cfg.Pipeline.BlockTimeoutMS)
	v.SetDefault("pipeline.flush_interval_ms", cfg.Pipeline.FlushIntervalMS)
	v.SetDefault("pipeline.drift_window_size", cfg.Pipeline.DriftWindowSize)
	v.SetDefault("pipeline.session_idle_secs", cfg.Pipeline.SessionIdleSecs)
	v.SetDefault("pipeline.maintain_every_ms", cfg.Pipeline.MaintainEveryMS)
	v.SetDefault("qos.max_wait_ms", cfg.QoS.MaxWaitMS)
	v.SetDefault("qos.classes", cfg.QoS.Classes)
	v.SetDefault("transports", cfg.Transports)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("ARIA_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aria")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aria"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// List sections must replace the defaults, not merge element-wise with
	// them; clear the pre-populated slices so the decoded value is what the
	// file (or the seeded viper default) actually says.
	cfg.QoS.Classes = nil
	cfg.Transports = nil

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "robot-1"
	}
	if c.MTU < 64 {
		return fmt.Errorf("mtu %d too small", c.MTU)
	}
	if n := len(c.QoS.Classes); n != 0 && n != 4 {
		return fmt.Errorf("qos.classes needs exactly 4 entries, got %d", n)
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
	}
	for i := range c.Topics {
		t := &c.Topics[i]
		if t.Topic == "" {
			return fmt.Errorf("topics[%d]: empty topic", i)
		}
		if t.Priority < 0 || t.Priority > 3 {
			return fmt.Errorf("topic %q: priority %d outside 0..3", t.Topic, t.Priority)
		}
		if t.FECDataShards == 0 {
			t.FECDataShards = 1
		}
	}
	for i := range c.Schemas {
		if c.Schemas[i].ID == 0 {
			return fmt.Errorf("schemas[%d]: id 0 is reserved", i)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
