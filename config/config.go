package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"swarm/protocol"
)

// Config holds both process roles; each subcommand reads its own section.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Log    LogConfig    `json:"log" yaml:"log" toml:"log"`
	Router RouterConfig `json:"router" yaml:"router" toml:"router"`
	Worker WorkerConfig `json:"worker" yaml:"worker" toml:"worker"`
}

// LogConfig selects the zerolog level and output format (json|console).
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// RouterConfig configures the master process.
type RouterConfig struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr"`
	APIKeys      []string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`
	DefaultModel string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	// ModelAliases are request model names treated as "no model given".
	ModelAliases []string `json:"model_aliases" yaml:"model_aliases" toml:"model_aliases"`
	// SessionTimeout closes a session that received no output for this long.
	// Negative disables it.
	SessionTimeout Duration `json:"session_timeout" yaml:"session_timeout" toml:"session_timeout"`
	LinkPath       string   `json:"link_path" yaml:"link_path" toml:"link_path"`
	PingPeriod     Duration `json:"ping_period" yaml:"ping_period" toml:"ping_period"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	RouterURL string             `json:"router_url" yaml:"router_url" toml:"router_url"`
	EngineURL string             `json:"engine_url" yaml:"engine_url" toml:"engine_url"`
	Model     protocol.ModelInfo `json:"model" yaml:"model" toml:"model"`
	GPU       protocol.GPUInfo   `json:"gpu" yaml:"gpu" toml:"gpu"`
	Memory    int                `json:"memory" yaml:"memory" toml:"memory"`

	PingInterval      Duration `json:"ping_interval" yaml:"ping_interval" toml:"ping_interval"`
	PollTimeout       Duration `json:"poll_timeout" yaml:"poll_timeout" toml:"poll_timeout"`
	OutputInterval    Duration `json:"output_interval" yaml:"output_interval" toml:"output_interval"`
	TaskTimeout       Duration `json:"task_timeout" yaml:"task_timeout" toml:"task_timeout"`
	ReconnectInterval Duration `json:"reconnect_interval" yaml:"reconnect_interval" toml:"reconnect_interval"`
	LinkPingPeriod    Duration `json:"link_ping_period" yaml:"link_ping_period" toml:"link_ping_period"`

	// DefaultTemperature applies to tasks that carry none. Nil until
	// ApplyDefaults; an explicit 0 is kept.
	DefaultTemperature *float64 `json:"default_temperature" yaml:"default_temperature" toml:"default_temperature"`
	MetricsAddr        string   `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
}

const defaultTemperature = 0.3

// Temperature returns the sampling temperature for tasks that carry none.
func (w WorkerConfig) Temperature() float64 {
	if w.DefaultTemperature == nil {
		return defaultTemperature
	}
	return *w.DefaultTemperature
}

// Duration is a time.Duration written as a Go duration string ("3s", "50ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	r := &c.Router
	if r.Addr == "" {
		r.Addr = ":3010"
	}
	if r.ModelAliases == nil {
		r.ModelAliases = []string{"gpt-3.5-turbo"}
	}
	if r.SessionTimeout == 0 {
		r.SessionTimeout = Duration(5 * time.Minute)
	}
	if r.LinkPath == "" {
		r.LinkPath = "/master/ws"
	}
	if r.PingPeriod == 0 {
		r.PingPeriod = Duration(15 * time.Second)
	}

	w := &c.Worker
	if w.RouterURL == "" {
		w.RouterURL = "ws://127.0.0.1:3010/master/ws"
	}
	if w.EngineURL == "" {
		w.EngineURL = "http://127.0.0.1:8000"
	}
	if w.PingInterval == 0 {
		w.PingInterval = Duration(3 * time.Second)
	}
	if w.PollTimeout == 0 {
		w.PollTimeout = Duration(15 * time.Second)
	}
	if w.OutputInterval == 0 {
		w.OutputInterval = Duration(50 * time.Millisecond)
	}
	if w.TaskTimeout == 0 {
		w.TaskTimeout = Duration(2 * time.Minute)
	}
	if w.ReconnectInterval == 0 {
		w.ReconnectInterval = Duration(3 * time.Second)
	}
	if w.LinkPingPeriod == 0 {
		w.LinkPingPeriod = Duration(15 * time.Second)
	}
	if w.DefaultTemperature == nil {
		t := defaultTemperature
		w.DefaultTemperature = &t
	}
}

// Load reads a configuration file based on its extension and applies
// defaults. Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
