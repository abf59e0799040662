package config

import (
	"fmt"
	"time"
)

// Config represents a tether.yaml configuration file.
// All values are optional and act as defaults for tether serve flags.
// CLI flags always override config values.
type Config struct {
	Bind       string           `yaml:"bind"`
	Port       int              `yaml:"port"`
	Multiplex  bool             `yaml:"multiplex"`
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Clients    ClientsConfig    `yaml:"clients"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Adapter    AdapterConfig    `yaml:"adapter"`
}

// ServerConfig holds transport timeouts and limits.
type ServerConfig struct {
	HandshakeTimeout    Duration `yaml:"handshake_timeout"`
	FrameReadTimeout    Duration `yaml:"frame_read_timeout"`
	ProcessStartTimeout Duration `yaml:"process_start_timeout"`
	ConnectTimeout      Duration `yaml:"connect_timeout"`
	CrashGrace          Duration `yaml:"crash_grace"`
	StopTimeout         Duration `yaml:"stop_timeout"`
	MaxPayloadSize      uint32   `yaml:"max_payload_size"`
}

// ClientsConfig describes the clients tether serve launches.
type ClientsConfig struct {
	Exe    string            `yaml:"exe"`
	Script string            `yaml:"script"`
	Args   []string          `yaml:"args"`
	Count  int               `yaml:"count"`
	Env    map[string]string `yaml:"env,omitempty"`
}

// TranscriptConfig selects where commands are recorded.
// Backend is "file" (capture file at Path), "fs" (Lode dataset under Path)
// or "s3" (Lode dataset in bucket/prefix Path).
type TranscriptConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Dataset     string `yaml:"dataset"`
	FlushEvery  int    `yaml:"flush_every"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds session event adapter defaults.
type AdapterConfig struct {
	Type       string            `yaml:"type"`
	URL        string            `yaml:"url"`
	Channel    string            `yaml:"channel,omitempty"`
	PerSession bool              `yaml:"per_session,omitempty"`
	StateTTL   Duration          `yaml:"state_ttl,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Events     []string          `yaml:"events,omitempty"`
	Timeout    Duration          `yaml:"timeout,omitempty"`
	Retries    *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks values that YAML typing cannot.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Clients.Count < 0 {
		return fmt.Errorf("clients.count must not be negative, got %d", c.Clients.Count)
	}
	switch c.Transcript.Backend {
	case "", "file", "fs", "s3":
	default:
		return fmt.Errorf("unknown transcript backend %q (must be file, fs or s3)", c.Transcript.Backend)
	}
	if c.Transcript.Backend != "" && c.Transcript.Path == "" {
		return fmt.Errorf("transcript.path is required for backend %q", c.Transcript.Backend)
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		return fmt.Errorf("unknown adapter type %q (must be webhook or redis)", c.Adapter.Type)
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		return fmt.Errorf("adapter.url is required for adapter %q", c.Adapter.Type)
	}
	return nil
}
