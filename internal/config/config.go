package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standevel/linkup-api/internal/engine"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Media   MediaConfig   `yaml:"media"`
	Fanout  FanoutConfig  `yaml:"fanout"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains signaling server configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	BindAddress     string `yaml:"bind_address"`
	ReadLimit       int64  `yaml:"read_limit"`       // bytes
	WriteTimeout    int    `yaml:"write_timeout"`    // seconds
	PingInterval    int    `yaml:"ping_interval"`    // seconds
	PongTimeout     int    `yaml:"pong_timeout"`     // seconds
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// HTTPConfig contains HTTP monitoring server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// MediaConfig contains worker pool and router media parameters
type MediaConfig struct {
	NumWorkers       int           `yaml:"num_workers"` // 0 means one per CPU
	WorkerStrategy   string        `yaml:"worker_strategy"`
	RTCMinPort       int           `yaml:"rtc_min_port"`
	RTCMaxPort       int           `yaml:"rtc_max_port"`
	ListenIP         string        `yaml:"listen_ip"`
	AnnouncedIP      string        `yaml:"announced_ip"`
	WorkerDeathGrace int           `yaml:"worker_death_grace"` // seconds
	Codecs           []CodecConfig `yaml:"codecs"`
}

// CodecConfig describes one media codec routers are created with
type CodecConfig struct {
	Kind       string            `yaml:"kind"`
	MimeType   string            `yaml:"mime_type"`
	ClockRate  uint32            `yaml:"clock_rate"`
	Channels   uint16            `yaml:"channels"`
	Parameters map[string]string `yaml:"parameters"`
}

// FanoutConfig contains cross-instance event bus configuration
type FanoutConfig struct {
	Backend  string `yaml:"backend"` // "redis" or "memory"
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if len(config.Media.Codecs) == 0 {
		config.Media.Codecs = DefaultCodecs()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// DefaultCodecs returns the codec table routers use when the config
// file does not override it.
func DefaultCodecs() []CodecConfig {
	return []CodecConfig{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000},
		{Kind: "video", MimeType: "video/VP9", ClockRate: 90000, Parameters: map[string]string{
			"profile-id": "2",
		}},
		{Kind: "video", MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]string{
			"packetization-mode":      "1",
			"profile-level-id":        "4d0032",
			"level-asymmetry-allowed": "1",
		}},
		{Kind: "video", MimeType: "video/H264", ClockRate: 90000, Parameters: map[string]string{
			"packetization-mode":      "1",
			"profile-level-id":        "42e01f",
			"level-asymmetry-allowed": "1",
		}},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media config: %w", err)
	}

	if err := c.Fanout.Validate(); err != nil {
		return fmt.Errorf("fanout config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", s.PingInterval)
	}

	if s.PongTimeout <= s.PingInterval {
		return fmt.Errorf("pong_timeout (%d) must be greater than ping_interval (%d)",
			s.PongTimeout, s.PingInterval)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates media configuration
func (m *MediaConfig) Validate() error {
	if m.NumWorkers < 0 {
		return fmt.Errorf("num_workers cannot be negative, got %d", m.NumWorkers)
	}

	validStrategies := map[string]bool{"": true, "round_robin": true, "least_loaded": true}
	if !validStrategies[m.WorkerStrategy] {
		return fmt.Errorf("worker_strategy must be 'round_robin' or 'least_loaded', got '%s'", m.WorkerStrategy)
	}

	if m.RTCMinPort < 1 || m.RTCMinPort > 65535 {
		return fmt.Errorf("rtc_min_port must be between 1 and 65535, got %d", m.RTCMinPort)
	}

	if m.RTCMaxPort <= m.RTCMinPort || m.RTCMaxPort > 65535 {
		return fmt.Errorf("rtc_max_port (%d) must be greater than rtc_min_port (%d) and at most 65535",
			m.RTCMaxPort, m.RTCMinPort)
	}

	if m.ListenIP == "" {
		return fmt.Errorf("listen_ip cannot be empty")
	}

	if m.WorkerDeathGrace < 0 {
		return fmt.Errorf("worker_death_grace cannot be negative, got %d", m.WorkerDeathGrace)
	}

	for i := range m.Codecs {
		if err := m.Codecs[i].Validate(); err != nil {
			return fmt.Errorf("codec %d: %w", i, err)
		}
	}

	return nil
}

// Validate validates one codec entry
func (c *CodecConfig) Validate() error {
	if c.Kind != "audio" && c.Kind != "video" {
		return fmt.Errorf("kind must be 'audio' or 'video', got '%s'", c.Kind)
	}

	if c.MimeType == "" {
		return fmt.Errorf("mime_type cannot be empty")
	}

	if c.ClockRate == 0 {
		return fmt.Errorf("clock_rate cannot be zero")
	}

	return nil
}

// Validate validates fanout configuration
func (f *FanoutConfig) Validate() error {
	validBackends := map[string]bool{"redis": true, "memory": true}
	if !validBackends[f.Backend] {
		return fmt.Errorf("backend must be 'redis' or 'memory', got '%s'", f.Backend)
	}

	if f.Backend == "redis" && f.RedisURL == "" {
		return fmt.Errorf("redis_url cannot be empty when backend is 'redis'")
	}

	if f.Channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// EffectiveWorkers returns the configured worker count, defaulting to
// one worker per CPU when num_workers is zero.
func (m *MediaConfig) EffectiveWorkers() int {
	if m.NumWorkers > 0 {
		return m.NumWorkers
	}
	return runtime.NumCPU()
}

// RouterCodecs converts the configured codec table into the form
// routers are created with.
func (m *MediaConfig) RouterCodecs() []engine.RouterCodec {
	codecs := make([]engine.RouterCodec, 0, len(m.Codecs))
	for _, c := range m.Codecs {
		codecs = append(codecs, engine.RouterCodec{
			Kind: engine.MediaKind(c.Kind),
			Capability: engine.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: fmtpLine(c.Parameters),
			},
		})
	}
	return codecs
}

// fmtpLine renders codec parameters as an SDP fmtp attribute value
// with deterministic key order.
func fmtpLine(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

// GetWriteTimeout returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetPingInterval returns the ping interval as a time.Duration
func (s *ServerConfig) GetPingInterval() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// GetPongTimeout returns the pong timeout as a time.Duration
func (s *ServerConfig) GetPongTimeout() time.Duration {
	return time.Duration(s.PongTimeout) * time.Second
}

// GetShutdownTimeout returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetWorkerDeathGrace returns the worker death grace as a time.Duration
func (m *MediaConfig) GetWorkerDeathGrace() time.Duration {
	return time.Duration(m.WorkerDeathGrace) * time.Second
}
