package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pipeline configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Recognition   RecognitionConfig   `yaml:"recognition"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	LLM           LLMConfig           `yaml:"llm"`
	ToolGateway   ToolGatewayConfig   `yaml:"tool_gateway"`
	AgentRegistry AgentRegistryConfig `yaml:"agent_registry"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the websocket/HTTP listener configuration.
type ServerConfig struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// AudioConfig contains frame slicing parameters.
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	Format        string  `yaml:"format"`
	FrameDuration float64 `yaml:"frame_duration"` // seconds, 0.02-0.1
	QueueDepth    int     `yaml:"queue_depth"`    // complete frames
}

// VADConfig contains turn detection parameters. Threshold and hang time are
// tuned operational values, not contracts.
type VADConfig struct {
	Threshold float64 `yaml:"threshold"`
	HangTime  float64 `yaml:"hang_time"` // seconds
	Smoothing float64 `yaml:"smoothing"`
}

// RecognitionConfig points at the external speech recognition service.
type RecognitionConfig struct {
	Provider string  `yaml:"provider"`
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	Language string  `yaml:"language"`
	Timeout  float64 `yaml:"timeout"` // seconds
}

// SynthesisConfig points at the external speech synthesis service.
type SynthesisConfig struct {
	Provider string  `yaml:"provider"`
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	Timeout  float64 `yaml:"timeout"` // seconds
}

// LLMConfig points at the conversation language model.
type LLMConfig struct {
	Provider     string  `yaml:"provider"`
	Endpoint     string  `yaml:"endpoint"`
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Timeout      float64 `yaml:"timeout"` // seconds
	RetryBackoff float64 `yaml:"retry_backoff"`
	MaxToolChain int     `yaml:"max_tool_chain"`
	HistoryLimit int     `yaml:"history_limit"` // turns handed to the model
}

// ToolGatewayConfig points at the tool/action gateway.
type ToolGatewayConfig struct {
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	Timeout  float64 `yaml:"timeout"` // per tool call, seconds
}

// AgentRegistryConfig points at the read-only agent registry.
type AgentRegistryConfig struct {
	Endpoint string  `yaml:"endpoint"`
	APIKey   string  `yaml:"api_key"`
	Timeout  float64 `yaml:"timeout"` // seconds
}

// SessionConfig bounds per-session resource use.
type SessionConfig struct {
	IdleTimeout       float64 `yaml:"idle_timeout"`        // seconds
	IdleSweepInterval float64 `yaml:"idle_sweep_interval"` // seconds
	OutboundQueue     int     `yaml:"outbound_queue"`      // frames
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, applying defaults before
// validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "0.0.0.0",
			Port:           8080,
			MetricsEnabled: true,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Format:        "linear16",
			FrameDuration: 0.02,
			QueueDepth:    64,
		},
		VAD: VADConfig{
			Threshold: 0.015,
			HangTime:  0.4,
			Smoothing: 0.3,
		},
		Recognition: RecognitionConfig{
			Provider: "deepgram",
			Language: "en-US",
			Timeout:  10,
		},
		Synthesis: SynthesisConfig{
			Provider: "deepgram",
			Timeout:  10,
		},
		LLM: LLMConfig{
			Provider:     "openai",
			Model:        "gpt-4o-mini",
			Timeout:      30,
			RetryBackoff: 0.5,
			MaxToolChain: 5,
			HistoryLimit: 20,
		},
		ToolGateway: ToolGatewayConfig{
			Timeout: 30,
		},
		AgentRegistry: AgentRegistryConfig{
			Timeout: 5,
		},
		Session: SessionConfig{
			IdleTimeout:       120,
			IdleSweepInterval: 15,
			OutboundQueue:     128,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	return nil
}

// Validate validates the listener configuration.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	return nil
}

// Validate validates the audio configuration.
func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	switch a.Format {
	case "linear16", "mulaw", "alaw":
	default:
		return fmt.Errorf("unsupported format %q", a.Format)
	}
	if a.FrameDuration < 0.02 || a.FrameDuration > 0.1 {
		return fmt.Errorf("frame_duration must be between 0.02 and 0.1 seconds, got %f", a.FrameDuration)
	}
	if a.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", a.QueueDepth)
	}
	return nil
}

// Validate validates the VAD configuration.
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}
	if v.HangTime <= 0 {
		return fmt.Errorf("hang_time must be positive, got %f", v.HangTime)
	}
	return nil
}

// Validate validates the LLM configuration.
func (l *LLMConfig) Validate() error {
	if l.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if l.MaxToolChain < 1 {
		return fmt.Errorf("max_tool_chain must be at least 1, got %d", l.MaxToolChain)
	}
	if l.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be at least 1, got %d", l.HistoryLimit)
	}
	return nil
}

// Validate validates the session configuration.
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %f", s.IdleTimeout)
	}
	if s.IdleSweepInterval <= 0 {
		return fmt.Errorf("idle_sweep_interval must be positive, got %f", s.IdleSweepInterval)
	}
	if s.OutboundQueue < 1 {
		return fmt.Errorf("outbound_queue must be at least 1, got %d", s.OutboundQueue)
	}
	return nil
}

// FrameDuration returns the frame duration as a time.Duration.
func (a *AudioConfig) FrameDurationTime() time.Duration {
	return time.Duration(a.FrameDuration * float64(time.Second))
}

// HangTimeDuration returns the hang time as a time.Duration.
func (v *VADConfig) HangTimeDuration() time.Duration {
	return time.Duration(v.HangTime * float64(time.Second))
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout * float64(time.Second))
}

// IdleSweepIntervalDuration returns the sweep interval as a time.Duration.
func (s *SessionConfig) IdleSweepIntervalDuration() time.Duration {
	return time.Duration(s.IdleSweepInterval * float64(time.Second))
}
