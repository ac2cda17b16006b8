// Package config loads the relay configuration from YAML, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		SocketPath string `yaml:"socket_path"`
	} `yaml:"server"`
	Provider struct {
		Name         string        `yaml:"name"`
		SampleRate   int           `yaml:"sample_rate"`
		FormatTurns  bool          `yaml:"format_turns"`
		OpenTimeout  time.Duration `yaml:"open_timeout"`
		CloseTimeout time.Duration `yaml:"close_timeout"`
		AssemblyAI   struct {
			APIKey string `yaml:"api_key"`
			URL    string `yaml:"url"`
		} `yaml:"assemblyai"`
		Vosk struct {
			ServerURL string `yaml:"server_url"`
		} `yaml:"vosk"`
	} `yaml:"provider"`
	Relay struct {
		MaxPendingAudio int  `yaml:"max_pending_audio"`
		ForwardPartials bool `yaml:"forward_partials"`
	} `yaml:"relay"`
	AudioSocket struct {
		Enabled    bool   `yaml:"enabled"`
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		SampleRate int    `yaml:"sample_rate"`
	} `yaml:"audiosocket"`
	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Addr      string        `yaml:"addr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		KeyPrefix string        `yaml:"key_prefix"`
		Channel   string        `yaml:"channel"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"redis"`
	Transcription struct {
		OutputDir       string `yaml:"output_dir"`
		SaveTranscripts bool   `yaml:"save_transcripts"`
		SessionLogs     bool   `yaml:"session_logs"`
	} `yaml:"transcription"`
}

const (
	ProviderAssemblyAI = "assemblyai"
	ProviderVosk       = "vosk"
)

func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.SocketPath = "/api/socket"

	cfg.Provider.Name = ProviderAssemblyAI
	cfg.Provider.SampleRate = 16000
	cfg.Provider.FormatTurns = true
	cfg.Provider.OpenTimeout = 10 * time.Second
	cfg.Provider.CloseTimeout = 2 * time.Second
	cfg.Provider.AssemblyAI.URL = "wss://streaming.assemblyai.com/v3/ws"
	cfg.Provider.Vosk.ServerURL = "ws://localhost:2700"

	cfg.Relay.MaxPendingAudio = 1 << 20

	cfg.AudioSocket.Host = "0.0.0.0"
	cfg.AudioSocket.Port = 9092
	cfg.AudioSocket.SampleRate = 8000

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.KeyPrefix = "transcript:"
	cfg.Redis.Channel = "transcripts"
	cfg.Redis.TTL = 24 * time.Hour

	cfg.Transcription.OutputDir = "./transcripts"
	return cfg
}

// Load reads filename over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Provider.AssemblyAI.APIKey, "ASSEMBLYAI_API_KEY")
	setString(&c.Provider.Name, "TRANSCRIPTION_PROVIDER")
	setString(&c.Provider.Vosk.ServerURL, "VOSK_SERVER_URL")
	setString(&c.Server.Host, "RELAY_HOST")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	switch c.Provider.Name {
	case ProviderAssemblyAI:
		if c.Provider.AssemblyAI.APIKey == "" {
			return fmt.Errorf("provider.assemblyai.api_key is required (or set ASSEMBLYAI_API_KEY)")
		}
	case ProviderVosk:
		if c.Provider.Vosk.ServerURL == "" {
			return fmt.Errorf("provider.vosk.server_url is required")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.SocketPath == "" || c.Server.SocketPath[0] != '/' {
		return fmt.Errorf("server.socket_path must start with /")
	}
	if c.Provider.SampleRate <= 0 {
		return fmt.Errorf("provider.sample_rate must be positive")
	}
	if c.Provider.OpenTimeout <= 0 || c.Provider.CloseTimeout <= 0 {
		return fmt.Errorf("provider timeouts must be positive")
	}
	if c.Relay.MaxPendingAudio <= 0 {
		return fmt.Errorf("relay.max_pending_audio must be positive")
	}
	if c.AudioSocket.Enabled {
		if c.AudioSocket.SampleRate != 8000 && c.AudioSocket.SampleRate != 16000 {
			return fmt.Errorf("audiosocket.sample_rate must be 8000 or 16000, got %d", c.AudioSocket.SampleRate)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
