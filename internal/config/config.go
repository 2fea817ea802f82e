package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAckTimeout  = 8 * time.Second
	DefaultIdleTimeout = 4 * time.Second
	DefaultNamespace   = "session"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthSecret     string   `yaml:"auth_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ClientBuffer   int      `yaml:"client_buffer"`
}

// RealtimeConfig tunes the client-side connection and emission layer.
type RealtimeConfig struct {
	URL           string        `yaml:"url"`
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	AutoReconnect bool          `yaml:"auto_reconnect"`
	FeedCap       int           `yaml:"feed_cap"`
}

type SessionConfig struct {
	Namespace     string        `yaml:"namespace"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ChatCap       int           `yaml:"chat_cap"`
	ReactionCap   int           `yaml:"reaction_cap"`
	SnapshotsFile string        `yaml:"snapshots_file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         4000,
			Host:         "127.0.0.1",
			ClientBuffer: 64,
		},
		Realtime: RealtimeConfig{
			URL:           "ws://127.0.0.1:4000/ws",
			AckTimeout:    DefaultAckTimeout,
			PingInterval:  30 * time.Second,
			PongTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
			AutoReconnect: true,
			FeedCap:       50,
		},
		Session: SessionConfig{
			Namespace:   DefaultNamespace,
			IdleTimeout: DefaultIdleTimeout,
			ChatCap:     50,
			ReactionCap: 40,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}
