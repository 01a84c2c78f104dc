package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix   = "HTTPRELAY_"
	DefaultFile = "httprelay.yaml"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Hub       HubConfig       `koanf:"hub"`
	Log       LogConfig       `koanf:"log"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Watch     WatchConfig     `koanf:"watch"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	MaxMessageBytes int64    `koanf:"max_message_bytes"`
	OriginPatterns  []string `koanf:"origin_patterns"`
}

type HubConfig struct {
	QueueSize      int           `koanf:"queue_size"`
	OverflowPolicy string        `koanf:"overflow_policy"` // drop-oldest, disconnect
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	SelfEcho       bool          `koanf:"self_echo"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text, json
}

type ProxyConfig struct {
	Addr         string `koanf:"addr"`
	HubURL       string `koanf:"hub_url"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`
	MITM         bool   `koanf:"mitm"`
}

type WatchConfig struct {
	HubURL string `koanf:"hub_url"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.addr":              ":8080",
	"server.max_message_bytes": int64(4 << 20),
	"hub.queue_size":           256,
	"hub.overflow_policy":      "drop-oldest",
	"hub.write_timeout":        5 * time.Second,
	"hub.self_echo":            true,
	"log.level":                "info",
	"log.format":               "text",
	"proxy.addr":               ":8081",
	"proxy.hub_url":            "ws://localhost:8080/ws",
	"proxy.max_body_bytes":     int64(1 << 20),
	"proxy.mitm":               false,
	"watch.hub_url":            "ws://localhost:8080/ws",
	"telemetry.enabled":        false,
	"telemetry.service_name":   "httprelay",
}

// Load reads path (or httprelay.yaml when path is empty), then .env, then
// HTTPRELAY_* variables. Nested keys use a double underscore:
// HTTPRELAY_HUB__QUEUE_SIZE=512. A missing default file is not an error; a
// missing explicit path is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Hub.OverflowPolicy {
	case "drop-oldest", "disconnect":
	default:
		return fmt.Errorf("hub.overflow_policy: unknown policy %q", c.Hub.OverflowPolicy)
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be positive, got %d", c.Hub.QueueSize)
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be positive, got %s", c.Hub.WriteTimeout)
	}
	return nil
}
