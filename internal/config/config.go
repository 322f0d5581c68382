// Package config loads the daemon's YAML configuration file and layers
// pflag overrides on top, so a flag passed on the command line always
// wins over the file it was started with.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ChannelBounds is the outbound MPSC bound per wire version.
type ChannelBounds struct {
	V1  int `yaml:"v1"`
	V2  int `yaml:"v2"`
	V2a int `yaml:"v2a"`
}

// Geo configures the optional MaxMind-backed geo lookup.
type Geo struct {
	MMDBPath    string `yaml:"mmdb_path"`
	ASNMMDBPath string `yaml:"asn_mmdb_path"`
}

// KV configures the go-redis client backing proxy_kv_store_*.
type KV struct {
	RedisAddr string `yaml:"redis_addr"`
}

// Metrics configures the optional Prometheus exporter.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Log configures the ambient logger.
type Log struct {
	Level string `yaml:"level"`
}

// UA configures the optional ua-parser regex database.
type UA struct {
	RegexesPath string `yaml:"regexes_path"`
}

// Config is the daemon's full configuration, loaded from YAML and
// overridable via pflag.
type Config struct {
	Listen struct {
		Path string `yaml:"path"`
	} `yaml:"listen"`
	BackoffMaxMs     int           `yaml:"backoff_max_ms"`
	ReplyTimeoutMs   int           `yaml:"reply_timeout_ms"`
	SwallowOnTimeout bool          `yaml:"swallow_on_timeout"`
	ChannelBounds    ChannelBounds `yaml:"channel_bounds"`
	Geo              Geo           `yaml:"geo"`
	KV               KV            `yaml:"kv"`
	Metrics          Metrics       `yaml:"metrics"`
	Log              Log           `yaml:"log"`
	UA               UA            `yaml:"ua"`
}

// Default returns the configuration's zero-config baseline, applied before
// a YAML file is loaded so unspecified fields still have sane values.
func Default() *Config {
	c := &Config{
		BackoffMaxMs:     3200,
		ReplyTimeoutMs:   200,
		SwallowOnTimeout: true,
	}
	c.Listen.Path = "/run/fastedge/core.sock"
	c.ChannelBounds = ChannelBounds{V1: 1024, V2: 32, V2a: 1024}
	c.Log.Level = "info"
	return c
}

// Load reads and parses a YAML config file on top of Default().
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return c, nil
}

// BindFlags registers pflag overrides for the most commonly tuned fields,
// mirroring caddy's flag-overrides-config layering.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Listen.Path, "listen", c.Listen.Path, "unix domain socket path")
	fs.IntVar(&c.BackoffMaxMs, "backoff-max-ms", c.BackoffMaxMs, "max accept-loop backoff in milliseconds")
	fs.IntVar(&c.ReplyTimeoutMs, "reply-timeout-ms", c.ReplyTimeoutMs, "proxy reply timeout in milliseconds")
	fs.StringVar(&c.Geo.MMDBPath, "geo-mmdb-path", c.Geo.MMDBPath, "MaxMind city MMDB path")
	fs.StringVar(&c.KV.RedisAddr, "kv-redis-addr", c.KV.RedisAddr, "redis address backing proxy_kv_store_*")
	fs.BoolVar(&c.Metrics.Enabled, "metrics-enabled", c.Metrics.Enabled, "enable the Prometheus exporter")
	fs.StringVar(&c.Metrics.Listen, "metrics-listen", c.Metrics.Listen, "Prometheus exporter listen address")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
}

// ReplyTimeout returns the reply timeout as a time.Duration.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutMs) * time.Millisecond
}

// BackoffMax returns the accept-loop backoff ceiling as a time.Duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
