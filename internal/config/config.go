package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete l2view configuration
type Config struct {
	Product string       `yaml:"product"` // e.g. BTC-USD
	Feed    FeedConfig   `yaml:"feed"`
	Book    BookConfig   `yaml:"book"`
	Render  RenderConfig `yaml:"render"`
	HTTP    HTTPConfig   `yaml:"http"`
	Redis   RedisConfig  `yaml:"redis"`
	Log     LogConfig    `yaml:"log"`
}

// FeedConfig configures the market data connection
type FeedConfig struct {
	URL              string          `yaml:"url"`
	Channel          string          `yaml:"channel"`           // book channel tag in inbound frames
	Subscribe        []string        `yaml:"subscribe"`         // channels to subscribe to
	UserAgent        string          `yaml:"user_agent"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration   `yaml:"read_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig configures transport redials. Disabled by default.
type ReconnectConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MinInterval      time.Duration `yaml:"min_interval"`      // spacing between redials
	Burst            int           `yaml:"burst"`             // redials allowed back to back
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failed dials to open breaker
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // breaker open -> half-open
}

// BookConfig configures the order book
type BookConfig struct {
	RemovalThreshold string `yaml:"removal_threshold"` // decimal; levels at or below are removed
}

// RenderConfig configures the terminal view
type RenderConfig struct {
	Depth      int           `yaml:"depth"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BarChar    string        `yaml:"bar_char"`
	Color      bool          `yaml:"color"`
}

// HTTPConfig configures the read-only API
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Depth   int    `yaml:"depth"` // default /book depth
}

// RedisConfig configures the snapshot publisher
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Key      string        `yaml:"key"`     // SET target; {product} is substituted
	Channel  string        `yaml:"channel"` // PUBLISH target; {product} is substituted
	TTL      time.Duration `yaml:"ttl"`
	Interval time.Duration `yaml:"interval"`
	Depth    int           `yaml:"depth"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`   // empty means stderr
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Product: "BTC-USD",
		Feed: FeedConfig{
			URL:              "wss://advanced-trade-ws.coinbase.com",
			Channel:          "l2_data",
			Subscribe:        []string{"level2", "heartbeats"},
			UserAgent:        "l2view/1.0",
			HandshakeTimeout: 30 * time.Second,
			ReadTimeout:      60 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:          false,
				MinInterval:      2 * time.Second,
				Burst:            1,
				FailureThreshold: 5,
				OpenTimeout:      time.Minute,
			},
		},
		Book: BookConfig{RemovalThreshold: "0"},
		Render: RenderConfig{
			Depth:      15,
			Interval:   time.Second,
			StaleAfter: 10 * time.Second,
			BarChar:    "X",
			Color:      true,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Host:    "127.0.0.1", // Local-only by default
			Port:    8080,
			Depth:   20,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Key:      "l2view:book:{product}",
			Channel:  "l2view:book:{product}",
			TTL:      10 * time.Second,
			Interval: time.Second,
			Depth:    20,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("L2VIEW_PRODUCT"); ok && v != "" {
		c.Product = v
	}
	if v, ok := lookup("L2VIEW_WS_URL"); ok && v != "" {
		c.Feed.URL = v
	}
	if v, ok := lookup("L2VIEW_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v, ok := lookup("HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT must be an integer, got %q", v)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Normalize canonicalises fields that may be written loosely. Exchange
// product ids are upper case.
func (c *Config) Normalize() {
	c.Product = strings.ToUpper(strings.TrimSpace(c.Product))
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.Product == "" {
		return fmt.Errorf("product cannot be empty")
	}
	if !strings.Contains(c.Product, "-") {
		return fmt.Errorf("product must look like BASE-QUOTE, got %q", c.Product)
	}

	if c.Feed.URL == "" {
		return fmt.Errorf("feed url cannot be empty")
	}
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed url must use ws:// or wss://, got %q", c.Feed.URL)
	}
	if c.Feed.Channel == "" {
		return fmt.Errorf("feed channel cannot be empty")
	}
	if len(c.Feed.Subscribe) == 0 {
		return fmt.Errorf("feed subscribe must list at least one channel")
	}
	if c.Feed.ReadTimeout <= 0 {
		return fmt.Errorf("feed read_timeout must be positive, got %s", c.Feed.ReadTimeout)
	}
	if r := c.Feed.Reconnect; r.Enabled {
		if r.MinInterval < 0 {
			return fmt.Errorf("feed reconnect min_interval must not be negative, got %s", r.MinInterval)
		}
		if r.Burst < 1 {
			return fmt.Errorf("feed reconnect burst must be positive, got %d", r.Burst)
		}
		if r.FailureThreshold == 0 {
			return fmt.Errorf("feed reconnect failure_threshold must be positive")
		}
	}

	if _, err := c.RemovalThreshold(); err != nil {
		return err
	}

	if c.Render.Depth <= 0 {
		return fmt.Errorf("render depth must be positive, got %d", c.Render.Depth)
	}
	if c.Render.Interval <= 0 {
		return fmt.Errorf("render interval must be positive, got %s", c.Render.Interval)
	}
	if len([]rune(c.Render.BarChar)) != 1 {
		return fmt.Errorf("render bar_char must be a single character, got %q", c.Render.BarChar)
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr cannot be empty")
		}
		if c.Redis.Key == "" && c.Redis.Channel == "" {
			return fmt.Errorf("redis needs a key or a channel")
		}
		if c.Redis.Interval <= 0 {
			return fmt.Errorf("redis interval must be positive, got %s", c.Redis.Interval)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// RemovalThreshold parses the book removal threshold
func (c *Config) RemovalThreshold() (decimal.Decimal, error) {
	s := c.Book.RemovalThreshold
	if s == "" {
		return decimal.Zero, nil
	}
	t, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("book removal_threshold must be a decimal, got %q", s)
	}
	if t.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("book removal_threshold must not be negative, got %s", t)
	}
	if exp := t.Exponent(); exp > 32 || exp < -32 {
		return decimal.Zero, fmt.Errorf("book removal_threshold out of range, got %q", s)
	}
	return t, nil
}

// Expand substitutes {product} in a Redis key or channel template
func (c *Config) Expand(template string) string {
	return strings.ReplaceAll(template, "{product}", c.Product)
}
