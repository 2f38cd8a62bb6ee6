// Package config loads the rsignal configuration: a YAML file merged over
// defaults, then RSIGNAL_* environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"remote-signal/codec"
	"remote-signal/loadbalance"
	"remote-signal/xlog"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RSIGNAL_"

var (
	ErrInvalidListen = errors.New("invalid listen address")
	ErrInvalidTTL    = errors.New("registry ttl must be positive")
	ErrInvalidRate   = errors.New("rate limit must not be negative")
)

type Config struct {
	Listen    string   `yaml:"listen"`
	Websocket string   `yaml:"websocket"` // HTTP address for websocket upgrades, "" = disabled
	Yamux     bool     `yaml:"yamux"`     // Accepted TCP connections are yamux sessions
	PerConn   bool     `yaml:"per_conn"`  // One router per connection
	Codec     string   `yaml:"codec"`
	Heartbeat Duration `yaml:"heartbeat"`
	LogLevel  string   `yaml:"log_level"`
	Schema    string   `yaml:"schema"` // Path to the service description

	Registry  RegistryConfig  `yaml:"registry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	NATS      NATSConfig      `yaml:"nats"`
}

type RegistryConfig struct {
	Endpoints   []string `yaml:"endpoints"` // etcd endpoints, empty = no discovery
	TTL         int64    `yaml:"ttl"`
	Advertise   string   `yaml:"advertise"`
	DialTimeout Duration `yaml:"dial_timeout"`
	Balancer    string   `yaml:"balancer"`
}

// RateLimitConfig limits inbound calls per router. Rate 0 disables it.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type NATSConfig struct {
	URL     string `yaml:"url"` // "" = disabled
	Subject string `yaml:"subject"`
}

func Default() *Config {
	return &Config{
		Listen:    ":7300",
		Codec:     "json",
		Heartbeat: Duration(30 * time.Second),
		LogLevel:  "info",
		Registry: RegistryConfig{
			TTL:         10,
			DialTimeout: Duration(5 * time.Second),
			Balancer:    "round_robin",
		},
		RateLimit: RateLimitConfig{Burst: 1},
		NATS:      NATSConfig{Subject: "rsignal"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		// Fields missing from the file keep their defaults.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RSIGNAL_LISTEN, RSIGNAL_WEBSOCKET,
// RSIGNAL_CODEC, RSIGNAL_LOG_LEVEL, RSIGNAL_SCHEMA, RSIGNAL_ETCD
// (comma separated), RSIGNAL_ADVERTISE, RSIGNAL_HEARTBEAT and RSIGNAL_NATS.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LISTEN":    &c.Listen,
		"WEBSOCKET": &c.Websocket,
		"CODEC":     &c.Codec,
		"LOG_LEVEL": &c.LogLevel,
		"SCHEMA":    &c.Schema,
		"ADVERTISE": &c.Registry.Advertise,
		"NATS":      &c.NATS.URL,
	}
	for name, dst := range str {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(EnvPrefix + "ETCD"); ok {
		c.Registry.Endpoints = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "HEARTBEAT"); ok {
		if err := c.Heartbeat.UnmarshalText([]byte(v)); err != nil {
			return errors.Wrapf(err, "%sHEARTBEAT", EnvPrefix)
		}
	}
	if v, ok := lookup(EnvPrefix + "YAMUX"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sYAMUX", EnvPrefix)
		}
		c.Yamux = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Listen == "" && c.Websocket == "" && c.NATS.URL == "" {
		return errors.Wrap(ErrInvalidListen, "nothing to serve on")
	}
	if _, err := codec.ParseType(c.Codec); err != nil {
		return err
	}
	if _, err := xlog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if len(c.Registry.Endpoints) > 0 && c.Registry.TTL <= 0 {
		return ErrInvalidTTL
	}
	if _, err := loadbalance.New(c.Registry.Balancer, ""); err != nil {
		return err
	}
	if c.RateLimit.Rate < 0 {
		return ErrInvalidRate
	}
	return nil
}

// AdvertiseAddr is the address announced in the registry. It falls back to
// the listen address on the loopback interface.
func (c *Config) AdvertiseAddr() string {
	if c.Registry.Advertise != "" {
		return c.Registry.Advertise
	}
	if strings.HasPrefix(c.Listen, ":") {
		return "127.0.0.1" + c.Listen
	}
	return c.Listen
}

// Duration reads "30s" style strings; "never" disables the timer.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalText(text []byte) error {
	if string(text) == "never" {
		*d = -1
		return nil
	}
	dx, err := time.ParseDuration(string(text))
	*d = Duration(dx)
	return err
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var res string
	if err := node.Decode(&res); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(res))
}
