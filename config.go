package raknet

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ListenerConfig configures a Listener. Every field has a zero-value-safe
// default, so the constants in the external-interfaces section still apply
// when a caller builds a Listener without ever touching this type.
type ListenerConfig struct {
	// MOTD is the string returned verbatim in UnconnectedPong.
	MOTD string `yaml:"motd"`
	// GUID is the server's advertised 64-bit identifier. Zero means
	// generate one at Listen time.
	GUID uint64 `yaml:"guid"`
	// MaxMTU caps the MTU the handshake will ever negotiate. Zero means
	// initialMTU (1492).
	MaxMTU int `yaml:"max_mtu"`
	// LossRate, if non-zero, is applied to every accepted Connection as its
	// initial SetLossRate value — a convenience for soak-testing a whole
	// Listener under loss without touching each Connection individually.
	LossRate int `yaml:"loss_rate"`
	// LogLevel sets the package logger's level when non-empty (parsed with
	// logrus.ParseLevel).
	LogLevel string `yaml:"log_level"`
}

// ListenerOption mutates a ListenerConfig being built up by hand.
type ListenerOption func(*ListenerConfig)

// WithMOTD sets the advertised MOTD string.
func WithMOTD(motd string) ListenerOption {
	return func(c *ListenerConfig) { c.MOTD = motd }
}

// WithGUID pins the server's advertised GUID instead of generating one.
func WithGUID(guid uint64) ListenerOption {
	return func(c *ListenerConfig) { c.GUID = guid }
}

// WithMaxMTU caps the MTU the handshake will negotiate.
func WithMaxMTU(mtu int) ListenerOption {
	return func(c *ListenerConfig) { c.MaxMTU = mtu }
}

// WithLossRate applies an initial loss rate (0-10) to every accepted
// Connection.
func WithLossRate(n int) ListenerOption {
	return func(c *ListenerConfig) { c.LossRate = n }
}

// WithLogLevel sets the level the package logger runs at once enabled.
func WithLogLevel(level string) ListenerOption {
	return func(c *ListenerConfig) { c.LogLevel = level }
}

// NewListenerConfig builds a ListenerConfig from functional options, starting
// from the zero-value defaults.
func NewListenerConfig(opts ...ListenerOption) *ListenerConfig {
	cfg := &ListenerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// LoadListenerConfig reads a YAML document at path into a ListenerConfig.
func LoadListenerConfig(path string) (*ListenerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &ListenerConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logLevel resolves the configured level, defaulting to logrus.InfoLevel.
func (c *ListenerConfig) logLevel() logrus.Level {
	if c == nil || c.LogLevel == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func (c *ListenerConfig) maxMTU() int {
	if c == nil || c.MaxMTU <= 0 {
		return initialMTU
	}
	return c.MaxMTU
}
