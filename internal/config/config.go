// Package config provides the configuration schema for devproxy.
//
// The schema is intentionally small: a listener address, the rule list
// (inline rule strings and/or a YAML rules file), the root CA the proxy
// mints per-SNI leaf certificates under, the on-disk cache and inspector
// locations, and a debug endpoint for metrics/health. Out of scope (per
// the core's Non-goals): authenticated proxying, response transformation
// beyond a rule's own output, and any richer cache policy.
package config

import (
	"os"

	"github.com/spf13/viper"
)

// Config is the top-level devproxy configuration.
type Config struct {
	// Server configures the plain listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Rules lists inline "name|pattern|args" rule strings, evaluated in
	// order (first match wins), per the CLI grammar in spec.md §6.
	Rules []string `yaml:"rules" mapstructure:"rules"`

	// RulesFile optionally points at a YAML file of the same rule
	// strings, for configurations too large to inline; entries from
	// RulesFile are appended after Rules.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// CA configures the user-supplied root CA used to mint per-SNI leaf
	// certificates. Leaving both fields empty disables HTTPS
	// interception: CONNECT requests are refused per spec.md §4.1.
	CA CAConfig `yaml:"ca" mapstructure:"ca"`

	// Cache configures the on-disk response cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Inspector configures the request/response journal.
	Inspector InspectorConfig `yaml:"inspector" mapstructure:"inspector"`

	// DebugAddr, if set, serves /metrics and /healthz on a loopback-only
	// listener separate from the proxy's own ports.
	DebugAddr string `yaml:"debug_addr" mapstructure:"debug_addr" validate:"omitempty,hostname_port"`

	// DevMode relaxes nothing security-relevant (there is no auth to
	// relax) but turns on debug-level logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the plain HTTP/CONNECT listener.
type ServerConfig struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:8080" or ":8080".
	// Defaults to "127.0.0.1:8080" if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// CAConfig names the two PEM files holding the user-supplied root CA.
// Generating a CA is explicitly out of this core's scope (spec.md §1):
// both files must already exist.
type CAConfig struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" validate:"omitempty,file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file" validate:"omitempty,file"`
}

// CacheConfig configures the on-disk cache store.
type CacheConfig struct {
	// Dir is the cache root. Defaults to ".cache" next to the working
	// directory when empty; it is created lazily on first write, not at
	// startup.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// InspectorConfig configures the request/response journal.
type InspectorConfig struct {
	// Dir is the journal root. A fresh temp directory is used when empty.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Keep controls whether Dir survives process exit. When false, the
	// inspector removes Dir on shutdown, whether it was auto-created or
	// user-supplied.
	Keep bool `yaml:"keep" mapstructure:"keep"`
}

// Enabled reports whether a root CA has been configured, i.e. whether
// HTTPS interception should be turned on.
func (c CAConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// SetDefaults applies the documented default values.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.DevMode {
		c.Server.LogLevel = "debug"
	}
	if c.Cache.Dir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Cache.Dir = wd + "/.cache"
		} else {
			c.Cache.Dir = ".cache"
		}
	}
}
