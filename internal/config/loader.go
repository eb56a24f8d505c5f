package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// devproxy.yaml/.yml. The search requires an explicit extension so Viper
// never matches the devproxy binary itself in the working directory.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("devproxy")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEVPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".devproxy"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "devproxy"))
		}
	} else {
		paths = append(paths, "/etc/devproxy")
	}
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "devproxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every config key so nested values can be
// overridden via environment variables, e.g. DEVPROXY_SERVER_ADDR.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("rules_file")
	_ = viper.BindEnv("ca.cert_file")
	_ = viper.BindEnv("ca.key_file")
	_ = viper.BindEnv("cache.dir")
	_ = viper.BindEnv("inspector.dir")
	_ = viper.BindEnv("inspector.keep")
	_ = viper.BindEnv("debug_addr")
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, loads RulesFile if set, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults and
// RulesFile expansion, but does not validate — useful when CLI flags may
// still override fields before validation runs.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.SetDefaults()

	if cfg.RulesFile != "" {
		extra, err := loadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rules = append(cfg.Rules, extra...)
	}

	return &cfg, nil
}

// loadRulesFile reads a YAML document containing a top-level list of rule
// strings.
func loadRulesFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	var rules []string
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	return rules, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or "" if none was found (environment-variable-only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
