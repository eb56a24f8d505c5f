package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, "127.0.0.1:8080")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("Server.LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Cache.Dir == "" {
		t.Error("Cache.Dir should default to a non-empty path")
	}
}

func TestConfig_SetDefaults_DevModeForcesDebugLogLevel(t *testing.T) {
	t.Parallel()

	cfg := Config{DevMode: true}
	cfg.SetDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want %q", cfg.Server.LogLevel, "debug")
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server: ServerConfig{Addr: ":9090", LogLevel: "warn"},
		Cache:  CacheConfig{Dir: "/srv/devproxy/cache"},
	}
	cfg.SetDefaults()

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr was overwritten: got %q", cfg.Server.Addr)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("Server.LogLevel was overwritten: got %q", cfg.Server.LogLevel)
	}
	if cfg.Cache.Dir != "/srv/devproxy/cache" {
		t.Errorf("Cache.Dir was overwritten: got %q", cfg.Cache.Dir)
	}
}

func TestCAConfig_Enabled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ca   CAConfig
		want bool
	}{
		{"empty", CAConfig{}, false},
		{"cert only", CAConfig{CertFile: "ca.pem"}, false},
		{"key only", CAConfig{KeyFile: "ca.key"}, false},
		{"both set", CAConfig{CertFile: "ca.pem", KeyFile: "ca.key"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ca.Enabled(); got != tc.want {
				t.Errorf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "devproxy.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "devproxy.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "devproxy"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "devproxy.yaml")
	ymlPath := filepath.Join(dir, "devproxy.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  addr: :8080\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}

func TestLoadRulesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	_ = os.WriteFile(path, []byte("- block|^https://ads\\.example\\.com/\n- cache|^https://api\\.example\\.com/|300\n"), 0644)

	rules, err := loadRulesFile(path)
	if err != nil {
		t.Fatalf("loadRulesFile: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}
	if rules[1] != `cache|^https://api\.example\.com/|300` {
		t.Errorf("rules[1] = %q", rules[1])
	}
}

func TestLoadRulesFile_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := loadRulesFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing rules file")
	}
}
