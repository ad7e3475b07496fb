// Package config provides the fleet configuration loader.
// Config is loaded by merging fleet.yaml → ~/.fleet/config.yaml → FLEET_* env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/f9-o/fleet/pkg/netutil"
)

// ProjectFile is the project manifest name searched for by discovery.
const ProjectFile = "fleet.yaml"

// sensitiveKeyRegex matches config keys that should be redacted in log output.
var sensitiveKeyRegex = regexp.MustCompile(`(?i)(password|token|secret|key|passphrase)`)

// Defaults contains factory-default values applied before any config file is loaded.
var Defaults = map[string]any{
	"flake":              ".",
	"catalog.attr":       "fleetCatalog",
	"gc_root_prefix":     "fleet-gcroot",
	"ssh.port":           22,
	"state.path":         ".fleet/state.db",
	"deploy.parallelism": 0,
	"log.level":          "info",
	"log.format":         "text",
}

// ─────────────────────────────────────────────────────────────────────────────
// Config types
// ─────────────────────────────────────────────────────────────────────────────

// Config is the fully-decoded project configuration.
type Config struct {
	Version      string        `mapstructure:"version"`
	Flake        string        `mapstructure:"flake"`
	Catalog      CatalogConfig `mapstructure:"catalog"`
	LocalHost    string        `mapstructure:"local_host"`
	GCRootPrefix string        `mapstructure:"gc_root_prefix"`
	SSH          SSHConfig     `mapstructure:"ssh"`
	State        StateConfig   `mapstructure:"state"`
	Deploy       DeployConfig  `mapstructure:"deploy"`
	Secrets      SecretsConfig `mapstructure:"secrets"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
	Plugins      PluginsConfig `mapstructure:"plugins"`
	Log          LogConfig     `mapstructure:"log"`

	// ProjectRoot is the directory holding fleet.yaml (CWD when none was found).
	ProjectRoot string `mapstructure:"-"`
}

// CatalogConfig says where host and secret declarations come from.
type CatalogConfig struct {
	File string `mapstructure:"file"` // static YAML/JSON document; empty = nix eval
	Attr string `mapstructure:"attr"` // flake attribute evaluated to the catalog
}

// SSHConfig holds defaults for hosts that do not set their own connection fields.
type SSHConfig struct {
	User       string `mapstructure:"user"`
	Key        string `mapstructure:"key"`
	KnownHosts string `mapstructure:"known_hosts"`
	Port       int    `mapstructure:"port"`
}

// StateConfig locates the BoltDB secret store.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// DeployConfig tunes fleet-wide fan-out.
type DeployConfig struct {
	Parallelism int `mapstructure:"parallelism"` // 0 = one task per host, unbounded
}

// SecretsConfig tunes secret reconciliation.
type SecretsConfig struct {
	// PreferIdentities lists hosts tried first when a decrypting owner must be picked.
	PreferIdentities []string `mapstructure:"prefer_identities"`
}

// MetricsConfig controls the optional Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// PluginsConfig locates Go plugins.
type PluginsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig controls logging behaviour.
type LogConfig struct {
	Level  string `mapstructure:"level"` // debug | info | warn | error
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // json | text
}

// ─────────────────────────────────────────────────────────────────────────────
// Loader
// ─────────────────────────────────────────────────────────────────────────────

// Load discovers and loads the configuration, walking up directories to find
// fleet.yaml, then merging it with the global config and environment variables.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()

	// Apply defaults
	for k, val := range Defaults {
		v.SetDefault(k, val)
	}

	// Environment variable binding: FLEET_LOG_LEVEL → log.level
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load global config (~/.fleet/config.yaml) if it exists
	globalCfg := filepath.Join(fleetHome(), "config.yaml")
	if _, err := os.Stat(globalCfg); err == nil {
		v.SetConfigFile(globalCfg)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	// Load project config
	projectPath := explicitPath
	if projectPath == "" {
		if path, err := discoverProjectConfig(); err == nil {
			projectPath = path
		}
	}
	if projectPath != "" {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil && explicitPath != "" {
			return nil, fmt.Errorf("read project config %q: %w", explicitPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if projectPath != "" {
		abs, err := filepath.Abs(projectPath)
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		cfg.ProjectRoot = filepath.Dir(abs)
	} else if wd, err := os.Getwd(); err == nil {
		cfg.ProjectRoot = wd
	}

	expandPaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// StatePath returns the state DB path, resolved against the project root.
func (c *Config) StatePath() string {
	return c.resolve(c.State.Path)
}

// CatalogFile returns the static catalog path resolved against the project root, or "".
func (c *Config) CatalogFile() string {
	if c.Catalog.File == "" {
		return ""
	}
	return c.resolve(c.Catalog.File)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.ProjectRoot == "" {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// IsSensitiveKey returns true if key matches a known sensitive pattern.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyRegex.MatchString(key)
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// discoverProjectConfig walks up from the CWD looking for fleet.yaml.
func discoverProjectConfig() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findUp(start, ProjectFile)
}

func findUp(dir, name string) (string, error) {
	start := dir
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("%s not found (searched up from %s)", name, start)
}

// expandPaths resolves ${VAR} placeholders and ~ in path-valued fields.
func expandPaths(cfg *Config) {
	for _, p := range []*string{&cfg.SSH.Key, &cfg.SSH.KnownHosts, &cfg.State.Path, &cfg.Catalog.File, &cfg.Log.File, &cfg.Metrics.Textfile, &cfg.Plugins.Dir} {
		*p = expandHome(os.ExpandEnv(*p))
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// validate performs semantic validation on the loaded config.
func validate(cfg *Config) error {
	if cfg.LocalHost != "" && !netutil.IsValidHostName(cfg.LocalHost) {
		return fmt.Errorf("local_host %q is not a valid host name", cfg.LocalHost)
	}
	if cfg.Deploy.Parallelism < 0 {
		return fmt.Errorf("deploy.parallelism must be >= 0, got %d", cfg.Deploy.Parallelism)
	}
	if cfg.SSH.Port != 0 && !netutil.IsValidSSHPort(cfg.SSH.Port) {
		return fmt.Errorf("ssh.port %d out of range", cfg.SSH.Port)
	}
	if cfg.Catalog.File == "" && cfg.Catalog.Attr == "" {
		return fmt.Errorf("either catalog.file or catalog.attr must be set")
	}
	for _, name := range cfg.Secrets.PreferIdentities {
		if !netutil.IsValidHostName(name) {
			return fmt.Errorf("secrets.prefer_identities: %q is not a valid host name", name)
		}
	}
	return nil
}

func fleetHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleet"
	}
	return filepath.Join(home, ".fleet")
}

// FleetHome returns the fleet home directory (~/.fleet).
func FleetHome() string {
	return fleetHome()
}

// DefaultConfigTemplate is the content written by `fleet init`.
const DefaultConfigTemplate = `# fleet.yaml: project manifest
version: "1"

# Flake evaluated for host configurations and the catalog attribute.
flake: .
catalog:
  attr: fleetCatalog
  # file: fleet-catalog.yaml   # static catalog instead of nix eval

# Host that runs generators and is treated as the deployer itself.
# local_host: deployer

gc_root_prefix: fleet-gcroot

ssh:
  user: root
  key: ~/.ssh/id_ed25519
  # known_hosts: ~/.ssh/known_hosts
  port: 22

state:
  path: .fleet/state.db

deploy:
  parallelism: 0

secrets:
  prefer_identities: []

# metrics:
#   textfile: /var/lib/node_exporter/fleet.prom

log:
  level: info
  format: text
`
