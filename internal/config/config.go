// ABOUTME: Configuration loading and parsing for the whitenoise core
// ABOUTME: YAML with environment variable expansion, duration parsing, and XDG path resolution

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Data    DataConfig    `yaml:"data"`
	Relays  RelaysConfig  `yaml:"relays"`
	Media   MediaConfig   `yaml:"media"`
	Logging LoggingConfig `yaml:"logging"`
}

// DataConfig locates the profile's state on disk.
type DataConfig struct {
	// Dir holds the database, keystore, MLS state, and media cache.
	// Defaults to the XDG data directory.
	Dir string `yaml:"dir"`
	// SealKey is the hex-encoded 32-byte key sealing the keystore at rest.
	// Usually injected as ${WHITENOISE_SEAL_KEY}.
	SealKey string `yaml:"seal_key"`
}

// RelaysConfig holds the bootstrap relay set and publish timing.
type RelaysConfig struct {
	// Default relays back every relay-list fallback and bootstrap queries.
	Default []string `yaml:"default"`

	PublishTimeout time.Duration `yaml:"-"`
	// Raw string value for YAML unmarshaling
	PublishTimeoutRaw string `yaml:"publish_timeout"`
}

// MediaConfig holds the Blossom endpoint and cache ceiling.
type MediaConfig struct {
	BlossomURL    string `yaml:"blossom_url"`
	CacheMaxBytes int64  `yaml:"cache_max_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRelays seed a profile with no configuration.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.primal.net",
}

// Load reads a configuration file and returns a parsed Config. Environment
// variables in the format ${VAR_NAME} are expanded. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = DefaultDataPath()
	}
	if len(cfg.Relays.Default) == 0 {
		cfg.Relays.Default = DefaultRelays
	}
	if cfg.Relays.PublishTimeout == 0 {
		cfg.Relays.PublishTimeout = 10 * time.Second
	}
	if cfg.Media.CacheMaxBytes == 0 {
		cfg.Media.CacheMaxBytes = 512 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// DefaultConfigPath returns the path to the config file.
// Priority: WHITENOISE_CONFIG env var > XDG_CONFIG_HOME/whitenoise/config.yaml > ~/.config/whitenoise/config.yaml
func DefaultConfigPath() string {
	if envPath := os.Getenv("WHITENOISE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "whitenoise", "config.yaml")
}

// DefaultDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/whitenoise > ~/.local/share/whitenoise
func DefaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "whitenoise")
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR_NAME} references with their environment
// values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relays.PublishTimeoutRaw != "" {
		cfg.Relays.PublishTimeout, err = time.ParseDuration(cfg.Relays.PublishTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing publish_timeout %q: %w", cfg.Relays.PublishTimeoutRaw, err)
		}
	}

	return nil
}
