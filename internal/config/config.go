// ABOUTME: Configuration loading and parsing for coven-context
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-context configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Store      StoreConfig      `yaml:"store"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Transports TransportsConfig `yaml:"transports"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig identifies this system to its peers
type AppConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// StoreConfig holds local context store configuration
type StoreConfig struct {
	// Path is the SQLite database location. InMemory overrides it.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// ExchangeConfig holds context exchange policy and timing
type ExchangeConfig struct {
	Interval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IntervalRaw string `yaml:"interval"`

	MinConfidence float64  `yaml:"min_confidence"`
	PushLimit     int      `yaml:"push_limit"`
	AllowedPeers  []string `yaml:"allowed_peers"`
	AllowedTypes  []string `yaml:"allowed_types"`
	SystemWide    bool     `yaml:"system_wide"`
}

// TransportsConfig holds configuration for all transport adapters
type TransportsConfig struct {
	// StagingDir receives helper scripts and transient payload files for
	// every transport that stages them.
	StagingDir string `yaml:"staging_dir"`

	// Emulation forces every transport into its in-process emulation mode.
	Emulation bool `yaml:"emulation"`

	NotifyBus NotifyBusConfig `yaml:"notifybus"`
	AutoHost  AutoHostConfig  `yaml:"autohost"`
	MsgBus    MsgBusConfig    `yaml:"msgbus"`
}

// NotifyBusConfig holds the distributed-notification transport configuration
type NotifyBusConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Notification string `yaml:"notification"`
	SpoolDir     string `yaml:"spool_dir"`
}

// AutoHostConfig holds the automation-host transport configuration
type AutoHostConfig struct {
	Enabled     bool     `yaml:"enabled"`
	HostCommand []string `yaml:"host_command"`
}

// MsgBusConfig holds the message-bus transport configuration
type MsgBusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BusName    string `yaml:"bus_name"`
	ObjectPath string `yaml:"object_path"`
	SocketPath string `yaml:"socket_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables rotated file logging alongside stderr when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists:
// emulated transports, in-memory store, and the stock exchange policy.
func Default() *Config {
	cfg := &Config{
		Store:    StoreConfig{InMemory: true},
		Exchange: ExchangeConfig{},
		Transports: TransportsConfig{
			Emulation: true,
			MsgBus:    MsgBusConfig{Enabled: true},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.App.ID == "" {
		c.App.ID = "ai.coven.agent"
	}
	if c.App.Name == "" {
		c.App.Name = "Coven Agent"
	}
	if c.Exchange.Interval == 0 {
		c.Exchange.Interval = 5 * time.Second
	}
	if c.Exchange.MinConfidence == 0 {
		c.Exchange.MinConfidence = 0.7
	}
	if c.Exchange.PushLimit == 0 {
		c.Exchange.PushLimit = 20
	}
	if c.Transports.StagingDir == "" {
		c.Transports.StagingDir = os.TempDir() + "/coven-context"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required (or enable store.in_memory)")
	}

	if c.Exchange.MinConfidence < 0 || c.Exchange.MinConfidence > 1 {
		return fmt.Errorf("exchange.min_confidence must be between 0 and 1")
	}
	if c.Exchange.PushLimit < 1 {
		return fmt.Errorf("exchange.push_limit must be at least 1")
	}
	if c.Exchange.Interval < time.Second {
		return fmt.Errorf("exchange.interval must be at least 1s")
	}

	if !c.Transports.NotifyBus.Enabled && !c.Transports.AutoHost.Enabled && !c.Transports.MsgBus.Enabled {
		return fmt.Errorf("at least one transport must be enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Exchange.IntervalRaw != "" {
		cfg.Exchange.Interval, err = time.ParseDuration(cfg.Exchange.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing exchange interval %q: %w", cfg.Exchange.IntervalRaw, err)
		}
	}

	return nil
}
