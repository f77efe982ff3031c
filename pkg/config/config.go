package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

type Config struct {
	LogLevel string `yaml:"logLevel"`
	DryRun   bool   `yaml:"dryRun"`

	API         APIConfig         `yaml:"api"`
	Migration   MigrationConfig   `yaml:"migration"`
	Balance     BalanceConfig     `yaml:"balance"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Upgrader    UpgraderConfig    `yaml:"upgrader"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// APIConfig describes how to reach the Proxmox VE API.
type APIConfig struct {
	URL                string        `yaml:"url"`
	TokenID            string        `yaml:"tokenID"` // USER@REALM!TOKENID
	TokenSecret        string        `yaml:"tokenSecret"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	Timeout            time.Duration `yaml:"timeout"`
	QPS                float32       `yaml:"qps"`
	Burst              int           `yaml:"burst"`
}

type MigrationConfig struct {
	DowntimeSeconds int           `yaml:"downtimeSeconds"`
	Timeout         time.Duration `yaml:"timeout"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	Confirm         bool          `yaml:"confirm"`
}

func (m MigrationConfig) Downtime() time.Duration {
	return time.Duration(m.DowntimeSeconds) * time.Second
}

type BalanceConfig struct {
	// Threshold is the spread at which balancing stops. Unset means 0.10; an explicit 0 keeps
	// balancing while any move still narrows the spread.
	Threshold    *float64 `yaml:"threshold"`
	MaxMoves     int      `yaml:"maxMoves"`
	Metric       string   `yaml:"metric"` // "cpu", "memory" or "blended"
	CPUWeight    float64  `yaml:"cpuWeight"`
	MemoryWeight float64  `yaml:"memoryWeight"`
	// PinnedTag marks VMs that must never be migrated.
	PinnedTag     string   `yaml:"pinnedTag"`
	ExcludedNodes []string `yaml:"excludedNodes"`
}

type MaintenanceConfig struct {
	RebootTimeout      time.Duration `yaml:"rebootTimeout"`
	RebootPollInterval time.Duration `yaml:"rebootPollInterval"`
	UpgradeMode        string        `yaml:"upgradeMode"` // "upgrade", "dist" or "full"
	Autoremove         bool          `yaml:"autoremove"`
}

type UpgraderConfig struct {
	Mode           string            `yaml:"mode"` // "ssh" or "disabled"
	User           string            `yaml:"user"`
	Port           int               `yaml:"port"`
	PrivateKeyPath string            `yaml:"privateKeyPath"`
	KnownHostsPath string            `yaml:"knownHostsPath"`
	Hosts          map[string]string `yaml:"hosts"` // node name -> address, defaults to the node name
	Timeout        time.Duration     `yaml:"timeout"`
}

type NotifierConfig struct {
	Mode     string  `yaml:"mode"` // "telegram" or "disabled"
	BotToken string  `yaml:"botToken"`
	ChatIDs  []int64 `yaml:"chatIDs"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every value that has a non-zero default filled in.
func Default() *Config {
	cfg := &Config{
		Migration: MigrationConfig{Confirm: true},
	}
	_ = cfg.ApplyDefaultsAndValidate()
	return cfg
}

// Load reads path, applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Migration: MigrationConfig{Confirm: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml config %s: %w", path, err)
	}
	if err := cfg.ApplyEnvironmentOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.ApplyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvironmentOverrides replaces secrets and endpoints with values from the environment.
func (c *Config) ApplyEnvironmentOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PVE_API_URL"); ok && v != "" {
		c.API.URL = v
	}
	if v, ok := lookup("PVE_API_TOKEN_ID"); ok && v != "" {
		c.API.TokenID = v
	}
	if v, ok := lookup("PVE_API_TOKEN_SECRET"); ok && v != "" {
		c.API.TokenSecret = v
	}
	if v, ok := lookup("TELEGRAM_BOT_TOKEN"); ok && v != "" {
		c.Notifier.BotToken = v
	}
	if v, ok := lookup("TELEGRAM_CHAT_IDS"); ok && v != "" {
		var ids []int64
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fmt.Errorf("TELEGRAM_CHAT_IDS: invalid chat id %q: %w", part, err)
			}
			ids = append(ids, id)
		}
		c.Notifier.ChatIDs = ids
	}
	return nil
}

func (c *Config) ApplyDefaultsAndValidate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.QPS == 0 {
		c.API.QPS = 5
	}
	if c.API.Burst == 0 {
		c.API.Burst = 10
	}
	if c.API.URL != "" {
		c.API.URL = strings.TrimRight(c.API.URL, "/")
	}

	if c.Migration.DowntimeSeconds < 0 {
		return fmt.Errorf("migration.downtimeSeconds must not be negative, got %d", c.Migration.DowntimeSeconds)
	}
	if c.Migration.Timeout == 0 {
		c.Migration.Timeout = 10 * time.Minute
	}
	if c.Migration.PollInterval == 0 {
		c.Migration.PollInterval = 2 * time.Second
	}
	if c.Migration.PollInterval > c.Migration.Timeout {
		return fmt.Errorf("migration.pollInterval (%s) must not exceed migration.timeout (%s)",
			c.Migration.PollInterval, c.Migration.Timeout)
	}

	if c.Balance.Threshold == nil {
		c.Balance.Threshold = ptr.To(0.10)
	}
	if t := *c.Balance.Threshold; t < 0 || t >= 1 {
		return fmt.Errorf("balance.threshold must be in [0, 1), got %v", t)
	}
	if c.Balance.MaxMoves == 0 {
		c.Balance.MaxMoves = 10
	}
	if c.Balance.MaxMoves < 0 {
		return fmt.Errorf("balance.maxMoves must be positive, got %d", c.Balance.MaxMoves)
	}
	if c.Balance.Metric == "" {
		c.Balance.Metric = "blended"
	}
	switch c.Balance.Metric {
	case "cpu", "memory", "blended":
	default:
		return fmt.Errorf("balance.metric must be one of cpu, memory, blended; got %q", c.Balance.Metric)
	}
	if c.Balance.CPUWeight < 0 || c.Balance.MemoryWeight < 0 {
		return fmt.Errorf("balance weights must not be negative")
	}
	if c.Balance.PinnedTag == "" {
		c.Balance.PinnedTag = "pinned"
	}

	if c.Maintenance.RebootTimeout == 0 {
		c.Maintenance.RebootTimeout = 15 * time.Minute
	}
	if c.Maintenance.RebootPollInterval == 0 {
		c.Maintenance.RebootPollInterval = 10 * time.Second
	}
	if c.Maintenance.UpgradeMode == "" {
		c.Maintenance.UpgradeMode = "dist"
	}
	switch c.Maintenance.UpgradeMode {
	case "upgrade", "dist", "full":
	default:
		return fmt.Errorf("maintenance.upgradeMode must be one of upgrade, dist, full; got %q", c.Maintenance.UpgradeMode)
	}

	if c.Upgrader.Mode == "" {
		c.Upgrader.Mode = "ssh"
	}
	if c.Upgrader.User == "" {
		c.Upgrader.User = "root"
	}
	if c.Upgrader.Port == 0 {
		c.Upgrader.Port = 22
	}
	if c.Upgrader.Timeout == 0 {
		c.Upgrader.Timeout = 30 * time.Minute
	}

	if c.Notifier.Mode == "" {
		c.Notifier.Mode = "disabled"
	}
	if c.Notifier.Mode == "telegram" && (c.Notifier.BotToken == "" || len(c.Notifier.ChatIDs) == 0) {
		return fmt.Errorf("notifier.mode=telegram requires botToken and at least one chat id")
	}

	return nil
}

// ValidateAPI checks the settings needed to talk to a live cluster.
func (c *Config) ValidateAPI() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required (or set PVE_API_URL)")
	}
	if c.API.TokenID == "" || c.API.TokenSecret == "" {
		return fmt.Errorf("api.tokenID and api.tokenSecret are required (or set PVE_API_TOKEN_ID / PVE_API_TOKEN_SECRET)")
	}
	return nil
}
