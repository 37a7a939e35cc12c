package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"jobescrow/crypto"
	"jobescrow/storage"
)

// Journal drivers.
const (
	JournalDriverSQLite   = "sqlite"
	JournalDriverPostgres = "postgres"
)

// Config captures the runtime settings for the escrow daemon.
type Config struct {
	ListenAddress string          `toml:"ListenAddress" yaml:"listen"`
	Environment   string          `toml:"Environment" yaml:"environment"`
	Storage       StorageConfig   `toml:"storage" yaml:"storage"`
	Escrow        EscrowConfig    `toml:"escrow" yaml:"escrow"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig `toml:"ratelimit" yaml:"ratelimit"`
	Journal       JournalConfig   `toml:"journal" yaml:"journal"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Logging       LoggingConfig   `toml:"logging" yaml:"logging"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Backend      string `toml:"Backend" yaml:"backend"`
	Path         string `toml:"Path" yaml:"path"`
	AllowMigrate bool   `toml:"AllowMigrate" yaml:"allow_migrate"`
}

// EscrowConfig holds the payout destinations and timeout policy.
type EscrowConfig struct {
	Treasury    string        `toml:"Treasury" yaml:"treasury"`
	JurorPool   string        `toml:"JurorPool" yaml:"juror_pool"`
	GracePeriod time.Duration `toml:"GracePeriod" yaml:"grace_period"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled    bool          `toml:"Enabled" yaml:"enabled"`
	HMACSecret string        `toml:"HMACSecret" yaml:"hmac_secret"`
	Issuer     string        `toml:"Issuer" yaml:"issuer"`
	Audience   string        `toml:"Audience" yaml:"audience"`
	ClockSkew  time.Duration `toml:"ClockSkew" yaml:"clock_skew"`
}

// RateLimitConfig bounds request rates per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool              `toml:"Enabled" yaml:"enabled"`
	Endpoint string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"Insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"Headers" yaml:"headers"`
	Metrics  bool              `toml:"Metrics" yaml:"metrics"`
	Traces   bool              `toml:"Traces" yaml:"traces"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// Load reads the configuration at path. YAML files are selected by their
// extension, everything else is decoded as TOML. A missing TOML file is
// replaced by a freshly generated default configuration.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path required")
	}
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if isYAML(path) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Default returns the built-in settings without payout identities or secret.
func Default() *Config {
	return &Config{
		ListenAddress: ":8090",
		Environment:   "dev",
		Storage: StorageConfig{
			Backend: storage.BackendLevelDB,
			Path:    "./escrow-data/records",
		},
		Escrow: EscrowConfig{
			GracePeriod: 48 * time.Hour,
		},
		Auth: AuthConfig{
			Enabled:   true,
			Issuer:    "escrowd",
			Audience:  "escrow-api",
			ClockSkew: 2 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Journal: JournalConfig{
			Driver: JournalDriverSQLite,
			DSN:    "./escrow-data/journal.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// createDefault writes a default configuration with freshly generated
// treasury and juror pool keys stored next to the config file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	dir := filepath.Dir(path)
	passphrase := os.Getenv("ESCROWD_KEY_PASSPHRASE")

	for _, target := range []struct {
		file string
		dest *string
	}{
		{"treasury.key.json", &cfg.Escrow.Treasury},
		{"juror-pool.key.json", &cfg.Escrow.JurorPool},
	} {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		id, err := crypto.WriteKeyFile(filepath.Join(dir, target.file), key, passphrase, false)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", target.file, err)
		}
		*target.dest = id.String()
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	cfg.Auth.HMACSecret = hex.EncodeToString(secret)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (cfg *Config) normalize() {
	defaults := Default()
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaults.ListenAddress
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = defaults.Environment
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendMemory
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Escrow.Treasury = strings.TrimSpace(cfg.Escrow.Treasury)
	cfg.Escrow.JurorPool = strings.TrimSpace(cfg.Escrow.JurorPool)
	if cfg.Escrow.GracePeriod == 0 {
		cfg.Escrow.GracePeriod = defaults.Escrow.GracePeriod
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = defaults.Auth.ClockSkew
	}
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RequestsPerSecond)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = JournalDriverSQLite
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.Driver == JournalDriverSQLite && cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "file::memory:?cache=shared"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// Validate reports the first invalid setting.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unsupported backend %q", cfg.Storage.Backend)
	}
	treasury, err := cfg.Escrow.TreasuryIdentity()
	if err != nil {
		return err
	}
	jurorPool, err := cfg.Escrow.JurorPoolIdentity()
	if err != nil {
		return err
	}
	if treasury == jurorPool {
		return fmt.Errorf("escrow: treasury and juror pool must differ")
	}
	if cfg.Escrow.GracePeriod < time.Second {
		return fmt.Errorf("escrow: grace period must be at least one second")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.HMACSecret) < 16 {
		return fmt.Errorf("auth: hmac secret must be at least 16 characters")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("ratelimit: requests per second must not be negative")
	}
	switch cfg.Journal.Driver {
	case JournalDriverSQLite:
	case JournalDriverPostgres:
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal: dsn required for postgres")
		}
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: endpoint required when enabled")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unsupported level %q", cfg.Logging.Level)
	}
	return nil
}

// TreasuryIdentity parses the configured platform treasury.
func (c EscrowConfig) TreasuryIdentity() (crypto.Identity, error) {
	return parseRequiredIdentity("escrow.treasury", c.Treasury)
}

// JurorPoolIdentity parses the configured juror pool.
func (c EscrowConfig) JurorPoolIdentity() (crypto.Identity, error) {
	return parseRequiredIdentity("escrow.juror_pool", c.JurorPool)
}

func parseRequiredIdentity(field, raw string) (crypto.Identity, error) {
	if raw == "" {
		return crypto.Identity{}, fmt.Errorf("%s is required", field)
	}
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return crypto.Identity{}, fmt.Errorf("%s: %w", field, err)
	}
	if id.IsZero() {
		return crypto.Identity{}, fmt.Errorf("%s must not be the zero identity", field)
	}
	return id, nil
}
