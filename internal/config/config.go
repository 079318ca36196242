package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "READSYNC_"

// State backends
const (
	StateBackendFile   = "file"
	StateBackendSQL    = "sql"
	StateBackendMemory = "memory"
)

// Config holds all configuration for the application
type Config struct {
	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Sync engine settings
	Sync SyncConfig `yaml:"sync"`

	// Destination write retry policy
	Retry RetryConfig `yaml:"retry"`

	// SQL state backend connection, used when sync.state_backend is "sql"
	Database DatabaseConfig `yaml:"database"`

	// Destination tracking platform
	Destination DestinationConfig `yaml:"destination"`

	// Profiles to synchronize
	Profiles []ProfileConfig `yaml:"profiles"`
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SyncConfig configures reconciliation and run orchestration
type SyncConfig struct {
	ProgressEpsilon       float64       `yaml:"progress_epsilon"`
	StateBackend          string        `yaml:"state_backend"`
	StateDir              string        `yaml:"state_dir"`
	LockDir               string        `yaml:"lock_dir"`
	MaxConcurrentProfiles int           `yaml:"max_concurrent_profiles"`
	SnapshotTimeout       time.Duration `yaml:"snapshot_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
	PageSize              int           `yaml:"page_size"`
}

// RetryConfig is the exponential backoff policy for transient destination errors
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DestinationConfig configures the GraphQL destination adapter
type DestinationConfig struct {
	URL       string        `yaml:"url"`
	RateLimit time.Duration `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProfileConfig pairs a set of source accounts with one destination account
type ProfileConfig struct {
	Name             string         `yaml:"name"`
	DisplayName      string         `yaml:"display_name"`
	DestinationToken string         `yaml:"destination_token"`
	Sources          []SourceConfig `yaml:"sources"`
}

// Profile returns the immutable profile value for this entry
func (p ProfileConfig) Profile() models.Profile {
	return models.Profile{Name: p.Name, DisplayName: p.DisplayName}
}

// SourceConfig describes one source snapshot of a profile
type SourceConfig struct {
	Type       string   `yaml:"type"`
	Path       string   `yaml:"path"`
	URL        string   `yaml:"url"`
	Token      string   `yaml:"token"`
	LibraryIDs []string `yaml:"library_ids"`
	PageSize   int      `yaml:"page_size"`
}

// Platform returns the parsed source platform
func (s SourceConfig) Platform() (models.Platform, error) {
	return models.ParsePlatform(s.Type)
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	cfg.Sync.ProgressEpsilon = 0.05
	cfg.Sync.StateBackend = StateBackendFile
	cfg.Sync.StateDir = "./data/state"
	cfg.Sync.LockDir = "./data/locks"
	cfg.Sync.MaxConcurrentProfiles = 2
	cfg.Sync.SnapshotTimeout = 2 * time.Minute
	cfg.Sync.WriteTimeout = 30 * time.Second
	cfg.Sync.PageSize = 50

	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialBackoff = 500 * time.Millisecond
	cfg.Retry.MaxBackoff = 10 * time.Second

	cfg.Database.Type = DatabaseTypeSQLite
	cfg.Database.Path = "./data/state.db"

	cfg.Destination.URL = "https://api.hardcover.app/v1/graphql"
	cfg.Destination.RateLimit = 1500 * time.Millisecond
	cfg.Destination.Burst = 2
	cfg.Destination.CacheTTL = 24 * time.Hour
	cfg.Destination.Timeout = 30 * time.Second
	return cfg
}

// Load loads configuration from a file (if specified) and environment variables.
// Configuration priority: 1) Command line flags, 2) Environment variables, 3) Config file, 4) Defaults
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile unmarshals the YAML file over cfg, so keys absent from the file keep their defaults
func loadFile(cfg *Config, path string) error {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = abs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: path, Msg: "could not be read", Err: err}
	}

	// ${VAR} references keep tokens out of the file itself
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return &ConfigError{Field: path, Msg: "is not valid YAML", Err: err}
	}
	return nil
}

// Validate checks that the configuration is complete and consistent
func (c *Config) Validate() error {
	var problems []string

	if c.Sync.ProgressEpsilon < 0 || c.Sync.ProgressEpsilon >= 1 {
		problems = append(problems, fmt.Sprintf("sync.progress_epsilon %v must be in [0,1)", c.Sync.ProgressEpsilon))
	}
	switch c.Sync.StateBackend {
	case StateBackendFile:
		if c.Sync.StateDir == "" {
			problems = append(problems, "sync.state_dir is required for the file backend")
		}
	case StateBackendSQL:
		if err := c.Database.Validate(); err != nil {
			problems = append(problems, "database: "+err.Error())
		}
	case StateBackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("sync.state_backend %q is not one of file, sql, memory", c.Sync.StateBackend))
	}
	if c.Sync.LockDir == "" {
		problems = append(problems, "sync.lock_dir is required")
	}
	if c.Sync.MaxConcurrentProfiles < 1 {
		problems = append(problems, "sync.max_concurrent_profiles must be at least 1")
	}
	if c.Sync.SnapshotTimeout <= 0 || c.Sync.WriteTimeout <= 0 {
		problems = append(problems, "sync timeouts must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		problems = append(problems, "retry.max_backoff must not be smaller than retry.initial_backoff")
	}

	seen := make(map[string]bool)
	for i, p := range c.Profiles {
		if err := p.Profile().Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("profiles[%d]: %v", i, err))
			continue
		}
		if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("profiles[%d]: duplicate profile name %q", i, p.Name))
		}
		seen[p.Name] = true
		if len(p.Sources) == 0 {
			problems = append(problems, fmt.Sprintf("profile %q has no sources", p.Name))
		}
		for j, s := range p.Sources {
			if err := s.validate(); err != nil {
				problems = append(problems, fmt.Sprintf("profile %q sources[%d]: %v", p.Name, j, err))
			}
		}
	}

	if len(problems) > 0 {
		return &ConfigError{
			Field: "config",
			Msg:   strings.Join(problems, "; "),
		}
	}
	return nil
}

func (s SourceConfig) validate() error {
	platform, err := s.Platform()
	if err != nil {
		return err
	}
	switch platform {
	case models.PlatformAudiobookshelf:
		if s.URL == "" || s.Token == "" {
			return fmt.Errorf("audiobookshelf source needs url and token")
		}
	default:
		if s.Path == "" {
			return fmt.Errorf("%s source needs a path to an export file", platform)
		}
	}
	if s.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative")
	}
	return nil
}

// Profile looks up a configured profile by name
func (c *Config) Profile(name string) (ProfileConfig, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ProfileConfig{}, false
}

// SelectProfiles returns the named profiles, or all profiles when names is empty
func (c *Config) SelectProfiles(names []string) ([]ProfileConfig, error) {
	if len(names) == 0 {
		if len(c.Profiles) == 0 {
			return nil, &ConfigError{Field: "profiles", Msg: "no profiles configured"}
		}
		return c.Profiles, nil
	}
	selected := make([]ProfileConfig, 0, len(names))
	for _, name := range names {
		p, ok := c.Profile(name)
		if !ok {
			return nil, &ConfigError{Field: "profile", Msg: fmt.Sprintf("%q is not configured", name)}
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "config error: " + e.Field + " " + e.Msg + ": " + e.Err.Error()
	}
	return "config error: " + e.Field + " " + e.Msg
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	env := &envReader{}

	// Logging
	cfg.Logging.Level = env.str("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = env.str("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = env.str("LOG_FILE", cfg.Logging.File)

	// Sync settings
	cfg.Sync.StateBackend = strings.ToLower(env.str("STATE_BACKEND", cfg.Sync.StateBackend))
	cfg.Sync.StateDir = env.str("STATE_DIR", cfg.Sync.StateDir)
	cfg.Sync.LockDir = env.str("LOCK_DIR", cfg.Sync.LockDir)
	cfg.Sync.ProgressEpsilon = env.number("PROGRESS_EPSILON", cfg.Sync.ProgressEpsilon)
	cfg.Sync.MaxConcurrentProfiles = env.integer("MAX_CONCURRENT_PROFILES", cfg.Sync.MaxConcurrentProfiles)
	cfg.Sync.SnapshotTimeout = env.duration("SNAPSHOT_TIMEOUT", cfg.Sync.SnapshotTimeout)
	cfg.Sync.WriteTimeout = env.duration("WRITE_TIMEOUT", cfg.Sync.WriteTimeout)
	cfg.Sync.PageSize = env.integer("PAGE_SIZE", cfg.Sync.PageSize)

	// Retry policy
	cfg.Retry.MaxAttempts = env.integer("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.InitialBackoff = env.duration("RETRY_INITIAL_BACKOFF", cfg.Retry.InitialBackoff)
	cfg.Retry.MaxBackoff = env.duration("RETRY_MAX_BACKOFF", cfg.Retry.MaxBackoff)

	// Destination
	cfg.Destination.URL = strings.TrimSuffix(env.str("DESTINATION_URL", cfg.Destination.URL), "/")

	// Database
	if dbType := env.str("DATABASE_TYPE", ""); dbType != "" {
		cfg.Database.Type = ParseDatabaseType(dbType)
	}
	cfg.Database.Path = env.str("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.Host = env.str("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = env.integer("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.Database = env.str("DATABASE_NAME", cfg.Database.Database)
	cfg.Database.Username = env.str("DATABASE_USER", cfg.Database.Username)
	cfg.Database.Password = env.str("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.SSLMode = env.str("DATABASE_SSL_MODE", cfg.Database.SSLMode)

	// Per-profile destination tokens: READSYNC_<PROFILE>_DESTINATION_TOKEN
	for i := range cfg.Profiles {
		key := envProfileKey(cfg.Profiles[i].Name) + "_DESTINATION_TOKEN"
		cfg.Profiles[i].DestinationToken = env.str(key, cfg.Profiles[i].DestinationToken)
	}

	return env.err
}

func envProfileKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envReader reads READSYNC_* overrides and keeps the first parse error
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	value, exists := os.LookupEnv(EnvPrefix + key)
	return value, exists && value != ""
}

func (r *envReader) fail(key, msg string, err error) {
	if r.err == nil {
		r.err = &ConfigError{Field: EnvPrefix + key, Msg: msg, Err: err}
	}
}

func (r *envReader) str(key, fallback string) string {
	if value, ok := r.lookup(key); ok {
		return value
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	value, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, "is not an integer", err)
		return fallback
	}
	return i
}

func (r *envReader) number(key string, fallback float64) float64 {
	value, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, "is not a number", err)
		return fallback
	}
	return f
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, "is not a duration", err)
		return fallback
	}
	return d
}
