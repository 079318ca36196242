package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600), "Failed to write config file")
	return path
}

const sampleConfig = `# Logging configuration
logging:
  level: "debug"
  format: "json"

sync:
  progress_epsilon: 0.1
  state_dir: "/var/lib/reading-sync"
  write_timeout: "5s"

retry:
  max_attempts: 5
  initial_backoff: "100ms"
  max_backoff: "2s"

destination:
  url: "https://example.com/graphql"
  rate_limit: "200ms"

profiles:
  - name: "alice"
    destination_token: "${TEST_ALICE_TOKEN}"
    sources:
      - type: "goodreads"
        path: "/exports/alice-goodreads.jsonl"
      - type: "audible"
        path: "/exports/alice-library.tsv"
  - name: "bob"
    sources:
      - type: "audiobookshelf"
        url: "https://abs.example.com"
        token: "abs-token"
        library_ids: ["lib-1", "lib-2"]
        page_size: 25
`

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TEST_ALICE_TOKEN", "alice-secret")
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err, "Failed to load configuration from file")

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 0.1, cfg.Sync.ProgressEpsilon)
	assert.Equal(t, "/var/lib/reading-sync", cfg.Sync.StateDir)
	assert.Equal(t, 5*time.Second, cfg.Sync.WriteTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, "https://example.com/graphql", cfg.Destination.URL)
	assert.Equal(t, 200*time.Millisecond, cfg.Destination.RateLimit)

	// Keys absent from the file keep their defaults
	assert.Equal(t, StateBackendFile, cfg.Sync.StateBackend)
	assert.Equal(t, 2, cfg.Sync.MaxConcurrentProfiles)
	assert.Equal(t, 2*time.Minute, cfg.Sync.SnapshotTimeout)
	assert.Equal(t, 50, cfg.Sync.PageSize)

	require.Len(t, cfg.Profiles, 2)
	alice := cfg.Profiles[0]
	assert.Equal(t, "alice", alice.Name)
	assert.Equal(t, "alice-secret", alice.DestinationToken)
	require.Len(t, alice.Sources, 2)
	assert.Equal(t, "goodreads", alice.Sources[0].Type)

	bob, ok := cfg.Profile("bob")
	require.True(t, ok)
	assert.Equal(t, []string{"lib-1", "lib-2"}, bob.Sources[0].LibraryIDs)
	assert.Equal(t, 25, bob.Sources[0].PageSize)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.05, cfg.Sync.ProgressEpsilon)
	assert.Equal(t, StateBackendFile, cfg.Sync.StateBackend)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Sync.WriteTimeout)
	assert.Empty(t, cfg.Profiles)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TEST_ALICE_TOKEN", "from-file")
	t.Setenv("READSYNC_LOG_LEVEL", "warn")
	t.Setenv("READSYNC_PROGRESS_EPSILON", "0.2")
	t.Setenv("READSYNC_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("READSYNC_SNAPSHOT_TIMEOUT", "45s")
	t.Setenv("READSYNC_DESTINATION_URL", "https://override.example.com/graphql/")
	t.Setenv("READSYNC_ALICE_DESTINATION_TOKEN", "from-env")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 0.2, cfg.Sync.ProgressEpsilon)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Sync.SnapshotTimeout)
	assert.Equal(t, "https://override.example.com/graphql", cfg.Destination.URL)
	assert.Equal(t, "from-env", cfg.Profiles[0].DestinationToken)
}

func TestInvalidEnvironmentValue(t *testing.T) {
	t.Setenv("READSYNC_RETRY_MAX_ATTEMPTS", "many")

	_, err := Load("")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "READSYNC_RETRY_MAX_ATTEMPTS", cfgErr.Field)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "sync: [unclosed"))
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "not valid YAML")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "epsilon out of range",
			mutate:  func(c *Config) { c.Sync.ProgressEpsilon = 1.5 },
			wantErr: "progress_epsilon",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Sync.StateBackend = "redis" },
			wantErr: "state_backend",
		},
		{
			name: "sql backend needs a database",
			mutate: func(c *Config) {
				c.Sync.StateBackend = StateBackendSQL
				c.Database = DatabaseConfig{Type: DatabaseTypePostgreSQL}
			},
			wantErr: "database host is required",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name: "duplicate profile",
			mutate: func(c *Config) {
				src := []SourceConfig{{Type: "kindle", Path: "k.jsonl"}}
				c.Profiles = []ProfileConfig{{Name: "a", Sources: src}, {Name: "a", Sources: src}}
			},
			wantErr: "duplicate profile name",
		},
		{
			name: "profile name with path separator",
			mutate: func(c *Config) {
				c.Profiles = []ProfileConfig{{Name: "../etc", Sources: []SourceConfig{{Type: "kindle", Path: "k"}}}}
			},
			wantErr: "not allowed",
		},
		{
			name: "unknown source type",
			mutate: func(c *Config) {
				c.Profiles = []ProfileConfig{{Name: "a", Sources: []SourceConfig{{Type: "libby", Path: "x"}}}}
			},
			wantErr: "unknown source platform",
		},
		{
			name: "audiobookshelf without token",
			mutate: func(c *Config) {
				c.Profiles = []ProfileConfig{{Name: "a", Sources: []SourceConfig{{Type: "audiobookshelf", URL: "http://abs"}}}}
			},
			wantErr: "needs url and token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSelectProfiles(t *testing.T) {
	cfg := Default()
	cfg.Profiles = []ProfileConfig{{Name: "alice"}, {Name: "bob"}}

	all, err := cfg.SelectProfiles(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := cfg.SelectProfiles([]string{"bob"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "bob", one[0].Name)

	_, err = cfg.SelectProfiles([]string{"carol"})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDatabaseConfig(t *testing.T) {
	t.Run("postgres dsn uses default port", func(t *testing.T) {
		db := DatabaseConfig{Type: ParseDatabaseType("postgres"), Host: "db", Database: "sync", Username: "u"}
		require.NoError(t, db.Validate())
		assert.Equal(t, "host=db port=5432 dbname=sync sslmode=prefer user=u", db.GetDSN())
	})

	t.Run("mysql dsn", func(t *testing.T) {
		db := DatabaseConfig{Type: DatabaseTypeMySQL, Host: "db", Database: "sync", Username: "u", Password: "p"}
		assert.Equal(t, "u:p@tcp(db:3306)/sync?charset=utf8mb4&parseTime=True&loc=UTC", db.GetDSN())
	})

	t.Run("sqlite requires path", func(t *testing.T) {
		db := DatabaseConfig{Type: DatabaseTypeSQLite}
		assert.Error(t, db.Validate())
	})

	t.Run("unknown type", func(t *testing.T) {
		db := DatabaseConfig{Type: ParseDatabaseType("oracle")}
		assert.ErrorContains(t, db.Validate(), "unsupported database type")
	})
}
