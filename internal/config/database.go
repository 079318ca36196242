package config

import (
	"fmt"
	"strings"
)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	DatabaseTypeSQLite     DatabaseType = "sqlite"
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
	DatabaseTypeMariaDB    DatabaseType = "mariadb"
)

// ParseDatabaseType maps a user supplied type name onto a DatabaseType.
// Unknown names are returned as-is so Validate can report them.
func ParseDatabaseType(s string) DatabaseType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres":
		return DatabaseTypePostgreSQL
	case "mysql":
		return DatabaseTypeMySQL
	case "mariadb":
		return DatabaseTypeMariaDB
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite
	default:
		return DatabaseType(s)
	}
}

// DatabaseConfig holds the configuration for the SQL state backend
type DatabaseConfig struct {
	Type     DatabaseType `yaml:"type"`
	Host     string       `yaml:"host,omitempty"`
	Port     int          `yaml:"port,omitempty"`
	Database string       `yaml:"name,omitempty"`
	Username string       `yaml:"user,omitempty"`
	Password string       `yaml:"password,omitempty"`
	SSLMode  string       `yaml:"ssl_mode,omitempty"`
	Path     string       `yaml:"path,omitempty"` // For SQLite

	// Connection pool settings
	MaxOpenConns    int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime,omitempty"` // in minutes
}

// Validate checks if the database configuration is valid
func (c *DatabaseConfig) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.Path == "" {
			return fmt.Errorf("SQLite database path is required")
		}
	case DatabaseTypePostgreSQL, DatabaseTypeMySQL, DatabaseTypeMariaDB:
		if c.Host == "" {
			return fmt.Errorf("database host is required for %s", c.Type)
		}
		if c.Database == "" {
			return fmt.Errorf("database name is required for %s", c.Type)
		}
		if c.EffectivePort() <= 0 {
			return fmt.Errorf("valid database port is required for %s", c.Type)
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// EffectivePort returns the configured port or the default for the database type
func (c *DatabaseConfig) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	switch c.Type {
	case DatabaseTypePostgreSQL:
		return 5432
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return 3306
	default:
		return 0
	}
}

// GetDSN returns the data source name for the database connection
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case DatabaseTypeSQLite:
		return c.Path
	case DatabaseTypePostgreSQL:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "prefer"
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
			c.Host, c.EffectivePort(), c.Database, sslMode)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		return dsn
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.Username, c.Password, c.Host, c.EffectivePort(), c.Database)
	default:
		return ""
	}
}
