// Package domain defines the core types and capability interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// FlagRepository durably stores flag decisions and the active-block index.
// The in-memory flag store stays authoritative at runtime; the repository
// lets decisions survive restarts.
type FlagRepository interface {
	SaveFlag(ctx context.Context, flag *FlagDecision) error
	GetFlag(ctx context.Context, flagID string) (*FlagDecision, error)
	ListActiveFlags(ctx context.Context, now time.Time) ([]*FlagDecision, error)
	DeleteExpiredFlags(ctx context.Context, now time.Time) (int64, error)

	SetActiveBlock(ctx context.Context, entityID, flagID string) error
	DeleteActiveBlock(ctx context.Context, entityID string) error
	ListActiveBlocks(ctx context.Context) (map[string]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `json:"driver" koanf:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" koanf:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" koanf:"postgres_port"`
	PostgresUser     string `json:"postgresUser" koanf:"postgres_user"`
	PostgresPassword string `json:"-" koanf:"postgres_password"`
	PostgresDB       string `json:"postgresDb" koanf:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" koanf:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" koanf:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" koanf:"conn_max_lifetime"`
}
