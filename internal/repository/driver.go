package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// dataSource resolves the database/sql driver name and DSN for cfg. For
// sqlite it also creates the database directory.
func dataSource(cfg domain.RepositoryConfig) (string, string, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./kestrel.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return "sqlite", fmt.Sprintf("file:%s?%s", path, sqlitePragmas), nil

	case "postgres":
		host, port, name, ssl := cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB, cfg.PostgresSSLMode
		if host == "" {
			host = "localhost"
		}
		if port == 0 {
			port = 5432
		}
		if name == "" {
			name = "kestrel"
		}
		if ssl == "" {
			ssl = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			host, port, cfg.PostgresUser, cfg.PostgresPassword, name, ssl)
		return "postgres", dsn, nil

	default:
		return "", "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}
