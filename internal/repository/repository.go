// Package repository provides durable flag persistence over database/sql.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidInput is returned for records missing required identifiers.
var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.FlagRepository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.FlagRepository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	driver, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveFlag inserts or replaces a flag decision.
func (r *SQLRepository) SaveFlag(ctx context.Context, flag *domain.FlagDecision) error {
	if flag == nil || flag.FlagID == "" || flag.EntityID == "" {
		return fmt.Errorf("%w: flag id and entity id are required", ErrInvalidInput)
	}

	detectors, err := json.Marshal(nonNil(flag.TriggeredDetectors))
	if err != nil {
		return fmt.Errorf("failed to encode triggered detectors: %w", err)
	}
	reasons, err := json.Marshal(nonNil(flag.Reasons))
	if err != nil {
		return fmt.Errorf("failed to encode reasons: %w", err)
	}
	metadata, err := json.Marshal(flag.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO flags (
			flag_id, entity_id, entity_type, action, risk_score, risk_level,
			triggered_detectors, reasons, metadata, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (flag_id) DO UPDATE SET
			action = excluded.action,
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level,
			triggered_detectors = excluded.triggered_detectors,
			reasons = excluded.reasons,
			metadata = excluded.metadata,
			expires_at = excluded.expires_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		flag.FlagID, flag.EntityID, string(flag.EntityType),
		string(flag.Action), flag.RiskScore, string(flag.RiskLevel),
		string(detectors), string(reasons), string(metadata),
		flag.Timestamp.UTC(), expiresMillis(flag.ExpiresAt),
	)
	return err
}

// GetFlag retrieves a flag by ID.
func (r *SQLRepository) GetFlag(ctx context.Context, flagID string) (*domain.FlagDecision, error) {
	query := selectFlags + ` WHERE flag_id = ?`

	flag, err := scanFlag(r.db.QueryRowContext(ctx, r.rebind(query), flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return flag, err
}

// ListActiveFlags returns flags unexpired at now, oldest first.
func (r *SQLRepository) ListActiveFlags(ctx context.Context, now time.Time) ([]*domain.FlagDecision, error) {
	query := selectFlags + `
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY created_at, flag_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flags := make([]*domain.FlagDecision, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

// DeleteExpiredFlags removes flags expired at now and any block pointing at
// them. It returns the number of flags removed.
func (r *SQLRepository) DeleteExpiredFlags(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	blocks := `
		DELETE FROM active_blocks
		WHERE flag_id IN (SELECT flag_id FROM flags WHERE expires_at IS NOT NULL AND expires_at <= ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(blocks), cutoff); err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM flags WHERE expires_at IS NOT NULL AND expires_at <= ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// SetActiveBlock points the entity's active block at flagID.
func (r *SQLRepository) SetActiveBlock(ctx context.Context, entityID, flagID string) error {
	if entityID == "" || flagID == "" {
		return fmt.Errorf("%w: entity id and flag id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO active_blocks (entity_id, flag_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			flag_id = excluded.flag_id,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), entityID, flagID, time.Now().UTC())
	return err
}

// DeleteActiveBlock removes the entity's active block. Removing a missing
// block is not an error.
func (r *SQLRepository) DeleteActiveBlock(ctx context.Context, entityID string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM active_blocks WHERE entity_id = ?`), entityID)
	return err
}

// ListActiveBlocks returns entity id to flag id for every stored block.
func (r *SQLRepository) ListActiveBlocks(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT entity_id, flag_id FROM active_blocks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := make(map[string]string)
	for rows.Next() {
		var entityID, flagID string
		if err := rows.Scan(&entityID, &flagID); err != nil {
			return nil, err
		}
		blocks[entityID] = flagID
	}
	return blocks, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const selectFlags = `
	SELECT flag_id, entity_id, entity_type, action, risk_score, risk_level,
		   triggered_detectors, reasons, metadata, created_at, expires_at
	FROM flags`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (*domain.FlagDecision, error) {
	var f domain.FlagDecision
	var entityType, action, level string
	var detectors, reasons string
	var metadata sql.NullString
	var expires sql.NullInt64

	if err := row.Scan(
		&f.FlagID, &f.EntityID, &entityType, &action, &f.RiskScore, &level,
		&detectors, &reasons, &metadata, &f.Timestamp, &expires,
	); err != nil {
		return nil, err
	}

	f.EntityType = domain.EntityType(entityType)
	f.Action = domain.FlagAction(action)
	f.RiskLevel = domain.RiskLevel(level)
	f.Timestamp = f.Timestamp.UTC()
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		f.ExpiresAt = &t
	}

	if err := json.Unmarshal([]byte(detectors), &f.TriggeredDetectors); err != nil {
		return nil, fmt.Errorf("failed to parse triggered detectors for %s: %w", f.FlagID, err)
	}
	if err := json.Unmarshal([]byte(reasons), &f.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse reasons for %s: %w", f.FlagID, err)
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %s: %w", f.FlagID, err)
		}
	}
	return &f, nil
}

func expiresMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
