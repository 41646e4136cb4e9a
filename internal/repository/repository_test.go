package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/flagging"
)

func newSQLite(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func flagAt(id, entity string, action domain.FlagAction, created time.Time, ttl time.Duration) *domain.FlagDecision {
	d := &domain.FlagDecision{
		FlagID:             id,
		EntityID:           entity,
		EntityType:         domain.EntityPlayer,
		Action:             action,
		RiskScore:          0.8,
		RiskLevel:          domain.RiskHigh,
		TriggeredDetectors: []string{"bot_detector"},
		Reasons:            []string{"Superhuman action rate"},
		Timestamp:          created,
		Metadata:           map[string]any{"escalated_by": "bot_detector"},
	}
	if ttl > 0 {
		exp := created.Add(ttl)
		d.ExpiresAt = &exp
	}
	return d
}

func TestSQLiteRepository(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetFlag", func(t *testing.T) {
		want := flagAt("flag-001", "p1", domain.ActionBlock, now, 72*time.Hour)
		if err := repo.SaveFlag(ctx, want); err != nil {
			t.Fatalf("SaveFlag failed: %v", err)
		}

		got, err := repo.GetFlag(ctx, "flag-001")
		if err != nil {
			t.Fatalf("GetFlag failed: %v", err)
		}
		if got.EntityID != "p1" || got.Action != domain.ActionBlock || got.RiskLevel != domain.RiskHigh {
			t.Errorf("got %+v", got)
		}
		if !got.Timestamp.Equal(now) {
			t.Errorf("timestamp = %v, want %v", got.Timestamp, now)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*want.ExpiresAt) {
			t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
		}
		if len(got.Reasons) != 1 || got.TriggeredDetectors[0] != "bot_detector" {
			t.Errorf("reasons/detectors = %v/%v", got.Reasons, got.TriggeredDetectors)
		}
		if got.Metadata["escalated_by"] != "bot_detector" {
			t.Errorf("metadata = %v", got.Metadata)
		}
	})

	t.Run("SaveFlagUpserts", func(t *testing.T) {
		d := flagAt("flag-001", "p1", domain.ActionSuspend, now, 0)
		if err := repo.SaveFlag(ctx, d); err != nil {
			t.Fatalf("SaveFlag failed: %v", err)
		}
		got, err := repo.GetFlag(ctx, "flag-001")
		if err != nil {
			t.Fatalf("GetFlag failed: %v", err)
		}
		if got.Action != domain.ActionSuspend || got.ExpiresAt != nil {
			t.Errorf("got action %s expires %v", got.Action, got.ExpiresAt)
		}
	})

	t.Run("RequiresIDs", func(t *testing.T) {
		err := repo.SaveFlag(ctx, &domain.FlagDecision{EntityID: "p1"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SetActiveBlock(ctx, "", "x"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetFlag(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ActiveBlocks", func(t *testing.T) {
		if err := repo.SetActiveBlock(ctx, "p1", "flag-001"); err != nil {
			t.Fatalf("SetActiveBlock failed: %v", err)
		}
		if err := repo.SetActiveBlock(ctx, "p1", "flag-002"); err != nil {
			t.Fatalf("SetActiveBlock replace failed: %v", err)
		}
		blocks, err := repo.ListActiveBlocks(ctx)
		if err != nil {
			t.Fatalf("ListActiveBlocks failed: %v", err)
		}
		if blocks["p1"] != "flag-002" {
			t.Errorf("blocks = %v", blocks)
		}

		if err := repo.DeleteActiveBlock(ctx, "p1"); err != nil {
			t.Fatalf("DeleteActiveBlock failed: %v", err)
		}
		if err := repo.DeleteActiveBlock(ctx, "p1"); err != nil {
			t.Errorf("second DeleteActiveBlock failed: %v", err)
		}
		blocks, _ = repo.ListActiveBlocks(ctx)
		if len(blocks) != 0 {
			t.Errorf("blocks after delete = %v", blocks)
		}
	})
}

func TestExpiry(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	flags := []*domain.FlagDecision{
		flagAt("old", "p1", domain.ActionBlock, now.Add(-100*time.Hour), 72*time.Hour),
		flagAt("live", "p2", domain.ActionReview, now.Add(-time.Hour), 24*time.Hour),
		flagAt("forever", "p3", domain.ActionSuspend, now.Add(-2*time.Hour), 0),
	}
	for _, f := range flags {
		if err := repo.SaveFlag(ctx, f); err != nil {
			t.Fatalf("SaveFlag(%s) failed: %v", f.FlagID, err)
		}
	}
	if err := repo.SetActiveBlock(ctx, "p1", "old"); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetActiveBlock(ctx, "p3", "forever"); err != nil {
		t.Fatal(err)
	}

	active, err := repo.ListActiveFlags(ctx, now)
	if err != nil {
		t.Fatalf("ListActiveFlags failed: %v", err)
	}
	if len(active) != 2 || active[0].FlagID != "forever" || active[1].FlagID != "live" {
		ids := make([]string, len(active))
		for i, f := range active {
			ids[i] = f.FlagID
		}
		t.Errorf("active flags = %v, want [forever live]", ids)
	}

	n, err := repo.DeleteExpiredFlags(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredFlags failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d flags, want 1", n)
	}
	blocks, _ := repo.ListActiveBlocks(ctx)
	if _, ok := blocks["p1"]; ok {
		t.Error("block on expired flag survived purge")
	}
	if blocks["p3"] != "forever" {
		t.Errorf("blocks = %v", blocks)
	}
}

func TestFlagStoreRestore(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	first := flagging.NewStore(flagging.WithRepository(repo))
	flagger := flagging.NewFlagger(flagging.DefaultConfig(), first)
	blocked, err := flagger.CreateManualFlag(ctx, "p1", domain.ActionBlock, "chargeback", domain.EntityPlayer, nil)
	if err != nil {
		t.Fatalf("CreateManualFlag failed: %v", err)
	}

	second := flagging.NewStore(flagging.WithRepository(repo))
	n, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d flags, want 1", n)
	}
	if !second.IsBlocked("p1") {
		t.Error("block not restored")
	}
	got, ok := second.Get(blocked.FlagID)
	if !ok || got.Reasons[0] != "chargeback" {
		t.Errorf("restored flag = %+v", got)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestDataSource(t *testing.T) {
	t.Run("PostgresDefaults", func(t *testing.T) {
		driver, dsn, err := dataSource(domain.RepositoryConfig{Driver: "postgres", PostgresUser: "kestrel"})
		if err != nil {
			t.Fatalf("dataSource() error = %v", err)
		}
		want := "host=localhost port=5432 user=kestrel password= dbname=kestrel sslmode=disable"
		if driver != "postgres" || dsn != want {
			t.Errorf("dataSource() = %q, %q; want postgres, %q", driver, dsn, want)
		}
	})

	t.Run("SQLiteCreatesDirectory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		driver, dsn, err := dataSource(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "flags.db")})
		if err != nil {
			t.Fatalf("dataSource() error = %v", err)
		}
		if driver != "sqlite" || !strings.HasPrefix(dsn, "file:"+filepath.Join(dir, "flags.db")+"?") {
			t.Errorf("dataSource() = %q, %q", driver, dsn)
		}
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("database directory not created: %v", err)
		}
	})
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
