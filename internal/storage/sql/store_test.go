package sql

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
	"github.com/bcnelson/tontine-manager/internal/storage/storagetest"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

func newSQLite(t *testing.T) storage.Storage {
	t.Helper()
	s, err := New("sqlite3", filepath.Join(t.TempDir(), "tontine.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	return s
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, newSQLite)
}

func TestSQLiteDuplicateName(t *testing.T) {
	s := newSQLite(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveGroups(ctx, []*domain.Group{storagetest.NewGroup("g1", "Same")}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	err := s.SaveGroups(ctx, []*domain.Group{storagetest.NewGroup("g2", "Same")})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newWithDB(sqlx.NewDb(db, "sqlmock"), "sqlmock"), mock
}

func TestSaveGroupsStaleVersionRollsBack(t *testing.T) {
	s, mock := newMock(t)

	g := storagetest.NewGroup("g1", "G1")
	g.Version = 3

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE groups SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveGroups(context.Background(), []*domain.Group{g})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if g.Version != 3 {
		t.Errorf("version bumped on rejected write: %d", g.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveGroupsRewritesMembers(t *testing.T) {
	s, mock := newMock(t)

	g := storagetest.NewGroup("g1", "G1")
	g.Version = 1
	g.Members = []string{"u1", "u2"}
	g.Contributions = []domain.Contribution{{UserID: "u2", Amount: decimal.RequireFromString("7.5"), TxHash: "PAYHASH", PaidAt: time.Now()}}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE groups SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM group_members").WithArgs("g1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO group_members").WithArgs("g1", "u1", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO group_members").WithArgs("g1", "u2", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM group_contributions").WithArgs("g1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO group_contributions").WithArgs("g1", 0, "u2", "7.5", "PAYHASH", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveGroups(context.Background(), []*domain.Group{g}); err != nil {
		t.Fatalf("SaveGroups failed: %v", err)
	}
	if g.Version != 2 {
		t.Errorf("version = %d, want 2", g.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadGroupsWrapsStoreError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("SELECT id, name").WillReturnError(errors.New("disk on fire"))

	_, err := s.LoadGroups(context.Background())
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if domain.KindOf(err) != domain.ErrCodeStoreError {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
}

func TestLoadGroupsRejectsMalformedRecord(t *testing.T) {
	s, mock := newMock(t)

	cols := []string{"id", "name", "cycle_size", "destination", "scheduled_time", "wallet_address", "wallet_secret",
		"status", "transferred_at", "tx_result", "created_by", "created_at", "updated_at", "version"}
	g := storagetest.NewGroup("g1", "G1")
	mock.ExpectQuery("SELECT id, name").WillReturnRows(sqlmock.NewRows(cols).AddRow(
		g.ID, g.Name, g.CycleSize, g.Destination, g.ScheduledTime, g.Wallet.Address, g.Wallet.SealedSecret,
		"archived", nil, nil, g.CreatedBy, g.CreatedAt, g.UpdatedAt, 1))
	mock.ExpectQuery("SELECT group_id, member").WillReturnRows(sqlmock.NewRows([]string{"group_id", "member"}).AddRow("g1", "u1"))
	mock.ExpectQuery("SELECT group_id, user_id").WillReturnRows(sqlmock.NewRows([]string{"group_id", "user_id", "amount", "tx_hash", "paid_at"}))

	_, err := s.LoadGroups(context.Background())
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore for unknown status, got %v", err)
	}
}

func TestUpdateSettlementMissingNamesID(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("UPDATE settlements SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateSettlement(context.Background(), &domain.Settlement{ID: "s-missing", Status: domain.SettlementFailed})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "s-missing") {
		t.Errorf("error should name the settlement: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateSettlementRowsAffectedError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("UPDATE settlements SET").WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost count")))

	err := s.UpdateSettlement(context.Background(), &domain.Settlement{ID: "s1", Status: domain.SettlementSuccess})
	if !errors.Is(err, domain.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}
