package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to the given domain error and
// everything else to domain.ErrStore.
func wrapUniqueError(err error, unique error, op string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", unique, op)
	}
	return storeError(err, op)
}

func storeError(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStore, op, err)
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a new SQL store.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == "sqlite3" {
		// Serialise writers; sqlite rejects concurrent write transactions.
		db.SetMaxOpenConns(1)
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return newWithDB(db, driver), nil
}

func newWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError(err, "committing transaction")
	}
	return nil
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// Groups
// ============================================

type groupRow struct {
	ID            string     `db:"id"`
	Name          string     `db:"name"`
	CycleSize     int        `db:"cycle_size"`
	Destination   string     `db:"destination"`
	ScheduledTime time.Time  `db:"scheduled_time"`
	WalletAddress string     `db:"wallet_address"`
	WalletSecret  string     `db:"wallet_secret"`
	Status        string     `db:"status"`
	TransferredAt *time.Time `db:"transferred_at"`
	TxResult      *string    `db:"tx_result"`
	CreatedBy     string     `db:"created_by"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	Version       int64      `db:"version"`
}

func (r *groupRow) toDomain() (*domain.Group, error) {
	g := &domain.Group{
		ID:            r.ID,
		Name:          r.Name,
		CycleSize:     r.CycleSize,
		Destination:   r.Destination,
		ScheduledTime: r.ScheduledTime.UTC(),
		Wallet:        domain.Wallet{Address: r.WalletAddress, SealedSecret: r.WalletSecret},
		Members:       []string{},
		Status:        domain.GroupStatus(r.Status),
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		Version:       r.Version,
	}
	if r.TransferredAt != nil {
		t := r.TransferredAt.UTC()
		g.TransferredAt = &t
	}
	if r.TxResult != nil && *r.TxResult != "" {
		var receipt domain.Receipt
		if err := json.Unmarshal([]byte(*r.TxResult), &receipt); err != nil {
			return nil, fmt.Errorf("%w: decoding tx result of group %s: %v", domain.ErrStore, r.ID, err)
		}
		g.TxResult = &receipt
	}
	return g, nil
}

func encodeReceipt(r *domain.Receipt) (*string, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

type memberRow struct {
	GroupID string `db:"group_id"`
	Member  string `db:"member"`
}

type contributionRow struct {
	GroupID string `db:"group_id"`
	domain.Contribution
}

func loadGroups(ctx context.Context, db dbInterface) ([]*domain.Group, error) {
	var rows []groupRow
	err := db.SelectContext(ctx, &rows,
		`SELECT id, name, cycle_size, destination, scheduled_time, wallet_address, wallet_secret,
		        status, transferred_at, tx_result, created_by, created_at, updated_at, version
		 FROM groups ORDER BY created_at, id`)
	if err != nil {
		return nil, storeError(err, "loading groups")
	}

	var members []memberRow
	err = db.SelectContext(ctx, &members,
		`SELECT group_id, member FROM group_members ORDER BY group_id, position`)
	if err != nil {
		return nil, storeError(err, "loading group members")
	}

	var contributions []contributionRow
	err = db.SelectContext(ctx, &contributions,
		`SELECT group_id, user_id, amount, tx_hash, paid_at FROM group_contributions ORDER BY group_id, position`)
	if err != nil {
		return nil, storeError(err, "loading group contributions")
	}

	groups := make([]*domain.Group, 0, len(rows))
	byID := make(map[string]*domain.Group, len(rows))
	for i := range rows {
		g, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
		byID[g.ID] = g
	}
	for _, m := range members {
		if g, ok := byID[m.GroupID]; ok {
			g.Members = append(g.Members, m.Member)
		}
	}
	for _, c := range contributions {
		if g, ok := byID[c.GroupID]; ok {
			c.PaidAt = c.PaidAt.UTC()
			g.Contributions = append(g.Contributions, c.Contribution)
		}
	}
	if err := storage.CheckLoadedGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// LoadGroups returns every group in creation order.
func (s *Store) LoadGroups(ctx context.Context) ([]*domain.Group, error) {
	return loadGroups(ctx, s.db)
}

func saveGroup(ctx context.Context, db dbInterface, g *domain.Group) error {
	txResult, err := encodeReceipt(g.TxResult)
	if err != nil {
		return fmt.Errorf("encoding tx result of group %s: %w", g.ID, err)
	}

	if g.Version == 0 {
		var count int
		if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM groups WHERE id = $1`, g.ID); err != nil {
			return storeError(err, "checking group")
		}
		if count > 0 {
			return fmt.Errorf("group %s: %w", g.ID, storage.ErrVersionConflict)
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO groups (id, name, cycle_size, destination, scheduled_time, wallet_address, wallet_secret,
			                     status, transferred_at, tx_result, created_by, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
			g.ID, g.Name, g.CycleSize, g.Destination, g.ScheduledTime, g.Wallet.Address, g.Wallet.SealedSecret,
			string(g.Status), g.TransferredAt, txResult, g.CreatedBy, g.CreatedAt, g.UpdatedAt)
		if err != nil {
			// Another writer took the name; the caller reloads and sees it.
			return wrapUniqueError(err, storage.ErrVersionConflict, "inserting group "+g.ID)
		}
	} else {
		result, err := db.ExecContext(ctx,
			`UPDATE groups SET name = $1, cycle_size = $2, destination = $3, scheduled_time = $4,
			        wallet_address = $5, wallet_secret = $6, status = $7, transferred_at = $8, tx_result = $9,
			        updated_at = $10, version = version + 1
			 WHERE id = $11 AND version = $12`,
			g.Name, g.CycleSize, g.Destination, g.ScheduledTime, g.Wallet.Address, g.Wallet.SealedSecret,
			string(g.Status), g.TransferredAt, txResult, g.UpdatedAt, g.ID, g.Version)
		if err != nil {
			return wrapUniqueError(err, storage.ErrVersionConflict, "updating group "+g.ID)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return storeError(err, "updating group "+g.ID)
		}
		if rows == 0 {
			return fmt.Errorf("group %s: %w", g.ID, storage.ErrVersionConflict)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, g.ID); err != nil {
			return storeError(err, "clearing members of group "+g.ID)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM group_contributions WHERE group_id = $1`, g.ID); err != nil {
			return storeError(err, "clearing contributions of group "+g.ID)
		}
	}
	if err := insertGroupMembers(ctx, db, g.ID, g.Members); err != nil {
		return err
	}
	return insertContributions(ctx, db, g.ID, g.Contributions)
}

func insertContributions(ctx context.Context, db dbInterface, groupID string, contributions []domain.Contribution) error {
	for i, c := range contributions {
		_, err := db.ExecContext(ctx,
			`INSERT INTO group_contributions (group_id, position, user_id, amount, tx_hash, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			groupID, i, c.UserID, c.Amount.String(), c.TxHash, c.PaidAt)
		if err != nil {
			return storeError(err, "inserting contribution of group "+groupID)
		}
	}
	return nil
}

func insertGroupMembers(ctx context.Context, db dbInterface, groupID string, members []string) error {
	for i, member := range members {
		_, err := db.ExecContext(ctx,
			`INSERT INTO group_members (group_id, member, position) VALUES ($1, $2, $3)`, groupID, member, i)
		if err != nil {
			return wrapUniqueError(err, domain.ErrAlreadyMember, "inserting member of group "+groupID)
		}
	}
	return nil
}

// SaveGroups upserts groups in one transaction.
func (s *Store) SaveGroups(ctx context.Context, groups []*domain.Group) error {
	if err := storage.CheckBatch(groups, storage.GroupID); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, g := range groups {
			if err := saveGroup(ctx, tx, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, g := range groups {
		g.Version++
	}
	return nil
}

// ============================================
// Users
// ============================================

func loadUsers(ctx context.Context, db dbInterface) ([]*domain.User, error) {
	var users []*domain.User
	err := db.SelectContext(ctx, &users,
		`SELECT id, wallet_address, session_token, created_at, version FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, storeError(err, "loading users")
	}
	for _, u := range users {
		u.CreatedAt = u.CreatedAt.UTC()
	}
	if err := storage.CheckLoadedUsers(users); err != nil {
		return nil, err
	}
	if users == nil {
		users = []*domain.User{}
	}
	return users, nil
}

// LoadUsers returns every user in creation order.
func (s *Store) LoadUsers(ctx context.Context) ([]*domain.User, error) {
	return loadUsers(ctx, s.db)
}

func saveUser(ctx context.Context, db dbInterface, u *domain.User) error {
	if u.Version == 0 {
		var count int
		if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE id = $1`, u.ID); err != nil {
			return storeError(err, "checking user")
		}
		if count > 0 {
			return fmt.Errorf("user %s: %w", u.ID, storage.ErrVersionConflict)
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (id, wallet_address, session_token, created_at, version) VALUES ($1, $2, $3, $4, 1)`,
			u.ID, u.WalletAddress, u.SessionToken, u.CreatedAt)
		// A second user for the same wallet lost a race; the caller reloads.
		return wrapUniqueError(err, storage.ErrVersionConflict, "inserting user "+u.ID)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE users SET wallet_address = $1, session_token = $2, version = version + 1
		 WHERE id = $3 AND version = $4`,
		u.WalletAddress, u.SessionToken, u.ID, u.Version)
	if err != nil {
		return wrapUniqueError(err, storage.ErrVersionConflict, "updating user "+u.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeError(err, "updating user "+u.ID)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", u.ID, storage.ErrVersionConflict)
	}
	return nil
}

// SaveUsers upserts users in one transaction.
func (s *Store) SaveUsers(ctx context.Context, users []*domain.User) error {
	if err := storage.CheckBatch(users, storage.UserID); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, u := range users {
			if err := saveUser(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range users {
		u.Version++
	}
	return nil
}

// ============================================
// Settlements
// ============================================

func (s *Store) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settlements (id, group_id, amount, destination, status, code, tx_hash, error, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ID, st.GroupID, st.Amount.String(), st.Destination, string(st.Status), st.Code, st.TxHash, st.Error,
		st.CreatedAt, st.CompletedAt)
	return wrapUniqueError(err, domain.ErrConflict, "inserting settlement "+st.ID)
}

func (s *Store) UpdateSettlement(ctx context.Context, st *domain.Settlement) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET status = $1, code = $2, tx_hash = $3, error = $4, completed_at = $5 WHERE id = $6`,
		string(st.Status), st.Code, st.TxHash, st.Error, st.CompletedAt, st.ID)
	if err != nil {
		return storeError(err, "updating settlement "+st.ID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeError(err, "updating settlement "+st.ID)
	}
	if rows == 0 {
		return fmt.Errorf("%w: settlement %s", domain.ErrNotFound, st.ID)
	}
	return nil
}

func (s *Store) ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error) {
	query := `SELECT id, group_id, amount, destination, status, code, tx_hash, error, created_at, completed_at
	          FROM settlements`
	var args []any
	if groupID != "" {
		query += ` WHERE group_id = $1`
		args = append(args, groupID)
	}
	query += ` ORDER BY created_at, id`

	settlements := []*domain.Settlement{}
	if err := s.db.SelectContext(ctx, &settlements, query, args...); err != nil {
		return nil, storeError(err, "listing settlements")
	}
	return settlements, nil
}

var _ storage.Storage = (*Store)(nil)
