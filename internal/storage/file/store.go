// Package file stores each collection as one JSON document on disk, the
// layout the service used before it had a database.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
)

const (
	groupsFile      = "groups.json"
	usersFile       = "users.json"
	settlementsFile = "settlements.json"
)

// Store keeps groups.json, users.json and settlements.json in one directory.
// A single mutex serialises access within the process; files are replaced
// atomically so readers never observe a partial write.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the directory if needed and returns a store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// readJSON decodes the named file into v. A missing file leaves v untouched.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", domain.ErrStore, name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", domain.ErrStore, name, err)
	}
	return nil
}

// writeJSON replaces the named file via a temp file and rename.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", domain.ErrStore, name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: writing %s: %w", domain.ErrStore, name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %w", domain.ErrStore, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: writing %s: %w", domain.ErrStore, name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return fmt.Errorf("%w: replacing %s: %w", domain.ErrStore, name, err)
	}
	return nil
}

// groupRecord is the on-disk shape of a group. Wallet secrets never appear
// in API output, so they get an explicit field here.
type groupRecord struct {
	domain.Group
	WalletSecret string `json:"wallet_secret"`
}

func (s *Store) loadGroups() ([]*domain.Group, error) {
	var records []groupRecord
	if err := s.readJSON(groupsFile, &records); err != nil {
		return nil, err
	}
	groups := make([]*domain.Group, 0, len(records))
	for i := range records {
		g := records[i].Group
		g.Wallet.SealedSecret = records[i].WalletSecret
		if g.Members == nil {
			g.Members = []string{}
		}
		groups = append(groups, &g)
	}
	if err := storage.CheckLoadedGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) LoadGroups(ctx context.Context) ([]*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadGroups()
}

func (s *Store) SaveGroups(ctx context.Context, groups []*domain.Group) error {
	if err := storage.CheckBatch(groups, storage.GroupID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadGroups()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(current))
	for i, g := range current {
		index[g.ID] = i
	}
	for _, g := range groups {
		i, exists := index[g.ID]
		var version int64
		if exists {
			version = current[i].Version
		}
		if err := storage.CheckVersion(exists, version, g.Version); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	if err := storage.CheckUnique(current, groups, storage.GroupID, storage.GroupName); err != nil {
		return fmt.Errorf("group name: %w", err)
	}

	for _, g := range groups {
		next := g.Clone()
		next.Version++
		if i, exists := index[g.ID]; exists {
			current[i] = next
		} else {
			index[g.ID] = len(current)
			current = append(current, next)
		}
	}
	records := make([]groupRecord, 0, len(current))
	for _, g := range current {
		records = append(records, groupRecord{Group: *g, WalletSecret: g.Wallet.SealedSecret})
	}
	if err := s.writeJSON(groupsFile, records); err != nil {
		return err
	}
	for _, g := range groups {
		g.Version++
	}
	return nil
}

func (s *Store) loadUsers() ([]*domain.User, error) {
	users := []*domain.User{}
	if err := s.readJSON(usersFile, &users); err != nil {
		return nil, err
	}
	if err := storage.CheckLoadedUsers(users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) LoadUsers(ctx context.Context) ([]*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUsers()
}

func (s *Store) SaveUsers(ctx context.Context, users []*domain.User) error {
	if err := storage.CheckBatch(users, storage.UserID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadUsers()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(current))
	for i, u := range current {
		index[u.ID] = i
	}
	for _, u := range users {
		i, exists := index[u.ID]
		var version int64
		if exists {
			version = current[i].Version
		}
		if err := storage.CheckVersion(exists, version, u.Version); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	if err := storage.CheckUnique(current, users, storage.UserID, storage.UserWallet); err != nil {
		return fmt.Errorf("user wallet: %w", err)
	}
	for _, u := range users {
		next := u.Clone()
		next.Version++
		if i, exists := index[u.ID]; exists {
			current[i] = next
		} else {
			index[u.ID] = len(current)
			current = append(current, next)
		}
	}
	if err := s.writeJSON(usersFile, current); err != nil {
		return err
	}
	for _, u := range users {
		u.Version++
	}
	return nil
}

func (s *Store) loadSettlements() ([]*domain.Settlement, error) {
	settlements := []*domain.Settlement{}
	if err := s.readJSON(settlementsFile, &settlements); err != nil {
		return nil, err
	}
	return settlements, nil
}

func (s *Store) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadSettlements()
	if err != nil {
		return err
	}
	for _, existing := range current {
		if existing.ID == st.ID {
			return fmt.Errorf("%w: settlement %s already exists", domain.ErrConflict, st.ID)
		}
	}
	c := *st
	return s.writeJSON(settlementsFile, append(current, &c))
}

func (s *Store) UpdateSettlement(ctx context.Context, st *domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadSettlements()
	if err != nil {
		return err
	}
	for i, existing := range current {
		if existing.ID == st.ID {
			c := *st
			current[i] = &c
			return s.writeJSON(settlementsFile, current)
		}
	}
	return fmt.Errorf("%w: settlement %s", domain.ErrNotFound, st.ID)
}

func (s *Store) ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadSettlements()
	if err != nil {
		return nil, err
	}
	if groupID == "" {
		return current, nil
	}
	result := make([]*domain.Settlement, 0)
	for _, st := range current {
		if st.GroupID == groupID {
			result = append(result, st)
		}
	}
	return result, nil
}

var _ storage.Storage = (*Store)(nil)
