package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
type Store struct {
	mu sync.RWMutex

	groups      map[string]*domain.Group // key: id
	groupOrder  []string
	users       map[string]*domain.User // key: id
	userOrder   []string
	settlements map[string]*domain.Settlement // key: id
	settleOrder []string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		groups:      make(map[string]*domain.Group),
		users:       make(map[string]*domain.User),
		settlements: make(map[string]*domain.Settlement),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) LoadGroups(ctx context.Context) ([]*domain.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]*domain.Group, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		groups = append(groups, s.groups[id].Clone())
	}
	return groups, nil
}

func (s *Store) SaveGroups(ctx context.Context, groups []*domain.Group) error {
	if err := storage.CheckBatch(groups, storage.GroupID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groups {
		stored, exists := s.groups[g.ID]
		var version int64
		if exists {
			version = stored.Version
		}
		if err := storage.CheckVersion(exists, version, g.Version); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	stored := make([]*domain.Group, 0, len(s.groupOrder))
	for _, id := range s.groupOrder {
		stored = append(stored, s.groups[id])
	}
	if err := storage.CheckUnique(stored, groups, storage.GroupID, storage.GroupName); err != nil {
		return fmt.Errorf("group name: %w", err)
	}
	for _, g := range groups {
		if _, exists := s.groups[g.ID]; !exists {
			s.groupOrder = append(s.groupOrder, g.ID)
		}
		g.Version++
		s.groups[g.ID] = g.Clone()
	}
	return nil
}

func (s *Store) LoadUsers(ctx context.Context) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*domain.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		users = append(users, s.users[id].Clone())
	}
	return users, nil
}

func (s *Store) SaveUsers(ctx context.Context, users []*domain.User) error {
	if err := storage.CheckBatch(users, storage.UserID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		stored, exists := s.users[u.ID]
		var version int64
		if exists {
			version = stored.Version
		}
		if err := storage.CheckVersion(exists, version, u.Version); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	stored := make([]*domain.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		stored = append(stored, s.users[id])
	}
	if err := storage.CheckUnique(stored, users, storage.UserID, storage.UserWallet); err != nil {
		return fmt.Errorf("user wallet: %w", err)
	}
	for _, u := range users {
		if _, exists := s.users[u.ID]; !exists {
			s.userOrder = append(s.userOrder, u.ID)
		}
		u.Version++
		s.users[u.ID] = u.Clone()
	}
	return nil
}

func (s *Store) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settlements[st.ID]; exists {
		return fmt.Errorf("%w: settlement %s already exists", domain.ErrConflict, st.ID)
	}
	c := *st
	s.settlements[st.ID] = &c
	s.settleOrder = append(s.settleOrder, st.ID)
	return nil
}

func (s *Store) UpdateSettlement(ctx context.Context, st *domain.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settlements[st.ID]; !exists {
		return fmt.Errorf("%w: settlement %s", domain.ErrNotFound, st.ID)
	}
	c := *st
	s.settlements[st.ID] = &c
	return nil
}

func (s *Store) ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.Settlement, 0)
	for _, id := range s.settleOrder {
		st := s.settlements[id]
		if groupID == "" || st.GroupID == groupID {
			c := *st
			result = append(result, &c)
		}
	}
	return result, nil
}
