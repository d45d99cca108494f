package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bcnelson/tontine-manager/internal/domain"
)

// ErrVersionConflict is returned by SaveGroups and SaveUsers when a record's
// Version no longer matches the stored one. The whole write is rejected.
var ErrVersionConflict = errors.New("version conflict")

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
//
// Groups and users are read and written as collections. Save upserts the
// given records and leaves all other stored records untouched; a record with
// Version 0 must not exist yet. On success the Version of every written
// record is incremented in place.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Groups, in creation order. A store that has never been written
	// returns an empty collection.
	LoadGroups(ctx context.Context) ([]*domain.Group, error)
	SaveGroups(ctx context.Context, groups []*domain.Group) error

	// Users, in creation order.
	LoadUsers(ctx context.Context) ([]*domain.User, error)
	SaveUsers(ctx context.Context, users []*domain.User) error

	// Settlement history
	CreateSettlement(ctx context.Context, s *domain.Settlement) error
	UpdateSettlement(ctx context.Context, s *domain.Settlement) error
	ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error)
}

// CheckVersion compares the version a caller read with the stored one.
// exists reports whether the record is already stored.
func CheckVersion(exists bool, stored, given int64) error {
	if !exists {
		if given != 0 {
			return ErrVersionConflict
		}
		return nil
	}
	if stored != given {
		return ErrVersionConflict
	}
	return nil
}

// CheckLoadedGroups validates records read back from a backend. A record
// that fails is reported as a store fault, not as caller input.
func CheckLoadedGroups(groups []*domain.Group) error {
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("%w: malformed group record: %v", domain.ErrStore, err)
		}
	}
	return nil
}

// CheckLoadedUsers validates user records read back from a backend.
func CheckLoadedUsers(users []*domain.User) error {
	for _, u := range users {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("%w: malformed user record: %v", domain.ErrStore, err)
		}
	}
	return nil
}

// CheckBatch validates records about to be written and rejects a batch
// that names the same id twice.
func CheckBatch[T interface{ Validate() error }](records []T, id func(T) string) error {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[id(r)] {
			return fmt.Errorf("%w: record %s written twice", domain.ErrInvalidInput, id(r))
		}
		seen[id(r)] = true
	}
	return nil
}

// CheckUnique rejects a batch in which a record claims a key already held by
// a different record, either in stored or earlier in the batch. A clash is
// a version conflict: the writer reloads and finds the other record.
func CheckUnique[T any](stored, batch []T, id, key func(T) string) error {
	writing := make(map[string]bool, len(batch))
	for _, r := range batch {
		writing[id(r)] = true
	}
	owner := make(map[string]string, len(stored)+len(batch))
	for _, r := range stored {
		if !writing[id(r)] {
			owner[key(r)] = id(r)
		}
	}
	for _, r := range batch {
		k := key(r)
		if o, taken := owner[k]; taken && o != id(r) {
			return fmt.Errorf("%s: %q is held by %s: %w", id(r), k, o, ErrVersionConflict)
		}
		owner[k] = id(r)
	}
	return nil
}

// GroupID and UserID are key functions for CheckBatch.
func GroupID(g *domain.Group) string { return g.ID }
func UserID(u *domain.User) string   { return u.ID }

// GroupName and UserWallet are the unique keys passed to CheckUnique.
func GroupName(g *domain.Group) string { return g.Name }
func UserWallet(u *domain.User) string { return u.WalletAddress }
