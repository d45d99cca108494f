// Package repository runs load, mutate and save cycles against a store.
//
// Writers of one collection are serialised in-process, and a version
// conflict from another process reloads the collection and reapplies the
// mutation.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/metrics"
	"github.com/bcnelson/tontine-manager/internal/storage"
	"github.com/sethvargo/go-retry"
)

const (
	collectionGroups = "groups"
	collectionUsers  = "users"
)

// Options tunes conflict retries.
type Options struct {
	MaxRetries  uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	MaxRetries:  5,
	BaseBackoff: 10 * time.Millisecond,
	MaxBackoff:  500 * time.Millisecond,
}

// Repository is the single path by which services read and write collections.
type Repository struct {
	store  storage.Storage
	logger *slog.Logger
	opts   Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a repository over store.
func New(store storage.Storage, logger *slog.Logger, opts Options) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultOptions.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions.MaxBackoff
	}
	return &Repository{
		store:  store,
		logger: logger,
		opts:   opts,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock acquires the writer lock for a collection and returns its release.
func (r *Repository) lock(collection string) func() {
	r.mu.Lock()
	l, ok := r.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		r.locks[collection] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Repository) backoff() retry.Backoff {
	b := retry.NewExponential(r.opts.BaseBackoff)
	b = retry.WithCappedDuration(r.opts.MaxBackoff, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(r.opts.MaxRetries, b)
}

// mutate runs load, fn and save until save succeeds, fn fails, or
// retries run out. Only version conflicts are retried.
func mutate[T any](
	ctx context.Context,
	r *Repository,
	collection string,
	load func(context.Context) ([]T, error),
	save func(context.Context, []T) error,
	fn func([]T) ([]T, error),
) error {
	defer r.lock(collection)()

	attempt := 0
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		records, err := load(ctx)
		if err != nil {
			return err
		}
		changed, err := fn(records)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		err = save(ctx, changed)
		if errors.Is(err, storage.ErrVersionConflict) {
			metrics.RecordConflict(collection)
			r.logger.Debug("version conflict, retrying", "collection", collection, "attempt", attempt)
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, storage.ErrVersionConflict) {
		return fmt.Errorf("%w: %s still conflicting after %d attempts: %w", domain.ErrConflict, collection, attempt, err)
	}
	return err
}

// Groups returns a snapshot of every group.
func (r *Repository) Groups(ctx context.Context) ([]*domain.Group, error) {
	return r.store.LoadGroups(ctx)
}

// Group returns one group by id.
func (r *Repository) Group(ctx context.Context, id string) (*domain.Group, error) {
	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		return nil, err
	}
	return FindGroup(groups, id)
}

// MutateGroups applies fn to a fresh snapshot and saves the groups fn
// returns. fn may run more than once and must not have side effects beyond
// the snapshot it is given. Errors from fn are returned as-is.
func (r *Repository) MutateGroups(ctx context.Context, fn func(groups []*domain.Group) ([]*domain.Group, error)) error {
	return mutate(ctx, r, collectionGroups, r.store.LoadGroups, r.store.SaveGroups, fn)
}

// Users returns a snapshot of every user.
func (r *Repository) Users(ctx context.Context) ([]*domain.User, error) {
	return r.store.LoadUsers(ctx)
}

// MutateUsers is MutateGroups for the user collection.
func (r *Repository) MutateUsers(ctx context.Context, fn func(users []*domain.User) ([]*domain.User, error)) error {
	return mutate(ctx, r, collectionUsers, r.store.LoadUsers, r.store.SaveUsers, fn)
}

// AppendSettlement records a new transfer attempt.
func (r *Repository) AppendSettlement(ctx context.Context, s *domain.Settlement) error {
	return r.store.CreateSettlement(ctx, s)
}

// UpdateSettlement records the result of a transfer attempt.
func (r *Repository) UpdateSettlement(ctx context.Context, s *domain.Settlement) error {
	return r.store.UpdateSettlement(ctx, s)
}

// ListSettlements returns the transfer attempts of a group, oldest first.
func (r *Repository) ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error) {
	return r.store.ListSettlements(ctx, groupID)
}

// FindGroup returns the group with id from a snapshot.
func FindGroup(groups []*domain.Group, id string) (*domain.Group, error) {
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: group %s", domain.ErrNotFound, id)
}

// FindGroupByName returns the group named name from a snapshot.
func FindGroupByName(groups []*domain.Group, name string) (*domain.Group, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// FindUserByWallet returns the user registered for address.
func FindUserByWallet(users []*domain.User, address string) (*domain.User, bool) {
	for _, u := range users {
		if u.WalletAddress == address {
			return u, true
		}
	}
	return nil, false
}
