// Package redis keeps each collection in a Redis hash keyed by record id.
// Group names and user wallets have index hashes mapping them to ids.
// Writes use WATCH/MULTI so a concurrent writer in another process turns
// into storage.ErrVersionConflict instead of a lost update.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

// Store implements storage.Storage on top of a Redis server.
type Store struct {
	client *goredis.Client
	prefix string
}

// New connects to addr and verifies the connection with PING.
func New(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tontine"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(collection string) string {
	return s.prefix + ":" + collection
}

func storeError(err error, op string) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStore, op, err)
}

type groupRecord struct {
	domain.Group
	WalletSecret string `json:"wallet_secret"`
}

func decodeGroup(raw string) (*domain.Group, error) {
	var rec groupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding group: %v", domain.ErrStore, err)
	}
	g := rec.Group
	g.Wallet.SealedSecret = rec.WalletSecret
	if g.Members == nil {
		g.Members = []string{}
	}
	return &g, nil
}

func encodeGroup(g *domain.Group) (string, error) {
	data, err := json.Marshal(groupRecord{Group: *g, WalletSecret: g.Wallet.SealedSecret})
	return string(data), err
}

func decodeUser(raw string) (*domain.User, error) {
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("%w: decoding user: %v", domain.ErrStore, err)
	}
	return &u, nil
}

func encodeUser(u *domain.User) (string, error) {
	data, err := json.Marshal(u)
	return string(data), err
}

// loadAll reads a whole hash and decodes every value.
func loadAll[T any](ctx context.Context, client *goredis.Client, key string, decode func(string) (T, error)) ([]T, error) {
	values, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeError(err, "reading "+key)
	}
	records := make([]T, 0, len(values))
	for _, raw := range values {
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) LoadGroups(ctx context.Context) ([]*domain.Group, error) {
	groups, err := loadAll(ctx, s.client, s.key("groups"), decodeGroup)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(groups, func(a, b *domain.Group) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if err := storage.CheckLoadedGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) LoadUsers(ctx context.Context) ([]*domain.User, error) {
	users, err := loadAll(ctx, s.client, s.key("users"), decodeUser)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b *domain.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if err := storage.CheckLoadedUsers(users); err != nil {
		return nil, err
	}
	return users, nil
}

// uniqueIndex maps a unique key of a collection, such as a group name, to
// the id of the record holding it.
type uniqueIndex[T any] struct {
	key   string
	value func(T) string
}

// saveAll checks stored versions and the unique index under WATCH and
// writes every record with its version bumped in one MULTI block.
func saveAll[T any](
	ctx context.Context,
	client *goredis.Client,
	key string,
	index uniqueIndex[T],
	records []T,
	id func(T) string,
	version func(T) int64,
	decodeVersion func(string) (int64, error),
	encodeNext func(T) (string, error),
) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.CheckUnique(nil, records, id, index.value); err != nil {
		return err
	}
	ids := make([]string, len(records))
	uniques := make([]string, len(records))
	for i, r := range records {
		ids[i] = id(r)
		uniques[i] = index.value(r)
	}

	err := client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := tx.HMGet(ctx, key, ids...).Result()
		if err != nil {
			return storeError(err, "reading "+key)
		}
		for i, r := range records {
			raw, exists := stored[i].(string)
			var current int64
			if exists {
				if current, err = decodeVersion(raw); err != nil {
					return err
				}
			}
			if err := storage.CheckVersion(exists, current, version(r)); err != nil {
				return fmt.Errorf("%s: %w", ids[i], err)
			}
		}

		owners, err := tx.HMGet(ctx, index.key, uniques...).Result()
		if err != nil {
			return storeError(err, "reading "+index.key)
		}
		for i, owner := range owners {
			if owner, taken := owner.(string); taken && owner != ids[i] {
				return fmt.Errorf("%s: %q is held by %s: %w", ids[i], uniques[i], owner, storage.ErrVersionConflict)
			}
		}

		values := make([]any, 0, 2*len(records))
		for i, r := range records {
			encoded, err := encodeNext(r)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", ids[i], err)
			}
			values = append(values, ids[i], encoded)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, values...)
			for i := range records {
				pipe.HSetNX(ctx, index.key, uniques[i], ids[i])
			}
			return nil
		})
		return err
	}, key, index.key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("%s: %w", key, storage.ErrVersionConflict)
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, domain.ErrStore):
		return err
	default:
		return storeError(err, "writing "+key)
	}
}

func (s *Store) SaveGroups(ctx context.Context, groups []*domain.Group) error {
	if err := storage.CheckBatch(groups, storage.GroupID); err != nil {
		return err
	}
	names := uniqueIndex[*domain.Group]{key: s.key("group_names"), value: storage.GroupName}
	err := saveAll(ctx, s.client, s.key("groups"), names, groups, storage.GroupID,
		func(g *domain.Group) int64 { return g.Version },
		func(raw string) (int64, error) {
			g, err := decodeGroup(raw)
			if err != nil {
				return 0, err
			}
			return g.Version, nil
		},
		func(g *domain.Group) (string, error) {
			next := g.Clone()
			next.Version++
			return encodeGroup(next)
		})
	if err != nil {
		return err
	}
	for _, g := range groups {
		g.Version++
	}
	return nil
}

func (s *Store) SaveUsers(ctx context.Context, users []*domain.User) error {
	if err := storage.CheckBatch(users, storage.UserID); err != nil {
		return err
	}
	wallets := uniqueIndex[*domain.User]{key: s.key("user_wallets"), value: storage.UserWallet}
	err := saveAll(ctx, s.client, s.key("users"), wallets, users, storage.UserID,
		func(u *domain.User) int64 { return u.Version },
		func(raw string) (int64, error) {
			u, err := decodeUser(raw)
			if err != nil {
				return 0, err
			}
			return u.Version, nil
		},
		func(u *domain.User) (string, error) {
			next := u.Clone()
			next.Version++
			return encodeUser(next)
		})
	if err != nil {
		return err
	}
	for _, u := range users {
		u.Version++
	}
	return nil
}

func (s *Store) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding settlement: %w", err)
	}
	created, err := s.client.HSetNX(ctx, s.key("settlements"), st.ID, data).Result()
	if err != nil {
		return storeError(err, "creating settlement")
	}
	if !created {
		return fmt.Errorf("%w: settlement %s already exists", domain.ErrConflict, st.ID)
	}
	return nil
}

func (s *Store) UpdateSettlement(ctx context.Context, st *domain.Settlement) error {
	key := s.key("settlements")
	exists, err := s.client.HExists(ctx, key, st.ID).Result()
	if err != nil {
		return storeError(err, "updating settlement")
	}
	if !exists {
		return fmt.Errorf("%w: settlement %s", domain.ErrNotFound, st.ID)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding settlement: %w", err)
	}
	if err := s.client.HSet(ctx, key, st.ID, data).Err(); err != nil {
		return storeError(err, "updating settlement")
	}
	return nil
}

func (s *Store) ListSettlements(ctx context.Context, groupID string) ([]*domain.Settlement, error) {
	all, err := loadAll(ctx, s.client, s.key("settlements"), func(raw string) (*domain.Settlement, error) {
		var st domain.Settlement
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("%w: decoding settlement: %v", domain.ErrStore, err)
		}
		return &st, nil
	})
	if err != nil {
		return nil, err
	}
	result := make([]*domain.Settlement, 0, len(all))
	for _, st := range all {
		if groupID == "" || st.GroupID == groupID {
			result = append(result, st)
		}
	}
	slices.SortFunc(result, func(a, b *domain.Settlement) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

var _ storage.Storage = (*Store)(nil)
