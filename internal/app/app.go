// Package app wires configuration into the running components shared by the
// server and the one-shot settlement command.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bcnelson/tontine-manager/internal/auth"
	"github.com/bcnelson/tontine-manager/internal/config"
	"github.com/bcnelson/tontine-manager/internal/ledger"
	"github.com/bcnelson/tontine-manager/internal/repository"
	"github.com/bcnelson/tontine-manager/internal/secrets"
	"github.com/bcnelson/tontine-manager/internal/service"
	"github.com/bcnelson/tontine-manager/internal/storage"
	"github.com/bcnelson/tontine-manager/internal/storage/file"
	"github.com/bcnelson/tontine-manager/internal/storage/memory"
	redisstore "github.com/bcnelson/tontine-manager/internal/storage/redis"
	sqlstore "github.com/bcnelson/tontine-manager/internal/storage/sql"
)

// tokenIssuer is the iss claim of session tokens.
const tokenIssuer = "tontine-manager"

// App holds the wired services.
type App struct {
	Store      storage.Storage
	Gateway    ledger.Gateway
	Membership *service.MembershipService
	Settlement *service.SettlementService
	Users      *service.UserService
}

// New opens the store, builds the ledger gateway and wires the services.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	key, err := cfg.Security.SealKeyBytes()
	if err != nil {
		return nil, err
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	gateway := NewGateway(cfg.Ledger, logger)
	repo := repository.New(store, logger, repository.Options{
		MaxRetries:  cfg.Storage.MaxRetries,
		BaseBackoff: cfg.Storage.RetryBackoff,
	})

	return &App{
		Store:      store,
		Gateway:    gateway,
		Membership: service.NewMembershipService(repo, gateway, sealer, logger),
		Settlement: service.NewSettlementService(repo, gateway, sealer, logger),
		Users:      service.NewUserService(repo, auth.NewTokenIssuer(cfg.Security.SessionSecret, tokenIssuer), logger),
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage; nothing survives a restart")
		return memory.New(), nil
	case config.BackendFile:
		logger.Info("using file storage", "dir", cfg.DataDir)
		return file.New(cfg.DataDir)
	case config.BackendSQL:
		// Create data directory if needed (for SQLite)
		if cfg.Driver == "sqlite3" {
			if dir := filepath.Dir(cfg.DSN); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("creating data directory: %w", err)
				}
			}
		}
		logger.Info("using sql storage", "driver", cfg.Driver)
		return sqlstore.New(cfg.Driver, cfg.DSN)
	case config.BackendRedis:
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewGateway builds the ledger gateway: the file shim when configured,
// otherwise the JSON-RPC client. Every call is bounded by the configured
// timeout and counted in metrics.
func NewGateway(cfg config.LedgerConfig, logger *slog.Logger) ledger.Gateway {
	var gw ledger.Gateway
	if cfg.FileShim != "" {
		logger.Info("using file shim for ledger", "path", cfg.FileShim)
		gw = ledger.NewFileShim(cfg.FileShim, logger)
	} else {
		logger.Info("using ledger rpc", "url", cfg.RPCURL, "currency", cfg.Currency, "issuer", cfg.Issuer)
		gw = ledger.NewRPCClient(ledger.RPCConfig{
			URL:            cfg.RPCURL,
			FaucetURL:      cfg.FaucetURL,
			Currency:       cfg.Currency,
			Issuer:         cfg.Issuer,
			TrustLimit:     cfg.TrustLimit,
			RequestsPerSec: cfg.RequestsPerSec,
		})
	}
	return ledger.Instrument(ledger.WithTimeout(gw, cfg.Timeout))
}
