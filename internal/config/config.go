package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Ledger     LedgerConfig
	Security   SecurityConfig
	Settlement SettlementConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	Backend       string        `env:"STORAGE_BACKEND" envDefault:"sql"`
	Driver        string        `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN           string        `env:"DB_DSN" envDefault:"data/tontine.db"`
	DataDir       string        `env:"DATA_DIR" envDefault:"data"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"tontine"`
	MaxRetries    uint64        `env:"STORE_MAX_RETRIES" envDefault:"5"`
	RetryBackoff  time.Duration `env:"STORE_RETRY_BACKOFF" envDefault:"10ms"`
}

// LedgerConfig holds ledger gateway configuration.
type LedgerConfig struct {
	RPCURL         string        `env:"LEDGER_RPC_URL" envDefault:"https://s.altnet.rippletest.net:51234"`
	FaucetURL      string        `env:"LEDGER_FAUCET_URL"`
	Currency       string        `env:"LEDGER_CURRENCY" envDefault:"RLUSD"`
	Issuer         string        `env:"LEDGER_ISSUER" envDefault:"rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV"`
	TrustLimit     string        `env:"LEDGER_TRUST_LIMIT" envDefault:"1000000"`
	Timeout        time.Duration `env:"LEDGER_TIMEOUT" envDefault:"30s"`
	RequestsPerSec float64       `env:"LEDGER_RPS" envDefault:"5"`
	FileShim       string        `env:"LEDGER_FILE_SHIM"` // Path to file for testing shim (disables real ledger)
}

// SecurityConfig holds key material.
type SecurityConfig struct {
	WalletSealKey string `env:"WALLET_SEAL_KEY"`
	SessionSecret string `env:"SESSION_SECRET"`
	AdminAPIKey   string `env:"ADMIN_API_KEY"`
}

// SettlementConfig holds the settlement trigger.
type SettlementConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 5m". Empty
	// disables the in-process trigger.
	Schedule string `env:"SETTLEMENT_SCHEDULE"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load loads configuration from environment variables, after reading an
// optional .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("parsing storage config: %w", err)
	}
	if err := env.Parse(&cfg.Ledger); err != nil {
		return nil, fmt.Errorf("parsing ledger config: %w", err)
	}
	if err := env.Parse(&cfg.Security); err != nil {
		return nil, fmt.Errorf("parsing security config: %w", err)
	}
	if err := env.Parse(&cfg.Settlement); err != nil {
		return nil, fmt.Errorf("parsing settlement config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SealKeyBytes returns the wallet sealing key as bytes.
func (c *SecurityConfig) SealKeyBytes() ([]byte, error) {
	if c.WalletSealKey == "" {
		return nil, fmt.Errorf("WALLET_SEAL_KEY is required")
	}
	// Try to decode as hex first (64 hex chars = 32 bytes)
	if len(c.WalletSealKey) == 64 {
		decoded, err := hex.DecodeString(c.WalletSealKey)
		if err == nil {
			return decoded, nil
		}
	}
	if len(c.WalletSealKey) < 32 {
		return nil, fmt.Errorf("WALLET_SEAL_KEY must be at least 32 bytes (or 64 hex characters)")
	}
	return []byte(c.WalletSealKey), nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required for the file backend")
		}
	case BackendSQL:
		if c.Storage.Driver != "sqlite3" && c.Storage.Driver != "postgres" {
			return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Storage.Driver)
		}
		if c.Storage.DSN == "" {
			return fmt.Errorf("DB_DSN is required for the sql backend")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of memory, file, sql, redis; got %q", c.Storage.Backend)
	}

	// If using file shim, ledger endpoint settings are not required
	if c.Ledger.FileShim == "" {
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL is required (or set LEDGER_FILE_SHIM for testing)")
		}
		if c.Ledger.Issuer == "" {
			return fmt.Errorf("LEDGER_ISSUER is required (or set LEDGER_FILE_SHIM for testing)")
		}
		if c.Ledger.Currency == "" {
			return fmt.Errorf("LEDGER_CURRENCY is required (or set LEDGER_FILE_SHIM for testing)")
		}
	}

	if _, err := c.Security.SealKeyBytes(); err != nil {
		return err
	}
	if c.Security.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}

	if c.Settlement.Schedule != "" {
		if _, err := cron.ParseStandard(c.Settlement.Schedule); err != nil {
			return fmt.Errorf("SETTLEMENT_SCHEDULE is invalid: %w", err)
		}
	}

	return nil
}

// UseFileShim returns true if the file shim should be used instead of the real ledger.
func (c *Config) UseFileShim() bool {
	return c.Ledger.FileShim != ""
}
