package storage

import (
	"context"
	"fmt"

	"github.com/myquay/talos/pkg/config"
	"github.com/myquay/talos/pkg/logger"
)

// Store aggregates the three repositories behind one backend with a shared
// lifecycle.
type Store interface {
	Pending() PendingAuthenticationRepository
	Codes() AuthorizationCodeRepository
	RefreshTokens() RefreshTokenRepository

	// Ping verifies the backend is reachable. Used by health checks.
	Ping(ctx context.Context) error

	Close() error
}

// New creates the store selected by the configuration.
func New(ctx context.Context, cfg config.StorageSettings) (Store, error) {
	switch cfg.Backend {
	case config.StorageBackendMemory:
		logger.Infow("using in-memory storage", "backend", cfg.Backend)
		return NewMemoryStore(), nil
	case config.StorageBackendSQLite:
		logger.Infow("using sqlite storage", "backend", cfg.Backend, "path", cfg.SQLitePath)
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.StorageBackendRedis:
		logger.Infow("using redis storage", "backend", cfg.Backend, "addr", cfg.RedisAddr)
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
