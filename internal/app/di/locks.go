package di

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tradebot_backend/internal/app/config"
	"tradebot_backend/internal/platform/lock"
)

// NewLockFactory returns the refill lock factory on the configured backend.
// The db backend shares the candle store; the redis backend needs rdb.
func NewLockFactory(cfg config.LockConfig, gdb *gorm.DB, rdb *redis.Client, logger zerolog.Logger) (*lock.Factory, error) {
	var backend lock.Backend
	switch cfg.Backend {
	case config.LockBackendDB:
		backend = lock.NewGormBackend(gdb)
	case config.LockBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("lock backend redis: redis is not configured")
		}
		backend = lock.NewRedisBackend(rdb)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
	return lock.NewFactory(backend,
		lock.WithMaxConcurrent(cfg.MaxConcurrent),
		lock.WithExpiration(cfg.Expiration),
		lock.WithLogger(logger.With().Str("component", "lock").Logger()),
	), nil
}
