package chunkstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store types accepted by New.
const (
	TypeMemory   = "memory"
	TypeRedis    = "redis"
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Config selects and configures a Store backend.
type Config struct {
	// Type is one of the Type* constants. Empty means TypeMemory.
	Type string
	// URL is the backend connection string: a redis:// URL, a postgres DSN or a sqlite file path.
	URL string
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
	// Retention bounds how long Redis keeps an untouched record.
	Retention time.Duration
}

// Shared reports whether the selected backend can be used by several receiver processes at once.
func (c Config) Shared() bool {
	t := strings.ToLower(c.Type)
	return t != "" && t != TypeMemory
}

// New opens the Store described by cfg. The returned store owns its connection and closes it on Close.
func New(ctx context.Context, cfg Config, logger log.Logger) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeMemory:
		logger.Debugf("Using in-memory chunk store")
		return NewMemoryStore(), nil
	case TypeRedis:
		return openRedis(ctx, cfg, logger)
	case TypePostgres, "postgresql":
		logger.Debugf("Connecting to PostgreSQL chunk store")
		return openGorm(postgres.Open(cfg.URL), cfg)
	case TypeSQLite:
		logger.Debugf("Using SQLite chunk store: %s", cfg.URL)
		return openGorm(sqlite.Open(cfg.URL), cfg)
	default:
		return nil, fmt.Errorf("unknown chunk store type: %s", cfg.Type)
	}
}

func openRedis(ctx context.Context, cfg Config, logger log.Logger) (Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	logger.Debugf("Connecting to Redis chunk store at %s", opts.Addr)
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	store := NewRedisStore(client, cfg.KeyPrefix, cfg.Retention)
	store.owned = true
	return store, nil
}

func openGorm(dialector gorm.Dialector, cfg Config) (Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s chunk store requires a URL", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s chunk store: %w", cfg.Type, err)
	}

	if strings.EqualFold(cfg.Type, TypeSQLite) {
		// sqlite allows a single writer
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	store, err := NewGormStore(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	store.owned = true
	return store, nil
}
