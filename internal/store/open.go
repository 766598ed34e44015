package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Backend       string
	FilePath      string
	RedisAddr     string
	RedisPassword string
	Location      *time.Location
}

// Open builds the configured store and loads it. The returned close func releases connections.
func Open(ctx context.Context, cfg Config) (fortune.Store, func() error, error) {
	noop := func() error { return nil }

	var s fortune.Store
	closeFn := noop
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		if cfg.FilePath == "" {
			return nil, noop, fmt.Errorf("fortune store path is empty")
		}
		s = NewFileStore(cfg.FilePath)
	case BackendSQLite:
		s = NewSQLiteStore()
	case BackendRedis:
		client, err := NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, noop, err
		}
		s = NewRedisStore(client, cfg.Location)
		closeFn = client.Close
	default:
		return nil, noop, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}

	if err := s.Load(ctx); err != nil {
		closeFn()
		return nil, noop, fmt.Errorf("failed to load fortune store: %w", err)
	}

	logger.Info("Fortune store ready", zap.String("backend", cfg.Backend))
	return s, closeFn, nil
}
