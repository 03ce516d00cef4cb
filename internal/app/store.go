package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/infinitchat/internal/config"
	"github.com/petervdpas/infinitchat/internal/store"
	"github.com/petervdpas/infinitchat/internal/store/memstore"
	"github.com/petervdpas/infinitchat/internal/store/redisstore"
	"github.com/petervdpas/infinitchat/internal/store/sqlitestore"
	"github.com/petervdpas/infinitchat/internal/util"
)

// openStore builds the configured document store backend.
func openStore(ctx context.Context, peerDir string, cfg config.Store, clk clock.Clock) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warnf("APP: memory store, nothing survives a restart")
		return memstore.New(clk), nil
	case config.BackendSQLite:
		db, err := sqlitestore.Open(util.ResolvePath(peerDir, cfg.SQLiteDir), clk)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Infof("APP: sqlite store at %s", db.Path())
		return db, nil
	case config.BackendRedis:
		rs, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, clk)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		log.Infof("APP: redis store at %s", cfg.RedisAddr)
		return rs, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
