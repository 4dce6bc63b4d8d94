package main

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"userdir.org/internal/cache"
	"userdir.org/internal/config"
	"userdir.org/internal/keylock"
	"userdir.org/internal/obs"
	"userdir.org/internal/store/pg"
	"userdir.org/internal/user"
	"userdir.org/internal/usercache"
)

// runtime holds the wired directory and the resources to release.
type runtime struct {
	db    *sqlx.DB
	rdb   *redis.Client
	store *usercache.CachingStore
}

func (r *runtime) Close() {
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

func (a *app) openDB() (*sqlx.DB, error) {
	if a.cfg.PGDSN == "" {
		return nil, errors.New("missing DSN: provide via --pg-dsn or USERDIR_PG_DSN")
	}
	return pg.Open(a.cfg.PGDSN)
}

func (a *app) wire(ctx context.Context) (*runtime, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	rt := &runtime{db: db}

	log := obs.Logger()
	relational := pg.New(pg.DBProvider{DB: db},
		pg.WithLogger(log),
		pg.WithInLimit(a.cfg.InLimit),
		pg.WithMaxAttempts(a.cfg.TxMaxAttempts),
		pg.WithLowercaseLogins(a.cfg.LowercaseLogins),
		pg.WithDeleteListener(pg.DeleteListenerFunc(func(ctx context.Context, _ *sqlx.Tx, ev pg.DeleteEvent) error {
			log.InfoContext(ctx, "user removed", "event_id", ev.ID, "context_id", ev.ContextID,
				"user_id", ev.UserID, "subtype", string(ev.Subtype))
			return nil
		})),
	)

	opts := []usercache.Option{
		usercache.WithLogger(log),
		usercache.WithLocks(keylock.New[usercache.LockKey]()),
	}
	switch a.cfg.CacheBackend {
	case config.CacheMemory:
		opts = append(opts,
			usercache.WithUserRegion(cache.NewMemoryRegion[*user.User](usercache.RegionUser, a.cfg.CacheTTL)),
			usercache.WithLoginRegion(cache.NewMemoryRegion[int](usercache.RegionUserLogin, a.cfg.CacheTTL)),
			usercache.WithIMAPRegion(cache.NewMemoryRegion[[]int](usercache.RegionUserIMAP, a.cfg.CacheTTL)),
		)
	case config.CacheRedis:
		rdb, err := cache.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.rdb = rdb
		prefix, ttl := a.cfg.RedisPrefix, a.cfg.CacheTTL
		opts = append(opts,
			usercache.WithUserRegion(cache.NewRedisRegion[*user.User](rdb, prefix, usercache.RegionUser, ttl)),
			usercache.WithLoginRegion(cache.NewRedisRegion[int](rdb, prefix, usercache.RegionUserLogin, ttl)),
			usercache.WithIMAPRegion(cache.NewRedisRegion[[]int](rdb, prefix, usercache.RegionUserIMAP, ttl)),
		)
	case config.CacheNone:
		log.Warn("cache disabled, every lookup reaches the database")
	}
	rt.store = usercache.New(relational, opts...)
	log.Info("user directory wired", "cache_backend", a.cfg.CacheBackend, "regions", rt.store.Regions())
	return rt, nil
}
