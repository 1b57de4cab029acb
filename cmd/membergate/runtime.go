// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/audit"
	"github.com/holomush/membergate/internal/config"
	"github.com/holomush/membergate/internal/guard"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/settings"
	"github.com/holomush/membergate/internal/store"
)

// dbPool is the subset of pgxpool.Pool the runtime needs, so that pgxmock
// can stand in during tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// runtime is the wired guard with the sources it reads.
type runtime struct {
	store     *store.Store
	directory *role.Directory
	settings  *settings.Holder
	recorder  *audit.Recorder
	guard     *guard.Guard
	redis     *redis.Client
}

// newRuntime wires the guard over db. Metrics are registered with reg.
func newRuntime(cfg config.Config, db dbPool, reg prometheus.Registerer, logger *slog.Logger) (*runtime, error) {
	st := store.New(db)

	directory := role.NewDirectory(st.Roles, role.WithLogger(logger), role.WithRegistry(reg))
	holder := settings.NewHolder(st.Settings, directory,
		settings.WithContentThresholds(cfg.Tank),
		settings.WithAllowNewSuperusers(cfg.Roles.AllowNewSuperusers),
		settings.WithLogger(logger))
	recorder := audit.NewRecorder(audit.NewPostgresWriter(db),
		audit.WithWALPath(cfg.Audit.WALPath),
		audit.WithLogger(logger),
		audit.WithRegistry(reg))

	clock, err := quota.NewClock(cfg.Quota.Timezone)
	if err != nil {
		return nil, err
	}

	rt := &runtime{store: st, directory: directory, settings: holder, recorder: recorder}

	var counters quota.Store
	if cfg.Quota.Store == config.QuotaStoreRedis {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		counters = quota.NewRedisStore(rt.redis,
			quota.WithKeyPrefix(cfg.Quota.KeyPrefix),
			quota.WithCounterTTL(cfg.Quota.CounterTTL))
	}

	g, err := guard.New(directory, holder, recorder,
		guard.WithLogger(logger),
		guard.WithClock(clock),
		guard.WithTracker(quota.NewTracker(counters, quota.WithRegistry(reg))),
		guard.WithQuotaDefaults(cfg.QuotaDefaults()),
		guard.WithSeedQuota(cfg.Roles.QuotaSeedRank, cfg.SeedQuota()),
		guard.WithReferenceChecker(st.Members),
		guard.WithRegistry(reg))
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.guard = g
	return rt, nil
}

// reload loads roles and then settings; settings thresholds resolve against
// the role snapshot so the order matters.
func (rt *runtime) reload(ctx context.Context) error {
	if err := rt.guard.ReloadRoles(ctx); err != nil {
		return err
	}
	return rt.guard.ReloadSettings(ctx)
}

// ping verifies the shared quota store when one is configured.
func (rt *runtime) ping(ctx context.Context) error {
	if rt.redis == nil {
		return nil
	}
	if err := rt.redis.Ping(ctx).Err(); err != nil {
		return oops.Code("REDIS_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return nil
}

func (rt *runtime) close() {
	if err := rt.recorder.Close(); err != nil {
		slog.Warn("error closing audit recorder", "error", err)
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			slog.Warn("error closing redis client", "error", err)
		}
	}
}
