// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package guard_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/redis/go-redis/v9"

	"github.com/holomush/membergate/internal/access"
	"github.com/holomush/membergate/internal/audit"
	"github.com/holomush/membergate/internal/guard"
	"github.com/holomush/membergate/internal/quota"
	"github.com/holomush/membergate/internal/role"
	"github.com/holomush/membergate/internal/settings"
	"github.com/holomush/membergate/pkg/errutil"
)

const day = "2026-03-01"

type settingsRow struct{ rec settings.Record }

func (s settingsRow) GetSettings(context.Context) (settings.Record, bool, error) {
	return s.rec, true, nil
}

// replica is one process running a guard over shared counters.
type replica struct {
	guard  *guard.Guard
	dir    *role.Directory
	writer *audit.MemoryWriter
}

func roles() []role.Role {
	return []role.Role{
		{ID: "r-member", Name: "Member", Rank: 0},
		{ID: "r-mod", Name: "Moderator", Rank: 500, DailyQuota: quota.Ceilings{quota.StatusChange: 3}},
		{ID: "r-admin", Name: "Admin", Rank: 900, DailyQuota: quota.Ceilings{quota.StatusChange: 100}},
		{ID: "r-dev", Name: "Developer", Rank: 1000, SuperuserTier: true},
	}
}

func newReplica(lister role.Lister, counters quota.Store, walDir string) *replica {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := role.NewDirectory(lister, role.WithLogger(logger))
	Expect(dir.Reload(ctx)).To(Succeed())

	rec := settings.DefaultRecord()
	rec.EditStatusRole = "Moderator"
	holder := settings.NewHolder(settingsRow{rec: rec}, dir, settings.WithLogger(logger))
	Expect(holder.Reload(ctx)).To(Succeed())

	writer := audit.NewMemoryWriter()
	recorder := audit.NewRecorder(writer,
		audit.WithWALPath(filepath.Join(walDir, "audit-wal.jsonl")),
		audit.WithLogger(logger))
	DeferCleanup(recorder.Close)

	clock, err := quota.NewClock("UTC", quota.WithNow(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	Expect(err).NotTo(HaveOccurred())

	g, err := guard.New(dir, holder, recorder,
		guard.WithTracker(quota.NewTracker(counters)),
		guard.WithClock(clock),
		guard.WithLogger(logger))
	Expect(err).NotTo(HaveOccurred())
	return &replica{guard: g, dir: dir, writer: writer}
}

func statusChange(targetID string) guard.Mutation {
	return guard.Mutation{
		Actor:  guard.Actor{ID: "u-mod", Username: "mod", Role: "Moderator", Status: guard.StatusActive},
		Target: guard.Target{Kind: guard.EntityMember, ID: targetID, Name: targetID, Role: "Member"},
		Changes: []guard.FieldChange{{
			Op: guard.OpUpdate, Spec: guard.MemberSchema.Fields["status"], Old: "active", New: "suspended",
		}},
	}
}

func persistOK(context.Context, []guard.FieldChange) error { return nil }

// swappingLister alternates between two role sets on every fetch.
type swappingLister struct {
	n atomic.Int64
}

func (s *swappingLister) ListRoles(context.Context) ([]role.Role, error) {
	rs := roles()
	if s.n.Add(1)%2 == 0 {
		rs[0].Color = "#000000"
	}
	return rs, nil
}

var _ = Describe("Concurrent commits against shared Redis counters", func() {
	const goroutines = 40

	var (
		ctx      context.Context
		mr       *miniredis.Miniredis
		counters *quota.RedisStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)
		counters = quota.NewRedisStore(client)
	})

	It("admits exactly the ceiling when many requests race", func() {
		r := newReplica(role.StaticLister(roles()), counters, GinkgoT().TempDir())

		var (
			wg        sync.WaitGroup
			committed atomic.Int64
			throttled atomic.Int64
			persisted atomic.Int64
		)
		start := make(chan struct{})
		for i := range goroutines {
			wg.Add(1)
			go func(idx int) {
				defer GinkgoRecover()
				defer wg.Done()
				<-start
				_, err := r.guard.Commit(ctx, statusChange(string(rune('a'+idx%26))),
					func(context.Context, []guard.FieldChange) error {
						persisted.Add(1)
						return nil
					})
				switch {
				case err == nil:
					committed.Add(1)
				case errutil.HasCode(err, guard.CodeThrottled):
					throttled.Add(1)
				default:
					Fail("unexpected error: " + err.Error())
				}
			}(i)
		}
		close(start)
		wg.Wait()

		Expect(committed.Load()).To(Equal(int64(3)))
		Expect(throttled.Load()).To(Equal(int64(goroutines - 3)))
		Expect(persisted.Load()).To(Equal(int64(3)))
		Expect(r.writer.Len()).To(Equal(3))

		used, err := counters.Get(ctx, quota.Key{Day: day, ActorID: "u-mod", Kind: quota.StatusChange})
		Expect(err).NotTo(HaveOccurred())
		Expect(used).To(Equal(3))
	})

	It("shares committed counts between replicas", func() {
		a := newReplica(role.StaticLister(roles()), counters, GinkgoT().TempDir())
		b := newReplica(role.StaticLister(roles()), counters, GinkgoT().TempDir())

		for _, target := range []string{"u-1", "u-2"} {
			_, err := a.guard.Commit(ctx, statusChange(target), persistOK)
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := b.guard.Commit(ctx, statusChange("u-3"), persistOK)
		Expect(err).NotTo(HaveOccurred())

		for _, r := range []*replica{a, b} {
			_, err := r.guard.Commit(ctx, statusChange("u-4"), persistOK)
			Expect(errutil.HasCode(err, guard.CodeThrottled)).To(BeTrue())
		}
		Expect(a.writer.Len() + b.writer.Len()).To(Equal(3))
	})

	It("admits exactly the ceiling when replicas race", func() {
		const replicas = 4
		rs := make([]*replica, replicas)
		for i := range rs {
			rs[i] = newReplica(role.StaticLister(roles()), counters, GinkgoT().TempDir())
		}

		var (
			wg        sync.WaitGroup
			committed atomic.Int64
			persisted atomic.Int64
		)
		start := make(chan struct{})
		for i := range goroutines {
			wg.Add(1)
			go func(idx int) {
				defer GinkgoRecover()
				defer wg.Done()
				<-start
				_, err := rs[idx%replicas].guard.Commit(ctx, statusChange(string(rune('a'+idx%26))),
					func(context.Context, []guard.FieldChange) error {
						persisted.Add(1)
						return nil
					})
				if err == nil {
					committed.Add(1)
					return
				}
				Expect(errutil.HasCode(err, guard.CodeThrottled)).To(BeTrue(), err.Error())
			}(i)
		}
		close(start)
		wg.Wait()

		Expect(committed.Load()).To(Equal(int64(3)))
		Expect(persisted.Load()).To(Equal(int64(3)))

		audits := 0
		for _, r := range rs {
			audits += r.writer.Len()
		}
		Expect(audits).To(Equal(3))

		used, pending, err := counters.Usage(ctx, quota.Key{Day: day, ActorID: "u-mod", Kind: quota.StatusChange})
		Expect(err).NotTo(HaveOccurred())
		Expect(used).To(Equal(3))
		Expect(pending).To(BeZero())
	})

	It("expires counters after the retention window", func() {
		r := newReplica(role.StaticLister(roles()), counters, GinkgoT().TempDir())
		for _, target := range []string{"u-1", "u-2", "u-3"} {
			_, err := r.guard.Commit(ctx, statusChange(target), persistOK)
			Expect(err).NotTo(HaveOccurred())
		}

		mr.FastForward(quota.DefaultCounterTTL + time.Minute)
		used, err := counters.Get(ctx, quota.Key{Day: day, ActorID: "u-mod", Kind: quota.StatusChange})
		Expect(err).NotTo(HaveOccurred())
		Expect(used).To(BeZero(), "counters expire after the retention window")
	})
})

var _ = Describe("Decisions while the role directory reloads", func() {
	It("always evaluates against one consistent snapshot", func() {
		ctx := context.Background()
		r := newReplica(&swappingLister{}, quota.NewMemoryStore(), GinkgoT().TempDir())

		stop := make(chan struct{})
		var reloader sync.WaitGroup
		reloader.Add(1)
		go func() {
			defer GinkgoRecover()
			defer reloader.Done()
			for {
				select {
				case <-stop:
					return
				default:
					Expect(r.dir.Reload(ctx)).To(Succeed())
				}
			}
		}()

		admin := guard.Actor{ID: "u-admin", Username: "admin", Role: "Admin", Status: guard.StatusActive}
		peer := guard.Target{Kind: guard.EntityMember, ID: "u-other", Role: "Admin"}
		below := guard.Target{Kind: guard.EntityMember, ID: "u-member", Role: "Member"}

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for range 20 {
					Expect(r.guard.Can(admin, below, access.EditStatus)).To(BeTrue())
					Expect(r.guard.Can(admin, peer, access.EditStatus)).To(BeFalse())
				}
			}()
		}
		wg.Wait()
		close(stop)
		reloader.Wait()

		Expect(r.dir.Version()).To(BeNumerically(">", 1))
	})
})
