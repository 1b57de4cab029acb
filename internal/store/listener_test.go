// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/membergate/internal/store"
)

type fakeConn struct {
	notes    chan *pgconn.Notification
	broken   chan error
	listened atomic.Value
	released atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{notes: make(chan *pgconn.Notification, 8), broken: make(chan error, 1)}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.listened.Store(sql)
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.broken:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Release() { c.released.Store(true) }

type reloadCounter struct {
	mu    sync.Mutex
	count map[string]int
	calls chan string
}

func newReloadCounter() *reloadCounter {
	return &reloadCounter{count: map[string]int{}, calls: make(chan string, 32)}
}

func (r *reloadCounter) handler(name string) store.ReloadFunc {
	return func(context.Context) error {
		r.mu.Lock()
		r.count[name]++
		r.mu.Unlock()
		r.calls <- name
		return nil
	}
}

func (r *reloadCounter) await(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.calls:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s reload", want)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() retry.Backoff {
	return retry.NewConstant(time.Millisecond)
}

func TestListener_DispatchesNotifications(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	reloads := newReloadCounter()
	l := store.NewListener(func(context.Context) (store.NotifyConn, error) { return conn, nil },
		store.WithListenerLogger(quietLogger()), store.WithBackoff(fastBackoff))
	l.Handle(store.PayloadRoles, reloads.handler("roles"))
	l.Handle(store.PayloadSettings, reloads.handler("settings"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Initial resync runs every handler in name order.
	reloads.await(t, "roles")
	reloads.await(t, "settings")
	assert.Equal(t, `LISTEN "membergate_changes"`, conn.listened.Load())

	conn.notes <- &pgconn.Notification{Channel: store.ChangeChannel, Payload: store.PayloadSettings}
	reloads.await(t, "settings")
	conn.notes <- &pgconn.Notification{Channel: "other", Payload: store.PayloadRoles}
	conn.notes <- &pgconn.Notification{Channel: store.ChangeChannel, Payload: "unknown"}
	conn.notes <- &pgconn.Notification{Channel: store.ChangeChannel, Payload: store.PayloadRoles}
	reloads.await(t, "roles")

	cancel()
	require.NoError(t, <-done)
	assert.True(t, conn.released.Load())
}

func TestListener_ReconnectsAndResyncs(t *testing.T) {
	defer goleak.VerifyNone(t)

	first, second := newFakeConn(), newFakeConn()
	var attempts atomic.Int32
	connect := func(context.Context) (store.NotifyConn, error) {
		switch attempts.Add(1) {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("connection refused")
		default:
			return second, nil
		}
	}

	reloads := newReloadCounter()
	l := store.NewListener(connect, store.WithListenerLogger(quietLogger()), store.WithBackoff(fastBackoff))
	l.Handle(store.PayloadRoles, reloads.handler("roles"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	reloads.await(t, "roles")
	first.broken <- errors.New("server closed the connection")
	reloads.await(t, "roles")

	assert.True(t, first.released.Load())
	assert.Equal(t, int32(3), attempts.Load())

	second.notes <- &pgconn.Notification{Channel: store.ChangeChannel, Payload: store.PayloadRoles}
	reloads.await(t, "roles")

	cancel()
	require.NoError(t, <-done)
}

func TestListener_GivesUpWhenBackoffStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := store.NewListener(
		func(context.Context) (store.NotifyConn, error) { return nil, errors.New("no route to host") },
		store.WithListenerLogger(quietLogger()),
		store.WithBackoff(func() retry.Backoff { return retry.WithMaxRetries(2, fastBackoff()) }))

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
}

func TestRetryReload(t *testing.T) {
	var calls int
	err := store.RetryReload(context.Background(), retry.WithMaxRetries(5, fastBackoff()), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = store.RetryReload(context.Background(), retry.WithMaxRetries(1, fastBackoff()), func(context.Context) error {
		return errors.New("still down")
	})
	require.Error(t, err)
}
