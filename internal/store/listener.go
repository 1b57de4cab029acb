// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// ChangeChannel is the channel the change triggers notify on.
const ChangeChannel = "membergate_changes"

// Notification payloads.
const (
	PayloadRoles    = "roles"
	PayloadSettings = "settings"
)

// NotifyConn is a dedicated connection that can LISTEN.
type NotifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

// Connector hands out a fresh NotifyConn.
type Connector func(ctx context.Context) (NotifyConn, error)

type poolConn struct {
	conn *pgxpool.Conn
}

func (c poolConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c poolConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

func (c poolConn) Release() { c.conn.Release() }

// PoolConnector acquires listen connections from pool.
func PoolConnector(pool *pgxpool.Pool) Connector {
	return func(ctx context.Context) (NotifyConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return poolConn{conn: conn}, nil
	}
}

// ReloadFunc refreshes a cached view.
type ReloadFunc func(ctx context.Context) error

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger.
func WithListenerLogger(l *slog.Logger) ListenerOption {
	return func(ln *Listener) {
		if l != nil {
			ln.logger = l
		}
	}
}

// WithBackoff sets the reconnect backoff. newBackoff is called once per
// outage so each outage starts from the base delay.
func WithBackoff(newBackoff func() retry.Backoff) ListenerOption {
	return func(ln *Listener) {
		if newBackoff != nil {
			ln.newBackoff = newBackoff
		}
	}
}

// WithChannel overrides ChangeChannel.
func WithChannel(channel string) ListenerOption {
	return func(ln *Listener) {
		if channel != "" {
			ln.channel = channel
		}
	}
}

// DefaultBackoff is exponential from 250ms, capped at 30s, with jitter.
func DefaultBackoff() retry.Backoff {
	b := retry.NewExponential(250 * time.Millisecond)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(30*time.Second, b)
}

// Listener turns change notifications into reloads. On every (re)connect it
// runs all handlers once, since notifications sent while disconnected are
// lost.
type Listener struct {
	connect    Connector
	channel    string
	logger     *slog.Logger
	newBackoff func() retry.Backoff

	mu       sync.RWMutex
	handlers map[string]ReloadFunc
}

// NewListener creates a Listener.
func NewListener(connect Connector, opts ...ListenerOption) *Listener {
	l := &Listener{
		connect:    connect,
		channel:    ChangeChannel,
		logger:     slog.Default(),
		newBackoff: DefaultBackoff,
		handlers:   map[string]ReloadFunc{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle registers fn for payload.
func (l *Listener) Handle(payload string, fn ReloadFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[payload] = fn
}

func (l *Listener) handler(payload string) (ReloadFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.handlers[payload]
	return fn, ok
}

func (l *Listener) payloads() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.handlers))
	for p := range l.handlers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Run listens until ctx is done. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	for {
		conn, err := l.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.resync(ctx)
		err = l.listen(ctx, conn)
		conn.Release()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.WarnContext(ctx, "change listener disconnected", "channel", l.channel, "error", err)
	}
}

func (l *Listener) subscribe(ctx context.Context) (NotifyConn, error) {
	var conn NotifyConn
	err := retry.Do(ctx, l.newBackoff(), func(ctx context.Context) error {
		c, err := l.connect(ctx)
		if err != nil {
			l.logger.WarnContext(ctx, "change listener connect failed", "error", err)
			return retry.RetryableError(err)
		}
		if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
			c.Release()
			l.logger.WarnContext(ctx, "change listener LISTEN failed", "channel", l.channel, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, oops.In("store").Code(CodeConnectFailed).With("channel", l.channel).Wrap(err)
	}
	l.logger.InfoContext(ctx, "change listener subscribed", "channel", l.channel)
	return conn, nil
}

func (l *Listener) resync(ctx context.Context) {
	for _, p := range l.payloads() {
		l.dispatch(ctx, p)
	}
}

func (l *Listener) listen(ctx context.Context, conn NotifyConn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != l.channel {
			continue
		}
		l.dispatch(ctx, n.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	fn, ok := l.handler(payload)
	if !ok {
		l.logger.DebugContext(ctx, "ignoring change notification", "payload", payload)
		return
	}
	if err := fn(ctx); err != nil {
		l.logger.ErrorContext(ctx, "reload after change notification failed", "payload", payload, "error", err)
	}
}

// RetryReload calls fn until it succeeds, ctx is done, or b gives up.
func RetryReload(ctx context.Context, b retry.Backoff, fn ReloadFunc) error {
	//nolint:wrapcheck // callers wrap with their own context
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
