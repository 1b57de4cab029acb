// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package audit records an immutable trail of administrative mutations.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/holomush/membergate/internal/xdg"
)

// CodeAppendFailed is returned when an entry reached neither the writer nor
// the write-ahead log.
const CodeAppendFailed = "AUDIT_APPEND_FAILED"

// Outcome classifies an entry.
type Outcome string

// Outcomes.
const (
	OutcomeCommitted Outcome = "committed"
	OutcomeDenied    Outcome = "denied"
)

// Entry is one audit record. Entries are never modified once written.
type Entry struct {
	ID            ulid.ULID `json:"id"`
	ActorID       string    `json:"actor_id"`
	ActorUsername string    `json:"actor_username"`
	Action        string    `json:"action"`
	Entity        string    `json:"entity,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	Field         string    `json:"field,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Timestamp     time.Time `json:"timestamp"`
}

// Writer persists entries. Write stores all entries or none of them.
type Writer interface {
	Write(ctx context.Context, entries ...Entry) error
	Close() error
}

type recorderMetrics struct {
	failures *prometheus.CounterVec
	recorded prometheus.Counter
	walDepth prometheus.Gauge
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithWALPath sets the write-ahead log path.
func WithWALPath(path string) RecorderOption {
	return func(r *Recorder) {
		r.walPath = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = l
	}
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithRegistry registers audit metrics with reg.
func WithRegistry(reg prometheus.Registerer) RecorderOption {
	return func(r *Recorder) {
		r.metrics = &recorderMetrics{
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "membergate_audit_failures_total",
				Help: "Total number of audit write failures",
			}, []string{"reason"}),
			recorded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "membergate_audit_entries_total",
				Help: "Total number of audit entries accepted",
			}),
			walDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "membergate_audit_wal_entries",
				Help: "Current number of entries in the audit WAL",
			}),
		}
		reg.MustRegister(r.metrics.failures, r.metrics.recorded, r.metrics.walDepth)
	}
}

// Recorder writes entries synchronously. When the writer fails, entries are
// spooled to a JSONL write-ahead log for later replay.
type Recorder struct {
	writer  Writer
	walPath string
	logger  *slog.Logger
	now     func() time.Time
	metrics *recorderMetrics

	walMu   sync.Mutex
	walFile *os.File

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewRecorder creates a Recorder. Without WithWALPath the log lives in the
// XDG state directory.
func NewRecorder(writer Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		writer:  writer,
		logger:  slog.Default(),
		now:     time.Now,
		entropy: ulid.Monotonic(ulid.DefaultEntropy(), 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.walPath == "" {
		r.walPath = xdg.AuditWALFile()
	}
	return r
}

// WALPath returns the write-ahead log location.
func (r *Recorder) WALPath() string {
	return r.walPath
}

func (r *Recorder) newID(t time.Time) ulid.ULID {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), r.entropy)
}

// Stamp fills in the ID and timestamp of e when unset.
func (r *Recorder) Stamp(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.ID == (ulid.ULID{}) {
		e.ID = r.newID(e.Timestamp)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeCommitted
	}
	return e
}

// Record stores entries. It returns an error only when both the writer and
// the write-ahead log fail; a WAL fallback is logged but not returned.
func (r *Recorder) Record(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stamped := make([]Entry, len(entries))
	for i, e := range entries {
		stamped[i] = r.Stamp(e)
	}

	writeErr := r.writer.Write(ctx, stamped...)
	if writeErr == nil {
		r.countRecorded(len(stamped))
		return nil
	}

	r.countFailure("write_failed")
	r.logger.WarnContext(ctx, "audit write failed, spooling to WAL",
		"error", writeErr, "count", len(stamped), "wal", r.walPath)

	if walErr := r.writeToWAL(stamped); walErr != nil {
		r.countFailure("wal_failed")
		return oops.In("audit").Code(CodeAppendFailed).
			With("count", len(stamped)).
			With("wal_error", walErr.Error()).
			Wrap(writeErr)
	}
	r.countRecorded(len(stamped))
	return nil
}

func (r *Recorder) countRecorded(n int) {
	if r.metrics != nil {
		r.metrics.recorded.Add(float64(n))
	}
}

func (r *Recorder) countFailure(reason string) {
	if r.metrics != nil {
		r.metrics.failures.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) writeToWAL(entries []Entry) error {
	r.walMu.Lock()
	defer r.walMu.Unlock()

	if r.walFile == nil {
		if err := xdg.EnsureDir(filepath.Dir(r.walPath)); err != nil {
			return err
		}
		file, err := os.OpenFile(r.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", r.walPath).Wrap(err)
		}
		r.walFile = file
	}

	var buf bytes.Buffer
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return oops.Wrap(err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if _, err := r.walFile.Write(buf.Bytes()); err != nil {
		return oops.With("path", r.walPath).Wrap(err)
	}
	if r.metrics != nil {
		r.metrics.walDepth.Add(float64(len(entries)))
	}
	return nil
}

// ReplayWAL sends every spooled entry to the writer and truncates the log
// when all of them were accepted. Entries that fail again stay in the log.
func (r *Recorder) ReplayWAL(ctx context.Context) (int, error) {
	r.walMu.Lock()
	defer r.walMu.Unlock()

	data, err := os.ReadFile(r.walPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.With("path", r.walPath).Wrap(err)
	}

	var (
		replayed int
		retained [][]byte
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			r.logger.ErrorContext(ctx, "dropping unreadable WAL entry", "error", err)
			r.countFailure("wal_unmarshal_failed")
			continue
		}
		if err := r.writer.Write(ctx, e); err != nil {
			r.countFailure("wal_replay_failed")
			retained = append(retained, append([]byte(nil), line...))
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, oops.With("path", r.walPath).Wrap(err)
	}

	if err := r.rewriteWALLocked(retained); err != nil {
		return replayed, err
	}
	if r.metrics != nil {
		r.metrics.walDepth.Set(float64(len(retained)))
	}
	r.logger.InfoContext(ctx, "replayed audit WAL", "replayed", replayed, "retained", len(retained))
	if len(retained) > 0 {
		return replayed, oops.In("audit").Code(CodeAppendFailed).
			With("retained", len(retained)).
			Errorf("%d WAL entries could not be replayed", len(retained))
	}
	return replayed, nil
}

func (r *Recorder) rewriteWALLocked(lines [][]byte) error {
	if r.walFile != nil {
		if err := r.walFile.Close(); err != nil {
			return oops.Wrap(err)
		}
		r.walFile = nil
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(r.walPath, buf.Bytes(), 0o600); err != nil {
		return oops.With("path", r.walPath).Wrap(err)
	}
	return nil
}

// Close closes the writer and the WAL file.
func (r *Recorder) Close() error {
	var errs []error
	if err := r.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	r.walMu.Lock()
	defer r.walMu.Unlock()
	if r.walFile != nil {
		if err := r.walFile.Close(); err != nil {
			errs = append(errs, err)
		}
		r.walFile = nil
	}
	if len(errs) > 0 {
		return oops.In("audit").Errorf("close recorder: %v", errs)
	}
	return nil
}

// String renders an entry for logs.
func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.Format(time.RFC3339), e.Outcome, e.Action)
}
