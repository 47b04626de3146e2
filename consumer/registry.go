package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/buddhike/shardherd/store"
	"go.uber.org/zap"
)

// Registry is the set of workers of a consumer group. Each worker only
// writes its own record. The leader garbage collects stale records.
type Registry struct {
	cfg    *ConsumerConfig
	table  store.Table
	logger *zap.Logger
	clock  func() time.Time
}

func NewRegistry(cfg *ConsumerConfig, table store.Table, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		table:  table,
		logger: logger.Named("registry"),
		clock:  time.Now,
	}
}

// Register inserts or refreshes the record of workerID and returns its
// version. Registering twice leaves a single record.
func (r *Registry) Register(ctx context.Context, workerID string, startedAt time.Time) (int64, error) {
	rec := WorkerRecord{
		WorkerID:        workerID,
		LastHeartbeatAt: r.clock(),
		StartedAt:       startedAt,
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	version, err := retryTransient(ctx, r.cfg, r.logger, "register", func() (int64, error) {
		return r.table.Put(ctx, workerID, v, store.AnyVersion)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to register worker %s: %w", workerID, err)
	}
	return version, nil
}

// Heartbeat refreshes the record of workerID if it still has the expected
// version. store.ErrConflict means the record was removed or rewritten and
// the worker must register again.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, startedAt time.Time, expected int64) (int64, error) {
	rec := WorkerRecord{
		WorkerID:        workerID,
		LastHeartbeatAt: r.clock(),
		StartedAt:       startedAt,
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	version, err := retryTransient(ctx, r.cfg, r.logger, "heartbeat", func() (int64, error) {
		return r.table.Put(ctx, workerID, v, expected)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
	}
	return version, nil
}

// ListLive returns the workers that heartbeated within deadWorkerTimeout,
// sorted by ID.
func (r *Registry) ListLive(ctx context.Context, deadWorkerTimeout time.Duration) ([]WorkerRecord, error) {
	records, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock()
	live := make([]WorkerRecord, 0, len(records))
	for _, rec := range records {
		if now.Sub(rec.worker.LastHeartbeatAt) <= deadWorkerTimeout {
			live = append(live, rec.worker)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].WorkerID < live[j].WorkerID })
	return live, nil
}

// Expire deletes workers that have not heartbeated within deadWorkerTimeout.
// Each delete is conditional on the version that was judged stale, so a
// worker that heartbeats concurrently survives.
func (r *Registry) Expire(ctx context.Context, deadWorkerTimeout time.Duration) ([]string, error) {
	records, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock()
	var expired []string
	for _, rec := range records {
		if now.Sub(rec.worker.LastHeartbeatAt) <= deadWorkerTimeout {
			continue
		}
		err := r.table.Delete(ctx, rec.key, rec.version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire worker %s: %w", rec.key, err)
		}
		r.logger.Info("expired worker", zap.String("worker-id", rec.key), zap.Time("last-heartbeat", rec.worker.LastHeartbeatAt))
		expired = append(expired, rec.key)
	}
	return expired, nil
}

// Deregister removes the record of workerID. Workers that crash are removed
// by Expire instead.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	_, err := retryTransient(ctx, r.cfg, r.logger, "deregister", func() (struct{}, error) {
		return struct{}{}, r.table.Delete(ctx, workerID, store.AnyVersion)
	})
	if err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", workerID, err)
	}
	return nil
}

type workerEntry struct {
	key     string
	version int64
	worker  WorkerRecord
}

func (r *Registry) scan(ctx context.Context) ([]workerEntry, error) {
	records, err := retryTransient(ctx, r.cfg, r.logger, "scan-workers", func() ([]store.Record, error) {
		return r.table.Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	entries := make([]workerEntry, 0, len(records))
	for _, rec := range records {
		var w WorkerRecord
		if err := json.Unmarshal(rec.Value, &w); err != nil {
			r.logger.Warn("skipping unreadable worker record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		if w.WorkerID == "" {
			w.WorkerID = rec.Key
		}
		entries = append(entries, workerEntry{key: rec.Key, version: rec.Version, worker: w})
	}
	return entries, nil
}
