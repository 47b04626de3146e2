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

const checkpointWriteAttempts = 3

type CheckpointStore struct {
	cfg    *ConsumerConfig
	table  store.Table
	logger *zap.Logger
	clock  func() time.Time
}

func NewCheckpointStore(cfg *ConsumerConfig, table store.Table, logger *zap.Logger) *CheckpointStore {
	return &CheckpointStore{
		cfg:    cfg,
		table:  table,
		logger: logger.Named("checkpoints"),
		clock:  time.Now,
	}
}

// Get returns store.ErrNotFound for a shard that was never checkpointed.
func (s *CheckpointStore) Get(ctx context.Context, shardID string) (Checkpoint, error) {
	cp, _, err := s.get(ctx, shardID)
	return cp, err
}

// Commit records progress of shardID. An empty sequenceNumber keeps the
// stored one. A sequence number lower than the stored one is rejected with
// ErrSequenceRegression and the stored checkpoint is left untouched.
func (s *CheckpointStore) Commit(ctx context.Context, shardID, sequenceNumber, ownerWorkerID string, closed bool) (Checkpoint, error) {
	for attempt := 1; ; attempt++ {
		existing, version, err := s.get(ctx, shardID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Checkpoint{}, err
		}

		if existing.Closed {
			if closed && compareSequence(sequenceNumber, existing.SequenceNumber) == 0 {
				return existing, nil
			}
			return existing, fmt.Errorf("%w: %s", ErrShardFinalized, shardID)
		}

		if sequenceNumber == "" {
			sequenceNumber = existing.SequenceNumber
		}
		if compareSequence(sequenceNumber, existing.SequenceNumber) < 0 {
			s.logger.Error("invariant-violation: checkpoint sequence number regression",
				zap.String("shard-id", shardID),
				zap.String("stored-sequence-number", existing.SequenceNumber),
				zap.String("stored-owner", existing.OwnerWorkerID),
				zap.String("sequence-number", sequenceNumber),
				zap.String("owner", ownerWorkerID))
			return existing, fmt.Errorf("%w: shard %s at %s, attempted %s", ErrSequenceRegression, shardID, existing.SequenceNumber, sequenceNumber)
		}

		now := s.clock()
		startedAt := existing.StartedAt
		if startedAt.IsZero() {
			startedAt = now
		}
		cp := Checkpoint{
			ShardID:        shardID,
			SequenceNumber: sequenceNumber,
			OwnerWorkerID:  ownerWorkerID,
			StartedAt:      startedAt,
			UpdatedAt:      now,
			Closed:         closed,
		}
		v, err := json.Marshal(cp)
		if err != nil {
			return Checkpoint{}, err
		}
		_, err = retryTransient(ctx, s.cfg, s.logger, "commit-checkpoint", func() (int64, error) {
			return s.table.Put(ctx, shardID, v, version)
		})
		if errors.Is(err, store.ErrConflict) && attempt < checkpointWriteAttempts {
			continue
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("failed to commit checkpoint for %s: %w", shardID, err)
		}
		s.cfg.Stats.Checkpoint()
		return cp, nil
	}
}

// Release hands shardID back by clearing its owner. Releasing a finalized
// shard is a no-op.
func (s *CheckpointStore) Release(ctx context.Context, shardID, sequenceNumber string) error {
	_, err := s.Commit(ctx, shardID, sequenceNumber, "", false)
	if errors.Is(err, ErrShardFinalized) {
		return nil
	}
	return err
}

// List returns all checkpoints sorted by shard ID.
func (s *CheckpointStore) List(ctx context.Context) ([]Checkpoint, error) {
	records, err := retryTransient(ctx, s.cfg, s.logger, "scan-checkpoints", func() ([]store.Record, error) {
		return s.table.Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	r := make([]Checkpoint, 0, len(records))
	for _, rec := range records {
		var cp Checkpoint
		if err := json.Unmarshal(rec.Value, &cp); err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		r = append(r, cp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ShardID < r[j].ShardID })
	return r, nil
}

// Finalized returns the IDs of shards whose last record has been processed.
func (s *CheckpointStore) Finalized(ctx context.Context) (map[string]bool, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	r := make(map[string]bool)
	for _, cp := range all {
		if cp.Closed {
			r[cp.ShardID] = true
		}
	}
	return r, nil
}

func (s *CheckpointStore) get(ctx context.Context, shardID string) (Checkpoint, int64, error) {
	rec, err := retryTransient(ctx, s.cfg, s.logger, "get-checkpoint", func() (store.Record, error) {
		return s.table.Get(ctx, shardID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return Checkpoint{ShardID: shardID}, 0, store.ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, 0, fmt.Errorf("failed to get checkpoint for %s: %w", shardID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(rec.Value, &cp); err != nil {
		return Checkpoint{}, 0, fmt.Errorf("failed to decode checkpoint for %s: %w", shardID, err)
	}
	return cp, rec.Version, nil
}
