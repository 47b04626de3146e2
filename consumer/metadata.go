package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buddhike/shardherd/store"
	"go.uber.org/zap"
)

const coordinatorKey = "coordinator"

// MetadataStore holds the single coordinator record. Lease and plan writes
// are compare-and-swap operations on the record version, so a replaced
// record is never partially updated.
type MetadataStore struct {
	cfg    *ConsumerConfig
	table  store.Table
	logger *zap.Logger
}

func NewMetadataStore(cfg *ConsumerConfig, table store.Table, logger *zap.Logger) *MetadataStore {
	return &MetadataStore{
		cfg:    cfg,
		table:  table,
		logger: logger.Named("metadata"),
	}
}

// Load returns the coordinator record and its store version. A missing
// record is returned as an empty plan with version 0.
func (m *MetadataStore) Load(ctx context.Context) (Plan, int64, error) {
	rec, err := retryTransient(ctx, m.cfg, m.logger, "load-plan", func() (store.Record, error) {
		return m.table.Get(ctx, coordinatorKey)
	})
	if errors.Is(err, store.ErrNotFound) {
		return Plan{ShardAssignments: map[string]string{}}, 0, nil
	}
	if err != nil {
		return Plan{}, 0, fmt.Errorf("failed to load plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(rec.Value, &p); err != nil {
		return Plan{}, 0, fmt.Errorf("failed to decode plan: %w", err)
	}
	if p.ShardAssignments == nil {
		p.ShardAssignments = map[string]string{}
	}
	return p, rec.Version, nil
}

// Save replaces the coordinator record if its version still equals expected.
func (m *MetadataStore) Save(ctx context.Context, p Plan, expected int64) (int64, error) {
	v, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	version, err := retryTransient(ctx, m.cfg, m.logger, "save-plan", func() (int64, error) {
		return m.table.Put(ctx, coordinatorKey, v, expected)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save plan: %w", err)
	}
	return version, nil
}
