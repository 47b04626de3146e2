package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buddhike/shardherd/aws"
	"github.com/buddhike/shardherd/messages"
	"github.com/buddhike/shardherd/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	registerTimeout   = 10 * time.Second
	deregisterTimeout = 5 * time.Second
)

// Tables are the three coordination tables shared by all workers of a
// consumer group.
type Tables struct {
	Clients     store.Table
	Checkpoints store.Table
	Metadata    store.Table
}

type Consumer struct {
	cfg         *ConsumerConfig
	id          string
	registry    *Registry
	checkpoints *CheckpointStore
	metadata    *MetadataStore
	leader      *Leader
	worker      *WorkerService
	done        chan struct{}
	stopOnce    *sync.Once
	startOnce   *sync.Once
	started     *atomic.Bool
	logger      *zap.Logger
}

func NewConsumer(name, streamName string, kds aws.Kinesis, tables Tables, process BatchProcessor, opts ...func(*ConsumerConfig)) (*Consumer, error) {
	cfg := NewConsumerConfig(name, streamName, opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kds == nil {
		return nil, fmt.Errorf("%w: kinesis client is required", ErrInvalidConfig)
	}
	if tables.Clients == nil || tables.Checkpoints == nil || tables.Metadata == nil {
		return nil, fmt.Errorf("%w: clients, checkpoints and metadata tables are required", ErrInvalidConfig)
	}
	if process == nil {
		return nil, fmt.Errorf("%w: batch processor is required", ErrInvalidConfig)
	}

	id := fmt.Sprintf("%s-%s", name, uuid.NewString())
	logger := cfg.logger.With(zap.String("consumer", name))
	registry := NewRegistry(cfg, tables.Clients, logger)
	checkpoints := NewCheckpointStore(cfg, tables.Checkpoints, logger)
	metadata := NewMetadataStore(cfg, tables.Metadata, logger)
	discovery := NewShardDiscoveryService(cfg, kds, logger)
	leader := NewLeader(cfg, id, metadata, registry, checkpoints, discovery, logger)

	onClosed := func(shardID string) {
		if cfg.OnShardClosed != nil {
			cfg.OnShardClosed(shardID)
		}
		leader.NotifyShardClosed(shardID)
	}
	worker := NewWorkerService(cfg, id, kds, registry, checkpoints, metadata, process, onClosed, logger)

	return &Consumer{
		cfg:         cfg,
		id:          id,
		registry:    registry,
		checkpoints: checkpoints,
		metadata:    metadata,
		leader:      leader,
		worker:      worker,
		done:        make(chan struct{}),
		stopOnce:    &sync.Once{},
		startOnce:   &sync.Once{},
		started:     &atomic.Bool{},
		logger:      logger,
	}, nil
}

func (c *Consumer) WorkerID() string {
	return c.id
}

// Start registers the worker and starts leader election and the shard
// readers. A failed registration is returned and nothing is started.
func (c *Consumer) Start() error {
	var err error
	c.startOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		if err = c.worker.Register(ctx); err != nil {
			err = fmt.Errorf("failed to start consumer: %w", err)
			return
		}
		c.leader.Start()
		c.worker.Start()
		c.started.Store(true)
		c.logger.Info("consumer started", zap.String("worker-id", c.id), zap.String("stream-name", c.cfg.StreamName))
	})
	return err
}

// Stop flushes final checkpoints of all readers, releases leadership and
// deregisters the worker, in that order. It is safe to call more than once
// and concurrently with Start. A Consumer stopped before it was started
// cannot be started.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		defer close(c.done)
		// waits for a Start in progress
		c.startOnce.Do(func() {})
		if !c.started.Load() {
			return
		}
		c.worker.Stop()
		c.leader.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		defer cancel()
		if err := c.worker.Deregister(ctx); err != nil {
			c.logger.Warn("failed to deregister worker", zap.Error(err))
		}
		c.logger.Info("consumer stopped", zap.String("worker-id", c.id))
	})
}

func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Healthy() bool {
	return c.worker.Healthy()
}

func (c *Consumer) IsLeader() bool {
	return c.leader.IsLeader()
}

// Plan returns the last plan this worker observed through leader election.
func (c *Consumer) Plan() Plan {
	return c.leader.Plan()
}

func (c *Consumer) Status() messages.StatusResponse {
	r := c.worker.Status()
	r.Role = c.leader.Role().String()
	plan := c.leader.Plan()
	r.PlanVersion = plan.Version
	r.LeaderID = plan.LeaderID
	return r
}
