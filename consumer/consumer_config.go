package consumer

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid consumer config")

// StartPosition decides where a shard without a checkpoint is read from.
type StartPosition string

const (
	StartOldest StartPosition = "oldest"
	StartNewest StartPosition = "newest"
)

type ConsumerConfig struct {
	Name                   string
	StreamName             string
	HeartbeatInterval      time.Duration
	HeartbeatGrace         time.Duration
	DeadWorkerTimeout      time.Duration
	LeaseDuration          time.Duration
	LeaseRenewalInterval   time.Duration
	ClockSkewTolerance     time.Duration
	RebalanceInterval      time.Duration
	PlanRefreshInterval    time.Duration
	ShardReleaseTimeout    time.Duration
	StartPosition          StartPosition
	ReadBatchSize          int32
	IdlePollInterval       time.Duration
	CallbackMaxRetries     int
	CallbackBackoffInitial time.Duration
	CallbackBackoffMax     time.Duration
	StoreMaxRetries        int
	StoreBackoffInitial    time.Duration
	StoreBackoffMax        time.Duration
	PlanWriteAttempts      int
	Stats                  StatsReceiver
	OnShardError           func(shardID string, err error)
	OnShardClosed          func(shardID string)
	logger                 *zap.Logger
}

func NewConsumerConfig(name, streamName string, opts ...func(*ConsumerConfig)) *ConsumerConfig {
	cfg := &ConsumerConfig{
		Name:                   name,
		StreamName:             streamName,
		HeartbeatInterval:      5 * time.Second,
		HeartbeatGrace:         15 * time.Second,
		DeadWorkerTimeout:      30 * time.Second,
		LeaseDuration:          30 * time.Second,
		LeaseRenewalInterval:   10 * time.Second,
		ClockSkewTolerance:     2 * time.Second,
		RebalanceInterval:      60 * time.Second,
		PlanRefreshInterval:    5 * time.Second,
		ShardReleaseTimeout:    30 * time.Second,
		StartPosition:          StartOldest,
		ReadBatchSize:          1000,
		IdlePollInterval:       time.Second,
		CallbackMaxRetries:     5,
		CallbackBackoffInitial: 100 * time.Millisecond,
		CallbackBackoffMax:     10 * time.Second,
		StoreMaxRetries:        5,
		StoreBackoffInitial:    100 * time.Millisecond,
		StoreBackoffMax:        2 * time.Second,
		PlanWriteAttempts:      3,
		Stats:                  NopStats{},
		logger:                 zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (cfg *ConsumerConfig) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.StreamName == "" {
		return fmt.Errorf("%w: stream name is required", ErrInvalidConfig)
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"heartbeat interval", cfg.HeartbeatInterval},
		{"heartbeat grace", cfg.HeartbeatGrace},
		{"dead worker timeout", cfg.DeadWorkerTimeout},
		{"lease duration", cfg.LeaseDuration},
		{"lease renewal interval", cfg.LeaseRenewalInterval},
		{"rebalance interval", cfg.RebalanceInterval},
		{"plan refresh interval", cfg.PlanRefreshInterval},
		{"shard release timeout", cfg.ShardReleaseTimeout},
		{"idle poll interval", cfg.IdlePollInterval},
		{"callback backoff", cfg.CallbackBackoffInitial},
		{"callback backoff max", cfg.CallbackBackoffMax},
		{"store backoff", cfg.StoreBackoffInitial},
		{"store backoff max", cfg.StoreBackoffMax},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	if cfg.ClockSkewTolerance < 0 {
		return fmt.Errorf("%w: clock skew tolerance must not be negative", ErrInvalidConfig)
	}
	if cfg.LeaseDuration < 3*cfg.LeaseRenewalInterval {
		return fmt.Errorf("%w: lease duration %s must be at least 3x the renewal interval %s", ErrInvalidConfig, cfg.LeaseDuration, cfg.LeaseRenewalInterval)
	}
	if cfg.LeaseDuration <= 2*cfg.ClockSkewTolerance {
		return fmt.Errorf("%w: lease duration %s must exceed twice the clock skew tolerance %s", ErrInvalidConfig, cfg.LeaseDuration, cfg.ClockSkewTolerance)
	}
	if cfg.DeadWorkerTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("%w: dead worker timeout %s must exceed the heartbeat interval %s", ErrInvalidConfig, cfg.DeadWorkerTimeout, cfg.HeartbeatInterval)
	}
	if cfg.StartPosition != StartOldest && cfg.StartPosition != StartNewest {
		return fmt.Errorf("%w: unknown start position %q", ErrInvalidConfig, cfg.StartPosition)
	}
	if cfg.ReadBatchSize <= 0 || cfg.ReadBatchSize > 10000 {
		return fmt.Errorf("%w: read batch size must be between 1 and 10000", ErrInvalidConfig)
	}
	if cfg.CallbackMaxRetries < 0 || cfg.StoreMaxRetries < 0 {
		return fmt.Errorf("%w: retry limits must not be negative", ErrInvalidConfig)
	}
	if cfg.PlanWriteAttempts <= 0 {
		return fmt.Errorf("%w: plan write attempts must be positive", ErrInvalidConfig)
	}
	return nil
}

func WithHeartbeatInterval(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.HeartbeatInterval = d
	}
}

func WithHeartbeatGrace(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.HeartbeatGrace = d
	}
}

func WithDeadWorkerTimeout(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.DeadWorkerTimeout = d
	}
}

func WithLeaseDuration(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.LeaseDuration = d
	}
}

func WithLeaseRenewalInterval(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.LeaseRenewalInterval = d
	}
}

func WithClockSkewTolerance(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.ClockSkewTolerance = d
	}
}

func WithRebalanceInterval(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.RebalanceInterval = d
	}
}

func WithPlanRefreshInterval(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.PlanRefreshInterval = d
	}
}

func WithShardReleaseTimeout(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.ShardReleaseTimeout = d
	}
}

func WithStartPosition(p StartPosition) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.StartPosition = p
	}
}

func WithReadBatchSize(n int32) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.ReadBatchSize = n
	}
}

func WithIdlePollInterval(d time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.IdlePollInterval = d
	}
}

func WithCallbackRetries(maxRetries int, initial, max time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.CallbackMaxRetries = maxRetries
		cfg.CallbackBackoffInitial = initial
		cfg.CallbackBackoffMax = max
	}
}

func WithStoreRetries(maxRetries int, initial, max time.Duration) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.StoreMaxRetries = maxRetries
		cfg.StoreBackoffInitial = initial
		cfg.StoreBackoffMax = max
	}
}

func WithStats(stats StatsReceiver) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.Stats = stats
	}
}

// WithShardErrorHandler registers fn to be called when a shard processor
// stops with a fatal error. Other shards keep running.
func WithShardErrorHandler(fn func(shardID string, err error)) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.OnShardError = fn
	}
}

// WithShardClosedHandler registers fn to be called after a processor
// finalizes the checkpoint of a closed shard.
func WithShardClosedHandler(fn func(shardID string)) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.OnShardClosed = fn
	}
}

func WithLogger(logger *zap.Logger) func(*ConsumerConfig) {
	return func(cfg *ConsumerConfig) {
		cfg.logger = logger
	}
}
