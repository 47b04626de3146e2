package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/buddhike/shardherd/aws"
	"github.com/buddhike/shardherd/store"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const checkpointFlushTimeout = 5 * time.Second

// BatchProcessor receives the records of one GetRecords call in stream
// order. A returned error makes the processor retry the same batch.
type BatchProcessor func(ctx context.Context, shardID string, records []types.Record) error

// PerRecord adapts a per-record callback to a BatchProcessor. A failure
// retries the whole batch, so fn must tolerate redelivery.
func PerRecord(fn func(ctx context.Context, shardID string, record types.Record) error) BatchProcessor {
	return func(ctx context.Context, shardID string, records []types.Record) error {
		for _, r := range records {
			if err := fn(ctx, shardID, r); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShardProcessor reads one shard from its checkpoint until it is stopped,
// the shard closes or the batch processor gives up. Every exit path except a
// finalized shard flushes a checkpoint that releases the shard.
//
// parents are the unfinished parent shards to wait for. A descendant shard
// is always read from its start so that records written after a split or
// merge are not skipped under StartNewest.
type ShardProcessor struct {
	cfg         *ConsumerConfig
	workerID    string
	shardID     string
	parents     []string
	descendant  bool
	kds         aws.Kinesis
	checkpoints *CheckpointStore
	process     BatchProcessor
	onClosed    func(shardID string)
	done        chan struct{}
	stop        chan struct{}
	stopOnce    *sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
	clock       func() time.Time
	timer       func(time.Duration) <-chan time.Time

	// written by the processor goroutine before done is closed
	err            error
	closed         bool
	sequenceNumber string
	startedAt      time.Time
}

func NewShardProcessor(cfg *ConsumerConfig, workerID, shardID string, parents []string, descendant bool, kds aws.Kinesis, checkpoints *CheckpointStore, process BatchProcessor, onClosed func(string), logger *zap.Logger) *ShardProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShardProcessor{
		cfg:         cfg,
		workerID:    workerID,
		shardID:     shardID,
		parents:     parents,
		descendant:  descendant,
		kds:         kds,
		checkpoints: checkpoints,
		process:     process,
		onClosed:    onClosed,
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		stopOnce:    &sync.Once{},
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With(zap.String("shard-id", shardID)),
		clock:       time.Now,
		timer:       time.After,
	}
}

func (p *ShardProcessor) Start() {
	go func() {
		defer close(p.done)
		defer p.cancel()
		p.err = p.run()
		p.flush()
		switch {
		case p.err != nil:
			p.logger.Error("shard processor failed", zap.Error(p.err))
		case p.closed:
			p.logger.Info("shard processor finished a closed shard", zap.String("sequence-number", p.sequenceNumber))
		default:
			p.logger.Info("stopped shard processor", zap.String("sequence-number", p.sequenceNumber))
		}
	}()
}

// Stop asks the processor to finish its in-flight batch and release the
// shard. It does not wait.
func (p *ShardProcessor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Kill cancels the in-flight batch and any pending store or stream call.
func (p *ShardProcessor) Kill() {
	p.Stop()
	p.cancel()
}

func (p *ShardProcessor) Done() <-chan struct{} {
	return p.done
}

// Err is valid after Done is closed.
func (p *ShardProcessor) Err() error {
	return p.err
}

// Closed is valid after Done is closed.
func (p *ShardProcessor) Closed() bool {
	return p.closed
}

func (p *ShardProcessor) stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// sleep returns false if the processor was stopped while waiting.
func (p *ShardProcessor) sleep(d time.Duration) bool {
	select {
	case <-p.stop:
		return false
	case <-p.ctx.Done():
		return false
	case <-p.timer(d):
		return true
	}
}

func (p *ShardProcessor) run() error {
	cp, ok, err := p.awaitHandOff()
	if err != nil || !ok {
		return err
	}
	if cp.Closed {
		p.closed = true
		p.sequenceNumber = cp.SequenceNumber
		return nil
	}
	if ok, err := p.awaitParents(); err != nil || !ok {
		return err
	}

	// A previous owner that claimed the shard without committing a record
	// leaves only its claim time behind.
	p.startedAt = cp.StartedAt
	cp, err = p.checkpoints.Commit(p.ctx, p.shardID, cp.SequenceNumber, p.workerID, false)
	if err != nil {
		return fmt.Errorf("failed to claim shard: %w", err)
	}
	p.sequenceNumber = cp.SequenceNumber
	p.logger.Info("claimed shard", zap.String("sequence-number", p.sequenceNumber), zap.Time("started-at", cp.StartedAt))

	iterator, err := p.shardIterator()
	if err != nil {
		return err
	}
	// an expired iterator before the first commit resumes from the claim
	p.startedAt = cp.StartedAt

	for !p.stopping() {
		out, err := p.getRecords(iterator)
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			p.logger.Info("shard iterator expired, refreshing", zap.String("sequence-number", p.sequenceNumber))
			if iterator, err = p.shardIterator(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to get records: %w", err)
		}

		if len(out.Records) > 0 {
			if err := p.deliver(out.Records); err != nil {
				return err
			}
			last := out.Records[len(out.Records)-1]
			if _, err := p.checkpoints.Commit(p.ctx, p.shardID, *last.SequenceNumber, p.workerID, false); err != nil {
				return err
			}
			p.sequenceNumber = *last.SequenceNumber
			var lag time.Duration
			if out.MillisBehindLatest != nil {
				lag = time.Duration(*out.MillisBehindLatest) * time.Millisecond
			}
			p.cfg.Stats.EventsFromKinesis(len(out.Records), p.shardID, lag)
		}

		if out.NextShardIterator == nil {
			if _, err := p.checkpoints.Commit(p.ctx, p.shardID, p.sequenceNumber, p.workerID, true); err != nil {
				return fmt.Errorf("failed to finalize closed shard: %w", err)
			}
			p.closed = true
			if p.onClosed != nil {
				p.onClosed(p.shardID)
			}
			return nil
		}
		iterator = out.NextShardIterator

		if len(out.Records) == 0 && !p.sleep(p.cfg.IdlePollInterval) {
			return nil
		}
	}
	return nil
}

// awaitHandOff waits until the previous owner released the shard, its last
// checkpoint is older than the release timeout, or the release timeout has
// passed since the wait began.
func (p *ShardProcessor) awaitHandOff() (Checkpoint, bool, error) {
	deadline := p.clock().Add(p.cfg.ShardReleaseTimeout)
	for {
		cp, err := p.checkpoints.Get(p.ctx, p.shardID)
		if errors.Is(err, store.ErrNotFound) {
			return Checkpoint{ShardID: p.shardID}, true, nil
		}
		if err != nil {
			if p.ctx.Err() != nil {
				return cp, false, nil
			}
			return cp, false, err
		}
		now := p.clock()
		if cp.Closed || cp.OwnerWorkerID == "" || cp.OwnerWorkerID == p.workerID ||
			now.Sub(cp.UpdatedAt) > p.cfg.ShardReleaseTimeout || !now.Before(deadline) {
			if cp.OwnerWorkerID != "" && cp.OwnerWorkerID != p.workerID && !cp.Closed {
				p.logger.Warn("taking over shard that was not released", zap.String("previous-owner", cp.OwnerWorkerID))
			}
			return cp, true, nil
		}
		p.logger.Debug("waiting for previous owner to release shard", zap.String("previous-owner", cp.OwnerWorkerID))
		if !p.sleep(p.cfg.IdlePollInterval) {
			return cp, false, nil
		}
	}
}

// awaitParents blocks until every parent shard is finalized.
func (p *ShardProcessor) awaitParents() (bool, error) {
	pending := append([]string(nil), p.parents...)
	for len(pending) > 0 {
		var next []string
		for _, parent := range pending {
			cp, err := p.checkpoints.Get(p.ctx, parent)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				if p.ctx.Err() != nil {
					return false, nil
				}
				return false, err
			}
			if !cp.Closed {
				next = append(next, parent)
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}
		p.logger.Debug("waiting for parent shards", zap.Strings("parents", pending))
		if !p.sleep(p.cfg.IdlePollInterval) {
			return false, nil
		}
	}
	return true, nil
}

func (p *ShardProcessor) shardIterator() (*string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: &p.cfg.StreamName,
		ShardId:    &p.shardID,
	}
	switch {
	case p.sequenceNumber != "":
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = &p.sequenceNumber
	case len(p.parents) > 0 || p.descendant || p.cfg.StartPosition == StartOldest:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	case !p.startedAt.IsZero():
		input.ShardIteratorType = types.ShardIteratorTypeAtTimestamp
		input.Timestamp = &p.startedAt
	default:
		input.ShardIteratorType = types.ShardIteratorTypeLatest
	}
	out, err := retryTransient(p.ctx, p.cfg, p.logger, "get-shard-iterator", func() (*kinesis.GetShardIteratorOutput, error) {
		return p.kds.GetShardIterator(p.ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get shard iterator: %w", err)
	}
	return out.ShardIterator, nil
}

func (p *ShardProcessor) getRecords(iterator *string) (*kinesis.GetRecordsOutput, error) {
	limit := p.cfg.ReadBatchSize
	return retryTransient(p.ctx, p.cfg, p.logger, "get-records", func() (*kinesis.GetRecordsOutput, error) {
		out, err := p.kds.GetRecords(p.ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         &limit,
		})
		var expired *types.ExpiredIteratorException
		if errors.As(err, &expired) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	})
}

// deliver hands records to the batch processor, retrying with backoff.
// Panics are treated as failures.
func (p *ShardProcessor) deliver(records []types.Record) error {
	now := p.clock()
	for _, r := range records {
		if r.ApproximateArrivalTimestamp != nil {
			p.cfg.Stats.EventToClient(*r.ApproximateArrivalTimestamp, now)
		}
	}

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return p.processOnce(records)
	}, newBackOff(p.ctx, p.cfg.CallbackBackoffInitial, p.cfg.CallbackBackoffMax, p.cfg.CallbackMaxRetries), func(err error, wait time.Duration) {
		p.logger.Warn("batch processor failed, retrying", zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if p.ctx.Err() != nil {
			return fmt.Errorf("batch processor interrupted: %w", p.ctx.Err())
		}
		return fmt.Errorf("%w: shard %s after %d attempts: %v", ErrCallbackExhausted, p.shardID, attempts, err)
	}
	return nil
}

func (p *ShardProcessor) processOnce(records []types.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch processor panicked: %v", r)
		}
	}()
	return p.process(p.ctx, p.shardID, records)
}

// flush releases the shard so that the next owner does not have to wait
// for the release timeout.
func (p *ShardProcessor) flush() {
	if p.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointFlushTimeout)
	defer cancel()
	cp, err := p.checkpoints.Get(ctx, p.shardID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn("failed to read checkpoint before release", zap.Error(err))
		return
	}
	if cp.OwnerWorkerID != p.workerID {
		return
	}
	if err := p.checkpoints.Release(ctx, p.shardID, p.sequenceNumber); err != nil {
		p.logger.Warn("failed to release shard", zap.Error(err))
	}
}
