package consumer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/buddhike/shardherd/aws"
	"github.com/buddhike/shardherd/messages"
	"github.com/buddhike/shardherd/store"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// WorkerService keeps the registry record of this worker alive and runs a
// ShardProcessor for every shard the current plan assigns to it.
type WorkerService struct {
	cfg         *ConsumerConfig
	id          string
	kds         aws.Kinesis
	registry    *Registry
	checkpoints *CheckpointStore
	metadata    *MetadataStore
	process     BatchProcessor
	onClosed    func(shardID string)
	readers     *xsync.Map[string, *ShardProcessor]
	done        chan struct{}
	stop        chan struct{}
	logger      *zap.Logger
	clock       func() time.Time
	timer       func(time.Duration) <-chan time.Time
	startedAt   time.Time

	mut           *sync.Mutex
	registered    bool
	recordVersion int64
	lastHeartbeat time.Time
	finished      map[string]messages.ShardState

	// owned by the refresh goroutine
	planVersion int64
}

func NewWorkerService(cfg *ConsumerConfig, id string, kds aws.Kinesis, registry *Registry, checkpoints *CheckpointStore, metadata *MetadataStore, process BatchProcessor, onClosed func(string), logger *zap.Logger) *WorkerService {
	return &WorkerService{
		cfg:         cfg,
		id:          id,
		kds:         kds,
		registry:    registry,
		checkpoints: checkpoints,
		metadata:    metadata,
		process:     process,
		onClosed:    onClosed,
		readers:     xsync.NewMap[string, *ShardProcessor](),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		logger:      logger.Named("worker").With(zap.String("worker-id", id)),
		clock:       time.Now,
		timer:       time.After,
		mut:         &sync.Mutex{},
		finished:    make(map[string]messages.ShardState),
	}
}

// Register writes the first registry record of this worker. Start calls it
// again from the heartbeat loop if it fails here.
func (w *WorkerService) Register(ctx context.Context) error {
	w.mut.Lock()
	if w.startedAt.IsZero() {
		w.startedAt = w.clock()
	}
	startedAt := w.startedAt
	w.mut.Unlock()

	version, err := w.registry.Register(ctx, w.id, startedAt)
	if err != nil {
		return err
	}
	w.mut.Lock()
	defer w.mut.Unlock()
	w.registered = true
	w.recordVersion = version
	w.lastHeartbeat = w.clock()
	w.logger.Info("registered worker", zap.Int64("record-version", version))
	return nil
}

func (w *WorkerService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-w.stop:
				return
			case <-w.timer(w.cfg.HeartbeatInterval):
				w.heartbeat(ctx)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			w.refresh(ctx)
			select {
			case <-w.stop:
				return
			case <-w.timer(w.cfg.PlanRefreshInterval):
			}
		}
	}()
	go func() {
		defer close(w.done)
		<-w.stop
		cancel()
		wg.Wait()
		w.stopReaders(w.activeReaders(func(string) bool { return true }))
		w.logger.Info("worker is stopped")
	}()
}

// Stop ends plan refresh and heartbeats, then stops every reader and waits
// for their final checkpoints.
func (w *WorkerService) Stop() {
	close(w.stop)
	<-w.done
}

func (w *WorkerService) Done() <-chan struct{} {
	return w.done
}

// Healthy reports whether the worker is registered and its last heartbeat
// succeeded within the heartbeat grace window.
func (w *WorkerService) Healthy() bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.registered && w.clock().Sub(w.lastHeartbeat) <= w.cfg.HeartbeatGrace
}

func (w *WorkerService) Deregister(ctx context.Context) error {
	w.mut.Lock()
	w.registered = false
	w.mut.Unlock()
	return w.registry.Deregister(ctx, w.id)
}

func (w *WorkerService) heartbeat(ctx context.Context) {
	w.mut.Lock()
	registered, version, startedAt, last := w.registered, w.recordVersion, w.startedAt, w.lastHeartbeat
	w.mut.Unlock()

	if !registered {
		if err := w.Register(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to register worker", zap.Error(err))
		}
		return
	}

	next, err := w.registry.Heartbeat(ctx, w.id, startedAt, version)
	if errors.Is(err, store.ErrConflict) {
		w.logger.Info("worker record changed or expired, registering again", zap.Int64("record-version", version))
		if err := w.Register(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to register worker", zap.Error(err))
		}
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("failed to send heartbeat", zap.Error(err))
		if w.clock().Sub(last) > w.cfg.HeartbeatGrace {
			w.mut.Lock()
			w.registered = false
			w.mut.Unlock()
			w.logger.Error("heartbeat grace window exceeded", zap.Time("last-heartbeat", last))
		}
		return
	}
	w.mut.Lock()
	w.recordVersion = next
	w.lastHeartbeat = w.clock()
	w.mut.Unlock()
}

func (w *WorkerService) refresh(ctx context.Context) {
	plan, _, err := w.metadata.Load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to load plan", zap.Error(err))
		}
		return
	}
	if plan.Version != w.planVersion {
		w.logger.Info("plan changed",
			zap.Int64("previous-plan-version", w.planVersion),
			zap.Int64("plan-version", plan.Version),
			zap.String("leader-id", plan.LeaderID))
		w.planVersion = plan.Version
		w.mut.Lock()
		clear(w.finished)
		w.mut.Unlock()
	}

	w.reap()

	owned := make(map[string]bool)
	for _, s := range plan.ShardsOf(w.id) {
		owned[s] = true
	}
	w.stopReaders(w.activeReaders(func(shardID string) bool { return !owned[shardID] }))

	for _, shardID := range plan.ShardsOf(w.id) {
		if _, ok := w.readers.Load(shardID); ok {
			continue
		}
		if w.hasFinished(shardID) {
			continue
		}
		select {
		case <-w.stop:
			return
		default:
		}
		p := NewShardProcessor(w.cfg, w.id, shardID, plan.ShardParents[shardID], plan.Descendants[shardID], w.kds, w.checkpoints, w.process, w.onClosed, w.logger)
		p.clock = w.clock
		p.timer = w.timer
		w.readers.Store(shardID, p)
		p.Start()
		w.logger.Info("started shard processor", zap.String("shard-id", shardID), zap.Strings("parents", plan.ShardParents[shardID]))
	}
}

// reap removes readers that exited on their own. They are not restarted
// until the plan version changes.
func (w *WorkerService) reap() {
	w.readers.Range(func(shardID string, p *ShardProcessor) bool {
		select {
		case <-p.Done():
		default:
			return true
		}
		w.readers.Delete(shardID)
		state := messages.ShardState{ShardID: shardID, SequenceNumber: p.sequenceNumber}
		switch {
		case p.Err() != nil:
			state.State = "failed"
			state.Error = p.Err().Error()
			if w.cfg.OnShardError != nil {
				w.cfg.OnShardError(shardID, p.Err())
			}
		case p.Closed():
			state.State = "closed"
		default:
			return true
		}
		w.mut.Lock()
		w.finished[shardID] = state
		w.mut.Unlock()
		return true
	})
}

func (w *WorkerService) hasFinished(shardID string) bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	_, ok := w.finished[shardID]
	return ok
}

func (w *WorkerService) activeReaders(match func(shardID string) bool) map[string]*ShardProcessor {
	r := make(map[string]*ShardProcessor)
	w.readers.Range(func(shardID string, p *ShardProcessor) bool {
		if match(shardID) {
			r[shardID] = p
		}
		return true
	})
	return r
}

// stopReaders stops readers in parallel. A reader that does not finish
// within the shard release timeout is cancelled.
func (w *WorkerService) stopReaders(readers map[string]*ShardProcessor) {
	var wg sync.WaitGroup
	for shardID, p := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
			select {
			case <-p.Done():
			case <-w.timer(w.cfg.ShardReleaseTimeout):
				w.logger.Warn("shard processor did not stop in time, cancelling", zap.String("shard-id", shardID))
				p.Kill()
				<-p.Done()
			}
			w.readers.Delete(shardID)
		}()
	}
	wg.Wait()
}

// Status lists the shards this worker is reading or has finished under the
// current plan.
func (w *WorkerService) Status() messages.StatusResponse {
	w.mut.Lock()
	r := messages.StatusResponse{
		WorkerID:      w.id,
		Healthy:       w.registered && w.clock().Sub(w.lastHeartbeat) <= w.cfg.HeartbeatGrace,
		LastHeartbeat: w.lastHeartbeat.Format(time.RFC3339Nano),
	}
	for _, state := range w.finished {
		r.Shards = append(r.Shards, state)
	}
	w.mut.Unlock()

	w.readers.Range(func(shardID string, p *ShardProcessor) bool {
		state := messages.ShardState{ShardID: shardID, State: "reading"}
		select {
		case <-p.Done():
			state.State = "stopped"
			if p.Err() != nil {
				state.State = "failed"
				state.Error = p.Err().Error()
			}
		default:
		}
		r.Shards = append(r.Shards, state)
		return true
	})
	sort.Slice(r.Shards, func(i, j int) bool { return r.Shards[i].ShardID < r.Shards[j].ShardID })
	return r
}
