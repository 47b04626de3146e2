package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buddhike/shardherd/store"
	"go.uber.org/zap"
)

const leaseReleaseTimeout = 5 * time.Second

// Leader runs in every worker. Followers try to acquire the lease stored in
// the coordinator record; the lease holder renews it, publishes assignment
// plans and garbage collects dead workers. All writes are compare-and-swap
// on the coordinator record version, so a worker that lost the lease cannot
// overwrite a newer plan.
type Leader struct {
	cfg         *ConsumerConfig
	workerID    string
	metadata    *MetadataStore
	registry    *Registry
	checkpoints *CheckpointStore
	discovery   *ShardDiscoveryService
	done        chan struct{}
	stop        chan struct{}
	shardClosed chan struct{}
	logger      *zap.Logger
	clock       func() time.Time
	timer       func(time.Duration) <-chan time.Time
	role        atomic.Int32

	mut           *sync.Mutex
	plan          Plan
	recordVersion int64
	leaseExpiry   time.Time

	// owned by the loop goroutine
	signalled     bool
	lastRebalance time.Time
	lastLive      []string
	lastFinalized map[string]bool
}

type rebalanceInputs struct {
	live      []WorkerRecord
	finalized map[string]bool
}

func NewLeader(cfg *ConsumerConfig, workerID string, metadata *MetadataStore, registry *Registry, checkpoints *CheckpointStore, discovery *ShardDiscoveryService, logger *zap.Logger) *Leader {
	return &Leader{
		cfg:         cfg,
		workerID:    workerID,
		metadata:    metadata,
		registry:    registry,
		checkpoints: checkpoints,
		discovery:   discovery,
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		shardClosed: make(chan struct{}, 1),
		logger:      logger.Named("leader").With(zap.String("worker-id", workerID)),
		clock:       time.Now,
		timer:       time.After,
		mut:         &sync.Mutex{},
	}
}

func (l *Leader) Start() {
	go func() {
		defer close(l.done)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-l.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			l.tick(ctx)
			select {
			case <-l.stop:
				return
			case <-l.shardClosed:
				l.signalled = true
			case <-l.timer(l.nextWait()):
			}
		}
	}()
}

// Stop ends the election loop and releases the lease if this worker holds
// it, so that a follower can take over without waiting for expiry.
func (l *Leader) Stop() {
	close(l.stop)
	<-l.done
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	l.release(ctx)
}

func (l *Leader) Done() <-chan struct{} {
	return l.done
}

func (l *Leader) Role() Role {
	return Role(l.role.Load())
}

// IsLeader reports whether this worker holds a lease that has not expired
// by its own clock, less the clock skew tolerance.
func (l *Leader) IsLeader() bool {
	if l.Role() != RoleLeader {
		return false
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.clock().Before(l.leaseExpiry.Add(-l.cfg.ClockSkewTolerance))
}

// Plan returns the last coordinator record this worker read or wrote.
func (l *Leader) Plan() Plan {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.plan.clone()
}

// NotifyShardClosed requests an early rebalance so that children of a
// closed shard are picked up without waiting for the next cycle.
func (l *Leader) NotifyShardClosed(shardID string) {
	select {
	case l.shardClosed <- struct{}{}:
		l.logger.Debug("shard closed, rebalance requested", zap.String("shard-id", shardID))
	default:
	}
}

func (l *Leader) tick(ctx context.Context) {
	select {
	case <-l.shardClosed:
		l.signalled = true
	default:
	}

	if l.Role() != RoleLeader {
		if !l.tryAcquire(ctx) {
			return
		}
		if err := l.rebalance(ctx, true, nil); err != nil {
			l.logger.Warn("initial rebalance failed", zap.Error(err))
		}
		return
	}

	if !l.renew(ctx) {
		return
	}
	in, due := l.rebalanceDue(ctx)
	if !due {
		return
	}
	if err := l.rebalance(ctx, false, in); err != nil {
		l.logger.Warn("rebalance failed", zap.Error(err))
	}
}

func (l *Leader) nextWait() time.Duration {
	wait := l.cfg.LeaseRenewalInterval
	if l.Role() == RoleLeader {
		return wait
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.plan.LeaderID == "" || l.plan.LeaderID == l.workerID {
		return wait
	}
	// wake up as soon as the foreign lease can be taken over
	untilExpired := l.plan.LeaderLeaseExpiry.Add(l.cfg.ClockSkewTolerance).Sub(l.clock()) + time.Millisecond
	if untilExpired > 0 && untilExpired < wait {
		return untilExpired
	}
	return wait
}

func (l *Leader) tryAcquire(ctx context.Context) bool {
	plan, version, err := l.metadata.Load(ctx)
	if err != nil {
		l.logger.Warn("failed to read coordinator record", zap.Error(err))
		return false
	}
	l.observe(plan, version, time.Time{})

	now := l.clock()
	if plan.LeaderID != "" && plan.LeaderID != l.workerID && !now.After(plan.LeaderLeaseExpiry.Add(l.cfg.ClockSkewTolerance)) {
		return false
	}

	l.setRole(RoleCandidate)
	previousLeader := plan.LeaderID
	plan.LeaderID = l.workerID
	plan.LeaderLeaseExpiry = now.Add(l.cfg.LeaseDuration)
	newVersion, err := l.metadata.Save(ctx, plan, version)
	if err != nil {
		l.setRole(RoleFollower)
		if errors.Is(err, store.ErrConflict) {
			l.logger.Debug("lost leader election race")
		} else {
			l.logger.Warn("failed to acquire leader lease", zap.Error(err))
		}
		return false
	}

	l.observe(plan, newVersion, plan.LeaderLeaseExpiry)
	l.setRole(RoleLeader)
	l.logger.Info("acquired leader lease",
		zap.String("previous-leader", previousLeader),
		zap.Time("lease-expiry", plan.LeaderLeaseExpiry))
	return true
}

// renew extends the lease. It returns false when this worker should not act
// as leader during the current tick.
func (l *Leader) renew(ctx context.Context) bool {
	now := l.clock()
	l.mut.Lock()
	plan := l.plan.clone()
	expected := l.recordVersion
	expiry := l.leaseExpiry
	l.mut.Unlock()

	plan.LeaderLeaseExpiry = now.Add(l.cfg.LeaseDuration)
	newVersion, err := l.metadata.Save(ctx, plan, expected)
	switch {
	case err == nil:
		l.observe(plan, newVersion, plan.LeaderLeaseExpiry)
		return true
	case errors.Is(err, store.ErrConflict):
		return l.reconcile(ctx)
	default:
		if !now.Before(expiry.Add(-l.cfg.ClockSkewTolerance)) {
			l.logger.Warn("lease expired while the store was unavailable", zap.Error(err))
			l.demote()
			return false
		}
		l.logger.Warn("failed to renew leader lease", zap.Error(err), zap.Time("lease-expiry", expiry))
		return false
	}
}

// reconcile re-reads the coordinator record after a conflicting write. It
// keeps leadership only if the record still names this worker.
func (l *Leader) reconcile(ctx context.Context) bool {
	current, version, err := l.metadata.Load(ctx)
	if err != nil {
		l.logger.Warn("failed to re-read coordinator record", zap.Error(err))
		return false
	}
	if current.LeaderID != l.workerID {
		l.logger.Info("leader lease taken over", zap.String("leader-id", current.LeaderID))
		l.observe(current, version, time.Time{})
		l.demote()
		return false
	}
	l.observe(current, version, current.LeaderLeaseExpiry)
	return true
}

func (l *Leader) rebalanceDue(ctx context.Context) (*rebalanceInputs, bool) {
	in, err := l.readInputs(ctx)
	if err != nil {
		l.logger.Warn("failed to read rebalance inputs", zap.Error(err))
		return nil, false
	}
	switch {
	case l.signalled:
		l.logger.Debug("rebalance requested by a closed shard")
	case l.clock().Sub(l.lastRebalance) >= l.cfg.RebalanceInterval:
	case !equalStrings(workerIDs(in.live), l.lastLive):
		l.logger.Info("worker membership changed", zap.Strings("live-workers", workerIDs(in.live)))
	case !equalSets(in.finalized, l.lastFinalized):
		l.logger.Info("finalized shards changed")
	default:
		return in, false
	}
	return in, true
}

func (l *Leader) readInputs(ctx context.Context) (*rebalanceInputs, error) {
	live, err := l.registry.ListLive(ctx, l.cfg.DeadWorkerTimeout)
	if err != nil {
		return nil, err
	}
	finalized, err := l.checkpoints.Finalized(ctx)
	if err != nil {
		return nil, err
	}
	return &rebalanceInputs{live: live, finalized: finalized}, nil
}

// rebalance computes and publishes a plan. Unless force is set, a plan with
// the same digest as the current one is not republished.
func (l *Leader) rebalance(ctx context.Context, force bool, in *rebalanceInputs) error {
	if in == nil {
		var err error
		if in, err = l.readInputs(ctx); err != nil {
			return err
		}
	}
	if _, err := l.registry.Expire(ctx, l.cfg.DeadWorkerTimeout); err != nil {
		l.logger.Warn("failed to expire dead workers", zap.Error(err))
	}

	now := l.clock()
	workers := workerIDs(in.live)
	if len(workers) == 0 {
		l.logger.Warn("no live workers, keeping the current plan")
		l.markRebalanced(now, workers, in.finalized)
		return nil
	}

	topology, err := l.discovery.Discover(ctx)
	if err != nil {
		return err
	}
	shards := topology.Assignable(in.finalized)

	for attempt := 1; attempt <= l.cfg.PlanWriteAttempts; attempt++ {
		if l.Role() != RoleLeader {
			return ErrNotLeader
		}
		l.mut.Lock()
		current := l.plan.clone()
		expected := l.recordVersion
		l.mut.Unlock()

		assignments := Balance(shards, workers, current.ShardAssignments)
		parents := make(map[string][]string)
		descendants := make(map[string]bool)
		for _, s := range shards {
			if p := topology.UnfinishedParents(s, in.finalized); len(p) > 0 {
				parents[s] = p
			}
			if info, ok := topology.Get(s); ok && len(info.ParentShardIDs) > 0 {
				descendants[s] = true
			}
		}
		if len(parents) == 0 {
			parents = nil
		}
		if len(descendants) == 0 {
			descendants = nil
		}
		digest := planDigest(assignments, parents)
		if !force && current.Version > 0 && digest == current.Digest {
			l.markRebalanced(now, workers, in.finalized)
			return nil
		}

		next := current
		next.Version = current.Version + 1
		next.GeneratedAt = now
		next.ShardAssignments = assignments
		next.ShardParents = parents
		next.Descendants = descendants
		next.Digest = digest
		version, err := l.metadata.Save(ctx, next, expected)
		if err == nil {
			l.observe(next, version, next.LeaderLeaseExpiry)
			l.markRebalanced(now, workers, in.finalized)
			l.cfg.Stats.PlanPublished(next.Version, len(assignments), len(workers))
			l.logger.Info("published plan",
				zap.Int64("plan-version", next.Version),
				zap.Int("shards", len(assignments)),
				zap.Int("workers", len(workers)),
				zap.Uint64("digest", digest))
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if !l.reconcile(ctx) {
			return ErrNotLeader
		}
	}
	return fmt.Errorf("failed to publish plan after %d attempts: %w", l.cfg.PlanWriteAttempts, store.ErrConflict)
}

func (l *Leader) release(ctx context.Context) {
	if l.Role() != RoleLeader {
		return
	}
	l.mut.Lock()
	plan := l.plan.clone()
	expected := l.recordVersion
	l.mut.Unlock()

	plan.LeaderID = ""
	plan.LeaderLeaseExpiry = time.Time{}
	version, err := l.metadata.Save(ctx, plan, expected)
	if err != nil {
		l.logger.Warn("failed to release leader lease", zap.Error(err))
	} else {
		l.observe(plan, version, time.Time{})
		l.logger.Info("released leader lease")
	}
	l.demote()
}

func (l *Leader) demote() {
	l.mut.Lock()
	l.leaseExpiry = time.Time{}
	l.mut.Unlock()
	l.setRole(RoleFollower)
}

func (l *Leader) setRole(r Role) {
	previous := Role(l.role.Swap(int32(r)))
	if previous == r {
		return
	}
	if previous == RoleLeader || r == RoleLeader {
		l.cfg.Stats.LeadershipChanged(r == RoleLeader)
	}
	l.logger.Debug("role changed", zap.Stringer("from", previous), zap.Stringer("to", r))
}

func (l *Leader) observe(plan Plan, version int64, leaseExpiry time.Time) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.plan = plan.clone()
	l.recordVersion = version
	l.leaseExpiry = leaseExpiry
}

func (l *Leader) markRebalanced(now time.Time, workers []string, finalized map[string]bool) {
	l.signalled = false
	l.lastRebalance = now
	l.lastLive = workers
	l.lastFinalized = finalized
}

func workerIDs(workers []WorkerRecord) []string {
	r := make([]string, 0, len(workers))
	for _, w := range workers {
		r = append(r, w.WorkerID)
	}
	return r
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSets(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
