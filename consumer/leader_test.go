package consumer

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eightShards() []string {
	var r []string
	for i := 0; i < 8; i++ {
		r = append(r, fmt.Sprintf("s%d", i))
	}
	return r
}

func TestLeaderAcquiresLeaseAndPublishesPlan(t *testing.T) {
	w := newTestWorld(t, eightShards()...)
	w.Heartbeat("a", "b", "c")
	l := w.NewLeader("a")

	l.tick(context.Background())

	assert.True(t, l.IsLeader())
	plan := w.Plan()
	assert.Equal(t, int64(1), plan.Version)
	assert.Equal(t, "a", plan.LeaderID)
	assert.Equal(t, w.clock.Now().Add(w.cfg.LeaseDuration), plan.LeaderLeaseExpiry)
	assert.Len(t, plan.ShardAssignments, 8)
	for _, worker := range []string{"a", "b", "c"} {
		n := len(plan.ShardsOf(worker))
		assert.True(t, n == 2 || n == 3, "worker %s has %d shards", worker, n)
	}
	assert.Equal(t, plan, l.Plan())
}

func TestFollowerDoesNotTakeLiveLease(t *testing.T) {
	w := newTestWorld(t, "s0")
	w.Heartbeat("a", "b")
	a, b := w.NewLeader("a"), w.NewLeader("b")

	a.tick(context.Background())
	b.tick(context.Background())

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
	assert.Equal(t, RoleFollower, b.Role())
	assert.Equal(t, "a", b.Plan().LeaderID)
}

func TestLeaderRenewsLease(t *testing.T) {
	w := newTestWorld(t, "s0", "s1")
	w.Heartbeat("a")
	l := w.NewLeader("a")
	l.tick(context.Background())

	for i := 0; i < 5; i++ {
		w.clock.Advance(w.cfg.LeaseRenewalInterval)
		w.Heartbeat("a")
		l.tick(context.Background())
		require.True(t, l.IsLeader())
	}

	plan := w.Plan()
	assert.Equal(t, w.clock.Now().Add(w.cfg.LeaseDuration), plan.LeaderLeaseExpiry)
	assert.Equal(t, int64(1), plan.Version, "renewals must not publish new plans")
}

func TestFollowerTakesOverAfterLeaderCrash(t *testing.T) {
	w := newTestWorld(t, eightShards()...)
	w.Heartbeat("a", "b")
	a, b := w.NewLeader("a"), w.NewLeader("b")
	a.tick(context.Background())
	b.tick(context.Background())
	before := w.Plan()
	crashedAt := w.clock.Now()

	for i := 0; i < 20 && !b.IsLeader(); i++ {
		w.clock.Advance(b.nextWait())
		w.Heartbeat("b")
		b.tick(context.Background())
	}

	require.True(t, b.IsLeader())
	assert.LessOrEqual(t, w.clock.Now().Sub(crashedAt), w.cfg.LeaseDuration+w.cfg.LeaseRenewalInterval)
	after := w.Plan()
	assert.Equal(t, "b", after.LeaderID)
	assert.Equal(t, before.Version+1, after.Version)
	assert.Equal(t, eightShards(), after.ShardsOf("b"))
	assert.False(t, a.IsLeader(), "crashed leader must consider its lease expired")
}

func TestStaleLeaderDemotesOnConflict(t *testing.T) {
	w := newTestWorld(t, "s0")
	w.Heartbeat("a", "b")
	a, b := w.NewLeader("a"), w.NewLeader("b")
	a.tick(context.Background())

	w.clock.Advance(w.cfg.LeaseDuration + w.cfg.ClockSkewTolerance + time.Second)
	w.Heartbeat("a", "b")
	b.tick(context.Background())
	require.True(t, b.IsLeader())
	version := w.Plan().Version

	a.tick(context.Background())
	assert.Equal(t, RoleFollower, a.Role())
	assert.Equal(t, "b", w.Plan().LeaderID)
	assert.Equal(t, version, w.Plan().Version)
}

func TestLeaderDemotesWhenStoreUnavailablePastLease(t *testing.T) {
	w := newTestWorld(t, "s0")
	w.Heartbeat("a")
	l := w.NewLeader("a")
	l.tick(context.Background())
	w.metadata.SetUnavailable(assert.AnError)

	w.clock.Advance(w.cfg.LeaseRenewalInterval)
	l.tick(context.Background())
	assert.Equal(t, RoleLeader, l.Role())

	w.clock.Advance(w.cfg.LeaseDuration)
	l.tick(context.Background())
	assert.Equal(t, RoleFollower, l.Role())
	assert.False(t, l.IsLeader())
}

func TestNoPlanWithoutLiveWorkers(t *testing.T) {
	w := newTestWorld(t, "s0", "s1")
	l := w.NewLeader("a")

	l.tick(context.Background())

	assert.True(t, l.IsLeader())
	plan := w.Plan()
	assert.Equal(t, int64(0), plan.Version)
	assert.Empty(t, plan.ShardAssignments)
}

func TestStalePlanStaysWhenAllWorkersDie(t *testing.T) {
	w := newTestWorld(t, "s0", "s1")
	w.Heartbeat("b")
	l := w.NewLeader("a")
	l.tick(context.Background())
	published := w.Plan()
	require.Equal(t, int64(1), published.Version)

	w.clock.Advance(w.cfg.DeadWorkerTimeout + time.Second)
	l.tick(context.Background())

	plan := w.Plan()
	assert.Equal(t, published.Version, plan.Version)
	assert.Equal(t, published.ShardAssignments, plan.ShardAssignments)
}

func TestRebalanceWhenWorkerJoins(t *testing.T) {
	w := newTestWorld(t, eightShards()...)
	w.Heartbeat("a", "b")
	l := w.NewLeader("a")
	l.tick(context.Background())
	before := w.Plan()

	w.clock.Advance(w.cfg.LeaseRenewalInterval)
	w.Heartbeat("a", "b", "c")
	l.tick(context.Background())

	after := w.Plan()
	assert.Equal(t, before.Version+1, after.Version)
	moved := 0
	for s, owner := range after.ShardAssignments {
		if before.ShardAssignments[s] != owner {
			moved++
		}
	}
	assert.Equal(t, 2, moved)
	assert.Len(t, after.ShardsOf("c"), 2)
}

func TestRebalanceExpiresDeadWorker(t *testing.T) {
	w := newTestWorld(t, eightShards()...)
	w.Heartbeat("a", "b")
	l := w.NewLeader("a")
	l.tick(context.Background())

	for i := 0; i < 4; i++ {
		w.clock.Advance(w.cfg.LeaseRenewalInterval)
		w.Heartbeat("a")
		l.tick(context.Background())
	}

	plan := w.Plan()
	assert.Equal(t, eightShards(), plan.ShardsOf("a"))
	_, err := w.clients.Get(context.Background(), "b")
	assert.Error(t, err, "dead worker record should be garbage collected")
}

func TestUnchangedPlanIsNotRepublished(t *testing.T) {
	w := newTestWorld(t, "s0", "s1", "s2")
	w.Heartbeat("a", "b")
	l := w.NewLeader("a")
	l.tick(context.Background())

	for i := 0; i < 10; i++ {
		w.clock.Advance(w.cfg.LeaseRenewalInterval)
		w.Heartbeat("a", "b")
		l.tick(context.Background())
	}

	assert.Equal(t, int64(1), w.Plan().Version)
}

func TestLeaderReleasesLeaseOnStop(t *testing.T) {
	w := newTestWorld(t, "s0")
	w.Heartbeat("a", "b")
	a := w.NewLeader("a")
	a.timer = func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	a.Start()
	assert.Eventually(t, a.IsLeader, time.Second, time.Millisecond)

	a.Stop()

	assert.False(t, a.IsLeader())
	assert.Equal(t, "", w.Plan().LeaderID)
	b := w.NewLeader("b")
	b.tick(context.Background())
	assert.True(t, b.IsLeader(), "follower should not wait for a released lease to expire")
}

func TestShardSplitAndMerge(t *testing.T) {
	w := newTestWorld(t, "s0", "s1", "s2", "s3")
	w.Heartbeat("a", "b")
	l := w.NewLeader("a")
	ctx := context.Background()
	l.tick(ctx)
	require.Len(t, w.Plan().ShardAssignments, 4)

	// children are assigned at once but gated on their parent
	w.kds.Split("s0", "s4", "s5")
	l.NotifyShardClosed("s0")
	w.clock.Advance(w.cfg.LeaseRenewalInterval)
	w.Heartbeat("a", "b")
	l.tick(ctx)
	plan := w.Plan()
	assert.Len(t, plan.ShardAssignments, 6)
	assert.Equal(t, map[string][]string{"s4": {"s0"}, "s5": {"s0"}}, plan.ShardParents)

	// a finalized parent leaves the plan and releases its children
	w.Finalize("s0")
	w.clock.Advance(w.cfg.LeaseRenewalInterval)
	w.Heartbeat("a", "b")
	l.tick(ctx)
	plan = w.Plan()
	assert.Len(t, plan.ShardAssignments, 5)
	assert.NotContains(t, plan.ShardAssignments, "s0")
	assert.Empty(t, plan.ShardParents)
	assert.Equal(t, map[string]bool{"s4": true, "s5": true}, plan.Descendants)

	// 4 to 8: split the remaining originals and finish them
	w.kds.Split("s1", "s6", "s7")
	w.kds.Split("s2", "s8", "s9")
	w.kds.Split("s3", "s10", "s11")
	w.Finalize("s1", "s2", "s3")
	w.clock.Advance(w.cfg.LeaseRenewalInterval)
	w.Heartbeat("a", "b")
	l.tick(ctx)
	plan = w.Plan()
	assert.Len(t, plan.ShardAssignments, 8)
	assert.Len(t, plan.ShardsOf("a"), 4)
	assert.Len(t, plan.ShardsOf("b"), 4)
	assert.Empty(t, plan.ShardParents)

	// merge needs both parents finished
	w.kds.Merge("s12", "s4", "s5")
	w.Finalize("s4")
	w.clock.Advance(w.cfg.LeaseRenewalInterval)
	w.Heartbeat("a", "b")
	l.tick(ctx)
	plan = w.Plan()
	assert.Equal(t, []string{"s5"}, plan.ShardParents["s12"])
}

func TestChildOfFinishedParentIsMarkedDescendant(t *testing.T) {
	w := newTestWorld(t, "s0", "s1,s0")
	w.kds.Close("s0")
	w.Finalize("s0")
	w.Heartbeat("a")
	l := w.NewLeader("a")

	l.tick(context.Background())

	plan := w.Plan()
	assert.Equal(t, map[string]string{"s1": "a"}, plan.ShardAssignments)
	assert.Empty(t, plan.ShardParents)
	assert.Equal(t, map[string]bool{"s1": true}, plan.Descendants)
}

func TestSingleLeaseHolderUnderClockSkew(t *testing.T) {
	w := newTestWorld(t, eightShards()...)
	r := rand.New(rand.NewSource(1))
	ids := []string{"a", "b", "c", "d"}
	skew := w.cfg.ClockSkewTolerance
	leaders := make([]*Leader, len(ids))
	for i, id := range ids {
		offset := time.Duration(r.Int63n(int64(2*skew))) - skew
		leaders[i] = w.NewSkewedLeader(id, offset)
	}
	paused := make([]int, len(ids))
	ctx := context.Background()

	var lastVersion int64
	for step := 0; step < 2000; step++ {
		w.clock.Advance(time.Duration(r.Int63n(int64(w.cfg.LeaseRenewalInterval))))
		w.Heartbeat(ids...)
		for i, l := range leaders {
			if paused[i] > 0 {
				paused[i]--
				continue
			}
			if r.Intn(50) == 0 {
				paused[i] = 1 + r.Intn(20)
				continue
			}
			l.tick(ctx)
		}

		holders := 0
		for _, l := range leaders {
			if l.IsLeader() {
				holders++
			}
		}
		require.LessOrEqual(t, holders, 1, "step %d", step)

		v := w.Plan().Version
		require.GreaterOrEqual(t, v, lastVersion, "step %d", step)
		lastVersion = v
	}
	assert.Greater(t, lastVersion, int64(1), "leadership never changed hands")
}
