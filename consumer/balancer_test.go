package consumer

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func shardNames(n int) []string {
	var r []string
	for i := 0; i < n; i++ {
		r = append(r, fmt.Sprintf("shard-%02d", i))
	}
	return r
}

func countPerWorker(assignments map[string]string) map[string]int {
	r := make(map[string]int)
	for _, w := range assignments {
		r[w]++
	}
	return r
}

func TestBalanceEightShardsOverThreeWorkers(t *testing.T) {
	shards := shardNames(8)
	a := Balance(shards, []string{"a", "b", "c"}, nil)

	assert.Len(t, a, 8)
	for _, s := range shards {
		assert.Contains(t, []string{"a", "b", "c"}, a[s])
	}
	for w, n := range countPerWorker(a) {
		assert.True(t, n == 2 || n == 3, "worker %s has %d shards", w, n)
	}
}

func TestBalanceIsDeterministic(t *testing.T) {
	shards := shardNames(13)
	workers := []string{"c", "a", "d", "b"}
	first := Balance(shards, workers, nil)

	shuffled := append([]string(nil), shards...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	assert.Equal(t, first, Balance(shuffled, []string{"b", "d", "a", "c"}, nil))
}

func TestBalanceKeepsAssignmentWhenNothingChanged(t *testing.T) {
	shards := shardNames(10)
	workers := []string{"a", "b", "c"}
	first := Balance(shards, workers, nil)

	assert.Equal(t, first, Balance(shards, workers, first))
}

func TestBalanceMovesMinimumShardsWhenWorkerJoins(t *testing.T) {
	shards := shardNames(8)
	before := Balance(shards, []string{"a", "b"}, nil)
	after := Balance(shards, []string{"a", "b", "c"}, before)

	moved := 0
	for _, s := range shards {
		if before[s] != after[s] {
			moved++
			assert.Equal(t, "c", after[s])
		}
	}
	assert.Equal(t, 2, moved)
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 2}, countPerWorker(after))
}

func TestBalanceReassignsShardsOfDeadWorker(t *testing.T) {
	shards := shardNames(9)
	before := Balance(shards, []string{"a", "b", "c"}, nil)
	after := Balance(shards, []string{"a", "b"}, before)

	for _, s := range shards {
		if before[s] != "c" {
			assert.Equal(t, before[s], after[s], "shard %s moved", s)
		}
		assert.NotEqual(t, "c", after[s])
	}
	counts := countPerWorker(after)
	assert.ElementsMatch(t, []int{4, 5}, []int{counts["a"], counts["b"]})
}

func TestBalanceWithMoreWorkersThanShards(t *testing.T) {
	a := Balance(shardNames(2), []string{"a", "b", "c", "d"}, nil)

	assert.Len(t, a, 2)
	for _, n := range countPerWorker(a) {
		assert.Equal(t, 1, n)
	}
}

func TestBalanceWithoutWorkers(t *testing.T) {
	assert.Nil(t, Balance(shardNames(4), nil, nil))
}

func TestBalanceDropsShardsThatNoLongerExist(t *testing.T) {
	previous := map[string]string{"gone": "a", "shard-00": "a"}
	a := Balance([]string{"shard-00", "shard-01"}, []string{"a", "b"}, previous)

	assert.Equal(t, map[string]string{"shard-00": "a", "shard-01": "b"}, a)
}

func TestBalanceEveryShardExactlyOnce(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	var previous map[string]string
	for round := 0; round < 50; round++ {
		shards := shardNames(1 + r.Intn(20))
		var workers []string
		for i := 0; i < 1+r.Intn(6); i++ {
			workers = append(workers, fmt.Sprintf("w%d", r.Intn(8)))
		}
		a := Balance(shards, workers, previous)

		assert.Len(t, a, len(shards))
		unique := sortedUnique(workers)
		low, high := len(shards)/len(unique), (len(shards)+len(unique)-1)/len(unique)
		for _, w := range unique {
			n := countPerWorker(a)[w]
			assert.True(t, n >= low && n <= high, "round %d: worker %s has %d shards", round, w, n)
		}
		previous = a
	}
}

func TestPlanDigest(t *testing.T) {
	a := map[string]string{"s0": "a", "s1": "b"}
	b := map[string]string{"s1": "b", "s0": "a"}
	assert.Equal(t, planDigest(a, nil), planDigest(b, nil))
	assert.NotEqual(t, planDigest(a, nil), planDigest(map[string]string{"s0": "b", "s1": "a"}, nil))
	assert.NotEqual(t, planDigest(a, nil), planDigest(a, map[string][]string{"s1": {"s0"}}))
}
