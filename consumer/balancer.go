package consumer

import (
	"encoding/binary"
	"sort"

	"github.com/buddhike/shardherd/primitives"
	"github.com/zeebo/xxh3"
)

// Balance assigns every shard to exactly one worker. Each worker receives
// floor(n/w) or ceil(n/w) shards. Workers that already hold more shards get
// the larger quotas, and a shard stays with its previous owner while that
// owner is within quota, so the same inputs always yield the same output
// and rebalancing moves as few shards as possible. It returns nil when
// there are no workers.
func Balance(shards, workers []string, previous map[string]string) map[string]string {
	if len(workers) == 0 {
		return nil
	}
	shards = sortedUnique(shards)
	workers = sortedUnique(workers)

	live := make(map[string]bool, len(workers))
	for _, w := range workers {
		live[w] = true
	}
	held := make(map[string]int, len(workers))
	for _, s := range shards {
		if owner, ok := previous[s]; ok && live[owner] {
			held[owner]++
		}
	}

	ranked := append([]string(nil), workers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if held[ranked[i]] != held[ranked[j]] {
			return held[ranked[i]] > held[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	base, extra := len(shards)/len(workers), len(shards)%len(workers)
	quota := make(map[string]int, len(workers))
	for i, w := range ranked {
		quota[w] = base
		if i < extra {
			quota[w]++
		}
	}

	assignments := make(map[string]string, len(shards))
	assigned := make(map[string]int, len(workers))
	var pending []string
	for _, s := range shards {
		owner, ok := previous[s]
		if ok && live[owner] && assigned[owner] < quota[owner] {
			assignments[s] = owner
			assigned[owner]++
			continue
		}
		pending = append(pending, s)
	}

	q := primitives.NewPriorityQueue[string](func(a, b string) bool { return a < b })
	for _, w := range workers {
		if assigned[w] < quota[w] {
			q.Push(w, assigned[w])
		}
	}
	for _, s := range pending {
		w, n := q.Pop()
		assignments[s] = w
		assigned[w] = n + 1
		if assigned[w] < quota[w] {
			q.Push(w, assigned[w])
		}
	}
	return assignments
}

// planDigest hashes the assignment and parent gates of a plan in key order.
func planDigest(assignments map[string]string, parents map[string][]string) uint64 {
	shards := make([]string, 0, len(assignments))
	for s := range assignments {
		shards = append(shards, s)
	}
	sort.Strings(shards)

	h := xxh3.New()
	var sep [8]byte
	for _, s := range shards {
		h.WriteString(s)
		h.WriteString("=")
		h.WriteString(assignments[s])
		for _, p := range parents[s] {
			h.WriteString("<")
			h.WriteString(p)
		}
		binary.LittleEndian.PutUint64(sep[:], uint64(len(s)))
		h.Write(sep[:])
	}
	return h.Sum64()
}

func sortedUnique(in []string) []string {
	r := append([]string(nil), in...)
	sort.Strings(r)
	out := r[:0]
	for i, v := range r {
		if i == 0 || v != r[i-1] {
			out = append(out, v)
		}
	}
	return out
}
