package primitives

import (
	"container/heap"
)

type item[T any] struct {
	value    T
	priority int
	index    int
}

// A pq implements heap.Interface and holds Items. Items with equal priority
// are ordered by tiebreak so that the pop order never depends on insertion
// order.
type pq[T any] struct {
	items    []*item[T]
	tiebreak func(a, b T) bool
}

func (pq *pq[T]) Len() int { return len(pq.items) }

func (pq *pq[T]) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return pq.tiebreak(a.value, b.value)
}

func (pq *pq[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *pq[T]) Push(x any) {
	n := len(pq.items)
	item := x.(*item[T])
	item.index = n
	pq.items = append(pq.items, item)
}

func (pq *pq[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[0 : n-1]
	return item
}

// PriorityQueue is a min-heap of unique values. Pushing a value that is
// already queued updates its priority.
type PriorityQueue[T comparable] struct {
	pq  *pq[T]
	idx map[T]*item[T]
}

func NewPriorityQueue[T comparable](tiebreak func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		pq: &pq[T]{
			items:    make([]*item[T], 0),
			tiebreak: tiebreak,
		},
		idx: make(map[T]*item[T]),
	}
}

func (q *PriorityQueue[T]) Len() int {
	return q.pq.Len()
}

func (q *PriorityQueue[T]) Push(v T, priority int) {
	i := q.idx[v]
	if i == nil {
		i = &item[T]{
			value:    v,
			priority: priority,
		}
		q.idx[v] = i
		heap.Push(q.pq, i)
	} else {
		i.priority = priority
		heap.Fix(q.pq, i.index)
	}
}

// Pop panics when the queue is empty.
func (q *PriorityQueue[T]) Pop() (T, int) {
	item := heap.Pop(q.pq).(*item[T])
	delete(q.idx, item.value)
	return item.value, item.priority
}

func (q *PriorityQueue[T]) Peek() (T, bool) {
	items := q.pq.items
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0].value, true
}

func (q *PriorityQueue[T]) Priority(v T) (int, bool) {
	i := q.idx[v]
	if i == nil {
		return 0, false
	}
	return i.priority, true
}

func (q *PriorityQueue[T]) Remove(v T) bool {
	i := q.idx[v]
	if i == nil {
		return false
	}
	delete(q.idx, v)
	heap.Remove(q.pq, i.index)
	return true
}
