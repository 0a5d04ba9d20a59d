package scheduler

import (
	"container/heap"

	"github.com/google/uuid"
)

// readyItem is one entry in the ready queue: a group id plus the
// priority/seq snapshot used to order it (spec §4.E, "ready queue
// ordered by group priority, ties broken by submission order").
type readyItem struct {
	groupID  uuid.UUID
	priority int
	seq      int
}

// readyQueue is a max-priority, min-seq binary heap: higher priority
// pops first; among equal priorities, the older (smaller seq) group
// pops first (spec §4.E, "ties prefer older groups for progress
// guarantees").
type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(readyItem))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) push(item readyItem) { heap.Push(q, item) }

func (q *readyQueue) popBest() (readyItem, bool) {
	if q.Len() == 0 {
		return readyItem{}, false
	}
	return heap.Pop(q).(readyItem), true
}
