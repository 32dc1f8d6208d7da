// SPDX-License-Identifier: MIT

// Package queue holds the channel-check priority queue and the single
// worker that drains it. A channel id lives in at most one of the
// queued, in-progress, completed and failed sets at any instant.
package queue

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/metrics"
)

// Default priorities; lower value is served earlier.
const (
	PriorityGlobal = 5
	PriorityUpdate = 10
	PriorityManual = 10
)

type item struct {
	channelID int
	priority  int
	seq       uint64
}

// checkHeap orders by priority, then FIFO within a priority.
type checkHeap []*item

func (h checkHeap) Len() int { return len(h) }
func (h checkHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h checkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *checkHeap) Push(x any) { *h = append(*h, x.(*item)) }
func (h *checkHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Status is the queue's membership snapshot for the API.
type Status struct {
	Queued     []int          `json:"queued"`
	InProgress []int          `json:"in_progress"`
	Completed  []int          `json:"completed"`
	Failed     map[int]string `json:"failed"`
}

// Queue is the bounded channel-check queue.
type Queue struct {
	mu         sync.Mutex
	heap       checkHeap
	queued     map[int]struct{}
	inProgress map[int]struct{}
	completed  map[int]struct{}
	failed     map[int]string
	seq        uint64
	maxSize    int
	wake       chan struct{}
	logger     zerolog.Logger
}

// New builds a queue bounded at maxSize pending entries.
func New(maxSize int) *Queue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Queue{
		queued:     make(map[int]struct{}),
		inProgress: make(map[int]struct{}),
		completed:  make(map[int]struct{}),
		failed:     make(map[int]string),
		maxSize:    maxSize,
		wake:       make(chan struct{}, 1),
		logger:     log.WithComponent("queue"),
	}
}

// Enqueue adds a channel at the given priority. It refuses duplicates
// (already queued or running), completed channels that were not removed
// first, and overflow beyond the size bound.
func (q *Queue) Enqueue(channelID, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[channelID]; ok {
		return false
	}
	if _, ok := q.inProgress[channelID]; ok {
		return false
	}
	if _, ok := q.completed[channelID]; ok {
		return false
	}
	if len(q.heap) >= q.maxSize {
		metrics.IncQueueDrop()
		q.logger.Warn().
			Str("event", "queue.full").
			Int(log.FieldChannelID, channelID).
			Int("max_size", q.maxSize).
			Msg("check queue full, dropping enqueue")
		return false
	}

	// a failed channel may always retry
	delete(q.failed, channelID)

	q.seq++
	heap.Push(&q.heap, &item{channelID: channelID, priority: priority, seq: q.seq})
	q.queued[channelID] = struct{}{}
	metrics.SetQueueDepth(len(q.heap))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop takes the best item, moving it to in-progress.
func (q *Queue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return 0, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.queued, it.channelID)
	q.inProgress[it.channelID] = struct{}{}
	metrics.SetQueueDepth(len(q.heap))
	return it.channelID, true
}

// markCompleted moves a running channel to completed.
func (q *Queue) markCompleted(channelID int) {
	q.mu.Lock()
	delete(q.inProgress, channelID)
	q.completed[channelID] = struct{}{}
	q.mu.Unlock()
}

// markFailed moves a running channel to failed with its error.
func (q *Queue) markFailed(channelID int, reason string) {
	q.mu.Lock()
	delete(q.inProgress, channelID)
	q.failed[channelID] = reason
	q.mu.Unlock()
}

// RemoveFromCompleted clears a channel's completed mark so it can be
// queued again, used when the channel received new streams.
func (q *Queue) RemoveFromCompleted(channelID int) {
	q.mu.Lock()
	delete(q.completed, channelID)
	q.mu.Unlock()
}

// ResetCompleted clears the whole completed set before a global run.
func (q *Queue) ResetCompleted() {
	q.mu.Lock()
	q.completed = make(map[int]struct{})
	q.mu.Unlock()
}

// Clear drops every pending entry; running work is unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.heap)
	q.heap = nil
	q.queued = make(map[int]struct{})
	metrics.SetQueueDepth(0)
	return n
}

// Depth reports pending entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Idle reports whether nothing is pending or running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap) == 0 && len(q.inProgress) == 0
}

// Snapshot returns the current membership sets.
func (q *Queue) Snapshot() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{Failed: make(map[int]string, len(q.failed))}
	for _, it := range q.heap {
		st.Queued = append(st.Queued, it.channelID)
	}
	sort.Ints(st.Queued)
	for id := range q.inProgress {
		st.InProgress = append(st.InProgress, id)
	}
	sort.Ints(st.InProgress)
	for id := range q.completed {
		st.Completed = append(st.Completed, id)
	}
	sort.Ints(st.Completed)
	for id, reason := range q.failed {
		st.Failed[id] = reason
	}
	return st
}
