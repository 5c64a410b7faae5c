package vkclient

import (
	"container/heap"
	"sync"
	"time"
)

// routeHint tells a Router how to pick a target for a command frame.
type routeHint struct {
	mode    routeMode
	slot    int  // valid when mode == routeExplicitSlot
	hasSlot bool
	addr    Address // valid when mode == routeSpecificAddress
}

type routeMode int

const (
	routeAutoByFirstKey routeMode = iota
	routeExplicitSlot
	routeBroadcastPrimaries
	routeBroadcastAll
	routeRandomNode
	routeSpecificAddress
)

// inflightResult is delivered to an entry's completion sink exactly once.
type inflightResult struct {
	reply Reply
	err   error
}

// inflightEntry correlates one pending request with its completion sink.
// Lifecycle: created on submit; destroyed on response, timeout,
// cancellation, or connection loss.
type inflightEntry struct {
	correlation uint32
	deadline    time.Time
	done        chan inflightResult // buffered 1

	decoder       Decoder
	postTransform bool
	route         routeHint

	orphaned bool // timed out or canceled; still occupies its queue slot
	heapIdx  int  // index into the owning table's deadline heap, -1 once removed
}

// deadlineHeap is a min-heap over pending entries ordered by deadline,
// giving O(log n) expiry scheduling instead of scanning every entry on
// every tick.
type deadlineHeap []*inflightEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*inflightEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// inflightTable correlates requests written to one Connection's socket
// with their eventual replies. The queue preserves the pipelining
// invariant: the set of inflight entries on a given Connection equals the
// set of frames written to that socket but not yet responded to, in
// order. Matching is purely positional (RESP carries no correlation id on
// the wire) — byCorrelation records each live entry by its correlation
// id; nothing reads it, and Cancel takes the entry itself.
type inflightTable struct {
	mu           sync.Mutex
	queue        []*inflightEntry // FIFO: write order == reply order
	byCorrelation map[uint32]*inflightEntry
	freeList     []uint32
	nextID       uint32
	heap         deadlineHeap

	timer      *time.Timer
	onOrphaned func(*inflightEntry) // invoked after mu is released, for metrics/logging

	metrics Metrics
}

func newInflightTable(m Metrics) *inflightTable {
	t := &inflightTable{
		byCorrelation: make(map[uint32]*inflightEntry),
		metrics:       m,
	}
	return t
}

// Submit allocates a correlation index and queues a new inflight entry,
// returning it so the caller can await entry.done.
func (t *inflightTable) Submit(deadline time.Time, dec Decoder, postTransform bool, route routeHint) *inflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id uint32
	if n := len(t.freeList); n > 0 {
		id = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		id = t.nextID
		t.nextID++
	}

	e := &inflightEntry{
		correlation:   id,
		deadline:      deadline,
		done:          make(chan inflightResult, 1),
		decoder:       dec,
		postTransform: postTransform,
		route:         route,
		heapIdx:       -1,
	}
	t.queue = append(t.queue, e)
	t.byCorrelation[id] = e
	if !deadline.IsZero() {
		heap.Push(&t.heap, e)
		t.rescheduleLocked()
	}
	if t.metrics != nil {
		t.metrics.IncrementRequestsSubmitted()
		t.metrics.SetInflightDepth(int64(len(t.queue)))
	}
	return e
}

// DeliverNext matches the oldest queued entry against a reply that just
// arrived off the wire (the read loop's non-Push path). It is a no-op
// returning false if the queue is empty, which indicates a protocol
// desync and is fatal for the connection.
func (t *inflightTable) DeliverNext(reply Reply) bool {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return false
	}
	e := t.queue[0]
	t.queue = t.queue[1:]
	delete(t.byCorrelation, e.correlation)
	if e.heapIdx >= 0 {
		heap.Remove(&t.heap, e.heapIdx)
	}
	t.freeList = append(t.freeList, e.correlation)
	if t.metrics != nil {
		t.metrics.SetInflightDepth(int64(len(t.queue)))
	}
	t.mu.Unlock()

	if !e.orphaned {
		e.done <- inflightResult{reply: reply}
	}
	return true
}

// Cancel removes a request from the caller's view immediately; its entry
// remains in the queue (silently discarding the eventual reply) because
// wire ordering must stay intact.
func (t *inflightTable) Cancel(e *inflightEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.heapIdx >= 0 {
		heap.Remove(&t.heap, e.heapIdx)
	}
	e.orphaned = true
}

// FailAll delivers a connection error to every still-pending entry and
// clears the table. Called when the socket is torn down, so no future
// reply can ever arrive to desync the queue.
func (t *inflightTable) FailAll(err error) {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.byCorrelation = make(map[uint32]*inflightEntry)
	t.freeList = nil
	t.heap = nil
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.metrics != nil {
		t.metrics.SetInflightDepth(0)
	}
	t.mu.Unlock()

	for _, e := range pending {
		if !e.orphaned {
			e.done <- inflightResult{err: err}
		}
	}
}

// rescheduleLocked arms the expiry timer for the earliest deadline in the
// heap. Caller must hold t.mu.
func (t *inflightTable) rescheduleLocked() {
	if len(t.heap) == 0 {
		return
	}
	d := time.Until(t.heap[0].deadline)
	if d < 0 {
		d = 0
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(d, t.expireDue)
		return
	}
	t.timer.Stop()
	t.timer.Reset(d)
}

// expireDue delivers a timeout to every entry whose deadline has passed
// and reschedules for the next one.
func (t *inflightTable) expireDue() {
	t.mu.Lock()
	now := time.Now()
	var expired []*inflightEntry
	for len(t.heap) > 0 && !t.heap[0].deadline.After(now) {
		e := heap.Pop(&t.heap).(*inflightEntry)
		e.orphaned = true
		expired = append(expired, e)
	}
	t.rescheduleLocked()
	onOrphaned := t.onOrphaned
	t.mu.Unlock()

	for _, e := range expired {
		e.done <- inflightResult{err: ErrTimeout}
		if onOrphaned != nil {
			onOrphaned(e)
		}
		if t.metrics != nil {
			t.metrics.IncrementTimeouts()
		}
	}
}

// Len reports the current inflight depth.
func (t *inflightTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
