package worker

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kunal/gpu-batch-executor/pkg/backend"
)

// Request wraps a payload with its scheduling metadata and a channel that
// is closed once the payload is terminal.
type Request struct {
	Payload   *backend.Payload
	Priority  int
	Deadline  time.Time // zero means no deadline
	EnqueueAt time.Time

	seq      uint64
	index    int // used by heap
	done     chan struct{}
	doneOnce sync.Once
}

// NewRequest wraps p for the queue.
func NewRequest(p *backend.Payload, priority int, deadline time.Time) *Request {
	return &Request{
		Payload:   p,
		Priority:  priority,
		Deadline:  deadline,
		EnqueueAt: time.Now(),
		index:     -1,
		done:      make(chan struct{}),
	}
}

// Done is closed when the payload has reached a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

func (r *Request) complete() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Expired reports whether the deadline passed before now.
func (r *Request) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// PriorityQueue implements heap.Interface for Requests.
// Higher priority requests are dequeued first. Within the same priority, FIFO.
type PriorityQueue struct {
	mu    sync.Mutex
	items []*Request
	rows  int
	seq   uint64
}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items: make([]*Request, 0, 64),
	}
	heap.Init(pq)
	return pq
}

// Enqueue adds a request to the priority queue (thread-safe).
func (pq *PriorityQueue) Enqueue(req *Request) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.seq++
	req.seq = pq.seq
	heap.Push(pq, req)
	pq.rows += req.Payload.BatchSize
}

// DequeueBatch removes the highest-priority requests whose batch sizes sum
// to at most maxRows (thread-safe). Requests whose deadline passed are
// removed and returned separately, never in the batch. A head request
// larger than maxRows is returned alone so the core can reject it.
func (pq *PriorityQueue) DequeueBatch(maxRows int, now time.Time) (batch, expired []*Request) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	rows := 0
	for len(pq.items) > 0 {
		head := pq.items[0]
		if head.Expired(now) {
			pq.pop()
			expired = append(expired, head)
			continue
		}
		bs := head.Payload.BatchSize
		if rows+bs > maxRows && len(batch) > 0 {
			break
		}
		pq.pop()
		batch = append(batch, head)
		rows += bs
		if rows >= maxRows {
			break
		}
	}
	return batch, expired
}

// Remove takes a request out of the queue if it is still there
// (thread-safe). It reports whether the request was removed.
func (pq *PriorityQueue) Remove(req *Request) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if req.index < 0 || req.index >= len(pq.items) || pq.items[req.index] != req {
		return false
	}
	heap.Remove(pq, req.index)
	pq.rows -= req.Payload.BatchSize
	return true
}

// Depth returns the number of queued requests (thread-safe).
func (pq *PriorityQueue) Depth() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// Rows returns the summed batch size of queued requests (thread-safe).
func (pq *PriorityQueue) Rows() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.rows
}

func (pq *PriorityQueue) pop() *Request {
	r := heap.Pop(pq).(*Request)
	pq.rows -= r.Payload.BatchSize
	return r
}

// --- heap.Interface implementation (not thread-safe, use Enqueue/DequeueBatch) ---

func (pq *PriorityQueue) Len() int { return len(pq.items) }

func (pq *PriorityQueue) Less(i, j int) bool {
	// Higher priority number = dequeued first
	if pq.items[i].Priority != pq.items[j].Priority {
		return pq.items[i].Priority > pq.items[j].Priority
	}
	// Same priority: earlier arrival first (FIFO)
	return pq.items[i].seq < pq.items[j].seq
}

func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*Request)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	return item
}
