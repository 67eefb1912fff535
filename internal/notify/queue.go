package notify

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is the priority-aware holding area for pending jobs. Ready jobs come
// out earliest-scheduled first; at equal schedule times individual and bulk
// jobs beat digests so urgent alerts keep low latency.
type Queue struct {
	mu          sync.Mutex
	items       jobHeap
	maxAttempts int
}

// NewQueue constructs an empty queue. maxAttempts guards DequeueReady
// against handing out jobs that already exhausted their retries.
func NewQueue(maxAttempts int) *Queue {
	return &Queue{maxAttempts: maxAttempts}
}

// Enqueue adds a pending job.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, job)
}

// DequeueReady pops the next job whose scheduled_at has arrived, marking it
// in flight. Returns nil when nothing is ready.
func (q *Queue) DequeueReady(now time.Time) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		top := q.items[0]
		if top.ScheduledAt.After(now) {
			return nil
		}
		job := heap.Pop(&q.items).(*Job)
		if job.Attempts >= q.maxAttempts {
			// Should have been marked terminal by the dispatcher; drop defensively
			// is not allowed, so park it as failed.
			job.Status = StatusFailed
			continue
		}
		if err := job.transition(StatusInFlight); err != nil {
			continue
		}
		return job
	}
	return nil
}

// Requeue returns an in-flight job to pending with a new schedule time.
func (q *Queue) Requeue(job *Job, at time.Time) error {
	if err := job.transition(StatusPending); err != nil {
		return err
	}
	job.ScheduledAt = at

	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, job)
	return nil
}

// MarkTerminal finalises a job's status. Terminal jobs never re-enter the
// queue.
func (q *Queue) MarkTerminal(job *Job, status Status) error {
	return job.transition(status)
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued job, ordered. Used at shutdown for
// persistence or drop-with-log handling.
func (q *Queue) Drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0, len(q.items))
	for len(q.items) > 0 {
		jobs = append(jobs, heap.Pop(&q.items).(*Job))
	}
	return jobs
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	iDigest := h[i].Kind == KindDigest
	jDigest := h[j].Kind == KindDigest
	if iDigest != jDigest {
		return !iDigest
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
