package dial

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Spacing is the minimum wall-clock gap between the completion of one
// origination and the start of the next on the same trunk. The PBX
// rejects rapid originations on one outbound route; per-trunk spacing
// keeps throughput proportional to trunk count.
const Spacing = 1100 * time.Millisecond

// QueueLimit is the maximum pending jobs per trunk before submissions
// are rejected outright.
const QueueLimit = 50

// ErrQueueFull is returned when a trunk's queue is at QueueLimit.
var ErrQueueFull = errors.New("origination queue full")

// queuedJob carries one origination closure and the channel its
// submitter blocks on.
type queuedJob struct {
	fn   func() error
	done chan error
}

// trunkQueue is the per-trunk FIFO with its drain state.
type trunkQueue struct {
	jobs        []*queuedJob
	draining    bool
	lastFiredAt time.Time
}

// Queue serializes origination jobs per trunk with rate-limited draining.
// Jobs on different trunks run concurrently.
type Queue struct {
	mu      sync.Mutex
	queues  map[string]*trunkQueue
	spacing time.Duration
	limit   int
	logger  *slog.Logger
}

// NewQueue creates an origination queue with the default spacing and limit.
func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		queues:  make(map[string]*trunkQueue),
		spacing: Spacing,
		limit:   QueueLimit,
		logger:  logger.With("subsystem", "origination_queue"),
	}
}

// Enqueue submits a job for the trunk and blocks until it has run.
// Jobs execute in enqueue order per trunk; the job's error is returned
// to its submitter only and still counts as the last attempt for
// spacing purposes. A full queue fails immediately with ErrQueueFull.
func (q *Queue) Enqueue(trunkID string, fn func() error) error {
	j := &queuedJob{fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	tq, ok := q.queues[trunkID]
	if !ok {
		tq = &trunkQueue{}
		q.queues[trunkID] = tq
	}
	if len(tq.jobs) >= q.limit {
		q.mu.Unlock()
		q.logger.Warn("origination queue full", "trunk_id", trunkID, "limit", q.limit)
		return ErrQueueFull
	}
	tq.jobs = append(tq.jobs, j)
	if !tq.draining {
		tq.draining = true
		go q.drain(trunkID, tq)
	}
	q.mu.Unlock()

	return <-j.done
}

// drain runs queued jobs for one trunk until its queue empties, sleeping
// out the remainder of the spacing window before each start.
func (q *Queue) drain(trunkID string, tq *trunkQueue) {
	for {
		q.mu.Lock()
		if len(tq.jobs) == 0 {
			tq.draining = false
			q.mu.Unlock()
			return
		}
		head := tq.jobs[0]
		wait := q.spacing - time.Since(tq.lastFiredAt)
		q.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}

		err := head.fn()

		q.mu.Lock()
		tq.lastFiredAt = time.Now()
		tq.jobs = tq.jobs[1:]
		q.mu.Unlock()

		head.done <- err
	}
}

// TrunkQueueStats is one trunk's queue state for the stats endpoint.
type TrunkQueueStats struct {
	Pending  int  `json:"pending"`
	Draining bool `json:"draining"`
}

// QueueStats reports per-trunk queue depth.
func (q *Queue) QueueStats() map[string]TrunkQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]TrunkQueueStats, len(q.queues))
	for id, tq := range q.queues {
		stats[id] = TrunkQueueStats{Pending: len(tq.jobs), Draining: tq.draining}
	}
	return stats
}

// PendingTotal returns the number of queued jobs across all trunks.
func (q *Queue) PendingTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, tq := range q.queues {
		total += len(tq.jobs)
	}
	return total
}
