package queue

import (
	"errors"
	"sync"

	"github.com/laviprog/speech-transcription/internal/models"
)

var (
	// ErrQueueFull is returned when admission is rejected at capacity.
	// Callers must back off or reject upstream.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned by Dequeue once the queue is closed and drained,
	// and by Submit after Close.
	ErrClosed = errors.New("queue closed")
)

type Policy string

const (
	// PolicyFIFO dequeues strictly in submission order.
	PolicyFIFO Policy = "fifo"
	// PolicyShortestFirst prefers jobs with shorter audio; ties and jobs
	// with unknown duration keep submission order.
	PolicyShortestFirst Policy = "shortest-first"
)

// Queue is a bounded buffer of pending transcription jobs with admission
// control and pending-job cancellation.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	capacity int
	policy   Policy
	jobs     []*models.TranscriptionJob
	closed   bool
}

func New(capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = PolicyFIFO
	}
	q := &Queue{capacity: capacity, policy: policy}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Submit admits a job or rejects it with ErrQueueFull.
func (q *Queue) Submit(job *models.TranscriptionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.jobs) >= q.capacity {
		return ErrQueueFull
	}

	if q.policy == PolicyShortestFirst && job.AudioDuration > 0 {
		inserted := false
		for i, queued := range q.jobs {
			if queued.AudioDuration == 0 || queued.AudioDuration <= job.AudioDuration {
				continue
			}
			q.jobs = append(q.jobs[:i], append([]*models.TranscriptionJob{job}, q.jobs[i:]...)...)
			inserted = true
			break
		}
		if !inserted {
			q.jobs = append(q.jobs, job)
		}
	} else {
		q.jobs = append(q.jobs, job)
	}

	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a job is available or the queue is closed. Remaining
// jobs are drained before ErrClosed is reported.
func (q *Queue) Dequeue() (*models.TranscriptionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.jobs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.jobs) == 0 {
		return nil, ErrClosed
	}

	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

// Cancel removes a still-pending job. Returns false when the job has
// already been dequeued (or was never queued); running jobs are cancelled
// cooperatively by the scheduler instead.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.jobs {
		if job.ID == jobID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Depth reports the number of pending jobs, for backpressure decisions.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops admission and unblocks waiting consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}
