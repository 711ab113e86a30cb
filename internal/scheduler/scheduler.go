package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/device"
	"github.com/laviprog/speech-transcription/internal/engine"
	"github.com/laviprog/speech-transcription/internal/events"
	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/modelcache"
	"github.com/laviprog/speech-transcription/internal/queue"
)

// ErrUnknownJob is returned for lookups and cancels of ids this scheduler
// never admitted.
var ErrUnknownJob = errors.New("unknown job")

// ResultSink is the durable persistence boundary. Persist must be
// idempotent per job id: re-persisting the same result is a no-op.
type ResultSink interface {
	Persist(ctx context.Context, res *models.TranscriptionResult) error
}

type Config struct {
	MaxAttempts     int           // inference attempts per job before Failed
	RetryBackoff    time.Duration // base for exponential backoff between attempts
	PersistAttempts int           // persistence attempts before the unpersisted flag
	PersistBackoff  time.Duration
	RetainResults   int // persisted terminal jobs kept in memory for fast reads
}

func (c *Config) fill() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 250 * time.Millisecond
	}
	if c.RetainResults <= 0 {
		c.RetainResults = 1024
	}
}

// Scheduler pulls jobs from the queue with a fixed pool of workers, one per
// device slot, binds each job to a slot and a model handle, executes
// inference with retry and failure isolation, and hands outcomes to the
// result sink exactly once per job.
type Scheduler struct {
	queue *queue.Queue
	pool  *device.Pool
	cache *modelcache.Cache
	sink  ResultSink
	bus   *events.Bus
	cfg   Config
	log   *logrus.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*models.TranscriptionJob
	results  map[string]*models.TranscriptionResult
	retained []string // persisted terminal job ids, oldest first
}

func New(q *queue.Queue, pool *device.Pool, cache *modelcache.Cache, sink ResultSink, bus *events.Bus, cfg Config, log *logrus.Logger) *Scheduler {
	cfg.fill()
	return &Scheduler{
		queue:   q,
		pool:    pool,
		cache:   cache,
		sink:    sink,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		jobs:    map[string]*models.TranscriptionJob{},
		results: map[string]*models.TranscriptionResult{},
	}
}

// Start launches one worker per device slot.
func (s *Scheduler) Start() {
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	n := s.pool.Size()
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.WithField("workers", n).Info("scheduler started")
}

// Stop drains the queue and waits for in-flight jobs. When ctx expires the
// remaining jobs are aborted and finish as cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.baseCancel()
		<-done
	}
	s.baseCancel()
	s.log.Info("scheduler stopped")
}

// Submit admits a job: Pending -> Admitted, or ErrQueueFull for the caller
// to surface as backpressure. The job is marked admitted before the queue
// makes it visible, so a worker that dequeues it immediately never observes
// pending.
func (s *Scheduler) Submit(job *models.TranscriptionJob) error {
	if err := job.SetState(models.JobStateAdmitted); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.bus.Publish(events.Event{JobID: job.ID, State: models.JobStateAdmitted})

	if err := s.queue.Submit(job); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Cancel requests cancellation. A job still in the queue finishes
// immediately as cancelled; a claimed job is cancelled cooperatively at the
// worker's next checkpoint.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	job := s.jobs[jobID]
	s.mu.Unlock()

	if job == nil {
		return ErrUnknownJob
	}
	if job.State().Terminal() {
		return nil
	}

	job.Cancel()
	if s.queue.Cancel(jobID) {
		// Removed before any worker dequeued it. Finalize off this
		// goroutine so a sink outage cannot stall the cancel call.
		go s.finalize(job, models.OutcomeCancelled, nil, "", "", 0)
	}
	return nil
}

// Job returns a snapshot of an admitted job.
func (s *Scheduler) Job(jobID string) (models.JobSnapshot, error) {
	s.mu.Lock()
	job := s.jobs[jobID]
	s.mu.Unlock()

	if job == nil {
		return models.JobSnapshot{}, ErrUnknownJob
	}
	return job.Snapshot(), nil
}

// Result returns the terminal result for a job, if it has one.
func (s *Scheduler) Result(jobID string) (*models.TranscriptionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[jobID]
	if !ok {
		return nil, false
	}
	cp := *res
	return &cp, true
}

// QueueDepth exposes the pending backlog for backpressure decisions.
func (s *Scheduler) QueueDepth() int { return s.queue.Depth() }

// SupportsDevice reports whether the pool has a slot that could ever match
// the preference, so admission can reject impossible placements up front.
func (s *Scheduler) SupportsDevice(preference string) bool {
	return s.pool.Supports(preference)
}

// Unpersisted lists job ids whose results still await a durable write.
func (s *Scheduler) Unpersisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, res := range s.results {
		if res.Unpersisted {
			ids = append(ids, id)
		}
	}
	return ids
}

// Reconcile replays unpersisted results into the sink. Safe to run
// repeatedly: the sink is idempotent per job id.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	s.mu.Lock()
	var pending []*models.TranscriptionResult
	for _, res := range s.results {
		if res.Unpersisted {
			pending = append(pending, res)
		}
	}
	s.mu.Unlock()

	replayed := 0
	for _, res := range pending {
		if err := s.sink.Persist(ctx, res); err != nil {
			return replayed, err
		}
		s.mu.Lock()
		res.Unpersisted = false
		s.mu.Unlock()
		s.retire(res.JobID)
		replayed++
	}
	if replayed > 0 {
		s.log.WithField("count", replayed).Info("reconciled unpersisted results")
	}
	return replayed, nil
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", id)

	for {
		job, err := s.queue.Dequeue()
		if err != nil {
			log.Debug("worker exiting")
			return
		}
		s.runJob(log, job)
	}
}

// runJob drives one job to a terminal state. A panic in the engine fails
// the job, never the worker pool.
func (s *Scheduler) runJob(log *logrus.Entry, job *models.TranscriptionJob) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("job_id", job.ID).Errorf("recovered worker panic: %v", r)
			if !job.State().Terminal() {
				s.finalize(job, models.OutcomeFailed, nil, fmt.Sprintf("internal error: %v", r), "", 0)
			}
		}
	}()

	log = log.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.UserID})
	start := time.Now()

	jobCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	go func() {
		select {
		case <-job.Done():
			cancel()
		case <-jobCtx.Done():
		}
	}()

	if job.Cancelled() {
		s.finalize(job, models.OutcomeCancelled, nil, "", "", time.Since(start))
		return
	}
	s.transition(job, models.JobStateSlotAcquiring, "")

	for attempt := 1; ; attempt++ {
		job.IncAttempts()
		tr, dev, err := s.attempt(jobCtx, job)
		if err == nil {
			s.finalize(job, models.OutcomeSucceeded, tr, "", dev, time.Since(start))
			return
		}

		job.SetLastError(err.Error())
		if job.Cancelled() || errors.Is(err, context.Canceled) {
			s.finalize(job, models.OutcomeCancelled, nil, "", dev, time.Since(start))
			return
		}
		if !retryable(err) || attempt >= s.cfg.MaxAttempts {
			log.WithError(err).WithField("attempts", attempt).Warn("job failed")
			s.finalize(job, models.OutcomeFailed, nil, failureReason(err), dev, time.Since(start))
			return
		}

		log.WithError(err).WithField("attempt", attempt).Info("transient failure, retrying")
		backoff := s.cfg.RetryBackoff << (attempt - 1)
		select {
		case <-time.After(backoff):
		case <-jobCtx.Done():
			s.finalize(job, models.OutcomeCancelled, nil, "", dev, time.Since(start))
			return
		}
		s.transition(job, models.JobStateSlotAcquiring, "retry")
	}
}

// attempt performs one slot-acquire / model-resolve / infer cycle. The slot
// and handle are released exactly once on every path, slot first.
func (s *Scheduler) attempt(ctx context.Context, job *models.TranscriptionJob) (tr *models.Transcript, dev string, err error) {
	slot, err := s.pool.Acquire(ctx, job.ID, job.DevicePreference, job.ModelTag())
	if err != nil {
		return nil, "", err
	}
	dev = slot.ID()

	var handle *modelcache.Handle
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		s.pool.Release(slot)
		if handle != nil {
			if rerr := s.cache.Release(handle); rerr != nil {
				s.log.WithError(rerr).Error("model handle release")
			}
		}
	}
	defer release()

	if job.Cancelled() {
		return nil, dev, context.Canceled
	}
	s.transition(job, models.JobStateModelResolving, "")

	key := modelcache.Key{
		ModelID:   job.Options.Model,
		Device:    slot.Device(),
		Precision: job.Precision,
	}
	handle, err = s.cache.Resolve(ctx, key)
	if err != nil {
		return nil, dev, err
	}
	s.pool.MarkLoaded(slot, key.ModelTag())

	if job.Cancelled() {
		return nil, dev, context.Canceled
	}
	s.transition(job, models.JobStateRunning, "")

	tr, err = handle.Model().Transcribe(ctx, engine.Request{
		AudioPath:  job.AudioPath,
		Language:   job.Options.Language,
		Align:      job.Options.AlignMode,
		Preprocess: job.Options.Preprocess,
	})
	release()
	if err != nil {
		return nil, dev, err
	}
	return tr, dev, nil
}

func (s *Scheduler) transition(job *models.TranscriptionJob, to models.JobState, msg string) {
	if err := job.SetState(to); err != nil {
		s.log.WithField("job_id", job.ID).WithError(err).Warn("state transition rejected")
		return
	}
	s.bus.Publish(events.Event{JobID: job.ID, State: to, Attempt: job.Attempts(), Message: msg})
}

// finalize records the single terminal result for a job and hands it to the
// sink. The results map guards the exactly-once invariant against the
// cancel/worker race.
func (s *Scheduler) finalize(job *models.TranscriptionJob, outcome models.Outcome, tr *models.Transcript, reason, dev string, dur time.Duration) {
	s.mu.Lock()
	if _, exists := s.results[job.ID]; exists {
		s.mu.Unlock()
		return
	}
	res := &models.TranscriptionResult{
		JobID:         job.ID,
		UserID:        job.UserID,
		Outcome:       outcome,
		Transcript:    tr,
		FailureReason: reason,
		Duration:      dur,
		Device:        dev,
		CompletedAt:   time.Now().UTC(),
	}
	s.results[job.ID] = res
	s.mu.Unlock()

	s.transition(job, terminalState(outcome), reason)
	s.persist(res)
}

func (s *Scheduler) persist(res *models.TranscriptionResult) {
	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.sink.Persist(ctx, res)
		cancel()
		if err == nil {
			s.retire(res.JobID)
			return
		}
		if attempt >= s.cfg.PersistAttempts {
			break
		}
		time.Sleep(s.cfg.PersistBackoff * time.Duration(attempt))
	}

	s.mu.Lock()
	res.Unpersisted = true
	s.mu.Unlock()
	s.log.WithField("job_id", res.JobID).WithError(err).
		Error("result persistence failed, flagged for reconciliation")
}

// retire enrolls a persisted terminal job in the bounded retention window
// and evicts the oldest entries beyond it; evicted reads fall through to
// the cache and the repository. Unpersisted results never enter the window
// until reconciled, so pending reconciliation work cannot be evicted.
func (s *Scheduler) retire(jobID string) {
	s.mu.Lock()
	s.retained = append(s.retained, jobID)
	for len(s.retained) > s.cfg.RetainResults {
		old := s.retained[0]
		s.retained = s.retained[1:]
		delete(s.jobs, old)
		delete(s.results, old)
	}
	s.mu.Unlock()
}

func terminalState(outcome models.Outcome) models.JobState {
	switch outcome {
	case models.OutcomeSucceeded:
		return models.JobStateSucceeded
	case models.OutcomeCancelled:
		return models.JobStateCancelled
	default:
		return models.JobStateFailed
	}
}

func retryable(err error) bool {
	var inf *engine.InferenceError
	if errors.As(err, &inf) {
		return inf.Retryable
	}
	var load *engine.ModelLoadError
	if errors.As(err, &load) {
		return true
	}
	return errors.Is(err, device.ErrAcquireTimeout) || errors.Is(err, device.ErrNoCapacity)
}

func failureReason(err error) string {
	var load *engine.ModelLoadError
	if errors.As(err, &load) {
		return "ModelLoadError"
	}
	var inf *engine.InferenceError
	if errors.As(err, &inf) {
		return "InferenceError"
	}
	if errors.Is(err, device.ErrAcquireTimeout) {
		return "Timeout"
	}
	if errors.Is(err, device.ErrNoCapacity) {
		return "NoCapacity"
	}
	return err.Error()
}
