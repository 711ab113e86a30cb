package services

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/laviprog/speech-transcription/internal/cache"
	"github.com/laviprog/speech-transcription/internal/logger"
	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/queue"
	"github.com/laviprog/speech-transcription/internal/utils"
)

type fakeCore struct {
	mu        sync.Mutex
	submitted []*models.TranscriptionJob
	submitErr error
	results   map[string]*models.TranscriptionResult
	cancelled map[string]bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		results:   map[string]*models.TranscriptionResult{},
		cancelled: map[string]bool{},
	}
}

func (c *fakeCore) Submit(job *models.TranscriptionJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return c.submitErr
	}
	c.submitted = append(c.submitted, job)
	return nil
}

func (c *fakeCore) Cancel(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[jobID] = true
	return nil
}

func (c *fakeCore) Job(jobID string) (models.JobSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.submitted {
		if j.ID == jobID {
			return j.Snapshot(), nil
		}
	}
	return models.JobSnapshot{}, utils.ErrNotFound
}

func (c *fakeCore) Result(jobID string) (*models.TranscriptionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[jobID]
	return r, ok
}

func (c *fakeCore) SupportsDevice(pref string) bool {
	switch pref {
	case "", "auto", "cpu", "cpu-0":
		return true
	}
	return false
}

func (c *fakeCore) QueueDepth() int                        { return 0 }
func (c *fakeCore) Unpersisted() []string                  { return nil }
func (c *fakeCore) Reconcile(context.Context) (int, error) { return 0, nil }

type fakeStore struct {
	mu      sync.Mutex
	saved   []string
	removed []string
}

func (s *fakeStore) Save(_ context.Context, name, _ string, r io.Reader) (string, error) {
	io.Copy(io.Discard, r)
	s.mu.Lock()
	defer s.mu.Unlock()
	path := "/audio/" + name
	s.saved = append(s.saved, path)
	return path, nil
}

func (s *fakeStore) Remove(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	return nil
}

type fakeRepo struct {
	records map[string]*models.TranscriptionRecord
}

func (r *fakeRepo) Upsert(_ context.Context, rec *models.TranscriptionRecord) error {
	if _, ok := r.records[rec.JobID]; !ok {
		r.records[rec.JobID] = rec
	}
	return nil
}

func (r *fakeRepo) GetByJobID(_ context.Context, jobID string) (*models.TranscriptionRecord, error) {
	rec, ok := r.records[jobID]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) ListByUser(context.Context, string, int) ([]models.TranscriptionRecord, error) {
	return nil, nil
}

func newService(core *fakeCore, store *fakeStore, repo *fakeRepo) TranscriptionService {
	if repo == nil {
		repo = &fakeRepo{records: map[string]*models.TranscriptionRecord{}}
	}
	return NewTranscriptionService(core, store, repo, cache.NewMemoryCache(), "float32", logger.New("error"))
}

func audio() io.Reader { return bytes.NewReader([]byte("RIFF....WAVE")) }

// TestSubmitValidatesOptions rejects unknown models, languages, formats,
// and device preferences before anything is stored.
func TestSubmitValidatesOptions(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	svc := newService(core, store, nil)

	cases := []SubmitOptions{
		{Model: "gigantic"},
		{Model: "small", Language: "tlh"},
		{Model: "small", ResultFormat: "vtt"},
		{Model: "small", DevicePreference: "cuda:9"},
	}
	for i, opts := range cases {
		_, err := svc.Submit(context.Background(), "u1", "a.wav", "audio/wav", audio(), opts)
		if !utils.IsCode(err, utils.CodeInvalidArgument) {
			t.Fatalf("case %d: err = %v, want INVALID_ARGUMENT", i, err)
		}
	}
	if len(store.saved) != 0 {
		t.Fatal("invalid submissions stored audio")
	}
	if len(core.submitted) != 0 {
		t.Fatal("invalid submissions reached the core")
	}
}

// TestSubmitAdmitsJob checks the happy path stores audio and admits a job
// with the caller's options.
func TestSubmitAdmitsJob(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	svc := newService(core, store, nil)

	snap, err := svc.Submit(context.Background(), "u1", "talk.wav", "audio/wav", audio(), SubmitOptions{
		Model:        "small",
		Language:     "en",
		ResultFormat: "srt",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.UserID != "u1" {
		t.Fatalf("snapshot user = %s", snap.UserID)
	}
	if len(core.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(core.submitted))
	}
	job := core.submitted[0]
	if job.Options.Model != "small" || job.Options.ResultFormat != models.FormatSRT {
		t.Fatalf("job options = %+v", job.Options)
	}
	if job.Precision != "float32" {
		t.Fatalf("precision = %s", job.Precision)
	}
}

// TestSubmitQueueFullCleansUp maps backpressure to QUEUE_FULL and removes
// the stored audio.
func TestSubmitQueueFullCleansUp(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	core.submitErr = queue.ErrQueueFull
	svc := newService(core, store, nil)

	_, err := svc.Submit(context.Background(), "u1", "talk.wav", "audio/wav", audio(), SubmitOptions{Model: "small"})
	if !utils.IsCode(err, utils.CodeQueueFull) {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}
	if len(store.removed) != 1 {
		t.Fatal("rejected upload was not removed")
	}
}

// TestStatusHidesOtherUsersJobs returns NOT_FOUND rather than FORBIDDEN so
// job ids are not probeable.
func TestStatusHidesOtherUsersJobs(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	svc := newService(core, store, nil)

	snap, err := svc.Submit(context.Background(), "u1", "a.wav", "audio/wav", audio(), SubmitOptions{Model: "small"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.Status(context.Background(), "u2", snap.ID); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
	if _, err := svc.Status(context.Background(), "u1", snap.ID); err != nil {
		t.Fatalf("owner status: %v", err)
	}
}

// TestResultInFlightConflicts reports CONFLICT while the job is still
// running.
func TestResultInFlightConflicts(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	svc := newService(core, store, nil)

	snap, err := svc.Submit(context.Background(), "u1", "a.wav", "audio/wav", audio(), SubmitOptions{Model: "small"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.Result(context.Background(), "u1", snap.ID, models.FormatText); !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

// TestResultFormatsFromCore renders text, srt, and full views from the
// in-memory result.
func TestResultFormatsFromCore(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	svc := newService(core, store, nil)

	core.results["job-1"] = &models.TranscriptionResult{
		JobID:   "job-1",
		UserID:  "u1",
		Outcome: models.OutcomeSucceeded,
		Transcript: &models.Transcript{
			Language: "en",
			Segments: []models.Segment{{Number: 1, Start: 0, End: 1.5, Text: "hello world"}},
		},
		Duration: 3 * time.Second,
	}

	text, err := svc.Result(context.Background(), "u1", "job-1", models.FormatText)
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if text.Text != "hello world" || text.SRT != "" {
		t.Fatalf("text view = %+v", text)
	}

	srt, err := svc.Result(context.Background(), "u1", "job-1", models.FormatSRT)
	if err != nil {
		t.Fatalf("srt: %v", err)
	}
	if srt.SRT == "" {
		t.Fatal("srt view empty")
	}

	full, err := svc.Result(context.Background(), "u1", "job-1", models.FormatFull)
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	if len(full.Segments) != 1 || full.Text == "" {
		t.Fatalf("full view = %+v", full)
	}

	if _, err := svc.Result(context.Background(), "u2", "job-1", models.FormatText); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("foreign result err = %v, want NOT_FOUND", err)
	}
}

// TestResultFallsBackToRepository serves results that survive only in
// durable storage, e.g. after a restart.
func TestResultFallsBackToRepository(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	repo := &fakeRepo{records: map[string]*models.TranscriptionRecord{
		"job-9": {
			JobID:   "job-9",
			UserID:  "u1",
			Outcome: string(models.OutcomeSucceeded),
			Text:    "from the archive",
		},
	}}
	svc := newService(core, store, repo)

	res, err := svc.Result(context.Background(), "u1", "job-9", models.FormatText)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Text != "from the archive" {
		t.Fatalf("text = %q", res.Text)
	}

	if _, err := svc.Result(context.Background(), "u1", "job-none", models.FormatText); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("missing result err = %v, want NOT_FOUND", err)
	}
}

// TestStatusFallsBackToRepository serves a terminal snapshot for jobs the
// scheduler has already dropped from memory.
func TestStatusFallsBackToRepository(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	repo := &fakeRepo{records: map[string]*models.TranscriptionRecord{
		"job-7": {
			JobID:   "job-7",
			UserID:  "u1",
			Outcome: string(models.OutcomeSucceeded),
		},
	}}
	svc := newService(core, store, repo)

	snap, err := svc.Status(context.Background(), "u1", "job-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.State != models.JobStateSucceeded || !snap.State.Terminal() {
		t.Fatalf("state = %s, want terminal succeeded", snap.State)
	}

	if _, err := svc.Status(context.Background(), "u2", "job-7"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("foreign status err = %v, want NOT_FOUND", err)
	}
	if _, err := svc.Status(context.Background(), "u1", "job-none"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("missing status err = %v, want NOT_FOUND", err)
	}
}

// TestCancelChecksOwnership forwards cancel only for the job's owner.
func TestCancelChecksOwnership(t *testing.T) {
	core, store := newFakeCore(), &fakeStore{}
	svc := newService(core, store, nil)

	snap, err := svc.Submit(context.Background(), "u1", "a.wav", "audio/wav", audio(), SubmitOptions{Model: "small"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Cancel(context.Background(), "u2", snap.ID); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
	if core.cancelled[snap.ID] {
		t.Fatal("foreign cancel reached the core")
	}

	if err := svc.Cancel(context.Background(), "u1", snap.ID); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if !core.cancelled[snap.ID] {
		t.Fatal("owner cancel did not reach the core")
	}
}
