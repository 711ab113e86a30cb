package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/cache"
	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/queue"
	postgresrepo "github.com/laviprog/speech-transcription/internal/repositories/postgres"
	"github.com/laviprog/speech-transcription/internal/storage"
	"github.com/laviprog/speech-transcription/internal/utils"
)

// JobCore is the scheduler surface the service depends on.
type JobCore interface {
	Submit(job *models.TranscriptionJob) error
	Cancel(jobID string) error
	Job(jobID string) (models.JobSnapshot, error)
	Result(jobID string) (*models.TranscriptionResult, bool)
	SupportsDevice(preference string) bool
	QueueDepth() int
	Unpersisted() []string
	Reconcile(ctx context.Context) (int, error)
}

type SubmitOptions struct {
	Model            string
	Language         string
	ResultFormat     string
	AlignMode        bool
	Preprocess       bool
	DevicePreference string
}

// FormattedResult is the caller-facing rendering of a terminal outcome.
type FormattedResult struct {
	JobID         string           `json:"job_id"`
	Outcome       models.Outcome   `json:"outcome"`
	Text          string           `json:"text,omitempty"`
	SRT           string           `json:"srt,omitempty"`
	Segments      []models.Segment `json:"segments,omitempty"`
	Words         []models.Word    `json:"words,omitempty"`
	Language      string           `json:"language,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Device        string           `json:"device,omitempty"`
	DurationMS    int64            `json:"duration_ms"`
	Unpersisted   bool             `json:"unpersisted,omitempty"`
}

type TranscriptionService interface {
	Submit(ctx context.Context, userID, filename, contentType string, audio io.Reader, opts SubmitOptions) (models.JobSnapshot, error)
	Status(ctx context.Context, userID, jobID string) (models.JobSnapshot, error)
	Result(ctx context.Context, userID, jobID string, format models.ResultFormat) (*FormattedResult, error)
	History(ctx context.Context, userID string, limit int) ([]models.TranscriptionRecord, error)
	Cancel(ctx context.Context, userID, jobID string) error
	QueueDepth() int
	Reconcile(ctx context.Context) (int, error)
}

type transcriptionService struct {
	core      JobCore
	store     storage.Store
	results   postgresrepo.ResultRepository
	cache     cache.Cache
	precision string
	log       *logrus.Logger
}

func NewTranscriptionService(core JobCore, store storage.Store, results postgresrepo.ResultRepository, c cache.Cache, precision string, log *logrus.Logger) TranscriptionService {
	return &transcriptionService{
		core:      core,
		store:     store,
		results:   results,
		cache:     c,
		precision: precision,
		log:       log,
	}
}

func (s *transcriptionService) Submit(ctx context.Context, userID, filename, contentType string, audio io.Reader, opts SubmitOptions) (models.JobSnapshot, error) {
	const op = "TranscriptionService.Submit"

	if userID == "" {
		return models.JobSnapshot{}, utils.E(utils.CodeUnauthorized, op, "user id is required", nil)
	}
	if opts.Model == "" {
		opts.Model = "small"
	}
	if _, ok := models.LookupModel(opts.Model); !ok {
		return models.JobSnapshot{}, utils.E(utils.CodeInvalidArgument, op, "unknown model: "+opts.Model, nil)
	}
	if !models.SupportedLanguage(opts.Language) {
		return models.JobSnapshot{}, utils.E(utils.CodeInvalidArgument, op, "unsupported language: "+opts.Language, nil)
	}
	format, ok := models.ParseResultFormat(opts.ResultFormat)
	if !ok {
		return models.JobSnapshot{}, utils.E(utils.CodeInvalidArgument, op, "unsupported result format: "+opts.ResultFormat, nil)
	}
	if !s.core.SupportsDevice(opts.DevicePreference) {
		return models.JobSnapshot{}, utils.E(utils.CodeInvalidArgument, op, "no such device: "+opts.DevicePreference, nil)
	}

	name := uuid.NewString() + filepath.Ext(filename)
	path, err := s.store.Save(ctx, name, contentType, audio)
	if err != nil {
		return models.JobSnapshot{}, utils.E(utils.CodeInternal, op, "failed to store audio", err)
	}

	job := models.NewTranscriptionJob(userID, path, models.JobOptions{
		Model:        opts.Model,
		Language:     opts.Language,
		ResultFormat: format,
		AlignMode:    opts.AlignMode,
		Preprocess:   opts.Preprocess,
	}, opts.DevicePreference, s.precision)

	if err := s.core.Submit(job); err != nil {
		_ = s.store.Remove(ctx, path)
		if errors.Is(err, queue.ErrQueueFull) {
			return models.JobSnapshot{}, utils.E(utils.CodeQueueFull, op, "transcription queue is full, retry later", err)
		}
		return models.JobSnapshot{}, utils.E(utils.CodeUnavailable, op, "failed to admit job", err)
	}

	s.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": userID,
		"model":   opts.Model,
		"depth":   s.core.QueueDepth(),
	}).Info("job admitted")

	return job.Snapshot(), nil
}

func (s *transcriptionService) Status(ctx context.Context, userID, jobID string) (models.JobSnapshot, error) {
	const op = "TranscriptionService.Status"

	snap, err := s.core.Job(jobID)
	if err != nil {
		// Terminal jobs are eventually dropped from scheduler memory once
		// their results are durable; serve those from the archive.
		rec, rerr := s.lookupRecord(ctx, jobID)
		if rerr != nil {
			return models.JobSnapshot{}, utils.E(utils.CodeNotFound, op, "job not found", err)
		}
		if rec.UserID != userID {
			return models.JobSnapshot{}, utils.E(utils.CodeNotFound, op, "job not found", nil)
		}
		return models.JobSnapshot{
			ID:     rec.JobID,
			UserID: rec.UserID,
			// Terminal outcomes share names with terminal states.
			State: models.JobState(rec.Outcome),
		}, nil
	}
	if snap.UserID != userID {
		return models.JobSnapshot{}, utils.E(utils.CodeNotFound, op, "job not found", nil)
	}
	return snap, nil
}

func (s *transcriptionService) Result(ctx context.Context, userID, jobID string, format models.ResultFormat) (*FormattedResult, error) {
	const op = "TranscriptionService.Result"

	if res, ok := s.core.Result(jobID); ok {
		if res.UserID != userID {
			return nil, utils.E(utils.CodeNotFound, op, "result not found", nil)
		}
		return formatResult(res, format), nil
	}

	// Job may still be in flight.
	if snap, err := s.core.Job(jobID); err == nil {
		if snap.UserID != userID {
			return nil, utils.E(utils.CodeNotFound, op, "result not found", nil)
		}
		return nil, utils.E(utils.CodeConflict, op, "job has not finished yet", nil)
	}

	// Fall back to durable storage for jobs from before a restart.
	rec, err := s.lookupRecord(ctx, jobID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "result not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load result", err)
	}
	if rec.UserID != userID {
		return nil, utils.E(utils.CodeNotFound, op, "result not found", nil)
	}
	return formatRecord(rec, format), nil
}

// History lists the caller's persisted results, newest first.
func (s *transcriptionService) History(ctx context.Context, userID string, limit int) ([]models.TranscriptionRecord, error) {
	const op = "TranscriptionService.History"
	rows, err := s.results.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list results", err)
	}
	return rows, nil
}

func (s *transcriptionService) Cancel(ctx context.Context, userID, jobID string) error {
	const op = "TranscriptionService.Cancel"

	snap, err := s.core.Job(jobID)
	if err != nil {
		return utils.E(utils.CodeNotFound, op, "job not found", err)
	}
	if snap.UserID != userID {
		return utils.E(utils.CodeNotFound, op, "job not found", nil)
	}
	if err := s.core.Cancel(jobID); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to cancel job", err)
	}
	return nil
}

func (s *transcriptionService) QueueDepth() int { return s.core.QueueDepth() }

func (s *transcriptionService) Reconcile(ctx context.Context) (int, error) {
	const op = "TranscriptionService.Reconcile"
	n, err := s.core.Reconcile(ctx)
	if err != nil {
		return n, utils.E(utils.CodeUnavailable, op, "reconciliation incomplete", err)
	}
	return n, nil
}

func (s *transcriptionService) lookupRecord(ctx context.Context, jobID string) (*models.TranscriptionRecord, error) {
	if s.cache != nil {
		var rec models.TranscriptionRecord
		if hit, err := s.cache.GetJSON(ctx, cache.ResultKey(jobID), &rec); err == nil && hit {
			return &rec, nil
		}
	}
	return s.results.GetByJobID(ctx, jobID)
}

func formatResult(res *models.TranscriptionResult, format models.ResultFormat) *FormattedResult {
	out := &FormattedResult{
		JobID:         res.JobID,
		Outcome:       res.Outcome,
		FailureReason: res.FailureReason,
		Device:        res.Device,
		DurationMS:    res.Duration.Milliseconds(),
		Unpersisted:   res.Unpersisted,
	}
	if tr := res.Transcript; tr != nil {
		out.Language = tr.Language
		switch format {
		case models.FormatSRT:
			out.SRT = tr.ToSRT()
		case models.FormatFull:
			out.Text = tr.ToText()
			out.Segments = tr.Segments
			out.Words = tr.Words
		default:
			out.Text = tr.ToText()
		}
	}
	return out
}

func formatRecord(rec *models.TranscriptionRecord, format models.ResultFormat) *FormattedResult {
	out := &FormattedResult{
		JobID:         rec.JobID,
		Outcome:       models.Outcome(rec.Outcome),
		Language:      rec.Language,
		FailureReason: rec.FailureReason,
		Device:        rec.Device,
		DurationMS:    rec.DurationMS,
	}

	tr := &models.Transcript{Language: rec.Language}
	if len(rec.Segments) > 0 {
		_ = json.Unmarshal(rec.Segments, &tr.Segments)
	}
	if len(rec.Words) > 0 {
		_ = json.Unmarshal(rec.Words, &tr.Words)
	}

	switch format {
	case models.FormatSRT:
		out.SRT = tr.ToSRT()
	case models.FormatFull:
		out.Text = rec.Text
		out.Segments = tr.Segments
		out.Words = tr.Words
	default:
		out.Text = rec.Text
	}
	return out
}
