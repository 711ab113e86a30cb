package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/laviprog/speech-transcription/internal/cache"
	"github.com/laviprog/speech-transcription/internal/models"
)

// ResultSink adapts the repository (plus a read cache write-through) to the
// scheduler's persistence contract.
type ResultSink struct {
	repo     ResultRepository
	cache    cache.Cache // optional
	cacheTTL time.Duration
	log      *logrus.Logger
}

func NewResultSink(repo ResultRepository, c cache.Cache, cacheTTL time.Duration, log *logrus.Logger) *ResultSink {
	return &ResultSink{repo: repo, cache: c, cacheTTL: cacheTTL, log: log}
}

func (s *ResultSink) Persist(ctx context.Context, res *models.TranscriptionResult) error {
	rec := recordFrom(res)
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.ResultKey(res.JobID), rec, s.cacheTTL); err != nil {
			// The row is durable; a stale cache only costs a DB read.
			s.log.WithField("job_id", res.JobID).WithError(err).Warn("result cache write failed")
		}
	}
	return nil
}

func recordFrom(res *models.TranscriptionResult) *models.TranscriptionRecord {
	rec := &models.TranscriptionRecord{
		ID:            uuid.NewString(),
		JobID:         res.JobID,
		UserID:        res.UserID,
		Outcome:       string(res.Outcome),
		FailureReason: res.FailureReason,
		DurationMS:    res.Duration.Milliseconds(),
		Device:        res.Device,
		CreatedAt:     res.CompletedAt,
	}
	if tr := res.Transcript; tr != nil {
		rec.Text = tr.ToText()
		rec.Language = tr.Language
		if len(tr.Segments) > 0 {
			if b, err := json.Marshal(tr.Segments); err == nil {
				rec.Segments = b
			}
		}
		if len(tr.Words) > 0 {
			if b, err := json.Marshal(tr.Words); err == nil {
				rec.Words = b
			}
		}
	}
	return rec
}
