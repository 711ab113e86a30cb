package postgres

import (
	"context"
	"errors"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/laviprog/speech-transcription/internal/models"
	"github.com/laviprog/speech-transcription/internal/utils"
)

type ResultRepository interface {
	Upsert(ctx context.Context, rec *models.TranscriptionRecord) error
	GetByJobID(ctx context.Context, jobID string) (*models.TranscriptionRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.TranscriptionRecord, error)
}

type resultRepo struct {
	db *gorm.DB
}

func NewResultRepo(db *gorm.DB) ResultRepository {
	return &resultRepo{db: db}
}

// Upsert writes a result row keyed by job_id. Re-persisting the same
// result is a no-op, not a duplicate.
func (r *resultRepo) Upsert(ctx context.Context, rec *models.TranscriptionRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err == nil {
		return nil
	}

	// Drivers without conflict-clause support surface the unique index
	// instead; that still means the row is already there.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return nil
	}
	return err
}

func (r *resultRepo) GetByJobID(ctx context.Context, jobID string) (*models.TranscriptionRecord, error) {
	var row models.TranscriptionRecord
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *resultRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.TranscriptionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.TranscriptionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
