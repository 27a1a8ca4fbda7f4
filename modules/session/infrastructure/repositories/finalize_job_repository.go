package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"edgesession/server/seedwork/domain/entities"
)

// GormFinalizeJobRepository implements repositories.FinalizeJobTracker over
// the teacher's general-purpose ProcessingJob entity/table, scoped to
// entity_type=session, job_type=finalize.
type GormFinalizeJobRepository struct {
	db *gorm.DB
}

func NewGormFinalizeJobRepository(db *gorm.DB) *GormFinalizeJobRepository {
	return &GormFinalizeJobRepository{db: db}
}

func (r *GormFinalizeJobRepository) latest(sessionID string) (*entities.ProcessingJob, error) {
	var job entities.ProcessingJob
	err := r.db.Where("entity_type = ? AND entity_id = ? AND job_type = ?", "session", sessionID, entities.FinalizeJobType).
		Order("created_at desc").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *GormFinalizeJobRepository) Start(ctx context.Context, sessionID string) error {
	job, err := r.latest(sessionID)
	if err != nil {
		return err
	}
	if job == nil {
		newJob := entities.NewProcessingJob("session", sessionID, entities.FinalizeJobType, nil)
		newJob.Start()
		return r.db.WithContext(ctx).Create(&newJob).Error
	}
	if job.Status == entities.JobFailed {
		job.Retry()
	}
	job.Start()
	return r.db.WithContext(ctx).Save(job).Error
}

func (r *GormFinalizeJobRepository) Complete(ctx context.Context, sessionID string) error {
	job, err := r.latest(sessionID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.Complete()
	return r.db.WithContext(ctx).Save(job).Error
}

func (r *GormFinalizeJobRepository) Fail(ctx context.Context, sessionID string, cause error) error {
	job, err := r.latest(sessionID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	job.Fail(msg)
	return r.db.WithContext(ctx).Save(job).Error
}
