package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

// jobSummaryRepo — реализация JobSummaryRepository для PostgreSQL.
type jobSummaryRepo struct {
	db DBTX
}

// NewJobSummaryRepository создаёт репозиторий сводок проходов.
func NewJobSummaryRepository(db DBTX) JobSummaryRepository {
	return &jobSummaryRepo{db: db}
}

// Save сохраняет сводку последнего прохода (upsert).
func (r *jobSummaryRepo) Save(ctx context.Context, s *model.JobSummary) error {
	query := `
		INSERT INTO job_summaries (
			job_name, pass_id, trigger_kind, state, skip_reason, started_at, finished_at,
			sources_attempted, sources_succeeded, sources_failed,
			queue_processed, queue_skipped, queue_stale,
			items_fetched, items_evicted, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (job_name) DO UPDATE
		SET pass_id = EXCLUDED.pass_id,
			trigger_kind = EXCLUDED.trigger_kind,
			state = EXCLUDED.state,
			skip_reason = EXCLUDED.skip_reason,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			sources_attempted = EXCLUDED.sources_attempted,
			sources_succeeded = EXCLUDED.sources_succeeded,
			sources_failed = EXCLUDED.sources_failed,
			queue_processed = EXCLUDED.queue_processed,
			queue_skipped = EXCLUDED.queue_skipped,
			queue_stale = EXCLUDED.queue_stale,
			items_fetched = EXCLUDED.items_fetched,
			items_evicted = EXCLUDED.items_evicted,
			updated_at = NOW()`

	_, err := r.db.Exec(ctx, query,
		s.JobName, s.PassID, string(s.Trigger), string(s.State), s.SkipReason, s.StartedAt, s.FinishedAt,
		s.SourcesAttempted, s.SourcesSucceeded, s.SourcesFailed,
		s.QueueProcessed, s.QueueSkipped, s.QueueStale,
		s.ItemsFetched, s.ItemsEvicted,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения сводки %s: %w", s.JobName, err)
	}
	return nil
}

// Get возвращает сводку последнего прохода.
func (r *jobSummaryRepo) Get(ctx context.Context, jobName string) (*model.JobSummary, error) {
	query := `
		SELECT job_name, pass_id, trigger_kind, state, skip_reason, started_at, finished_at,
			sources_attempted, sources_succeeded, sources_failed,
			queue_processed, queue_skipped, queue_stale,
			items_fetched, items_evicted
		FROM job_summaries
		WHERE job_name = $1`

	var (
		s              model.JobSummary
		trigger, state string
	)
	err := r.db.QueryRow(ctx, query, jobName).Scan(
		&s.JobName, &s.PassID, &trigger, &state, &s.SkipReason, &s.StartedAt, &s.FinishedAt,
		&s.SourcesAttempted, &s.SourcesSucceeded, &s.SourcesFailed,
		&s.QueueProcessed, &s.QueueSkipped, &s.QueueStale,
		&s.ItemsFetched, &s.ItemsEvicted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сводки %s: %w", jobName, err)
	}
	s.Trigger = model.RunTrigger(trigger)
	s.State = model.PassState(state)
	return &s, nil
}
