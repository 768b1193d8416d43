package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

type jobSummaryRepo struct {
	db DBTX
}

func (r *jobSummaryRepo) Save(ctx context.Context, s *model.JobSummary) error {
	query := `
		INSERT INTO job_summaries (
			job_name, pass_id, trigger_kind, state, skip_reason, started_at, finished_at,
			sources_attempted, sources_succeeded, sources_failed,
			queue_processed, queue_skipped, queue_stale,
			items_fetched, items_evicted, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_name) DO UPDATE
		SET pass_id = excluded.pass_id,
			trigger_kind = excluded.trigger_kind,
			state = excluded.state,
			skip_reason = excluded.skip_reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			sources_attempted = excluded.sources_attempted,
			sources_succeeded = excluded.sources_succeeded,
			sources_failed = excluded.sources_failed,
			queue_processed = excluded.queue_processed,
			queue_skipped = excluded.queue_skipped,
			queue_stale = excluded.queue_stale,
			items_fetched = excluded.items_fetched,
			items_evicted = excluded.items_evicted,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		s.JobName, s.PassID, string(s.Trigger), string(s.State), s.SkipReason,
		formatTime(s.StartedAt), formatTime(s.FinishedAt),
		s.SourcesAttempted, s.SourcesSucceeded, s.SourcesFailed,
		s.QueueProcessed, s.QueueSkipped, s.QueueStale,
		s.ItemsFetched, s.ItemsEvicted, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения сводки %s: %w", s.JobName, err)
	}
	return nil
}

func (r *jobSummaryRepo) Get(ctx context.Context, jobName string) (*model.JobSummary, error) {
	var (
		s                     model.JobSummary
		trigger, state        string
		startedAt, finishedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT job_name, pass_id, trigger_kind, state, skip_reason, started_at, finished_at,
			sources_attempted, sources_succeeded, sources_failed,
			queue_processed, queue_skipped, queue_stale,
			items_fetched, items_evicted
		FROM job_summaries
		WHERE job_name = ?`, jobName,
	).Scan(
		&s.JobName, &s.PassID, &trigger, &state, &s.SkipReason, &startedAt, &finishedAt,
		&s.SourcesAttempted, &s.SourcesSucceeded, &s.SourcesFailed,
		&s.QueueProcessed, &s.QueueSkipped, &s.QueueStale,
		&s.ItemsFetched, &s.ItemsEvicted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения сводки %s: %w", jobName, err)
	}
	s.Trigger = model.RunTrigger(trigger)
	s.State = model.PassState(state)
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if s.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
