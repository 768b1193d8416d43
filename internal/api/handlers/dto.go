// dto.go — JSON-представления ответов API.
package handlers

import (
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/service"
)

type queueEntryDTO struct {
	Seq         int64     `json:"seq"`
	SourceID    int64     `json:"source_id"`
	RequestedBy string    `json:"requested_by"`
	RequestID   string    `json:"request_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

type jobStatusDTO struct {
	JobName        string                 `json:"job_name"`
	Running        bool                   `json:"running"`
	Holder         string                 `json:"holder,omitempty"`
	Paused         bool                   `json:"paused"`
	LastRunAt      *time.Time             `json:"last_run_at"`
	QueueDepth     int                    `json:"queue_depth"`
	Queue          []queueEntryDTO        `json:"queue"`
	RetentionStats []model.RetentionStats `json:"retention"`
	LastSummary    *model.JobSummary      `json:"last_summary"`
	Schedule       string                 `json:"schedule,omitempty"`
	NextRunAt      *time.Time             `json:"next_run_at,omitempty"`
}

type triggerResultDTO struct {
	Outcome  string                 `json:"outcome"`
	Source   *service.SourceOutcome `json:"source,omitempty"`
	Summary  *model.JobSummary      `json:"summary,omitempty"`
	Position int                    `json:"position,omitempty"`
	Entry    *queueEntryDTO         `json:"entry,omitempty"`
}

type runRecordDTO struct {
	ID           int64            `json:"id"`
	PassID       string           `json:"pass_id"`
	JobName      string           `json:"job_name"`
	SourceID     int64            `json:"source_id"`
	Trigger      model.RunTrigger `json:"trigger"`
	Status       model.RunStatus  `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at"`
	ItemsFound   int              `json:"items_found"`
	ItemsFetched int              `json:"items_fetched"`
	ItemsSkipped int              `json:"items_skipped"`
	ErrorMessage *string          `json:"error_message"`
}

type sourceDTO struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Cap           int        `json:"cap"`
	Enabled       bool       `json:"enabled"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// --- Конвертеры ---

func toQueueEntryDTO(e *model.QueueEntry) queueEntryDTO {
	return queueEntryDTO{
		Seq:         e.Seq,
		SourceID:    e.SourceID,
		RequestedBy: e.RequestedBy,
		RequestID:   e.RequestID,
		EnqueuedAt:  e.EnqueuedAt,
	}
}

func toQueueDTO(entries []model.QueueEntry) []queueEntryDTO {
	out := make([]queueEntryDTO, 0, len(entries))
	for i := range entries {
		out = append(out, toQueueEntryDTO(&entries[i]))
	}
	return out
}

func toJobStatusDTO(s *service.JobStatus) jobStatusDTO {
	stats := s.RetentionStats
	if stats == nil {
		stats = []model.RetentionStats{}
	}
	return jobStatusDTO{
		JobName:        s.JobName,
		Running:        s.Running,
		Holder:         s.Holder,
		Paused:         s.Paused,
		LastRunAt:      s.LastRunAt,
		QueueDepth:     s.QueueDepth,
		Queue:          toQueueDTO(s.Queue),
		RetentionStats: stats,
		LastSummary:    s.LastSummary,
		Schedule:       s.Schedule,
		NextRunAt:      s.NextRunAt,
	}
}

func toTriggerResultDTO(r *service.TriggerResult) triggerResultDTO {
	dto := triggerResultDTO{
		Outcome:  r.Outcome,
		Source:   r.Source,
		Summary:  r.Summary,
		Position: r.Position,
	}
	if r.Entry != nil {
		e := toQueueEntryDTO(r.Entry)
		dto.Entry = &e
	}
	return dto
}

func toRunRecordDTO(r *model.RunRecord) runRecordDTO {
	return runRecordDTO{
		ID:           r.ID,
		PassID:       r.PassID,
		JobName:      r.JobName,
		SourceID:     r.SourceID,
		Trigger:      r.Trigger,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ItemsFound:   r.ItemsFound,
		ItemsFetched: r.ItemsFetched,
		ItemsSkipped: r.ItemsSkipped,
		ErrorMessage: r.ErrorMessage,
	}
}

func toSourceDTO(s *model.Source) sourceDTO {
	return sourceDTO{
		ID:            s.ID,
		Name:          s.Name,
		URL:           s.URL,
		Cap:           s.Cap,
		Enabled:       s.Enabled,
		LastCheckedAt: s.LastCheckedAt,
		CreatedAt:     s.CreatedAt,
	}
}
