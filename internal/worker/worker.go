// Package worker drains the audit job queue into Postgres.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/audit"
	"github.com/meetsync/backend/pkg/queue"
)

const retryBackoff = 10 * time.Second

// AuditProcessor persists queued audit events.
type AuditProcessor struct {
	repo   *audit.Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewAuditProcessor creates an audit record processor.
func NewAuditProcessor(repo *audit.Repository, q *queue.Queue, logger *zap.Logger) *AuditProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditProcessor{repo: repo, queue: q, logger: logger}
}

// Process executes one audit record job. Inserts are idempotent on event ID,
// so a redelivered job is harmless.
func (p *AuditProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAuditRecord {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.AuditPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	event := &audit.Event{
		ID:         payload.EventID,
		MeetingKey: payload.MeetingKey,
		Kind:       payload.Kind,
		ActorKey:   payload.ActorKey,
		TargetKey:  payload.TargetKey,
		Detail:     payload.Detail,
		OccurredAt: payload.OccurredAt,
	}
	if err := p.repo.Insert(ctx, event); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	p.logger.Debug("audit event recorded",
		zap.String("event_id", payload.EventID.String()),
		zap.String("kind", payload.Kind),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AuditProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("audit worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(retryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(retryBackoff)
			continue
		}
	}
}
