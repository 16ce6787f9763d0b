package retry

import (
	"context"
	"time"

	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/task"
)

// Requeuer re-enqueues a due retry record onto its target agent's ready
// queue; internal/queue.Fabric implements this.
type Requeuer interface {
	Enqueue(ctx context.Context, agent string, t *task.Task) error
}

// RunProcessor pulls due retry records every interval (spec default 5s)
// and re-enqueues them with their retry-boosted priority score. Records
// that fail to re-enqueue are archived to the DLQ with reason
// "requeue_failed".
func RunProcessor(ctx context.Context, e *Engine, requeue Requeuer, interval time.Duration, logger logging.Logger) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := e.Due(ctx, time.Now())
			if err != nil {
				logger.Warn("retry processor: pulling due records failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			for _, rec := range due {
				t := rec.Task
				t.RetryMetadata = &task.RetryMetadata{Attempt: rec.Attempt, Class: rec.Class, RetryStartedAt: time.Now()}
				agent := t.PreferredAgent
				if err := requeue.Enqueue(ctx, agent, &t); err != nil {
					logger.Warn("retry processor: requeue failed, archiving", map[string]interface{}{"task_id": rec.TaskID, "error": err.Error()})
					_ = e.dlq.Archive(ctx, rec, "requeue_failed")
				}
			}
		}
	}
}
