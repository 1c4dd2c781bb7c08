package worker

import (
	"context"
	"log/slog"

	"presenza/internal/attendance"
	"presenza/internal/metrics"
	"presenza/internal/queue"
)

// Recomputer reconciles a whole class day.
type Recomputer interface {
	RecomputeDay(ctx context.Context, adminID, day string) (map[attendance.ReconcileOutcome]int, error)
}

// Run processes recompute jobs until messages is closed.
// No retry: a failed job is logged and the admin can enqueue it again.
func Run(ctx context.Context, svc Recomputer, messages <-chan queue.Message, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for msg := range messages {
		job, err := msg.Recompute()
		if err != nil {
			logger.Warn("skipping message", "type", msg.Type, "err", err)
			metrics.RecomputeJobs.WithLabelValues("invalid").Inc()
			continue
		}
		counts, err := svc.RecomputeDay(ctx, job.AdminID, job.Day)
		if err != nil {
			logger.Error("recompute failed", "admin_id", job.AdminID, "day", job.Day, "err", err)
			metrics.RecomputeJobs.WithLabelValues("failed").Inc()
			continue
		}
		metrics.RecomputeJobs.WithLabelValues("ok").Inc()
		logger.Info("recompute done", "admin_id", job.AdminID, "day", job.Day,
			"created", counts[attendance.ReconcileCreated], "partial", counts[attendance.ReconcilePartial])
	}
}
