package attendance

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"presenza/internal/metrics"
)

// ReconcileOutcome describes what ReconcileDaily decided.
type ReconcileOutcome string

const (
	ReconcileCreated               ReconcileOutcome = "created"
	ReconcileAlreadyRecorded       ReconcileOutcome = "already_recorded"
	ReconcilePartial               ReconcileOutcome = "partial"
	ReconcileTimetableUnconfigured ReconcileOutcome = "timetable_unconfigured"
)

// Reconciliation is the result of one ReconcileDaily call. Record is set only when created.
type Reconciliation struct {
	Outcome ReconcileOutcome `json:"outcome"`
	Record  *DailyRecord     `json:"record,omitempty"`
}

// Aggregator promotes a full day of slot presences into a daily PRESENT record.
type Aggregator struct {
	store  DailyStore
	now    func() time.Time
	logger *slog.Logger
}

// NewAggregator creates an aggregator writing through store.
func NewAggregator(store DailyStore, now func() time.Time, logger *slog.Logger) *Aggregator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, now: now, logger: logger}
}

// ReconcileDaily creates an AUTO PRESENT record when confirmed equals scheduled and none exists yet.
// A zero schedule means the timetable is unconfigured, not that the student was absent.
// adminID scopes the record to a class; uniqueness is per (student, day) regardless.
func (a *Aggregator) ReconcileDaily(ctx context.Context, adminID, studentID, day string, scheduled, confirmed int) (Reconciliation, error) {
	if scheduled == 0 {
		return Reconciliation{Outcome: ReconcileTimetableUnconfigured}, nil
	}
	if confirmed != scheduled {
		return Reconciliation{Outcome: ReconcilePartial}, nil
	}

	rec := DailyRecord{
		ID:        uuid.NewString(),
		StudentID: studentID,
		AdminID:   adminID,
		Day:       day,
		Status:    StatusPresent,
		Source:    SourceAuto,
		CreatedAt: a.now().UTC(),
	}
	created, err := a.store.InsertDailyIfAbsent(ctx, rec)
	if err != nil {
		return Reconciliation{}, err
	}
	if !created {
		return Reconciliation{Outcome: ReconcileAlreadyRecorded}, nil
	}

	metrics.DailyRecords.WithLabelValues(string(SourceAuto)).Inc()
	a.logger.Info("daily attendance recorded", "student_id", studentID, "day", day, "slots", scheduled)
	return Reconciliation{Outcome: ReconcileCreated, Record: &rec}, nil
}
