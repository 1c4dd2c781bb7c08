package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans counts scan attempts by outcome.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presenza",
		Name:      "scans_total",
		Help:      "Scan attempts by outcome.",
	}, []string{"outcome"})

	// DailyRecords counts daily attendance records written, by source.
	DailyRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presenza",
		Name:      "daily_records_total",
		Help:      "Daily attendance records written, by source.",
	}, []string{"source"})

	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presenza",
		Name:      "sessions_opened_total",
		Help:      "Session open requests, split by whether a new secret was minted.",
	}, []string{"created"})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presenza",
		Name:      "sessions_expired_total",
		Help:      "Scan sessions deleted by the expiry sweep.",
	})

	RecomputeJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presenza",
		Name:      "recompute_jobs_total",
		Help:      "Day recompute jobs processed by the worker.",
	}, []string{"result"})
)
