package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convertd_jobs_submitted_total",
		Help: "Number of accepted job submissions",
	})

	submissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convertd_submissions_rejected_total",
		Help: "Number of rejected job submissions",
	}, []string{"reason"})
)
