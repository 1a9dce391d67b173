package batch

import (
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchesStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genbatch_batches_started_total",
		Help: "Total number of batches started",
	})
	BatchesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genbatch_batches_active",
		Help: "Number of batches with unfinished jobs",
	})
	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genbatch_jobs_in_flight",
		Help: "Number of jobs currently executing",
	})
	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genbatch_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal status",
	}, []string{"status"})
	DownloadWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genbatch_download_warnings_total",
		Help: "Jobs that generated successfully but could not be copied locally",
	})
)

func init() {
	prometheus.MustRegister(BatchesStartedTotal, BatchesActive, JobsInFlight, JobsFinishedTotal, DownloadWarningsTotal)
}

func recordOutcome(o jobs.Outcome) {
	JobsFinishedTotal.WithLabelValues(string(o.Status)).Inc()
	if o.Result[jobs.ResultWarning] != "" {
		DownloadWarningsTotal.Inc()
	}
}
