package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	casesStarted   prometheus.Counter
	casesCompleted prometheus.Counter
	casesCancelled prometheus.Counter
	tasksCompleted prometheus.Counter
	dispatchSteps  prometheus.Histogram
}

var (
	metricsOnce   sync.Once
	sharedMetrics *engineMetrics
)

// metrics returns the process-wide engine metrics. They live on the default
// prometheus registry so multiple engines (tests spin up many) share one set
// of collectors.
func (e *Engine) metrics() *engineMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = &engineMetrics{
			casesStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "caseflow_cases_started_total",
				Help: "Number of cases started.",
			}),
			casesCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "caseflow_cases_completed_total",
				Help: "Number of cases that reached an end event.",
			}),
			casesCancelled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "caseflow_cases_cancelled_total",
				Help: "Number of cases cancelled.",
			}),
			tasksCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "caseflow_tasks_completed_total",
				Help: "Number of task completions applied.",
			}),
			dispatchSteps: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "caseflow_dispatch_steps",
				Help:    "Dispatch loop steps per engine command.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			}),
		}
	})
	return sharedMetrics
}
