// SPDX-License-Identifier: AGPL-3.0-only

package functions

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tracker is notified around every function execution. It is used for observability only.
type Tracker interface {
	FunctionStarted(f *Function, args [][]any)
	FunctionFinished(f *Function, args [][]any, start, end time.Time)
}

type noopTracker struct{}

func (noopTracker) FunctionStarted(*Function, [][]any)                         {}
func (noopTracker) FunctionFinished(*Function, [][]any, time.Time, time.Time) {}

// MetricsTracker records function execution times.
type MetricsTracker struct {
	duration prometheus.Histogram
}

func NewMetricsTracker(reg prometheus.Registerer) *MetricsTracker {
	return &MetricsTracker{
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "linescript_function_call_duration_seconds",
			Help:    "Time spent executing function bodies.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (t *MetricsTracker) FunctionStarted(*Function, [][]any) {}

func (t *MetricsTracker) FunctionFinished(_ *Function, _ [][]any, start, end time.Time) {
	t.duration.Observe(end.Sub(start).Seconds())
}
