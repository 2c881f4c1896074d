package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	parityMaxAbsDiff = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cortex_parity_max_abs_diff",
		Help: "Largest absolute difference between reference and candidate in the last case of each kernel",
	}, []string{"kernel"})

	parityCases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_parity_cases_total",
		Help: "Parity cases by kernel and result (pass, fail, error)",
	}, []string{"kernel", "result"})

	replayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_replay_requests_total",
		Help: "Replay requests by HTTP status class",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cortex_request_duration_seconds",
		Help:    "Time spent processing replay requests",
		Buckets: prometheus.DefBuckets,
	})
)

func observeResult(kernel string, diff float32, passed bool, err error) {
	switch {
	case err != nil:
		parityCases.WithLabelValues(kernel, "error").Inc()
		return
	case passed:
		parityCases.WithLabelValues(kernel, "pass").Inc()
	default:
		parityCases.WithLabelValues(kernel, "fail").Inc()
	}
	parityMaxAbsDiff.WithLabelValues(kernel).Set(float64(diff))
}
