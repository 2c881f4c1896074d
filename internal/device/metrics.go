package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortex_kernel_duration_seconds",
		Help:    "Kernel execution time by backend and kernel",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"backend", "kernel"})

	kernelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_kernel_errors_total",
		Help: "Kernel calls that returned an error, by backend and kernel",
	}, []string{"backend", "kernel"})
)
