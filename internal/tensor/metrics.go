package tensor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cortex_tensor_pool_hits_total",
		Help: "Total number of tensor buffers served from the pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cortex_tensor_pool_misses_total",
		Help: "Total number of tensor buffer pool misses (allocations)",
	})

	poolOutstandingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_tensor_pool_outstanding_bytes",
		Help: "Bytes currently rented from the tensor pool and not yet returned",
	})
)
