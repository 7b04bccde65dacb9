package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "cautiond_pipeline_duration_seconds",
	Help:    "End-to-end card processing pipeline duration by outcome.",
	Buckets: prometheus.DefBuckets,
}, []string{"outcome"})
