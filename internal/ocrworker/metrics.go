package ocrworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cautiond_ocrworker_requests_total",
			Help: "Total number of requests sent to the OCR worker",
		},
		[]string{"command", "status"}, // status: success, error, canceled
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cautiond_ocrworker_queue_depth",
			Help: "Number of requests waiting behind the in-flight request",
		},
	)

	workerStartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cautiond_ocrworker_starts_total",
			Help: "Total number of successful worker process startups",
		},
	)
)
