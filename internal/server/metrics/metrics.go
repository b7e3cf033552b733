// Package metrics exports object storage, batch and HTTP telemetry to
// Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for the upload workflow.
type Observer interface {
	RecordStorage(op string, duration time.Duration, err error)
	RecordBatch(uploadedBy string, files int, err error)
	RecordRequest(method, route string, status int, duration time.Duration)
}

// PrometheusObserver exports metrics to Prometheus.
type PrometheusObserver struct {
	storageDuration *prometheus.HistogramVec
	storageErrors   *prometheus.CounterVec
	batches         *prometheus.CounterVec
	batchFiles      prometheus.Counter
	httpDuration    *prometheus.HistogramVec
}

// NewPrometheusObserver registers the metric families under namespace.
// Registering twice on the same registerer reuses the existing collectors.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "opsportal"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	o := &PrometheusObserver{}

	o.storageDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Latency of object storage gateway operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}
	o.storageErrors, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operation_errors_total",
		Help:      "Count of object storage gateway failures.",
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}
	o.batches, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "uploads",
		Name:      "batches_total",
		Help:      "Recorded upload batches by uploader role and outcome.",
	}, []string{"uploaded_by", "outcome"}))
	if err != nil {
		return nil, err
	}
	o.batchFiles, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "uploads",
		Name:      "files_total",
		Help:      "Files referenced by successfully recorded batches.",
	}))
	if err != nil {
		return nil, err
	}
	o.httpDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"}))
	if err != nil {
		return nil, err
	}

	return o, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// RecordStorage tracks a gateway call.
func (o *PrometheusObserver) RecordStorage(op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.storageDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.storageErrors.WithLabelValues(op).Inc()
	}
}

// RecordBatch counts a RecordBatch outcome.
func (o *PrometheusObserver) RecordBatch(uploadedBy string, files int, err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.batches.WithLabelValues(uploadedBy, "error").Inc()
		return
	}
	o.batches.WithLabelValues(uploadedBy, "ok").Inc()
	o.batchFiles.Add(float64(files))
}

// RecordRequest observes one served HTTP request.
func (o *PrometheusObserver) RecordRequest(method, route string, status int, duration time.Duration) {
	if o == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	o.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// Nop discards all telemetry.
type Nop struct{}

func (Nop) RecordStorage(string, time.Duration, error)       {}
func (Nop) RecordBatch(string, int, error)                   {}
func (Nop) RecordRequest(string, string, int, time.Duration) {}
