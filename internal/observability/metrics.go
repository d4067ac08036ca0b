package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FetchObserver exports per-attempt transport metrics to Prometheus.
type FetchObserver struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	runtime  *prometheus.GaugeVec
}

// NewFetchObserver registers the fetch metrics on reg. Registering twice on the
// same registry reuses the existing collectors.
func NewFetchObserver(namespace string, reg prometheus.Registerer) (*FetchObserver, error) {
	if namespace == "" {
		namespace = "cardscout"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "attempts_total",
		Help:      "Transport attempts by strategy, outcome and reason code.",
	}, []string{"strategy", "outcome", "reason"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of a single transport attempt.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"strategy"})
	runtime := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "available",
		Help:      "1 when the sandboxed runtime loaded successfully, 0 when it is unavailable.",
	}, []string{"runtime"})

	var err error
	if attempts, err = registerOrReuse(reg, attempts); err != nil {
		return nil, fmt.Errorf("register fetch attempts counter: %w", err)
	}
	if duration, err = registerOrReuse(reg, duration); err != nil {
		return nil, fmt.Errorf("register fetch duration histogram: %w", err)
	}
	if runtime, err = registerOrReuse(reg, runtime); err != nil {
		return nil, fmt.Errorf("register runtime gauge: %w", err)
	}

	return &FetchObserver{attempts: attempts, duration: duration, runtime: runtime}, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordAttempt tracks one transport attempt. Safe to call on a nil observer.
func (o *FetchObserver) RecordAttempt(strategy, outcome, reason string, elapsed time.Duration) {
	if o == nil {
		return
	}
	o.attempts.WithLabelValues(strategy, outcome, reason).Inc()
	o.duration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// RecordRuntimeAvailability stores the cached outcome of a runtime load.
func (o *FetchObserver) RecordRuntimeAvailability(name string, available bool) {
	if o == nil {
		return
	}
	value := 0.0
	if available {
		value = 1
	}
	o.runtime.WithLabelValues(name).Set(value)
}
