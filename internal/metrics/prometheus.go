// Package metrics exposes scrape cycle instrumentation to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
)

// Recorder implements airquality.Metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	readingsFetched *prometheus.CounterVec
	sourceFailures  *prometheus.CounterVec
	recordsUploaded *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with Go runtime and process collectors
// registered alongside the cycle metrics.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		readingsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airquality_readings_fetched_total",
			Help: "Readings returned by each upstream source.",
		}, []string{"source"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airquality_source_failures_total",
			Help: "Failed source runs.",
		}, []string{"source"}),
		recordsUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airquality_records_uploaded_total",
			Help: "Upload records accepted by ESDR.",
		}, []string{"connector"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "airquality_cycle_duration_seconds",
			Help:    "Duration of scrape cycles.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		}, []string{"connector", "status"}),
	}

	registry.MustRegister(r.readingsFetched)
	registry.MustRegister(r.sourceFailures)
	registry.MustRegister(r.recordsUploaded)
	registry.MustRegister(r.cycleDuration)

	return r
}

// Registry returns the Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ReadingsFetched(source string, n int) {
	r.readingsFetched.WithLabelValues(source).Add(float64(n))
}

func (r *Recorder) SourceFailed(source string) {
	r.sourceFailures.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordsUploaded(connector string, n int) {
	r.recordsUploaded.WithLabelValues(connector).Add(float64(n))
}

func (r *Recorder) CycleFinished(connector string, d time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "failed"
	}
	r.cycleDuration.WithLabelValues(connector, status).Observe(d.Seconds())
}

var _ airquality.Metrics = (*Recorder)(nil)
