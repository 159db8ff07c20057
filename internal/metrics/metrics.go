// Package metrics owns the service's prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	registry        *prometheus.Registry
	salesRecorded   prometheus.Counter
	saleConflicts   prometheus.Counter
	partialWrites   *prometheus.CounterVec
	saleValidations prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		salesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallypos_sales_recorded_total",
			Help: "Sales recorded with stock decremented.",
		}),
		saleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallypos_sale_conflicts_total",
			Help: "Optimistic stock updates lost to a concurrent sale.",
		}),
		partialWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallypos_sale_partial_writes_total",
			Help: "Sales that stopped midway, by whether compensation succeeded.",
		}, []string{"compensated"}),
		saleValidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tallypos_sale_validation_failures_total",
			Help: "Sale requests rejected before any write.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tallypos_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.salesRecorded,
		r.saleConflicts,
		r.partialWrites,
		r.saleValidations,
		r.requestDuration,
	)
	return r
}

func (r *Recorder) SaleRecorded() {
	if r == nil {
		return
	}
	r.salesRecorded.Inc()
}

func (r *Recorder) SaleConflict() {
	if r == nil {
		return
	}
	r.saleConflicts.Inc()
}

func (r *Recorder) SalePartialWrite(compensated bool) {
	if r == nil {
		return
	}
	r.partialWrites.WithLabelValues(strconv.FormatBool(compensated)).Inc()
}

func (r *Recorder) SaleValidationFailure() {
	if r == nil {
		return
	}
	r.saleValidations.Inc()
}

func (r *Recorder) ObserveRequest(method string, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
