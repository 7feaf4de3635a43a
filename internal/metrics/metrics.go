package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketlake/logger"
)

// Metric represents a structured metric event emitted within the application.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Handler consumes structured metric events for downstream processing.
type Handler func(Metric)

// Registry fans metric events out to handlers and keeps the Prometheus
// counters the /metrics endpoint serves. One Registry is constructed at
// startup and passed to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler

	promReg  *prometheus.Registry
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	promReg := prometheus.NewRegistry()

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlake_events_total",
			Help: "Counter metrics emitted by marketlake components",
		},
		[]string{"component", "metric"},
	)
	gauges := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketlake_gauge",
			Help: "Gauge metrics emitted by marketlake components",
		},
		[]string{"component", "metric"},
	)

	promReg.MustRegister(counters)
	promReg.MustRegister(gauges)
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		promReg:  promReg,
		counters: counters,
		gauges:   gauges,
	}
}

// Connect wires the registry into the logger's metric stream so every
// LogMetric call is observed here.
func (r *Registry) Connect() {
	logger.RegisterMetricSink(func(component, metric string, value interface{}, metricType string, fields logger.Fields) {
		r.Record(Metric{
			Timestamp: time.Now(),
			Component: component,
			Name:      metric,
			Value:     value,
			Type:      metricType,
			Fields:    fields,
		})
	})
}

// Register adds a handler that will receive every emitted metric.
func (r *Registry) Register(handler Handler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	r.mu.Unlock()
}

// Record dispatches one metric event to Prometheus and all handlers.
func (r *Registry) Record(m Metric) {
	if m.Name == "" {
		return
	}
	if v, ok := numericValue(m.Value); ok {
		switch m.Type {
		case "gauge":
			r.gauges.WithLabelValues(m.Component, m.Name).Set(v)
		default:
			r.counters.WithLabelValues(m.Component, m.Name).Add(v)
		}
	}

	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

// HTTPHandler serves the Prometheus exposition endpoint.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.promReg, promhttp.HandlerOpts{})
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
