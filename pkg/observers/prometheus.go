package observers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/speechd/pkg/metrics"
)

// PrometheusObserver exports orchestrator events as Prometheus series.
type PrometheusObserver struct {
	events        *prometheus.CounterVec
	results       *prometheus.CounterVec
	activeSession prometheus.Gauge
	reconnects    prometheus.Counter
}

// NewPrometheusObserver registers the collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speechd",
			Name:      "events_total",
			Help:      "Orchestrator events by name and topic.",
		}, []string{"event", "topic"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speechd",
			Name:      "engine_results_total",
			Help:      "Engine results received by the poll loop, by type.",
		}, []string{"result"}),
		activeSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speechd",
			Name:      "session_active",
			Help:      "1 while a voice session is active.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "speechd",
			Name:      "reconnect_signals_total",
			Help:      "Times the transport was invalidated after a lost connection.",
		}),
	}
	for _, c := range []prometheus.Collector{o.events, o.results, o.activeSession, o.reconnects} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	topic := ""
	if ev.Tags != nil {
		topic = ev.Tags[metrics.TagTopic]
	}
	o.events.WithLabelValues(ev.Name, topic).Inc()
	switch ev.Name {
	case metrics.EventResult:
		o.results.WithLabelValues(ev.Tags[metrics.TagResult]).Inc()
	case metrics.EventSessionStarted:
		o.activeSession.Set(1)
	case metrics.EventSessionEnded, metrics.EventSessionCancelled:
		o.activeSession.Set(0)
	case metrics.EventReconnectSignal:
		o.reconnects.Inc()
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
