package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechd/pkg/metrics"
)

// LatencyObserver logs, per wake trace, the time from session start to the
// published transcript and to the published end of turn.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	max    int
}

type trace struct {
	started  time.Time
	finalASR time.Time
	nlp      time.Time
	turenID  string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
		max:    1024,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	traceID := ev.Tags[metrics.TagTraceID]
	if traceID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[traceID]
	switch ev.Name {
	case metrics.EventSessionStarted:
		if t == nil {
			if len(o.traces) >= o.max {
				// Sessions that never completed; start over rather than grow.
				o.traces = make(map[string]*trace)
			}
			t = &trace{started: ev.Time, turenID: ev.Tags[metrics.TagTurenID]}
			o.traces[traceID] = t
		}
	case metrics.EventPublish:
		if t == nil {
			return
		}
		switch ev.Tags[metrics.TagResult] {
		case "asr_finish":
			if t.finalASR.IsZero() {
				t.finalASR = ev.Time
			}
		case "end", "error":
			t.nlp = ev.Time
			o.logLocked(traceID, t)
			delete(o.traces, traceID)
		}
	case metrics.EventSessionCancelled:
		delete(o.traces, traceID)
	}
}

// Pending returns how many traces are awaiting their end of turn.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logLocked(traceID string, t *trace) {
	o.log.Info("session_latency",
		"trace_id", traceID,
		"turen_id", t.turenID,
		"final_asr_ms", durationMs(t.started, t.finalASR),
		"end_ms", durationMs(t.started, t.nlp),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
