package speechd

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/events"
	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/harunnryd/speechd/pkg/redact"
	"github.com/harunnryd/speechd/pkg/speech"
)

// Orchestrator applies inbound events to the engine. Apply and the routed
// handlers must be called from a single goroutine; TurenID and TraceID may be
// read from any goroutine.
type Orchestrator struct {
	engine speech.Engine
	gate   *Gate
	obs    metrics.Observer
	logger *slog.Logger

	mu    sync.Mutex
	state State

	turenID atomic.Int32
	traceID atomic.Pointer[string]
}

func NewOrchestrator(engine speech.Engine, gate *Gate, obs metrics.Observer) *Orchestrator {
	if gate == nil {
		gate = NewGate()
	}
	return &Orchestrator{
		engine: engine,
		gate:   gate,
		obs:    obs,
		logger: logging.NewComponentLogger(slog.Default(), "orchestrator"),
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// TurenID is the correlation id of the most recent wake.
func (o *Orchestrator) TurenID() int32 { return o.turenID.Load() }

// TraceID is the trace id generated for the most recent wake.
func (o *Orchestrator) TraceID() string {
	if p := o.traceID.Load(); p != nil {
		return *p
	}
	return ""
}

func (o *Orchestrator) Gate() *Gate { return o.gate }

// Routes binds every inbound topic to its handler.
func (o *Orchestrator) Routes(t Topics) map[string]Handler {
	return map[string]Handler{
		t.PrepareOptions: handle(o, events.DecodePrepareOptions),
		t.SessionOptions: handle(o, events.DecodeSessionOptions),
		t.Stack:          handle(o, events.DecodeStack),
		t.Wake:           handle(o, events.DecodeWake),
		t.Voice:          handle(o, events.DecodeVoice),
		t.Sleep:          handle(o, events.DecodeSleep),
	}
}

func handle[E events.Event](o *Orchestrator, decode func([]byte) (E, error)) Handler {
	return func(ctx context.Context, payload []byte) {
		ev, err := decode(payload)
		if err != nil {
			var zero E
			o.rejected(ctx, zero.Kind(), err)
			return
		}
		_ = o.Apply(ctx, ev)
	}
}

func (o *Orchestrator) rejected(ctx context.Context, kind events.Kind, err error) {
	o.logger.Warn("message_rejected",
		slog.String("kind", string(kind)),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()),
	)
	metrics.Record(o.obs, metrics.EventMessageMalformed, map[string]string{
		metrics.TagReason: string(errorsx.Reason(err)),
		"kind":            string(kind),
	})
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "rejected")
}

// Apply runs one decoded event: it computes the transition, performs the
// engine calls in order, then commits the new state. A rejected event leaves
// the state untouched and makes no engine calls.
func (o *Orchestrator) Apply(ctx context.Context, ev events.Event) error {
	cur := o.Snapshot()
	next, calls, err := Step(cur, ev)
	if err != nil {
		o.rejected(ctx, ev.Kind(), err)
		return err
	}
	if _, ok := ev.(events.Wake); ok {
		next.TraceID = uuid.NewString()
	}

	next = o.run(ctx, cur, next, calls)

	o.mu.Lock()
	o.state = next
	o.mu.Unlock()
	o.turenID.Store(next.TurenID)
	if next.TraceID != cur.TraceID {
		id := next.TraceID
		o.traceID.Store(&id)
	}

	o.after(ev, next, len(calls))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, cur, next State, calls []EngineCall) State {
	for _, c := range calls {
		switch c.Method {
		case CallPrepare:
			if err := o.engine.Prepare(c.Prepare); err != nil {
				// Engine calls are fire-and-forget; the gate still opens.
				o.logger.Warn("engine_prepare_failed",
					slog.String("error", err.Error()),
					slog.String("reason", string(errorsx.Reason(err))),
				)
				trace.SpanFromContext(ctx).RecordError(err)
			}
		case CallConfig:
			o.engine.Config(c.Options)
		case CallCancel:
			o.engine.Cancel(c.ID)
			o.logger.Info("session_cancelled", slog.Int("session_id", int(c.ID)))
			metrics.Record(o.obs, metrics.EventSessionCancelled, map[string]string{
				metrics.TagTraceID: cur.TraceID,
				metrics.TagTurenID: strconv.Itoa(int(cur.TurenID)),
			})
		case CallStartVoice:
			id := o.engine.StartVoice(c.Voice)
			tags := map[string]string{
				metrics.TagTraceID: next.TraceID,
				metrics.TagTurenID: strconv.Itoa(int(next.TurenID)),
			}
			if id <= 0 {
				next.SessionID = speech.InactiveSession
				o.logger.Warn("session_start_failed",
					slog.Int("turen_id", int(next.TurenID)),
					slog.Int("handle", int(id)),
				)
				metrics.Record(o.obs, metrics.EventSessionFailed, tags)
				continue
			}
			next.SessionID = id
			o.logger.Info("session_started",
				slog.Int("session_id", int(id)),
				slog.Int("turen_id", int(next.TurenID)),
				slog.String("stack", c.Voice.Stack),
				slog.String("trace_id", next.TraceID),
			)
			metrics.Record(o.obs, metrics.EventSessionStarted, tags)
		case CallPutVoice:
			o.engine.PutVoice(c.ID, c.Data)
			metrics.Record(o.obs, metrics.EventVoiceForwarded, map[string]string{metrics.TagTraceID: cur.TraceID})
		case CallEndVoice:
			o.engine.EndVoice(c.ID)
			o.logger.Info("session_ended", slog.Int("session_id", int(c.ID)))
			metrics.Record(o.obs, metrics.EventSessionEnded, map[string]string{
				metrics.TagTraceID: cur.TraceID,
				metrics.TagTurenID: strconv.Itoa(int(cur.TurenID)),
			})
		}
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Int("speechd.engine_calls", len(calls)),
			attribute.Int("speechd.session_id", int(next.SessionID)),
		)
	}
	return next
}

func (o *Orchestrator) after(ev events.Event, next State, calls int) {
	switch e := ev.(type) {
	case events.PrepareOptions:
		o.logger.Info("prepare_applied",
			slog.String("endpoint", next.Endpoint.String()),
			slog.String("key", redact.Secret(e.Key)),
			slog.String("device_id", e.DeviceID),
		)
		metrics.Record(o.obs, metrics.EventPrepareApplied, nil)
		if o.gate.Open() {
			o.logger.Info("poll_gate_opened")
			metrics.Record(o.obs, metrics.EventGateOpened, nil)
		}
	case events.SessionOptions:
		o.logger.Debug("session_options_applied", slog.Any("changed", e.Options().Changed()))
		metrics.Record(o.obs, metrics.EventOptionsApplied, nil)
	case events.Stack:
		o.logger.Debug("stack_set", slog.String("stack", next.Stack))
	case events.Voice:
		if calls == 0 {
			o.logger.Debug("voice_dropped", slog.Int("bytes", len(e.Payload)))
			metrics.Record(o.obs, metrics.EventVoiceDropped, nil)
		}
	case events.Sleep:
		if calls == 0 {
			o.logger.Debug("sleep_ignored")
		}
	}
}
