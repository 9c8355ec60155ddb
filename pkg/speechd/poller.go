package speechd

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/speechd/pkg/events"
	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/harunnryd/speechd/pkg/speech"
	"github.com/harunnryd/speechd/pkg/transports"
)

// Correlator supplies the ids attached to outbound results.
type Correlator interface {
	TurenID() int32
	TraceID() string
}

type PollerOptions struct {
	Engine     speech.Engine
	Gate       *Gate
	Handle     *TransportHandle
	Signal     *ReconnectSignal
	Correlator Correlator
	Topics     Topics
	Observer   metrics.Observer
	// PublishTimeout bounds each Post; zero means no bound beyond ctx.
	PublishTimeout time.Duration
	// ErrorBackoff is the pause after a Poll error that is not terminal.
	ErrorBackoff time.Duration
}

// Poller waits for the first prepare, then turns engine results into
// outbound bus events for the rest of the process lifetime.
type Poller struct {
	opts   PollerOptions
	logger *slog.Logger
}

func NewPoller(opts PollerOptions) *Poller {
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 100 * time.Millisecond
	}
	return &Poller{
		opts:   opts,
		logger: logging.NewComponentLogger(slog.Default(), "poller"),
	}
}

// Run blocks on the gate, then polls until ctx is done or the engine closes.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.opts.Gate.Wait(ctx); err != nil {
		return err
	}
	p.logger.Info("polling_started", slog.String("engine", p.opts.Engine.Name()))
	for {
		r, err := p.opts.Engine.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, speech.ErrEngineClosed) {
				p.logger.Info("polling_stopped")
				return nil
			}
			p.logger.Warn("poll_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.opts.ErrorBackoff):
			}
			continue
		}
		p.Deliver(ctx, r)
	}
}

// Outbound maps a result to its topic and payload. Results that are not
// published report ok=false.
func (p *Poller) Outbound(r speech.Result) (topic string, payload []byte, ok bool) {
	turen := p.opts.Correlator.TurenID()
	switch r.Type {
	case speech.ResultASRFinish:
		return p.opts.Topics.FinalASR, events.FinalASR{Transcript: r.ASR, TurenID: turen}.Encode(), true
	case speech.ResultEnd:
		return p.opts.Topics.NLP, events.NLPResult{NLP: r.NLP, Action: r.Action}.Encode(), true
	case speech.ResultError:
		return p.opts.Topics.Error, events.ErrorResult{Code: int32(r.Err), TurenID: turen}.Encode(), true
	}
	return "", nil, false
}

// Deliver publishes one result. A lost connection raises the reconnect
// signal and drops the result; there is no retry.
func (p *Poller) Deliver(ctx context.Context, r speech.Result) bool {
	traceID := p.opts.Correlator.TraceID()
	turen := strconv.Itoa(int(p.opts.Correlator.TurenID()))
	metrics.Record(p.opts.Observer, metrics.EventResult, map[string]string{
		metrics.TagResult:  r.Type.String(),
		metrics.TagTraceID: traceID,
	})

	topic, payload, ok := p.Outbound(r)
	if !ok {
		p.logger.Debug("result_not_published",
			slog.String("result", r.Type.String()),
			slog.Int("session_id", int(r.ID)),
		)
		return false
	}
	tags := map[string]string{
		metrics.TagTopic:   topic,
		metrics.TagResult:  r.Type.String(),
		metrics.TagTraceID: traceID,
		metrics.TagTurenID: turen,
	}

	t := p.opts.Handle.Load()
	if t == nil {
		p.logger.Info("publish_skipped",
			slog.String("topic", topic),
			slog.String("reason", "no_transport"),
		)
		metrics.Record(p.opts.Observer, metrics.EventPublishSkipped, tags)
		return false
	}

	ctx, span := tracer.Start(ctx, "publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("bus.topic", topic),
			attribute.String("speech.result", r.Type.String()),
			attribute.String("speechd.turen_id", turen),
		))
	defer span.End()

	if p.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PublishTimeout)
		defer cancel()
	}
	err := t.Post(ctx, topic, payload, transports.Instant)
	if err == nil {
		p.logger.Debug("result_published", slog.String("topic", topic), slog.String("trace_id", traceID))
		metrics.Record(p.opts.Observer, metrics.EventPublish, tags)
		return true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "post failed")
	metrics.Record(p.opts.Observer, metrics.EventPublishFailed, tags)
	if errors.Is(err, transports.ErrConnLost) {
		p.opts.Signal.Raise(t, "post_conn_lost")
		return false
	}
	p.logger.Warn("publish_failed",
		slog.String("topic", topic),
		slog.String("error", err.Error()),
	)
	return false
}
