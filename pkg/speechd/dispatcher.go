package speechd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/metrics"
)

// Handler consumes one inbound payload. Handlers never fail the caller;
// decode and apply errors are logged where they happen.
type Handler func(ctx context.Context, payload []byte)

// DispatchTable routes inbound messages by exact topic name. It is built once
// and never mutated, so Dispatch needs no locking.
type DispatchTable struct {
	routes map[string]Handler
	obs    metrics.Observer
	logger *slog.Logger
}

func NewDispatchTable(routes map[string]Handler, obs metrics.Observer) *DispatchTable {
	copied := make(map[string]Handler, len(routes))
	for topic, h := range routes {
		if h != nil {
			copied[topic] = h
		}
	}
	return &DispatchTable{
		routes: copied,
		obs:    obs,
		logger: logging.NewComponentLogger(slog.Default(), "dispatch"),
	}
}

// Topics lists the routed topics, sorted.
func (d *DispatchTable) Topics() []string {
	out := make([]string, 0, len(d.routes))
	for topic := range d.routes {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Covers reports every topic in topics that has no handler.
func (d *DispatchTable) Covers(topics []string) error {
	var missing []string
	for _, topic := range topics {
		if _, ok := d.routes[topic]; !ok {
			missing = append(missing, topic)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("dispatch: no handler for %s", strings.Join(missing, ", "))
	}
	return nil
}

// MustCover panics if a subscribed topic has no handler. It runs at startup,
// where a missing route is a wiring bug.
func (d *DispatchTable) MustCover(topics []string) {
	if err := d.Covers(topics); err != nil {
		panic(err)
	}
}

// Dispatch runs the handler for topic. Unknown topics are logged and
// dropped; the return value reports whether a handler ran.
func (d *DispatchTable) Dispatch(ctx context.Context, topic string, payload []byte) bool {
	h, ok := d.routes[topic]
	if !ok {
		d.logger.Warn("unknown_topic", slog.String("topic", topic))
		metrics.Record(d.obs, metrics.EventMessageUnknown, map[string]string{metrics.TagTopic: topic})
		return false
	}
	ctx, span := tracer.Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("bus.topic", topic),
			attribute.Int("bus.payload_size", len(payload)),
		))
	defer span.End()

	metrics.Record(d.obs, metrics.EventMessageIn, map[string]string{metrics.TagTopic: topic})
	h(ctx, payload)
	return true
}
