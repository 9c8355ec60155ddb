package speechd

import (
	"log/slog"
	"sync/atomic"

	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/harunnryd/speechd/pkg/transports"
)

type handleBox struct {
	t transports.Transport
}

// TransportHandle is the shared reference to the live bus transport. The
// poller loads it for every publish; the keepalive installs it and the
// reconnect signal clears it.
type TransportHandle struct {
	p atomic.Pointer[handleBox]
}

// Load returns the live transport, or nil while disconnected.
func (h *TransportHandle) Load() transports.Transport {
	if b := h.p.Load(); b != nil {
		return b.t
	}
	return nil
}

// Store installs t and returns the transport it replaced.
func (h *TransportHandle) Store(t transports.Transport) transports.Transport {
	var next *handleBox
	if t != nil {
		next = &handleBox{t: t}
	}
	if prev := h.p.Swap(next); prev != nil {
		return prev.t
	}
	return nil
}

// Invalidate clears the handle only while it still holds t, so a failure on
// a stale transport cannot drop a newer one.
func (h *TransportHandle) Invalidate(t transports.Transport) bool {
	for {
		b := h.p.Load()
		if b == nil || b.t != t {
			return false
		}
		if h.p.CompareAndSwap(b, nil) {
			return true
		}
	}
}

// ReconnectSignal is raised when a transport reports a lost connection. It
// clears the handle and wakes the keepalive. Raising it again before the
// keepalive has run coalesces into one wakeup.
type ReconnectSignal struct {
	handle *TransportHandle
	ch     chan struct{}
	count  atomic.Int64
	obs    metrics.Observer
	logger *slog.Logger
}

func NewReconnectSignal(handle *TransportHandle, obs metrics.Observer) *ReconnectSignal {
	return &ReconnectSignal{
		handle: handle,
		ch:     make(chan struct{}, 1),
		obs:    obs,
		logger: logging.NewComponentLogger(slog.Default(), "reconnect"),
	}
}

// Raise reports that failed lost its connection.
func (r *ReconnectSignal) Raise(failed transports.Transport, reason string) {
	cleared := r.handle.Invalidate(failed)
	r.count.Add(1)
	r.logger.Warn("transport_disconnected",
		slog.String("reason", reason),
		slog.Bool("cleared", cleared),
	)
	metrics.Record(r.obs, metrics.EventReconnectSignal, map[string]string{metrics.TagReason: reason})
	r.wake()
}

func (r *ReconnectSignal) wake() {
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// C delivers one value per coalesced batch of Raise calls.
func (r *ReconnectSignal) C() <-chan struct{} { return r.ch }

// Count is the number of Raise calls so far.
func (r *ReconnectSignal) Count() int64 { return r.count.Load() }
