package speechd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/harunnryd/speechd/pkg/resilience"
	"github.com/harunnryd/speechd/pkg/transports"
)

type KeepaliveOptions struct {
	// Build returns a new, unstarted transport.
	Build   func() (transports.Transport, error)
	Handle  *TransportHandle
	Signal  *ReconnectSignal
	Topics  []string
	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker
	// OnInstall runs after a transport is subscribed and installed.
	OnInstall func(ctx context.Context, t transports.Transport)
	Observer  metrics.Observer
}

// Keepalive owns the bus connection. It builds the first transport and
// rebuilds it every time the reconnect signal fires while the handle is
// empty.
type Keepalive struct {
	opts   KeepaliveOptions
	logger *slog.Logger

	mu      sync.Mutex
	current transports.Transport
}

func NewKeepalive(opts KeepaliveOptions) *Keepalive {
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(0, 0)
	}
	return &Keepalive{
		opts:   opts,
		logger: logging.NewComponentLogger(slog.Default(), "keepalive"),
	}
}

// Connect establishes the first connection, retrying per the policy.
func (k *Keepalive) Connect(ctx context.Context) error {
	return k.opts.Retry.Do(ctx, k.connectOnce)
}

// Run serves reconnect signals until ctx is done.
func (k *Keepalive) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.opts.Signal.C():
		}
		if k.opts.Handle.Load() != nil {
			continue
		}
		if err := k.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (k *Keepalive) reconnect(ctx context.Context) error {
	for {
		if wait := k.opts.Breaker.Remaining(); wait > 0 {
			k.logger.Warn("reconnect_paused", slog.Duration("wait", wait))
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
		err := k.opts.Retry.Do(ctx, k.connectOnce)
		if err == nil {
			k.opts.Breaker.OnSuccess()
			metrics.Record(k.opts.Observer, metrics.EventReconnected, nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		k.opts.Breaker.OnError(err)
		k.logger.Warn("reconnect_failed",
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.Reason(err))),
		)
		if err := sleep(ctx, k.opts.Retry.Backoff); err != nil {
			return err
		}
	}
}

func (k *Keepalive) connectOnce(ctx context.Context) error {
	k.retire()

	t, err := k.opts.Build()
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	if err := t.Start(ctx); err != nil {
		_ = t.Stop()
		return errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}
	if err := t.Subscribe(ctx, k.opts.Topics...); err != nil {
		_ = t.Stop()
		return errorsx.Wrap(fmt.Errorf("subscribe: %w", err), errorsx.ReasonTransportConnect)
	}

	k.mu.Lock()
	k.current = t
	k.mu.Unlock()
	k.opts.Handle.Store(t)
	if k.opts.OnInstall != nil {
		k.opts.OnInstall(ctx, t)
	}

	fields := []any{slog.String("transport", t.Name()), slog.Int("topics", len(k.opts.Topics))}
	if rr, ok := t.(transports.ReadyReporter); ok {
		for key, v := range rr.ReadyFields() {
			fields = append(fields, key, v)
		}
	}
	k.logger.Info("transport_ready", fields...)
	return nil
}

// retire stops the previous transport, if any.
func (k *Keepalive) retire() {
	k.mu.Lock()
	old := k.current
	k.current = nil
	k.mu.Unlock()
	if old == nil {
		return
	}
	k.opts.Handle.Invalidate(old)
	if err := old.Stop(); err != nil {
		k.logger.Debug("transport_stop_failed", slog.String("error", err.Error()))
	}
}

// Close stops the live transport.
func (k *Keepalive) Close() {
	k.retire()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
