package speechd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/harunnryd/speechd/pkg/observers"
	"github.com/harunnryd/speechd/pkg/redact"
	"github.com/harunnryd/speechd/pkg/resilience"
	"github.com/harunnryd/speechd/pkg/speech"
	"github.com/harunnryd/speechd/pkg/transports"
)

type ServiceOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Registerer receives the Prometheus collectors; nil disables them.
	Registerer prometheus.Registerer
	// Observers are added next to the built-in ones.
	Observers []metrics.Observer
}

// Service wires one engine, the bus transport and the orchestrator together.
// All inbound messages, from whichever transport is live, are dispatched on
// one goroutine.
type Service struct {
	cfg       Config
	engine    speech.Engine
	orch      *Orchestrator
	table     *DispatchTable
	poller    *Poller
	keepalive *Keepalive
	handle    *TransportHandle
	signal    *ReconnectSignal
	asyncObs  *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	logger    *slog.Logger

	inbox  chan transports.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewService(opts ServiceOptions) (*Service, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactSecrets)
	logger := logging.NewComponentLogger(slog.Default(), "speechd")

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}
	engine, err := providers.BuildEngine(cfg.Engine.Provider, cfg)
	if err != nil {
		return nil, err
	}
	build, err := providers.LookupTransport(cfg.Transport.Provider)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	obsList := []metrics.Observer{observers.NewLatencyObserver(logger)}
	obsList = append(obsList, observers.NewLoggerObserver(logger))
	if opts.Registerer != nil {
		prom, err := observers.NewPrometheusObserver(opts.Registerer)
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		obsList = append(obsList, prom)
	}
	var timeline *observers.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.TimelineDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			n, err := observers.PurgeTimelines(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
			if err != nil {
				logger.Warn("timeline_purge_failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Info("timeline_purged", slog.Int("files", n))
			}
		}
		timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timeline)
	}
	obsList = append(obsList, opts.Observers...)
	multi := observers.NewMultiObserver(obsList...)
	sampled := metrics.NewSamplingObserver(multi, cfg.Observability.VoiceSampleRate, metrics.EventVoiceForwarded)
	asyncObs := metrics.NewAsyncObserver(sampled, 2048)

	gate := NewGate()
	handle := &TransportHandle{}
	signal := NewReconnectSignal(handle, asyncObs)
	orch := NewOrchestrator(engine, gate, asyncObs)
	table := NewDispatchTable(orch.Routes(cfg.Topics), asyncObs)
	table.MustCover(cfg.Topics.Inbound())

	s := &Service{
		cfg:      cfg,
		engine:   engine,
		orch:     orch,
		table:    table,
		handle:   handle,
		signal:   signal,
		asyncObs: asyncObs,
		timeline: timeline,
		logger:   logger,
		inbox:    make(chan transports.Message, 512),
	}
	s.poller = NewPoller(PollerOptions{
		Engine:         engine,
		Gate:           gate,
		Handle:         handle,
		Signal:         signal,
		Correlator:     orch,
		Topics:         cfg.Topics,
		Observer:       asyncObs,
		PublishTimeout: cfg.PublishTimeout(),
	})
	s.keepalive = NewKeepalive(KeepaliveOptions{
		Build:  func() (transports.Transport, error) { return build(cfg) },
		Handle: handle,
		Signal: signal,
		Topics: cfg.Topics.Inbound(),
		Retry: resilience.NewRetryPolicy(cfg.Keepalive.MaxRetries,
			time.Duration(cfg.Keepalive.BackoffMS)*time.Millisecond),
		Breaker: resilience.NewCircuitBreaker(cfg.Keepalive.BreakerThreshold,
			time.Duration(cfg.Keepalive.BreakerCooldownMS)*time.Millisecond),
		OnInstall: s.route,
		Observer:  asyncObs,
	})

	logger.Info("speechd_init",
		slog.String("engine", engine.Name()),
		slog.String("transport", cfg.Transport.Provider),
		slog.Any("topics", table.Topics()),
	)
	return s, nil
}

func (s *Service) Orchestrator() *Orchestrator   { return s.orch }
func (s *Service) Handle() *TransportHandle      { return s.handle }
func (s *Service) Signal() *ReconnectSignal      { return s.signal }
func (s *Service) Engine() speech.Engine         { return s.engine }
func (s *Service) DispatchTable() *DispatchTable { return s.table }

// Start connects the bus and launches the dispatch, poll and keepalive
// goroutines. It returns once the first transport is subscribed.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx)
	}()

	if err := s.keepalive.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("connect transport: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("poller_stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer s.wg.Done()
		_ = s.keepalive.Run(ctx)
	}()

	s.logger.Info("speechd_ready", slog.String("engine", s.engine.Name()))
	return nil
}

// route forwards t's deliveries into the shared inbox until t stops. If t
// was still the live transport when its stream ended, the connection is
// treated as lost.
func (s *Service) route(ctx context.Context, t transports.Transport) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-t.Recv():
				if !ok {
					if ctx.Err() == nil && s.handle.Load() == t {
						s.signal.Raise(t, "recv_closed")
					}
					return
				}
				select {
				case s.inbox <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (s *Service) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			s.table.Dispatch(ctx, msg.Topic, msg.Payload)
		}
	}
}

// Drain stops every goroutine, the transport and the engine, then flushes
// the observers.
func (s *Service) Drain() error {
	var err error
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		err = s.engine.Close()
		s.keepalive.Close()
		s.wg.Wait()
		s.asyncObs.Close()
		if s.timeline != nil {
			_ = s.timeline.Close()
		}
		s.logger.Info("shutdown",
			slog.Int("goroutines", runtime.NumGoroutine()),
			slog.Int64("reconnect_signals", s.signal.Count()),
		)
	})
	return err
}
