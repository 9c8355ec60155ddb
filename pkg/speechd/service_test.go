package speechd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/speechd/pkg/events"
	"github.com/harunnryd/speechd/pkg/metrics"
	mockengine "github.com/harunnryd/speechd/pkg/providers/mock"
	"github.com/harunnryd/speechd/pkg/speech"
	"github.com/harunnryd/speechd/pkg/transports"
)

type serviceFixture struct {
	svc        *Service
	engine     *mockengine.Engine
	transports *transportFactory
	obs        *metrics.MemoryObserver
	reg        *prometheus.Registry
	topics     Topics
}

func newServiceFixture(t *testing.T, mutate func(*Config)) *serviceFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Engine.Provider = "mock"
	cfg.Transport.Provider = "mock"
	cfg.Keepalive.BackoffMS = 1
	cfg.Observability.VoiceSampleRate = 1
	if mutate != nil {
		mutate(&cfg)
	}

	engine := mockengine.NewEngine(mockengine.EngineConfig{
		Transcript: "turn on the light",
		NLP:        `{"intent":"light_on"}`,
		Action:     `{"response":"ok"}`,
		AutoReply:  true,
	})
	factory := &transportFactory{}
	providers := NewProviderRegistry()
	providers.RegisterEngine("MOCK", func(Config) (speech.Engine, error) { return engine, nil })
	providers.RegisterTransport("mock", func(Config) (transports.Transport, error) { return factory.build() })

	obs := metrics.NewMemoryObserver()
	reg := prometheus.NewRegistry()
	svc, err := NewService(ServiceOptions{
		Config:     cfg,
		Providers:  providers,
		Registerer: reg,
		Observers:  []metrics.Observer{obs},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Drain() })
	return &serviceFixture{svc: svc, engine: engine, transports: factory, obs: obs, reg: reg, topics: cfg.Topics}
}

func TestServiceEndToEnd(t *testing.T) {
	f := newServiceFixture(t, nil)
	require.NoError(t, f.svc.Start(context.Background()))
	tr := f.transports.all()[0]
	assert.ElementsMatch(t, f.topics.Inbound(), tr.Topics())

	tr.Push(f.topics.PrepareOptions, prepareMsg(""))
	tr.Push(f.topics.SessionOptions, optionsMsg(0, 0, 1, 700, -1, -1, -1))
	tr.Push(f.topics.Stack, stackMsg("stack-a"))
	tr.Push(f.topics.Wake, wakeMsg(42))
	tr.Push(f.topics.Voice, voiceMsg([]byte{1, 2}))
	tr.Push(f.topics.Sleep, nil)

	asr := recvPublished(t, tr)
	require.Equal(t, f.topics.FinalASR, asr.Topic)
	final, err := events.DecodeFinalASR(asr.Payload)
	require.NoError(t, err)
	assert.Equal(t, events.FinalASR{Transcript: "turn on the light", TurenID: 42}, final)

	end := recvPublished(t, tr)
	require.Equal(t, f.topics.NLP, end.Topic)
	nlp, err := events.DecodeNLPResult(end.Payload)
	require.NoError(t, err)
	assert.Equal(t, `{"intent":"light_on"}`, nlp.NLP)

	assert.Equal(t, []string{"prepare", "config", "start_voice", "put_voice", "end_voice"}, f.engine.Methods())
	opts, _ := f.engine.Prepared()
	ep, _ := speech.ParseEndpoint(speech.DefaultEndpoint)
	assert.Equal(t, ep.Host, opts.Host)
	assert.Equal(t, []string{"lang", "codec", "vad_mode"}, f.engine.Calls()[1].Options.Changed())

	assert.Eventually(t, func() bool {
		return f.obs.Count(metrics.EventPublish) == 2
	}, time.Second, 5*time.Millisecond)
	n, err := testutil.GatherAndCount(f.reg, "speechd_events_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestServiceIgnoresUnknownTopic(t *testing.T) {
	f := newServiceFixture(t, nil)
	require.NoError(t, f.svc.Start(context.Background()))
	tr := f.transports.all()[0]

	tr.Push("rokid.other", []byte{0xc0})
	tr.Push(f.topics.Stack, stackMsg("after"))
	assert.Eventually(t, func() bool { return f.svc.Orchestrator().Snapshot().Stack == "after" }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return f.obs.Count(metrics.EventMessageUnknown) == 1 }, time.Second, 5*time.Millisecond)
}

func TestServiceReconnectsAfterLostPublish(t *testing.T) {
	f := newServiceFixture(t, nil)
	require.NoError(t, f.svc.Start(context.Background()))
	first := f.transports.all()[0]

	first.Push(f.topics.PrepareOptions, prepareMsg(""))
	first.Push(f.topics.Wake, wakeMsg(7))
	require.Eventually(t, func() bool { return f.svc.Orchestrator().Snapshot().Active() }, time.Second, 5*time.Millisecond)

	first.Disconnect()
	require.True(t, f.engine.Emit(speech.Result{Type: speech.ResultError, Err: speech.ErrServerBusy}))

	require.Eventually(t, func() bool { return len(f.transports.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	second := f.transports.all()[1]
	require.Eventually(t, func() bool { return f.svc.Handle().Load() == transports.Transport(second) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.svc.Signal().Count())
	assert.ElementsMatch(t, f.topics.Inbound(), second.Topics())

	// The lost result is not replayed; the next one goes out on the new transport.
	require.True(t, f.engine.Emit(speech.Result{Type: speech.ResultError, Err: speech.ErrTimeout}))
	got := recvPublished(t, second)
	require.Equal(t, f.topics.Error, got.Topic)
	e, err := events.DecodeErrorResult(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, events.ErrorResult{Code: int32(speech.ErrTimeout), TurenID: 7}, e)

	// Inbound traffic flows from the new transport too.
	second.Push(f.topics.Sleep, nil)
	assert.Eventually(t, func() bool { return !f.svc.Orchestrator().Snapshot().Active() }, time.Second, 5*time.Millisecond)
}

func TestServiceWritesTimeline(t *testing.T) {
	dir := t.TempDir()
	f := newServiceFixture(t, func(c *Config) { c.Observability.TimelineDir = dir })
	require.NoError(t, f.svc.Start(context.Background()))
	tr := f.transports.all()[0]

	tr.Push(f.topics.PrepareOptions, prepareMsg(""))
	tr.Push(f.topics.Wake, wakeMsg(3))
	tr.Push(f.topics.Sleep, nil)
	recvPublished(t, tr)
	recvPublished(t, tr)
	traceID := f.svc.Orchestrator().TraceID()
	require.NotEmpty(t, traceID)
	require.NoError(t, f.svc.Drain())

	b, err := os.ReadFile(filepath.Join(dir, traceID+".jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(b), metrics.EventSessionStarted)
	assert.Contains(t, string(b), "published_end")
	assert.NotContains(t, string(b), "key-123")
}

func TestNewServiceUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Provider = "nope"
	_, err := NewService(ServiceOptions{Config: cfg, Providers: NewProviderRegistry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine provider not registered")
}

func TestServiceStartFailsWithoutBus(t *testing.T) {
	f := newServiceFixture(t, func(c *Config) { c.Keepalive.MaxRetries = 1 })
	f.transports.fails = 5
	require.Error(t, f.svc.Start(context.Background()))
}
