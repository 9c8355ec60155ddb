package main

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/speechd/pkg/providers/deepgram"
	"github.com/harunnryd/speechd/pkg/providers/mock"
	"github.com/harunnryd/speechd/pkg/speechd"
	mocktransport "github.com/harunnryd/speechd/pkg/transports/mock"
	"github.com/harunnryd/speechd/pkg/transports/mqtt"
	"github.com/harunnryd/speechd/pkg/transports/websocket"
)

func newRegistry() *speechd.ProviderRegistry {
	reg := speechd.NewProviderRegistry()
	registerProviders(reg)
	return reg
}

func TestRegisterProvidersNames(t *testing.T) {
	engines, buses := newRegistry().Names()
	assert.Equal(t, []string{"deepgram", "mock"}, engines)
	assert.Equal(t, []string{"mock", "mqtt", "websocket"}, buses)
}

func TestBuildEngines(t *testing.T) {
	reg := newRegistry()
	cfg := speechd.DefaultConfig()

	cfg.Engine = speechd.VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "hi", "auto_reply": false}}
	e, err := reg.BuildEngine(cfg.Engine.Provider, cfg)
	require.NoError(t, err)
	assert.IsType(t, &mock.Engine{}, e)

	cfg.Engine = speechd.VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k", "sample_rate": "8000"}}
	e, err = reg.BuildEngine(cfg.Engine.Provider, cfg)
	require.NoError(t, err)
	assert.IsType(t, &deepgram.Engine{}, e)

	cfg.Engine.Settings = map[string]any{"sample_rate": 44100}
	_, err = reg.BuildEngine(cfg.Engine.Provider, cfg)
	assert.ErrorContains(t, err, "sample_rate")

	cfg.Engine.Settings = map[string]any{"voice": "x"}
	_, err = reg.BuildEngine(cfg.Engine.Provider, cfg)
	assert.ErrorContains(t, err, "unknown: voice")
}

func TestBuildTransports(t *testing.T) {
	reg := newRegistry()
	cfg := speechd.DefaultConfig()

	build := func(provider string, settings map[string]any) (any, error) {
		cfg.Transport = speechd.VendorConfig{Provider: provider, Settings: settings}
		fn, err := reg.LookupTransport(provider)
		require.NoError(t, err)
		return fn(cfg)
	}

	tr, err := build("mqtt", map[string]any{"broker": "tcp://localhost:1883", "keep_alive": 30, "connect_timeout": "5s"})
	require.NoError(t, err)
	assert.IsType(t, &mqtt.Transport{}, tr)

	_, err = build("mqtt", map[string]any{})
	assert.ErrorContains(t, err, "missing: broker")

	tr, err = build("websocket", map[string]any{"url": "ws://localhost:9000/bus", "headers": map[string]any{"X-Device": "d1"}})
	require.NoError(t, err)
	assert.IsType(t, &websocket.Transport{}, tr)

	tr, err = build("mock", nil)
	require.NoError(t, err)
	assert.IsType(t, &mocktransport.Transport{}, tr)
}

func TestMetricsServer(t *testing.T) {
	assert.Nil(t, newMetricsServer(speechd.MetricsConfig{}, prometheus.NewRegistry()))

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "speechd_test_total"})
	reg.MustRegister(c)
	c.Inc()

	srv := newMetricsServer(speechd.MetricsConfig{Addr: ":0", Path: "/m"}, reg)
	require.NotNil(t, srv)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/m", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "speechd_test_total 1")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "speechd dev")
}

func TestExampleConfigBuilds(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("SPEECHD_BROKER_URL", "tcp://broker:1883")
	cfg, err := speechd.LoadConfig("../../configs/speechd.yaml")
	require.NoError(t, err)
	assert.Equal(t, speechd.DefaultTopics(), cfg.Topics)

	reg := newRegistry()
	_, err = reg.BuildEngine(cfg.Engine.Provider, cfg)
	require.NoError(t, err)
	fn, err := reg.LookupTransport(cfg.Transport.Provider)
	require.NoError(t, err)
	_, err = fn(cfg)
	require.NoError(t, err)
}
