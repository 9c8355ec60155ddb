package main

import (
	"fmt"

	"github.com/harunnryd/speechd/pkg/configutil"
	"github.com/harunnryd/speechd/pkg/providers/deepgram"
	"github.com/harunnryd/speechd/pkg/providers/mock"
	"github.com/harunnryd/speechd/pkg/speech"
	"github.com/harunnryd/speechd/pkg/speechd"
	"github.com/harunnryd/speechd/pkg/transports"
	mocktransport "github.com/harunnryd/speechd/pkg/transports/mock"
	"github.com/harunnryd/speechd/pkg/transports/mqtt"
	"github.com/harunnryd/speechd/pkg/transports/websocket"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Host           string `mapstructure:"host"`
	UsePrepareHost *bool  `mapstructure:"use_prepare_host"`
	Model          string `mapstructure:"model"`
	SampleRate     int    `mapstructure:"sample_rate"`
	FlushTimeoutMS int    `mapstructure:"flush_timeout_ms"`
	FrameBuffer    int    `mapstructure:"frame_buffer"`
	ResultBuffer   int    `mapstructure:"result_buffer"`
}

type mockEngineSettings struct {
	Transcript string `mapstructure:"transcript"`
	NLP        string `mapstructure:"nlp"`
	Action     string `mapstructure:"action"`
	AutoReply  *bool  `mapstructure:"auto_reply"`
	FailStart  bool   `mapstructure:"fail_start"`
}

func registerProviders(reg *speechd.ProviderRegistry) {
	reg.RegisterEngine("deepgram", func(cfg speechd.Config) (speech.Engine, error) {
		var settings deepgramSettings
		if err := configutil.DecodeValidated("engine.settings", cfg.Engine.Settings, configutil.Schema{
			Optional: []string{"api_key", "host", "use_prepare_host", "model", "sample_rate", "flush_timeout_ms", "frame_buffer", "result_buffer"},
		}, &settings); err != nil {
			return nil, err
		}
		if settings.Model == "" {
			settings.Model = "nova-2"
		}
		if settings.SampleRate <= 0 {
			settings.SampleRate = 16000
		}
		if settings.SampleRate != 8000 && settings.SampleRate != 16000 {
			return nil, fmt.Errorf("engine.settings.sample_rate must be 8000 or 16000, got %d", settings.SampleRate)
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Host:           settings.Host,
			UsePrepareHost: configutil.BoolValue(settings.UsePrepareHost, false),
			Model:          settings.Model,
			SampleRate:     settings.SampleRate,
			FlushTimeout:   configutil.Millis(settings.FlushTimeoutMS, 0),
			FrameBuffer:    settings.FrameBuffer,
			ResultBuffer:   settings.ResultBuffer,
		}), nil
	})

	reg.RegisterEngine("mock", func(cfg speechd.Config) (speech.Engine, error) {
		var settings mockEngineSettings
		if err := configutil.DecodeValidated("engine.settings", cfg.Engine.Settings, configutil.Schema{
			Optional: []string{"transcript", "nlp", "action", "auto_reply", "fail_start"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewEngine(mock.EngineConfig{
			Transcript: settings.Transcript,
			NLP:        settings.NLP,
			Action:     settings.Action,
			AutoReply:  configutil.BoolValue(settings.AutoReply, true),
			FailStart:  settings.FailStart,
		}), nil
	})

	reg.RegisterTransport("mqtt", func(cfg speechd.Config) (transports.Transport, error) {
		var settings mqtt.Config
		if err := configutil.DecodeValidated("transport.settings", cfg.Transport.Settings, configutil.Schema{
			Required: []string{"broker"},
			Optional: []string{"client_id", "username", "password", "keep_alive", "connect_retry_delay", "connect_timeout", "buffer"},
		}, &settings); err != nil {
			return nil, err
		}
		return mqtt.New(settings), nil
	})

	reg.RegisterTransport("websocket", func(cfg speechd.Config) (transports.Transport, error) {
		var settings websocket.Config
		if err := configutil.DecodeValidated("transport.settings", cfg.Transport.Settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"headers", "handshake_timeout", "write_timeout", "ping_interval", "buffer"},
		}, &settings); err != nil {
			return nil, err
		}
		return websocket.New(settings), nil
	})

	reg.RegisterTransport("mock", func(cfg speechd.Config) (transports.Transport, error) {
		if err := configutil.ValidateSettings("transport.settings", cfg.Transport.Settings, configutil.Schema{}); err != nil {
			return nil, err
		}
		return mocktransport.New(), nil
	})
}
