package speechd

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/speechd/pkg/configutil"
)

type Config struct {
	LogLevel         string              `mapstructure:"log_level"`
	LogFormat        string              `mapstructure:"log_format"`
	Engine           VendorConfig        `mapstructure:"engine"`
	Transport        VendorConfig        `mapstructure:"transport"`
	Topics           Topics              `mapstructure:"topics"`
	Keepalive        KeepaliveConfig     `mapstructure:"keepalive"`
	Metrics          MetricsConfig       `mapstructure:"metrics"`
	Observability    ObservabilityConfig `mapstructure:"observability"`
	Privacy          PrivacyConfig       `mapstructure:"privacy"`
	PublishTimeoutMS int                 `mapstructure:"publish_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type KeepaliveConfig struct {
	MaxRetries        int `mapstructure:"max_retries"`
	BackoffMS         int `mapstructure:"backoff_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type ObservabilityConfig struct {
	TimelineDir   string `mapstructure:"timeline_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// VoiceSampleRate keeps this fraction of voice_forwarded events.
	VoiceSampleRate float64 `mapstructure:"voice_sample_rate"`
}

type PrivacyConfig struct {
	RedactSecrets bool `mapstructure:"redact_secrets"`
}

// PublishTimeout bounds a single outbound Post.
func (c Config) PublishTimeout() time.Duration {
	return configutil.Millis(c.PublishTimeoutMS, 3*time.Second)
}

// DefaultConfig is the configuration LoadConfig starts from.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Engine:    VendorConfig{Provider: "mock"},
		Transport: VendorConfig{Provider: "mqtt"},
		Topics:    DefaultTopics(),
		Keepalive: KeepaliveConfig{
			MaxRetries:        5,
			BackoffMS:         500,
			BreakerThreshold:  3,
			BreakerCooldownMS: 30000,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Observability: ObservabilityConfig{
			VoiceSampleRate: 0.01,
		},
		Privacy:          PrivacyConfig{RedactSecrets: true},
		PublishTimeoutMS: 3000,
	}
}

// LoadConfig reads a YAML (or any viper format) file. Every key can be
// overridden by SPEECHD_<KEY> with dots replaced by underscores, and string
// values have ${VAR} references expanded.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPEECHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("engine.provider", def.Engine.Provider)
	v.SetDefault("transport.provider", def.Transport.Provider)
	v.SetDefault("topics.prepare_options", def.Topics.PrepareOptions)
	v.SetDefault("topics.session_options", def.Topics.SessionOptions)
	v.SetDefault("topics.stack", def.Topics.Stack)
	v.SetDefault("topics.wake", def.Topics.Wake)
	v.SetDefault("topics.voice", def.Topics.Voice)
	v.SetDefault("topics.sleep", def.Topics.Sleep)
	v.SetDefault("topics.final_asr", def.Topics.FinalASR)
	v.SetDefault("topics.nlp", def.Topics.NLP)
	v.SetDefault("topics.error", def.Topics.Error)
	v.SetDefault("keepalive.max_retries", def.Keepalive.MaxRetries)
	v.SetDefault("keepalive.backoff_ms", def.Keepalive.BackoffMS)
	v.SetDefault("keepalive.breaker_threshold", def.Keepalive.BreakerThreshold)
	v.SetDefault("keepalive.breaker_cooldown_ms", def.Keepalive.BreakerCooldownMS)
	v.SetDefault("metrics.addr", def.Metrics.Addr)
	v.SetDefault("metrics.path", def.Metrics.Path)
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.voice_sample_rate", def.Observability.VoiceSampleRate)
	v.SetDefault("privacy.redact_secrets", def.Privacy.RedactSecrets)
	v.SetDefault("publish_timeout_ms", def.PublishTimeoutMS)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Engine.Provider, "engine.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Transport.Provider, "transport.provider"); err != nil {
		return err
	}
	if err := c.Topics.Validate(); err != nil {
		return err
	}
	if c.Keepalive.MaxRetries < 0 {
		return fmt.Errorf("keepalive.max_retries must be >= 0")
	}
	if r := c.Observability.VoiceSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.voice_sample_rate must be within [0, 1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
