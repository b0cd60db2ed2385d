package parley

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/gateway"
	"github.com/spf13/viper"
)

type Config struct {
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Conversation  ConversationConfig  `mapstructure:"conversation"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Synthesis     SynthesisConfig     `mapstructure:"synthesis"`
	Audio         AudioConfig         `mapstructure:"audio"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type GatewayConfig struct {
	URL              string `mapstructure:"url"`
	Token            string `mapstructure:"token"`
	SessionKey       string `mapstructure:"session_key"`
	ClientID         string `mapstructure:"client_id"`
	DisplayName      string `mapstructure:"display_name"`
	ReconnectDelayMS int    `mapstructure:"reconnect_delay_ms"`
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
}

type ConversationConfig struct {
	SilenceThresholdMS int `mapstructure:"silence_threshold_ms"`
	NoSpeechTimeoutMS  int `mapstructure:"no_speech_timeout_ms"`
	ResponseTimeoutMS  int `mapstructure:"response_timeout_ms"`
	HistorySize        int `mapstructure:"history_size"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
}

type SynthesisConfig struct {
	Rate float64 `mapstructure:"rate"`
}

// AudioConfig points streaming vendors at raw PCM. An empty input means
// the caller supplies the reader; an empty output discards audio.
type AudioConfig struct {
	InputPath  string `mapstructure:"input_path"`
	OutputPath string `mapstructure:"output_path"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
	// ArtifactsDir receives one timeline file per turn.
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("gateway.session_key", gateway.DefaultSessionKey)
	v.SetDefault("gateway.client_id", gateway.DefaultClientID)
	v.SetDefault("gateway.reconnect_delay_ms", int(gateway.DefaultReconnectDelay/time.Millisecond))
	v.SetDefault("gateway.request_timeout_ms", int(gateway.DefaultRequestTimeout/time.Millisecond))
	v.SetDefault("conversation.silence_threshold_ms", int(conversation.DefaultSilenceThreshold/time.Millisecond))
	v.SetDefault("conversation.no_speech_timeout_ms", int(conversation.DefaultNoSpeechTimeout/time.Millisecond))
	v.SetDefault("conversation.response_timeout_ms", int(conversation.DefaultResponseTimeout/time.Millisecond))
	v.SetDefault("conversation.history_size", conversation.DefaultHistorySize)
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("synthesis.rate", 1.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.retention_days", 0)

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

// Validate checks required keys and normalizes values that have a single
// canonical form: the gateway URL scheme and the silence threshold range.
func (c *Config) Validate() error {
	u, err := gateway.NormalizeURL(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	c.Gateway.URL = u
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if c.Synthesis.Rate < 0.5 || c.Synthesis.Rate > 2.0 {
		return fmt.Errorf("synthesis.rate must be between 0.5 and 2.0, got %v", c.Synthesis.Rate)
	}
	if c.Conversation.HistorySize <= 0 {
		return fmt.Errorf("conversation.history_size must be positive, got %d", c.Conversation.HistorySize)
	}
	if c.Observability.RetentionDays < 0 {
		return fmt.Errorf("observability.retention_days must not be negative, got %d", c.Observability.RetentionDays)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %s", c.LogFormat)
	}
	c.Conversation.SilenceThresholdMS = int(c.SilenceThreshold() / time.Millisecond)
	return nil
}

func (c Config) SilenceThreshold() time.Duration {
	return conversation.ClampSilenceThreshold(ms(c.Conversation.SilenceThresholdMS))
}

// GatewayClientConfig is the connection config handed to gateway.Client.
func (c Config) GatewayClientConfig(version string) gateway.Config {
	return gateway.Config{
		URL:         c.Gateway.URL,
		Token:       c.Gateway.Token,
		SessionKey:  c.Gateway.SessionKey,
		ClientID:    c.Gateway.ClientID,
		DisplayName: c.Gateway.DisplayName,
		Version:     version,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
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
