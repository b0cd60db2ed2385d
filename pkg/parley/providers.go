package parley

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harunnryd/parley/pkg/adapters/stt"
	"github.com/harunnryd/parley/pkg/adapters/tts"
	"github.com/harunnryd/parley/pkg/configutil"
	"github.com/harunnryd/parley/pkg/providers/deepgram"
	"github.com/harunnryd/parley/pkg/providers/elevenlabs"
	"github.com/harunnryd/parley/pkg/providers/mock"
	"github.com/harunnryd/parley/pkg/resilience"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	ChunkSize      int    `mapstructure:"chunk_size"`
	FinalizeWaitMS *int   `mapstructure:"finalize_wait_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
}

type elevenlabsSettings struct {
	APIKey            string `mapstructure:"api_key"`
	VoiceID           string `mapstructure:"voice_id"`
	ModelID           string `mapstructure:"model_id"`
	OutputFormat      string `mapstructure:"output_format"`
	BaseURL           string `mapstructure:"base_url"`
	Retries           int    `mapstructure:"retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

type mockSTTSettings struct {
	Script    []string `mapstructure:"script"`
	LeadInMS  *int     `mapstructure:"lead_in_ms"`
	WordGapMS *int     `mapstructure:"word_gap_ms"`
}

type mockTTSSettings struct {
	WordMS *int `mapstructure:"word_ms"`
}

var (
	deepgramSchema   = configutil.SchemaFor(deepgramSettings{}, "api_key")
	elevenlabsSchema = configutil.SchemaFor(elevenlabsSettings{}, "api_key", "voice_id")
	mockSTTSchema    = configutil.SchemaFor(mockSTTSettings{})
	mockTTSSchema    = configutil.SchemaFor(mockTTSSettings{})
)

// DefaultProviders returns a registry with every built-in vendor.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	return reg
}

func RegisterBuiltins(reg *ProviderRegistry) {
	reg.RegisterSTT("mock", buildMockTranscriber)
	reg.RegisterSTT("deepgram", buildDeepgram)
	reg.RegisterTTS("mock", buildMockSynthesizer)
	reg.RegisterTTS("elevenlabs", buildElevenLabs)
}

func buildMockTranscriber(deps ProviderDeps) (stt.Transcriber, error) {
	var settings mockSTTSettings
	if err := configutil.DecodeVendor("stt.mock", deps.Config.Vendors.STT.Settings, mockSTTSchema, &settings); err != nil {
		return nil, err
	}
	return mock.NewTranscriber(mock.TranscriberConfig{
		Script:  settings.Script,
		LeadIn:  configutil.MillisValue(settings.LeadInMS, 600*time.Millisecond),
		WordGap: configutil.MillisValue(settings.WordGapMS, 250*time.Millisecond),
	}), nil
}

func buildMockSynthesizer(deps ProviderDeps) (tts.Synthesizer, error) {
	var settings mockTTSSettings
	if err := configutil.DecodeVendor("tts.mock", deps.Config.Vendors.TTS.Settings, mockTTSSchema, &settings); err != nil {
		return nil, err
	}
	return mock.NewSynthesizer(mock.SynthesizerConfig{
		WordDuration: configutil.MillisValue(settings.WordMS, 200*time.Millisecond),
		Rate:         deps.Config.Synthesis.Rate,
	}), nil
}

func buildDeepgram(deps ProviderDeps) (stt.Transcriber, error) {
	var settings deepgramSettings
	if err := configutil.DecodeVendor("stt.deepgram", deps.Config.Vendors.STT.Settings, deepgramSchema, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("deepgram needs an audio source (audio.input_path)")
	}
	encoding := strings.ToLower(configutil.StringValue(settings.Encoding, "linear16"))
	if !validDeepgramEncoding(encoding) {
		return nil, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw], got %s", settings.Encoding)
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	return deepgram.New(deepgram.Config{
		APIKey:         settings.APIKey,
		Model:          configutil.StringValue(settings.Model, "nova-2"),
		Language:       configutil.StringValue(settings.Language, "en"),
		SampleRate:     settings.SampleRate,
		Encoding:       encoding,
		Interim:        configutil.BoolValue(settings.Interim, true),
		VADEvents:      configutil.BoolValue(settings.VADEvents, true),
		UtteranceEndMS: utteranceEnd,
		Source:         deps.Source,
		ChunkSize:      settings.ChunkSize,
		FinalizeWait:   configutil.MillisValue(settings.FinalizeWaitMS, 400*time.Millisecond),
		Retry:          resilience.NewRetryPolicy(settings.Retries, ms(settings.RetryBackoffMS)),
		Logger:         deps.Logger,
	}), nil
}

func buildElevenLabs(deps ProviderDeps) (tts.Synthesizer, error) {
	var settings elevenlabsSettings
	if err := configutil.DecodeVendor("tts.elevenlabs", deps.Config.Vendors.TTS.Settings, elevenlabsSchema, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return nil, err
	}
	var breaker *resilience.CircuitBreaker
	if configutil.BoolValue(settings.UseCircuitBreaker, true) {
		breaker = resilience.NewCircuitBreaker(settings.CircuitThreshold, ms(settings.CircuitCooldownMs))
	}
	sink := deps.Sink
	if sink == nil {
		sink = io.Discard
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       settings.APIKey,
		VoiceID:      settings.VoiceID,
		ModelID:      settings.ModelID,
		OutputFormat: settings.OutputFormat,
		Rate:         deps.Config.Synthesis.Rate,
		Sink:         sink,
		BaseURL:      settings.BaseURL,
		Retry:        resilience.NewRetryPolicy(settings.Retries, ms(settings.RetryBackoffMS)),
		Breaker:      breaker,
		Logger:       deps.Logger,
	}), nil
}

func validDeepgramEncoding(v string) bool {
	switch v {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}
