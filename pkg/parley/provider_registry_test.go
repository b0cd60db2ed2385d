package parley

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harunnryd/parley/pkg/adapters/stt"
	"github.com/harunnryd/parley/pkg/providers/mock"
)

func TestRegistryUnknownProvider(t *testing.T) {
	reg := DefaultProviders()
	_, err := reg.BuildTranscriber("whisper", ProviderDeps{})
	if err == nil || !strings.Contains(err.Error(), "known: deepgram, mock") {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := reg.BuildSynthesizer("polly", ProviderDeps{}); err == nil {
		t.Fatalf("expected unknown tts provider error")
	}
}

func TestRegistryCaseInsensitiveCustomFactory(t *testing.T) {
	reg := NewProviderRegistry()
	called := false
	reg.RegisterSTT(" Local ", func(deps ProviderDeps) (stt.Transcriber, error) {
		called = true
		return mock.NewTranscriber(mock.TranscriberConfig{}), nil
	})
	if _, err := reg.BuildTranscriber("LOCAL", ProviderDeps{}); err != nil || !called {
		t.Fatalf("expected custom factory, err=%v", err)
	}
}

func TestMockProvidersDecodeSettings(t *testing.T) {
	cfg := Config{Synthesis: SynthesisConfig{Rate: 1.5}}
	cfg.Vendors.STT.Settings = map[string]any{"script": []any{"hi"}, "word_gap_ms": 5}
	cfg.Vendors.TTS.Settings = map[string]any{"word_ms": 5}
	reg := DefaultProviders()
	rec, err := reg.BuildTranscriber("mock", ProviderDeps{Config: cfg})
	if err != nil || rec.Name() != "mock_stt" {
		t.Fatalf("mock stt: %v", err)
	}
	synth, err := reg.BuildSynthesizer("mock", ProviderDeps{Config: cfg})
	if err != nil || synth.Name() != "mock_tts" {
		t.Fatalf("mock tts: %v", err)
	}

	cfg.Vendors.STT.Settings = map[string]any{"scritp": []any{"typo"}}
	if _, err := reg.BuildTranscriber("mock", ProviderDeps{Config: cfg}); err == nil || !strings.Contains(err.Error(), "unknown: scritp") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestDeepgramFactoryValidation(t *testing.T) {
	reg := DefaultProviders()
	cfg := Config{}
	cfg.Vendors.STT.Settings = map[string]any{"model": "nova-2"}
	if _, err := reg.BuildTranscriber("deepgram", ProviderDeps{Config: cfg}); err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}

	cfg.Vendors.STT.Settings = map[string]any{"api_key": "k"}
	if _, err := reg.BuildTranscriber("deepgram", ProviderDeps{Config: cfg}); err == nil || !strings.Contains(err.Error(), "audio source") {
		t.Fatalf("expected missing source error, got %v", err)
	}

	deps := ProviderDeps{Config: cfg, Source: bytes.NewReader(nil)}
	cfg.Vendors.STT.Settings = map[string]any{"api_key": "k", "encoding": "opus"}
	deps.Config = cfg
	if _, err := reg.BuildTranscriber("deepgram", deps); err == nil || !strings.Contains(err.Error(), "encoding") {
		t.Fatalf("expected encoding error, got %v", err)
	}

	cfg.Vendors.STT.Settings = map[string]any{"api_key": "k", "utterance_end_ms": 9000}
	deps.Config = cfg
	if _, err := reg.BuildTranscriber("deepgram", deps); err == nil || !strings.Contains(err.Error(), "utterance_end_ms") {
		t.Fatalf("expected utterance_end_ms error, got %v", err)
	}

	cfg.Vendors.STT.Settings = map[string]any{"api_key": "k", "language": "id", "sample_rate": "16000"}
	deps.Config = cfg
	rec, err := reg.BuildTranscriber("deepgram", deps)
	if err != nil || rec.Name() != "deepgram_stt" {
		t.Fatalf("expected deepgram transcriber, got %v", err)
	}
}

func TestElevenLabsFactoryValidation(t *testing.T) {
	reg := DefaultProviders()
	cfg := Config{Synthesis: SynthesisConfig{Rate: 1}}
	cfg.Vendors.TTS.Settings = map[string]any{"api_key": "k"}
	if _, err := reg.BuildSynthesizer("elevenlabs", ProviderDeps{Config: cfg}); err == nil || !strings.Contains(err.Error(), "missing: voice_id") {
		t.Fatalf("expected missing voice_id, got %v", err)
	}
	cfg.Vendors.TTS.Settings = map[string]any{"api_key": "k", "voice_id": "v", "circuit_threshold": 2}
	synth, err := reg.BuildSynthesizer("elevenlabs", ProviderDeps{Config: cfg})
	if err != nil || synth.Name() != "elevenlabs_tts" {
		t.Fatalf("expected elevenlabs synthesizer, got %v", err)
	}
}
