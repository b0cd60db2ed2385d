package parley

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/parley/pkg/adapters/stt"
	"github.com/harunnryd/parley/pkg/adapters/tts"
)

// ProviderDeps is what a factory may draw on besides its own settings.
type ProviderDeps struct {
	Config Config
	// Source is raw microphone audio for streaming transcribers.
	Source io.Reader
	// Sink receives synthesized audio for streaming synthesizers.
	Sink   io.Writer
	Logger *slog.Logger
}

type TranscriberFactory func(deps ProviderDeps) (stt.Transcriber, error)
type SynthesizerFactory func(deps ProviderDeps) (tts.Synthesizer, error)

type ProviderRegistry struct {
	stt map[string]TranscriberFactory
	tts map[string]SynthesizerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]TranscriberFactory),
		tts: make(map[string]SynthesizerFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory TranscriberFactory) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory SynthesizerFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildTranscriber(provider string, deps ProviderDeps) (stt.Transcriber, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s (known: %s)", provider, strings.Join(keys(r.stt), ", "))
	}
	return fn(deps)
}

func (r *ProviderRegistry) BuildSynthesizer(provider string, deps ProviderDeps) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s (known: %s)", provider, strings.Join(keys(r.tts), ", "))
	}
	return fn(deps)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
