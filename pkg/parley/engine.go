package parley

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/gateway"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/observers"
	"github.com/harunnryd/parley/pkg/redact"
	"github.com/harunnryd/parley/pkg/runner"
)

// Engine wires providers, the gateway client and the orchestrator from a
// Config. Presentation layers talk to it and subscribe to its events.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	providers *ProviderRegistry
	gw        *gateway.Client
	orch      *conversation.Orchestrator
	asyncObs  *metrics.AsyncObserver
	jsonl     *metrics.JSONLObserver
	timeline  *observers.TurnTimelineObserver
	closers   []io.Closer
	unsub     func()

	drainOnce sync.Once
	drainErr  error
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Source and Sink override audio.input_path and audio.output_path.
	Source io.Reader
	Sink   io.Writer
	// Dialer is used for the gateway connection; nil means the default.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	e := &Engine{
		cfg: cfg,
		log: logging.NewComponentLogger(base, "engine"),
	}

	e.log.Info("parley_init",
		"gateway_url", redact.URL(cfg.Gateway.URL),
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"silence_threshold_ms", cfg.SilenceThreshold().Milliseconds(),
	)

	obsList := []metrics.Observer{
		observers.NewTurnLatencyObserver(e.log),
		observers.NewLoggerObserver(base),
	}
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, err
		}
		e.jsonl = jsonl
		obsList = append(obsList, jsonl)
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeTimelines(dir, maxAge); err != nil {
				e.log.Warn("timeline_purge_failed", "error", err)
			} else if n > 0 {
				e.log.Info("timeline_purged", "removed", n)
			}
		}
		e.timeline = observers.NewTurnTimelineObserver(dir)
		obsList = append(obsList, e.timeline)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	source, sink, err := e.openAudio(opts)
	if err != nil {
		e.release()
		return nil, err
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	e.providers = providers
	deps := ProviderDeps{Config: cfg, Source: source, Sink: sink, Logger: base}
	rec, err := providers.BuildTranscriber(cfg.Vendors.STT.Provider, deps)
	if err != nil {
		e.release()
		return nil, err
	}
	synth, err := providers.BuildSynthesizer(cfg.Vendors.TTS.Provider, deps)
	if err != nil {
		e.release()
		return nil, err
	}

	e.gw = gateway.NewClient(gateway.Options{
		ReconnectDelay: ms(cfg.Gateway.ReconnectDelayMS),
		RequestTimeout: ms(cfg.Gateway.RequestTimeoutMS),
		Dialer:         opts.Dialer,
		Logger:         base,
		Observer:       e.asyncObs,
	})

	orch, err := conversation.New(conversation.Options{
		Transcriber:      rec,
		Synthesizer:      synth,
		Gateway:          e.gw,
		SilenceThreshold: cfg.SilenceThreshold(),
		NoSpeechTimeout:  ms(cfg.Conversation.NoSpeechTimeoutMS),
		ResponseTimeout:  ms(cfg.Conversation.ResponseTimeoutMS),
		HistorySize:      cfg.Conversation.HistorySize,
		Observer:         e.asyncObs,
		Logger:           base,
	})
	if err != nil {
		e.gw.Close()
		e.release()
		return nil, err
	}
	e.orch = orch
	e.unsub = orch.Subscribe(conversation.ListenerFuncs{
		PhaseChange: func(c conversation.PhaseChange) {
			e.log.Debug("phase_change", "from", c.From.String(), "to", c.To.String(), "reason", c.Reason)
		},
		Message: func(m conversation.ChatMessage) {
			e.log.Info("chat_message", "role", string(m.Role), "message_id", m.ID, "text", redact.Text(m.Text))
		},
	})
	return e, nil
}

func (e *Engine) openAudio(opts EngineOptions) (io.Reader, io.Writer, error) {
	source, sink := opts.Source, opts.Sink
	if source == nil {
		if path := strings.TrimSpace(e.cfg.Audio.InputPath); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return nil, nil, fmt.Errorf("audio input: %w", err)
			}
			e.closers = append(e.closers, f)
			source = f
		}
	}
	if sink == nil {
		if path := strings.TrimSpace(e.cfg.Audio.OutputPath); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("audio output: %w", err)
			}
			e.closers = append(e.closers, f)
			sink = f
		}
	}
	return source, sink, nil
}

// Connect dials the gateway with the configured credentials. The
// handshake finishes in the background; see AwaitConnected.
func (e *Engine) Connect(ctx context.Context) error {
	return e.gw.Connect(ctx, e.cfg.GatewayClientConfig(runner.EngineVersion))
}

func (e *Engine) AwaitConnected(ctx context.Context) error {
	return e.gw.AwaitConnected(ctx)
}

func (e *Engine) Start() { e.orch.Start() }

func (e *Engine) Stop() { e.orch.Stop() }

func (e *Engine) Interrupt() error { return e.orch.Interrupt() }

func (e *Engine) SetSilenceThreshold(d time.Duration) time.Duration {
	return e.orch.SetSilenceThreshold(d)
}

func (e *Engine) Phase() conversation.Phase { return e.orch.Phase() }

func (e *Engine) History() []conversation.ChatMessage { return e.orch.History() }

func (e *Engine) Subscribe(l conversation.Listener) (unsubscribe func()) {
	return e.orch.Subscribe(l)
}

func (e *Engine) SubscribeGateway(fn func(gateway.State)) (unsubscribe func()) {
	return e.gw.SubscribeState(fn)
}

func (e *Engine) GatewayState() gateway.State { return e.gw.State() }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

// Drain stops the conversation, closes the gateway session and flushes
// metrics. It is safe to call more than once.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() {
		e.orch.Stop()
		if e.unsub != nil {
			e.unsub()
		}
		e.orch.Close()
		e.gw.Close()
		e.drainErr = e.release()
		e.log.Info("parley_drained")
	})
	return e.drainErr
}

func (e *Engine) Close() error { return e.Drain() }

func (e *Engine) release() error {
	var errs []error
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.jsonl != nil {
		errs = append(errs, e.jsonl.Close())
	}
	if e.timeline != nil {
		errs = append(errs, e.timeline.Close())
	}
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
