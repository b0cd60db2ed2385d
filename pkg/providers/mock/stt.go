package mock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/adapters/stt"
	"github.com/harunnryd/parley/pkg/logging"
)

type TranscriberConfig struct {
	// Script holds one utterance per capture session, played word by word.
	// Sessions past the end of the script hear nothing.
	Script []string
	// LeadIn delays the first partial of a scripted utterance.
	LeadIn time.Duration
	// WordGap separates scripted partials.
	WordGap time.Duration
}

// Transcriber is a scripted recognizer. Tests drive it with EmitPartial;
// the console demo drives it with Script.
type Transcriber struct {
	cfg TranscriberConfig
	log *slog.Logger

	mu         sync.Mutex
	ready      bool
	active     *transcriberSession
	starts     int
	forceStops int
	scriptPos  int
	initErr    error
	startErr   error
	finalText  string
}

type transcriberSession struct {
	parent    *Transcriber
	onPartial stt.PartialFunc
	cancel    context.CancelFunc
	ctx       context.Context
	mu        sync.Mutex
	last      string
}

func NewTranscriber(cfg TranscriberConfig) *Transcriber {
	if cfg.WordGap <= 0 {
		cfg.WordGap = 250 * time.Millisecond
	}
	return &Transcriber{
		cfg: cfg,
		log: logging.NewComponentLogger(slog.Default(), "mock_stt"),
	}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initErr != nil {
		return t.initErr
	}
	t.ready = true
	return nil
}

func (t *Transcriber) Start(ctx context.Context, onPartial stt.PartialFunc) (stt.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return nil, stt.ErrNotReady
	}
	if t.active != nil {
		return nil, stt.ErrSessionActive
	}
	if err := t.startErr; err != nil {
		t.startErr = nil
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &transcriberSession{parent: t, onPartial: onPartial, ctx: sctx, cancel: cancel}
	t.active = s
	t.starts++
	if t.scriptPos < len(t.cfg.Script) {
		utterance := t.cfg.Script[t.scriptPos]
		t.scriptPos++
		go s.play(utterance, t.cfg.LeadIn, t.cfg.WordGap)
	}
	t.log.Debug("mock_stt_session_started", "starts", t.starts)
	return s, nil
}

func (t *Transcriber) ForceStop() {
	t.mu.Lock()
	s := t.active
	t.active = nil
	t.forceStops++
	t.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// EmitPartial feeds text to the active session as if it had been heard.
// It reports false when no session is active.
func (t *Transcriber) EmitPartial(text string) bool {
	t.mu.Lock()
	s := t.active
	t.mu.Unlock()
	if s == nil {
		return false
	}
	s.emit(text)
	return true
}

// SetFinalText overrides what the next Stop drains.
func (t *Transcriber) SetFinalText(text string) {
	t.mu.Lock()
	t.finalText = text
	t.mu.Unlock()
}

// FailNextStart makes the next Start return err.
func (t *Transcriber) FailNextStart(err error) {
	t.mu.Lock()
	t.startErr = err
	t.mu.Unlock()
}

// FailInit makes Init return err.
func (t *Transcriber) FailInit(err error) {
	t.mu.Lock()
	t.initErr = err
	t.mu.Unlock()
}

func (t *Transcriber) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

func (t *Transcriber) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

func (t *Transcriber) ForceStops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.forceStops
}

func (s *transcriberSession) emit(text string) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.last = text
	s.mu.Unlock()
	if s.onPartial != nil {
		s.onPartial(text)
	}
}

func (s *transcriberSession) play(utterance string, leadIn, gap time.Duration) {
	words := strings.Fields(utterance)
	wait := leadIn
	for i := range words {
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.emit(strings.Join(words[:i+1], " "))
		wait = gap
	}
}

func (s *transcriberSession) Stop(ctx context.Context) (string, error) {
	t := s.parent
	t.mu.Lock()
	if t.active == s {
		t.active = nil
	}
	final := t.finalText
	t.finalText = ""
	t.mu.Unlock()
	s.cancel()

	if final != "" {
		return final, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
