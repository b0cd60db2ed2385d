package mock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/adapters/tts"
	"github.com/harunnryd/parley/pkg/logging"
)

type SynthesizerConfig struct {
	// WordDuration is how long each word "plays". Zero means utterances
	// only end through Complete, Fail or Stop.
	WordDuration time.Duration
	// Rate scales playback speed; 1.0 is normal.
	Rate float64
}

// Synthesizer pretends to speak. It records what it was asked to say.
type Synthesizer struct {
	cfg SynthesizerConfig
	log *slog.Logger

	mu       sync.Mutex
	current  *tts.Completion
	timer    *time.Timer
	spoken   []string
	stops    int
	speakErr error
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	return &Synthesizer{
		cfg: cfg,
		log: logging.NewComponentLogger(slog.Default(), "mock_tts"),
	}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Speak(ctx context.Context, text string) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.speakErr; err != nil {
		s.speakErr = nil
		return nil, err
	}
	s.finishLocked(nil)
	c := tts.NewCompletion()
	s.current = c
	s.spoken = append(s.spoken, text)
	if s.cfg.WordDuration > 0 {
		words := len(strings.Fields(text))
		d := time.Duration(float64(s.cfg.WordDuration) * float64(words) / s.cfg.Rate)
		s.timer = time.AfterFunc(d, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.current == c {
				s.finishLocked(nil)
			}
		})
	}
	s.log.Debug("mock_tts_speak", "words", len(strings.Fields(text)))
	return c.C(), nil
}

func (s *Synthesizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.finishLocked(nil)
}

// Complete ends the current utterance normally.
func (s *Synthesizer) Complete() bool {
	return s.finish(nil)
}

// Fail ends the current utterance with err.
func (s *Synthesizer) Fail(err error) bool {
	return s.finish(err)
}

// FailNextSpeak makes the next Speak return err without playing.
func (s *Synthesizer) FailNextSpeak(err error) {
	s.mu.Lock()
	s.speakErr = err
	s.mu.Unlock()
}

func (s *Synthesizer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Synthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func (s *Synthesizer) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *Synthesizer) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	s.finishLocked(err)
	return true
}

func (s *Synthesizer) finishLocked(err error) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.current != nil {
		s.current.Resolve(err)
		s.current = nil
	}
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
