package tts

import "context"

// Synthesizer defines the contract for any text-to-speech engine.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Speak starts audible output of text. The returned channel receives
	// exactly one value when output ends: nil on completion or Stop, an
	// error when synthesis failed midway. It is then closed.
	Speak(ctx context.Context, text string) (<-chan error, error)
	// Stop cuts the current utterance and resolves its completion channel.
	// Safe to call repeatedly and with nothing playing.
	Stop()
}

// Completion builds the single-shot channel Speak returns.
type Completion struct {
	ch   chan error
	done bool
}

func NewCompletion() *Completion {
	return &Completion{ch: make(chan error, 1)}
}

// C is the receive side handed to callers.
func (c *Completion) C() <-chan error { return c.ch }

// Resolve delivers err once; later calls are ignored. Callers must
// serialize Resolve themselves.
func (c *Completion) Resolve(err error) {
	if c.done {
		return
	}
	c.done = true
	c.ch <- err
	close(c.ch)
}
