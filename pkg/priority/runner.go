package priority

import "context"

// Serial runs submitted functions one at a time, in submission order, on
// its own goroutine. Listener callbacks go through it so a slow or
// re-entrant listener cannot stall the caller.
type Serial struct {
	q    *Queue[func()]
	done chan struct{}
}

func NewSerial() *Serial {
	s := &Serial{q: New[func()](1), done: make(chan struct{})}
	go s.loop()
	return s
}

// Go schedules fn. It reports false after Close.
func (s *Serial) Go(fn func()) bool {
	if fn == nil {
		return false
	}
	return s.q.PushLow(fn)
}

// Close runs what is already queued, then stops. Calling Close from a
// function running on s returns without waiting.
func (s *Serial) Close() {
	s.q.Close()
}

// Wait blocks until Close has been called and every queued function ran.
func (s *Serial) Wait() {
	<-s.done
}

func (s *Serial) loop() {
	defer close(s.done)
	ctx := context.Background()
	for {
		fn, ok := s.q.Pop(ctx)
		if !ok {
			return
		}
		fn()
	}
}
