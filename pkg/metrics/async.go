package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver moves recording off the caller's goroutine. Events are
// dropped, and counted, when the buffer is full so the conversation loop
// never blocks on a slow sink. Events recorded after Close are discarded.
type AsyncObserver struct {
	inner   Observer
	dropped atomic.Int64
	handled atomic.Int64

	mu     sync.RWMutex
	ch     chan MetricsEvent
	closed bool
	done   chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: OrNoop(inner),
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Handled counts events delivered to the inner observer.
func (a *AsyncObserver) Handled() int64 {
	return a.handled.Load()
}

// Close stops accepting events and waits for buffered ones to drain. It
// may be called more than once.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
		a.handled.Add(1)
	}
}
