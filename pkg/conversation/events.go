package conversation

// Listener observes the conversation. Callbacks run in emission order on
// a goroutine owned by the Orchestrator, so they may call back into it.
type Listener interface {
	OnPhaseChange(change PhaseChange)
	OnTranscript(text string, final bool)
	OnMessage(msg ChatMessage)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	PhaseChange func(change PhaseChange)
	Transcript  func(text string, final bool)
	Message     func(msg ChatMessage)
}

func (f ListenerFuncs) OnPhaseChange(change PhaseChange) {
	if f.PhaseChange != nil {
		f.PhaseChange(change)
	}
}

func (f ListenerFuncs) OnTranscript(text string, final bool) {
	if f.Transcript != nil {
		f.Transcript(text, final)
	}
}

func (f ListenerFuncs) OnMessage(msg ChatMessage) {
	if f.Message != nil {
		f.Message(msg)
	}
}

type listenerEntry struct {
	id int
	l  Listener
}

// Subscribe registers l. Every subscriber receives every event; the
// returned func removes l.
func (o *Orchestrator) Subscribe(l Listener) (unsubscribe func()) {
	o.mu.Lock()
	o.nextListener++
	id := o.nextListener
	o.listeners = append(o.listeners, listenerEntry{id: id, l: l})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, e := range o.listeners {
			if e.id == id {
				o.listeners = append(o.listeners[:i:i], o.listeners[i+1:]...)
				return
			}
		}
	}
}

// emit hands fn to every current listener. Only the loop goroutine calls
// it, which keeps delivery in transition order.
func (o *Orchestrator) emit(fn func(Listener)) {
	o.mu.Lock()
	ls := make([]Listener, 0, len(o.listeners))
	for _, e := range o.listeners {
		ls = append(ls, e.l)
	}
	o.mu.Unlock()
	if len(ls) == 0 {
		return
	}
	o.notify.Go(func() {
		for _, l := range ls {
			fn(l)
		}
	})
}
