package conversation

import "time"

type timerName int

const (
	silenceTimer timerName = iota
	noSpeechTimer
	responseTimer
)

func (n timerName) String() string {
	switch n {
	case silenceTimer:
		return "silence"
	case noSpeechTimer:
		return "no_speech"
	case responseTimer:
		return "response"
	default:
		return "unknown"
	}
}

// timerSet owns the named timers. It is only touched from the loop
// goroutine; expiries are posted back onto the loop and dropped when the
// timer was disarmed or re-armed in the meantime.
type timerSet struct {
	post   func(func())
	gen    uint64
	active map[timerName]armedTimer
}

type armedTimer struct {
	t   *time.Timer
	gen uint64
}

func newTimerSet(post func(func())) *timerSet {
	return &timerSet{post: post, active: make(map[timerName]armedTimer)}
}

// arm replaces any timer of the same name.
func (ts *timerSet) arm(name timerName, d time.Duration, fire func()) {
	ts.disarm(name)
	ts.gen++
	gen := ts.gen
	t := time.AfterFunc(d, func() {
		ts.post(func() {
			a, ok := ts.active[name]
			if !ok || a.gen != gen {
				return
			}
			delete(ts.active, name)
			fire()
		})
	})
	ts.active[name] = armedTimer{t: t, gen: gen}
}

func (ts *timerSet) disarm(name timerName) {
	if a, ok := ts.active[name]; ok {
		a.t.Stop()
		delete(ts.active, name)
	}
}

func (ts *timerSet) disarmAll() {
	for name := range ts.active {
		ts.disarm(name)
	}
}

func (ts *timerSet) armed(name timerName) bool {
	_, ok := ts.active[name]
	return ok
}

func (ts *timerSet) count() int {
	return len(ts.active)
}
