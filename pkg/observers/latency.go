package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/metrics"
)

// TurnLatencyObserver correlates turn events by the turn_id tag and logs
// one latency line per finished turn.
type TurnLatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	dispatched time.Time
	replied    time.Time
}

func NewTurnLatencyObserver(log *slog.Logger) *TurnLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &TurnLatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *TurnLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ev.Tags["turn_id"]
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[turnID]
	if t == nil {
		t = &turnTrace{}
		o.turns[turnID] = t
	}
	switch ev.Name {
	case "turn_dispatched":
		t.dispatched = ev.Time
	case "turn_reply":
		t.replied = ev.Time
	case "turn_spoken", "turn_interrupted":
		o.log.Info("turn_latency",
			"turn_id", turnID,
			"outcome", ev.Name,
			"reply_ms", durationMs(t.dispatched, t.replied),
			"speech_ms", durationMs(t.replied, ev.Time),
			"total_ms", durationMs(t.dispatched, ev.Time),
		)
		delete(o.turns, turnID)
	case "turn_dropped":
		o.log.Info("turn_latency",
			"turn_id", turnID,
			"outcome", ev.Name,
			"reason", ev.Tags["reason"],
			"waited_ms", durationMs(t.dispatched, ev.Time),
		)
		delete(o.turns, turnID)
	}
}

// Pending reports how many turns are still being tracked.
func (o *TurnLatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
