package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/parley/pkg/adapters/stt"
	"github.com/harunnryd/parley/pkg/adapters/tts"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/gateway"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/priority"
	"github.com/harunnryd/parley/pkg/redact"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/harunnryd/parley/pkg/conversation"

var tracer = otel.Tracer(scopeName)

const (
	DefaultSilenceThreshold = 1500 * time.Millisecond
	MinSilenceThreshold     = 500 * time.Millisecond
	MaxSilenceThreshold     = 5000 * time.Millisecond
	DefaultNoSpeechTimeout  = 10 * time.Second
	DefaultResponseTimeout  = 30 * time.Second

	captureStopTimeout = 5 * time.Second
)

var (
	// ErrNotSpeaking is returned by Interrupt outside the Speaking phase.
	ErrNotSpeaking = errors.New("nothing to interrupt: not speaking")
	ErrClosed      = errors.New("orchestrator closed")

	errResponseTimeout = errors.New("no reply before response timeout")
)

// ClampSilenceThreshold bounds d to [MinSilenceThreshold, MaxSilenceThreshold].
func ClampSilenceThreshold(d time.Duration) time.Duration {
	if d < MinSilenceThreshold {
		return MinSilenceThreshold
	}
	if d > MaxSilenceThreshold {
		return MaxSilenceThreshold
	}
	return d
}

// Gateway is what the orchestrator needs from the network session.
type Gateway interface {
	SendChat(ctx context.Context, text string) error
	SubscribeReplies(fn func(gateway.Reply)) (unsubscribe func())
}

type Options struct {
	Transcriber stt.Transcriber
	Synthesizer tts.Synthesizer
	Gateway     Gateway

	// SilenceThreshold ends a turn after this long without a transcript
	// update. Zero means DefaultSilenceThreshold; other values are clamped.
	SilenceThreshold time.Duration
	NoSpeechTimeout  time.Duration
	ResponseTimeout  time.Duration
	HistorySize      int

	Observer metrics.Observer
	Logger   *slog.Logger
}

// Orchestrator runs the listen, process, speak loop.
//
// Every transition runs on a single loop goroutine fed by a two-lane
// queue: user actions take the high lane, adapter callbacks, replies and
// timer expiries take the low lane. Asynchronous work carries the epoch it
// was started under and its result is dropped when the epoch has moved
// on, which is how Stop and Interrupt cancel in-flight operations without
// waiting for them.
//
// Replies are not correlated by id. Only one turn is ever outstanding, so
// a reply arriving in Processing belongs to the pending send; a reply at
// any other time is dropped.
type Orchestrator struct {
	rec   stt.Transcriber
	synth tts.Synthesizer
	gw    Gateway
	log   *slog.Logger
	obs   metrics.Observer

	noSpeechTimeout time.Duration
	responseTimeout time.Duration
	threshold       atomic.Int64
	phaseView       atomic.Int32
	live            atomic.Uint64
	history         *History

	ctx       context.Context
	cancel    context.CancelFunc
	queue     *priority.Queue[func()]
	notify    *priority.Serial
	capture   *priority.Serial
	speech    *priority.Serial
	done      chan struct{}
	closeOnce sync.Once
	unsubGW   func()

	mu           sync.Mutex
	listeners    []listenerEntry
	nextListener int

	// Owned by the loop goroutine.
	phase         Phase
	epoch         uint64
	timers        *timerSet
	partial       string
	turn          *turn
	captureCancel context.CancelFunc

	// Owned by the capture worker.
	ready   bool
	session stt.Session
}

// turn is one dispatched utterance waiting for, or speaking, its reply.
type turn struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	span       trace.Span
	dispatched time.Time
	awaiting   bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Transcriber == nil || opts.Synthesizer == nil || opts.Gateway == nil {
		return nil, errors.New("conversation: transcriber, synthesizer and gateway are required")
	}
	if opts.NoSpeechTimeout <= 0 {
		opts.NoSpeechTimeout = DefaultNoSpeechTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	threshold := DefaultSilenceThreshold
	if opts.SilenceThreshold != 0 {
		threshold = ClampSilenceThreshold(opts.SilenceThreshold)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		rec:             opts.Transcriber,
		synth:           opts.Synthesizer,
		gw:              opts.Gateway,
		log:             logging.NewComponentLogger(opts.Logger, "orchestrator"),
		obs:             metrics.OrNoop(opts.Observer),
		noSpeechTimeout: opts.NoSpeechTimeout,
		responseTimeout: opts.ResponseTimeout,
		history:         NewHistory(opts.HistorySize),
		ctx:             ctx,
		cancel:          cancel,
		queue:           priority.New[func()](4),
		notify:          priority.NewSerial(),
		capture:         priority.NewSerial(),
		speech:          priority.NewSerial(),
		done:            make(chan struct{}),
	}
	o.threshold.Store(int64(threshold))
	o.timers = newTimerSet(o.post)
	o.unsubGW = o.gw.SubscribeReplies(func(r gateway.Reply) {
		o.post(func() { o.handleReply(r) })
	})
	go o.run()
	return o, nil
}

// Start begins listening. It is a no-op unless the phase is Idle.
func (o *Orchestrator) Start() {
	o.call(o.handleStart)
}

// Stop returns to Idle from any phase, cancelling capture, synthesis, the
// outstanding turn and every timer. It is safe to call repeatedly.
func (o *Orchestrator) Stop() {
	o.call(o.handleStop)
}

// Interrupt cuts the current reply short and resumes listening. It returns
// ErrNotSpeaking when there is nothing to interrupt.
func (o *Orchestrator) Interrupt() error {
	err := ErrClosed
	o.call(func() { err = o.handleInterrupt() })
	return err
}

// SetSilenceThreshold clamps d, applies it from the next transcript update
// on and returns the value in effect.
func (o *Orchestrator) SetSilenceThreshold(d time.Duration) time.Duration {
	d = ClampSilenceThreshold(d)
	o.threshold.Store(int64(d))
	return d
}

func (o *Orchestrator) SilenceThreshold() time.Duration {
	return time.Duration(o.threshold.Load())
}

func (o *Orchestrator) Phase() Phase {
	return Phase(o.phaseView.Load())
}

// History returns the retained messages, oldest first.
func (o *Orchestrator) History() []ChatMessage {
	return o.history.Messages()
}

// Close stops the conversation and releases the loop. The Orchestrator
// cannot be restarted afterwards.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.Stop()
		o.unsubGW()
		o.queue.Close()
		<-o.done
		o.cancel()
		o.capture.Close()
		o.speech.Close()
		o.notify.Close()
	})
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		fn, ok := o.queue.Pop(context.Background())
		if !ok {
			return
		}
		fn()
	}
}

func (o *Orchestrator) post(fn func()) {
	o.queue.PushLow(fn)
}

// call runs fn on the loop ahead of queued adapter events and waits for it.
func (o *Orchestrator) call(fn func()) bool {
	done := make(chan struct{})
	if !o.queue.PushHigh(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) handleStart() {
	if o.phase != Idle {
		o.log.Debug("start_ignored", "phase", o.phase.String())
		return
	}
	if o.setPhase(Listening, "user start") {
		o.beginCapture()
	}
}

func (o *Orchestrator) handleStop() {
	o.timers.disarmAll()
	if o.phase == Idle {
		return
	}
	o.bump()
	o.cancelCapture()
	o.synth.Stop()
	o.dropTurn("stopped", nil)
	o.partial = ""
	o.setPhase(Idle, "user stop")
}

func (o *Orchestrator) handleInterrupt() error {
	if o.phase != Speaking {
		return ErrNotSpeaking
	}
	o.timers.disarmAll()
	o.synth.Stop()
	if t := o.turn; t != nil {
		o.obs.RecordEvent(metrics.NewEvent("turn_interrupted", 0, map[string]string{"turn_id": t.id}))
		t.span.AddEvent("interrupted")
		o.endTurn()
	}
	o.setPhase(Listening, "user interrupt")
	o.beginCapture()
	return nil
}

// beginCapture opens a capture session for the current epoch and arms the
// no-speech guard.
func (o *Orchestrator) beginCapture() {
	e := o.epoch
	o.partial = ""
	ctx, cancel := context.WithCancel(o.ctx)
	o.captureCancel = cancel
	o.timers.arm(noSpeechTimer, o.noSpeechTimeout, func() { o.handleNoSpeech(e) })

	onPartial := func(text string) {
		o.post(func() { o.handlePartial(e, text) })
	}
	o.capture.Go(func() { o.startCapture(ctx, e, onPartial) })
}

// cancelCapture aborts any session right away. The worker is told to
// forget its handle so the next start does not trip over it.
func (o *Orchestrator) cancelCapture() {
	if o.captureCancel != nil {
		o.captureCancel()
		o.captureCancel = nil
	}
	o.rec.ForceStop()
	o.capture.Go(func() { o.session = nil })
}

// restartCapture throws the current session away and listens again
// without producing a turn.
func (o *Orchestrator) restartCapture(reason string) {
	o.timers.disarmAll()
	o.bump()
	o.cancelCapture()
	o.obs.RecordEvent(metrics.NewEvent("capture_restart", 0, map[string]string{"reason": reason}))
	o.log.Debug("capture_restart", "reason", reason)
	o.beginCapture()
}

func (o *Orchestrator) handlePartial(e uint64, text string) {
	if e != o.epoch || o.phase != Listening {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.partial = text
	o.emit(func(l Listener) { l.OnTranscript(text, false) })
	o.timers.disarm(noSpeechTimer)
	o.timers.arm(silenceTimer, o.SilenceThreshold(), func() { o.handleSilence(e) })
}

func (o *Orchestrator) handleNoSpeech(e uint64) {
	if e != o.epoch || o.phase != Listening {
		return
	}
	o.restartCapture("no_speech")
}

func (o *Orchestrator) handleSilence(e uint64) {
	if e != o.epoch || o.phase != Listening {
		return
	}
	if o.partial == "" {
		o.restartCapture("silence_empty")
		return
	}
	fallback := o.partial
	o.timers.disarmAll()
	if !o.setPhase(Processing, "silence") {
		return
	}
	e = o.epoch
	o.capture.Go(func() { o.finishCapture(e, fallback) })
}

func (o *Orchestrator) handleCaptureFinished(e uint64, fallback, final string, err error) {
	if e != o.epoch || o.phase != Processing {
		return
	}
	if o.captureCancel != nil {
		o.captureCancel()
		o.captureCancel = nil
	}
	if err != nil {
		o.log.Warn("capture_stop_failed", "error", err, "reason_code", errorsx.Reason(err))
	}
	text := strings.TrimSpace(final)
	if text == "" {
		text = fallback
	}
	o.emit(func(l Listener) { l.OnTranscript(text, true) })
	msg := o.history.Append(RoleUser, text)
	o.emit(func(l Listener) { l.OnMessage(msg) })
	o.log.Info("turn_finalized", "turn_id", msg.ID, "text", redact.Text(text))
	o.dispatch(msg.ID, text)
}

// dispatch sends the turn exactly once and arms the response timer.
func (o *Orchestrator) dispatch(id, text string) {
	ctx, span := tracer.Start(o.ctx, "conversation turn", trace.WithAttributes(
		attribute.String("turn.id", id),
		attribute.Int("turn.input_chars", len(text)),
	))
	ctx, cancel := context.WithCancel(ctx)
	t := &turn{id: id, ctx: ctx, cancel: cancel, span: span, dispatched: time.Now(), awaiting: true}
	o.turn = t

	e := o.epoch
	o.timers.arm(responseTimer, o.responseTimeout, func() { o.handleResponseTimeout(e) })
	o.obs.RecordEvent(metrics.NewEvent("turn_dispatched", float64(len(text)), map[string]string{"turn_id": id}))

	go func() {
		if err := o.gw.SendChat(ctx, text); err != nil {
			o.post(func() { o.handleSendFailed(e, t, err) })
		}
	}()
}

func (o *Orchestrator) handleSendFailed(e uint64, t *turn, err error) {
	if e != o.epoch || o.turn != t || !t.awaiting {
		return
	}
	t.awaiting = false
	o.timers.disarmAll()
	err = errorsx.Wrap(err, errorsx.ReasonGatewaySend)
	o.log.Warn("turn_send_failed", "turn_id", t.id, "error", err, "reason_code", errorsx.Reason(err))
	o.dropTurn("send_failed", err)
	o.setPhase(Listening, "send failed")
	o.beginCapture()
}

func (o *Orchestrator) handleResponseTimeout(e uint64) {
	t := o.turn
	if e != o.epoch || o.phase != Processing || t == nil || !t.awaiting {
		return
	}
	t.awaiting = false
	o.log.Warn("turn_reply_timeout", "turn_id", t.id, "timeout_ms", o.responseTimeout.Milliseconds())
	o.dropTurn("timeout", errResponseTimeout)
	o.setPhase(Listening, "response timeout")
	o.beginCapture()
}

func (o *Orchestrator) handleReply(r gateway.Reply) {
	t := o.turn
	if o.phase != Processing || t == nil || !t.awaiting {
		o.log.Debug("reply_ignored", "phase", o.phase.String(), "message_id", r.MessageID)
		return
	}
	t.awaiting = false
	o.timers.disarmAll()
	latency := time.Since(t.dispatched)
	t.span.AddEvent("reply", trace.WithAttributes(attribute.String("reply.message_id", r.MessageID)))
	o.obs.RecordEvent(metrics.NewEvent("turn_reply", float64(latency.Milliseconds()), map[string]string{"turn_id": t.id}))

	msg := o.history.Append(RoleAssistant, r.Text)
	o.emit(func(l Listener) { l.OnMessage(msg) })
	if !o.setPhase(Speaking, "reply") {
		return
	}
	e := o.epoch
	text := r.Text
	o.speech.Go(func() { o.speak(e, text) })
}

func (o *Orchestrator) handleSpeechDone(e uint64, err error) {
	if e != o.epoch || o.phase != Speaking {
		return
	}
	if t := o.turn; t != nil {
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSynthesis)
			o.log.Warn("speech_failed", "turn_id", t.id, "error", err, "reason_code", errorsx.Reason(err))
			o.dropTurn("synthesis_failed", err)
		} else {
			o.obs.RecordEvent(metrics.NewEvent("turn_spoken", 0, map[string]string{"turn_id": t.id}))
			o.endTurn()
		}
	}
	o.setPhase(Listening, "speech done")
	o.beginCapture()
}

func (o *Orchestrator) handleCaptureFailed(e uint64, err error) {
	if e != o.epoch {
		return
	}
	o.log.Warn("capture_failed", "error", err, "reason_code", errorsx.Reason(err))
	o.obs.RecordEvent(metrics.NewEvent("capture_failed", 0, map[string]string{"reason": string(errorsx.Reason(err))}))
	o.timers.disarmAll()
	o.cancelCapture()
	o.partial = ""
	o.setPhase(Idle, "capture failed")
}

// endTurn closes the span of a turn that finished normally.
func (o *Orchestrator) endTurn() {
	t := o.turn
	if t == nil {
		return
	}
	t.cancel()
	t.span.End()
	o.turn = nil
}

func (o *Orchestrator) dropTurn(reason string, err error) {
	t := o.turn
	if t == nil {
		return
	}
	t.awaiting = false
	waited := time.Since(t.dispatched)
	o.obs.RecordEvent(metrics.NewEvent("turn_dropped", float64(waited.Milliseconds()),
		map[string]string{"turn_id": t.id, "reason": reason}))
	if err != nil {
		t.span.RecordError(err)
	}
	t.span.SetStatus(codes.Error, reason)
	o.endTurn()
}

// setPhase validates and applies a transition. Every transition moves the
// epoch, which orphans whatever the previous phase started.
func (o *Orchestrator) setPhase(to Phase, reason string) bool {
	from := o.phase
	if from == to {
		return true
	}
	if !transitionValid(from, to) {
		err := &InvalidTransitionError{From: from, To: to}
		o.log.Error("phase_transition_rejected", "error", err)
		return false
	}
	o.phase = to
	o.bump()
	o.phaseView.Store(int32(to))

	change := PhaseChange{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	o.log.Info("phase_changed", "from", from.String(), "to", to.String(), "reason", reason)
	o.obs.RecordEvent(metrics.NewEvent("phase_change", float64(to), map[string]string{
		"from": from.String(),
		"to":   to.String(),
	}))
	o.emit(func(l Listener) { l.OnPhaseChange(change) })
	return true
}

func (o *Orchestrator) bump() {
	o.epoch++
	o.live.Store(o.epoch)
}

func (o *Orchestrator) stale(e uint64) bool {
	return o.live.Load() != e
}

// startCapture runs on the capture worker.
func (o *Orchestrator) startCapture(ctx context.Context, e uint64, onPartial stt.PartialFunc) {
	if o.stale(e) {
		return
	}
	if !o.ready {
		if err := o.rec.Init(ctx); err != nil {
			err = errorsx.Wrapf(err, errorsx.ReasonCaptureStart, "init %s", o.rec.Name())
			o.post(func() { o.handleCaptureFailed(e, err) })
			return
		}
		o.ready = true
	}
	if o.stale(e) {
		return
	}
	sess, err := o.rec.Start(ctx, onPartial)
	if err != nil {
		err = errorsx.Wrapf(err, errorsx.ReasonCaptureStart, "start %s", o.rec.Name())
		o.post(func() { o.handleCaptureFailed(e, err) })
		return
	}
	if o.stale(e) {
		o.rec.ForceStop()
		return
	}
	o.session = sess
}

// finishCapture runs on the capture worker and drains the final text.
func (o *Orchestrator) finishCapture(e uint64, fallback string) {
	sess := o.session
	o.session = nil
	if o.stale(e) {
		return
	}
	var (
		final string
		err   error
	)
	if sess != nil {
		ctx, cancel := context.WithTimeout(o.ctx, captureStopTimeout)
		final, err = sess.Stop(ctx)
		cancel()
		err = errorsx.Wrap(err, errorsx.ReasonCaptureStop)
	}
	o.post(func() { o.handleCaptureFinished(e, fallback, final, err) })
}

// speak runs on the speech worker. The completion is awaited on its own
// goroutine so a later Stop is never queued behind playback.
func (o *Orchestrator) speak(e uint64, text string) {
	if o.stale(e) {
		return
	}
	done, err := o.synth.Speak(o.ctx, text)
	if err != nil {
		o.post(func() { o.handleSpeechDone(e, err) })
		return
	}
	if o.stale(e) {
		o.synth.Stop()
		return
	}
	go func() {
		err := <-done
		o.post(func() { o.handleSpeechDone(e, err) })
	}()
}
