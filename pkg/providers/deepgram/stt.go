package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/adapters/stt"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/redact"
	"github.com/harunnryd/parley/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errConnect = errors.New("deepgram connection failed")

// liveConn is the part of the SDK websocket client a session drives.
type liveConn interface {
	Stream(r io.Reader) error
	Stop()
}

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	// Source is the microphone stream. It is read continuously once Init
	// has run; audio is forwarded only while a session is open.
	Source io.Reader
	// ChunkSize is the read size from Source in bytes.
	ChunkSize int
	// FinalizeWait bounds how long Stop waits for trailing final results.
	FinalizeWait time.Duration
	Retry        resilience.RetryPolicy
	Logger       *slog.Logger
}

// Transcriber streams microphone audio to the Deepgram live API. One
// websocket is opened per capture session.
type Transcriber struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	ready    bool
	active   *session
	pumpOnce sync.Once

	dial func(ctx context.Context, s *session) (liveConn, error)
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3200
	}
	if cfg.FinalizeWait <= 0 {
		cfg.FinalizeWait = 400 * time.Millisecond
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Backoff == 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	return &Transcriber{
		cfg:  cfg,
		log:  logging.NewComponentLogger(cfg.Logger, "deepgram_stt"),
		dial: dialLive,
	}
}

func (t *Transcriber) Name() string { return "deepgram_stt" }

func (t *Transcriber) Init(ctx context.Context) error {
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return errors.New("deepgram: api key is required")
	}
	if t.cfg.Source == nil {
		return errors.New("deepgram: audio source is required")
	}
	t.pumpOnce.Do(func() { go t.pumpAudio() })
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	t.log.Info("deepgram_ready",
		slog.String("model", t.cfg.Model),
		slog.Int("sample_rate", t.cfg.SampleRate),
		slog.String("api_key", redact.Secret(t.cfg.APIKey)))
	return nil
}

func (t *Transcriber) Start(ctx context.Context, onPartial stt.PartialFunc) (stt.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	if !t.ready {
		t.mu.Unlock()
		return nil, stt.ErrNotReady
	}
	if t.active != nil {
		t.mu.Unlock()
		return nil, stt.ErrSessionActive
	}
	s := newSession(t, ctx, onPartial)
	t.active = s
	t.mu.Unlock()

	err := t.cfg.Retry.Do(s.ctx, s.connect)
	if err != nil {
		t.detach(s)
		s.close()
		t.log.Error("deepgram_connect_error", slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	s.mu.Lock()
	dg := s.dg
	s.mu.Unlock()
	go func() {
		if err := dg.Stream(s.audioR); err != nil && s.ctx.Err() == nil {
			t.log.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	t.log.Debug("deepgram_session_started")
	return s, nil
}

func (t *Transcriber) ForceStop() {
	t.mu.Lock()
	s := t.active
	t.active = nil
	t.mu.Unlock()
	if s != nil {
		s.close()
		t.log.Debug("deepgram_session_aborted")
	}
}

func (t *Transcriber) detach(s *session) {
	t.mu.Lock()
	if t.active == s {
		t.active = nil
	}
	t.mu.Unlock()
}

// pumpAudio owns Source. Chunks read while no session is open are dropped.
func (t *Transcriber) pumpAudio() {
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		n, err := t.cfg.Source.Read(buf)
		if n > 0 {
			t.mu.Lock()
			s := t.active
			t.mu.Unlock()
			if s != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.feed(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Error("deepgram_source_error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

type session struct {
	parent    *Transcriber
	onPartial stt.PartialFunc
	ctx       context.Context
	cancel    context.CancelFunc
	audioR    *io.PipeReader
	audioW    *io.PipeWriter

	mu        sync.Mutex
	dg        liveConn
	closed    bool
	finals    []string
	interim   string
	flushed   chan struct{}
	flushOnce sync.Once
	closeOnce sync.Once
}

func newSession(t *Transcriber, ctx context.Context, onPartial stt.PartialFunc) *session {
	sctx, cancel := context.WithCancel(ctx)
	r, w := io.Pipe()
	return &session{
		parent:    t,
		onPartial: onPartial,
		ctx:       sctx,
		cancel:    cancel,
		audioR:    r,
		audioW:    w,
		flushed:   make(chan struct{}),
	}
}

func (s *session) connect(ctx context.Context) error {
	dg, err := s.parent.dial(ctx, s)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// ForceStop won the race while the socket was opening.
		dg.Stop()
		return context.Canceled
	}
	s.dg = dg
	s.mu.Unlock()
	return nil
}

func dialLive(ctx context.Context, s *session) (liveConn, error) {
	cfg := s.parent.cfg
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		InterimResults: cfg.Interim,
		VadEvents:      cfg.VADEvents,
		SmartFormat:    true,
	}
	if cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", cfg.UtteranceEndMS)
	}
	dg, err := client.NewWSUsingCallback(ctx, cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, s)
	if err != nil {
		return nil, err
	}
	if !dg.Connect() {
		return nil, errConnect
	}
	return dg, nil
}

func (s *session) feed(chunk []byte) {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.audioW.Write(chunk); err != nil && s.ctx.Err() == nil {
		s.parent.log.Debug("deepgram_audio_dropped", slog.String("error", err.Error()))
	}
}

// Stop ends the audio stream, waits briefly for trailing finals and
// returns everything recognized in this session.
func (s *session) Stop(ctx context.Context) (string, error) {
	s.parent.detach(s)
	_ = s.audioW.Close()

	wait := time.NewTimer(s.parent.cfg.FinalizeWait)
	defer wait.Stop()
	select {
	case <-s.flushed:
	case <-wait.C:
	case <-ctx.Done():
	}
	s.close()
	return s.text(), nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.audioW.Close()
		s.mu.Lock()
		s.closed = true
		dg := s.dg
		s.mu.Unlock()
		if dg != nil {
			dg.Stop()
		}
	})
}

func (s *session) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := append([]string(nil), s.finals...)
	if s.interim != "" {
		parts = append(parts, s.interim)
	}
	return strings.Join(parts, " ")
}

func (s *session) markFlushed() {
	s.flushOnce.Do(func() { close(s.flushed) })
}

func (s *session) Open(or *msginterfaces.OpenResponse) error {
	s.parent.log.Info("deepgram_connection_opened")
	return nil
}

func (s *session) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)

	s.mu.Lock()
	if mr.IsFinal {
		if transcript != "" {
			s.finals = append(s.finals, transcript)
		}
		s.interim = ""
	} else {
		s.interim = transcript
	}
	s.mu.Unlock()

	if mr.SpeechFinal {
		s.markFlushed()
	}
	if transcript == "" || s.ctx.Err() != nil {
		return nil
	}
	text := s.text()
	s.parent.log.Debug("transcript_received",
		slog.String("transcript", redact.Text(transcript)),
		slog.Bool("is_final", mr.IsFinal))
	if s.onPartial != nil {
		s.onPartial(text)
	}
	return nil
}

func (s *session) Metadata(md *msginterfaces.MetadataResponse) error {
	s.parent.log.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (s *session) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	s.parent.log.Debug("speech_started_event")
	return nil
}

func (s *session) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	s.parent.log.Debug("utterance_end_event")
	s.markFlushed()
	return nil
}

func (s *session) Close(cr *msginterfaces.CloseResponse) error {
	s.parent.log.Info("deepgram_connection_closed")
	s.markFlushed()
	return nil
}

func (s *session) Error(er *msginterfaces.ErrorResponse) error {
	s.parent.log.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (s *session) UnhandledEvent(byData []byte) error {
	s.parent.log.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var (
	_ stt.Transcriber                   = (*Transcriber)(nil)
	_ msginterfaces.LiveMessageCallback = (*session)(nil)
)
