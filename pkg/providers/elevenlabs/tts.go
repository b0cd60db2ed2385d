package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/adapters/tts"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	// Rate is the speaking speed multiplier. The vendor accepts 0.7 to 1.2;
	// values outside are clamped.
	Rate float64
	// Sink receives decoded audio bytes in OutputFormat.
	Sink    io.Writer
	BaseURL string
	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker
	Logger  *slog.Logger
}

// Synthesizer speaks through the ElevenLabs stream-input websocket. Each
// utterance gets its own connection, closed when the vendor marks the
// audio final or when Stop cuts it.
type Synthesizer struct {
	cfg    Config
	log    *slog.Logger
	dialer websocket.Dialer

	mu      sync.Mutex
	current *utterance
	sinkMu  sync.Mutex
}

type utterance struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	done      *tts.Completion
	resolveMu sync.Mutex
	writeMu   sync.Mutex
}

func New(cfg Config) *Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Rate == 0 {
		cfg.Rate = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = io.Discard
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Backoff == 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &Synthesizer{
		cfg:    cfg,
		log:    logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) Speak(ctx context.Context, text string) (<-chan error, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.Stop()

	done := tts.NewCompletion()
	text = strings.TrimSpace(text)
	if text == "" {
		done.Resolve(nil)
		return done.C(), nil
	}
	if err := s.cfg.Breaker.Allow(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
	}

	u, err := s.buildURL()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	var conn *websocket.Conn
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		c, resp, err := s.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{s.cfg.APIKey}})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		s.cfg.Breaker.OnError(err)
		reason := errorsx.ReasonTTSConnect
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonTTSRateLimit
		}
		s.log.Error("elevenlabs_connect_failed", slog.String("error", err.Error()), slog.String("reason_code", string(reason)))
		return nil, errorsx.Wrap(err, reason)
	}
	s.cfg.Breaker.OnSuccess()

	uctx, cancel := context.WithCancel(ctx)
	utt := &utterance{conn: conn, ctx: uctx, cancel: cancel, done: done}
	s.mu.Lock()
	s.current = utt
	s.mu.Unlock()

	for _, msg := range []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
				"speed":            clampRate(s.cfg.Rate),
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := utt.send(msg); err != nil {
			s.finish(utt, nil)
			return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		}
	}
	s.log.Debug("elevenlabs_utterance_started", slog.Int("chars", len(text)))
	go s.readLoop(utt)
	return done.C(), nil
}

// Stop cuts the current utterance. Its completion resolves with nil.
func (s *Synthesizer) Stop() {
	s.mu.Lock()
	utt := s.current
	s.current = nil
	s.mu.Unlock()
	if utt != nil {
		s.finish(utt, nil)
		s.log.Debug("elevenlabs_utterance_stopped")
	}
}

func (s *Synthesizer) buildURL() (string, error) {
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (s *Synthesizer) readLoop(utt *utterance) {
	for {
		_, data, err := utt.conn.ReadMessage()
		if err != nil {
			if utt.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.finish(utt, nil)
				return
			}
			s.log.Error("elevenlabs_read_error", slog.String("error", err.Error()))
			s.finish(utt, errorsx.Wrap(err, errorsx.ReasonSynthesis))
			return
		}
		final, err := s.handleMessage(data)
		if err != nil {
			s.finish(utt, errorsx.Wrap(err, errorsx.ReasonSynthesis))
			return
		}
		if final {
			s.finish(utt, nil)
			return
		}
	}
}

type streamMessage struct {
	Audio       *string `json:"audio"`
	AudioBase64 *string `json:"audio_base_64"`
	IsFinal     bool    `json:"isFinal"`
	Error       string  `json:"error"`
	Message     string  `json:"message"`
}

func (s *Synthesizer) handleMessage(data []byte) (bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("elevenlabs_message_malformed", slog.Int("bytes", len(data)))
		return false, nil
	}
	if msg.Error != "" {
		return false, errors.New("elevenlabs: " + msg.Error + ": " + msg.Message)
	}
	audio := msg.Audio
	if audio == nil {
		audio = msg.AudioBase64
	}
	if audio != nil && *audio != "" {
		raw, err := base64.StdEncoding.DecodeString(*audio)
		if err != nil {
			s.log.Error("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
		} else {
			s.sinkMu.Lock()
			_, werr := s.cfg.Sink.Write(raw)
			s.sinkMu.Unlock()
			if werr != nil {
				return false, werr
			}
		}
	}
	return msg.IsFinal, nil
}

// finish resolves utt once and releases its connection.
func (s *Synthesizer) finish(utt *utterance, err error) {
	utt.resolveMu.Lock()
	utt.done.Resolve(err)
	utt.resolveMu.Unlock()
	utt.cancel()
	utt.writeMu.Lock()
	_ = utt.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	utt.writeMu.Unlock()
	_ = utt.conn.Close()

	s.mu.Lock()
	if s.current == utt {
		s.current = nil
	}
	s.mu.Unlock()
}

func (u *utterance) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.conn.WriteMessage(websocket.TextMessage, b)
}

func clampRate(r float64) float64 {
	if r < 0.7 {
		return 0.7
	}
	if r > 1.2 {
		return 1.2
	}
	return r
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
