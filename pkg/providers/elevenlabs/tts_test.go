package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/resilience"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newVendor(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSpeakStreamsAudioUntilFinal(t *testing.T) {
	var (
		mu       sync.Mutex
		texts    []string
		apiKey   string
		path     string
		speedSet float64
	)
	srv := newVendor(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		apiKey = r.Header.Get("xi-api-key")
		path = r.URL.Path
		mu.Unlock()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			text, _ := msg["text"].(string)
			mu.Lock()
			texts = append(texts, text)
			if vs, ok := msg["voice_settings"].(map[string]any); ok {
				speedSet, _ = vs["speed"].(float64)
			}
			mu.Unlock()
			if text == "" {
				audio := base64.StdEncoding.EncodeToString([]byte("pcm-bytes"))
				_ = conn.WriteJSON(map[string]any{"audio": audio})
				_ = conn.WriteJSON(map[string]any{"isFinal": true})
			}
		}
	})

	sink := &lockedBuffer{}
	s := New(Config{APIKey: "xi-key", VoiceID: "voice-1", BaseURL: wsURL(srv), Sink: sink, Rate: 2.0})
	done, err := s.Speak(context.Background(), "hi there")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean completion, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("utterance never completed")
	}

	if sink.String() != "pcm-bytes" {
		t.Fatalf("unexpected audio %q", sink.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if apiKey != "xi-key" {
		t.Fatalf("expected api key header, got %q", apiKey)
	}
	if path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Fatalf("unexpected path %q", path)
	}
	if len(texts) != 3 || texts[1] != "hi there " || texts[2] != "" {
		t.Fatalf("unexpected text frames %q", texts)
	}
	if speedSet != 1.2 {
		t.Fatalf("expected speed clamped to 1.2, got %v", speedSet)
	}
}

func TestStopResolvesPendingUtterance(t *testing.T) {
	srv := newVendor(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s := New(Config{APIKey: "xi-key", VoiceID: "voice-1", BaseURL: wsURL(srv)})
	done, err := s.Speak(context.Background(), "a long answer")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not resolve completion")
	}
}

func TestVendorErrorFailsUtterance(t *testing.T) {
	srv := newVendor(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteJSON(map[string]any{"error": "quota_exceeded", "message": "out of credits"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s := New(Config{APIKey: "xi-key", VoiceID: "voice-1", BaseURL: wsURL(srv)})
	done, err := s.Speak(context.Background(), "hello")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	select {
	case err := <-done:
		if errorsx.Reason(err) != errorsx.ReasonSynthesis {
			t.Fatalf("expected synthesis failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("vendor error did not end utterance")
	}
}

func TestRateLimitOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	s := New(Config{
		APIKey:  "xi-key",
		VoiceID: "voice-1",
		BaseURL: wsURL(srv),
		Retry:   resilience.NewRetryPolicy(3, time.Millisecond),
		Breaker: resilience.NewCircuitBreaker(1, time.Minute),
	})
	_, err := s.Speak(context.Background(), "hello")
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonTTSRateLimit {
		t.Fatalf("expected rate limit reason, got %s", errorsx.Reason(err))
	}
	_, err = s.Speak(context.Background(), "hello")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestEmptyTextCompletesImmediately(t *testing.T) {
	s := New(Config{APIKey: "xi-key", VoiceID: "voice-1", BaseURL: "ws://127.0.0.1:1"})
	done, err := s.Speak(context.Background(), "   ")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestHandleMessageIgnoresAlignmentFrames(t *testing.T) {
	s := New(Config{APIKey: "k", VoiceID: "v"})
	raw, _ := json.Marshal(map[string]any{"alignment": map[string]any{"chars": []string{"h"}}})
	final, err := s.handleMessage(raw)
	if final || err != nil {
		t.Fatalf("unexpected result final=%v err=%v", final, err)
	}
}
