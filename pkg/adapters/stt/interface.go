package stt

import (
	"context"
	"errors"
)

var (
	// ErrSessionActive is returned by Start while another session is live.
	ErrSessionActive = errors.New("transcription session already active")
	// ErrNotReady is returned by Start before Init has completed.
	ErrNotReady = errors.New("transcriber not initialized")
)

// PartialFunc receives the full recognized text so far, not a delta.
// Implementations call it from their own goroutine.
type PartialFunc func(text string)

// Session is one live capture/recognition pass.
type Session interface {
	// Stop ends capture and drains the final transcript.
	Stop(ctx context.Context) (string, error)
}

// Transcriber defines the contract for any on-device or streaming recognizer.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Init prepares the recognizer (model load, credentials). Start fails
	// with ErrNotReady until it returns nil.
	Init(ctx context.Context) error
	// Start opens a session. At most one session may be active.
	Start(ctx context.Context, onPartial PartialFunc) (Session, error)
	// ForceStop aborts the active session, if any. Safe to call repeatedly.
	ForceStop()
}
