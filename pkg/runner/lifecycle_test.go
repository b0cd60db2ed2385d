package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeDrainer struct {
	calls int
	err   error
	delay time.Duration
}

func (d *fakeDrainer) Drain() error {
	d.calls++
	time.Sleep(d.delay)
	return d.err
}

func TestRunDrainsOnCancel(t *testing.T) {
	d := &fakeDrainer{}
	started, stopped := false, false
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func(ctx context.Context) error { started = true; return nil },
		OnStop:  func() { stopped = true },
	}, time.Second).WithoutBanner()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started || !stopped || d.calls != 1 {
		t.Fatalf("unexpected hooks started=%v stopped=%v drains=%d", started, stopped, d.calls)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestRunReturnsStartError(t *testing.T) {
	d := &fakeDrainer{}
	boom := errors.New("gateway unreachable")
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func(ctx context.Context) error { return boom },
	}, time.Second).WithoutBanner()
	err := r.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("expected drain after failed start, got %d", d.calls)
	}
}

func TestDrainTimeoutAndError(t *testing.T) {
	slow := &fakeDrainer{delay: 200 * time.Millisecond}
	r := NewLifecycleRunner(slow, Hooks{}, 20*time.Millisecond).WithoutBanner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}

	failing := &fakeDrainer{err: errors.New("flush failed")}
	r = NewLifecycleRunner(failing, Hooks{}, time.Second).WithoutBanner()
	if err := r.Run(ctx); err == nil || err.Error() != "flush failed" {
		t.Fatalf("expected drain error, got %v", err)
	}
}

func TestBannerNamesProduct(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf)
	if !strings.Contains(buf.String(), "Version: "+EngineVersion) {
		t.Fatalf("banner missing version: %q", buf.String())
	}
}
