package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonGatewaySend)
	if Reason(err) != ReasonGatewaySend {
		t.Fatalf("expected reason %s, got %s", ReasonGatewaySend, Reason(err))
	}
	if !HasReason(err, ReasonGatewaySend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonGatewayTimeout)
	second := Wrap(first, ReasonGatewaySend)
	if Reason(second) != ReasonGatewayTimeout {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	base := Wrap(assertErr{}, ReasonCaptureStart)
	outer := fmt.Errorf("start listening: %w", base)
	if Reason(outer) != ReasonCaptureStart {
		t.Fatalf("expected reason through fmt wrap, got %s", Reason(outer))
	}
	if !errors.Is(outer, assertErr{}) {
		t.Fatalf("expected original error reachable")
	}
}

func TestNilAndPlainErrors(t *testing.T) {
	if Wrap(nil, ReasonSynthesis) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
	if Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatalf("expected unknown reason for plain error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestWrapfAddsContext(t *testing.T) {
	err := Wrapf(assertErr{}, ReasonGatewayHandshake, "connect %s", "ws://gw")
	if err.Error() != "connect ws://gw: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Reason(err) != ReasonGatewayHandshake {
		t.Fatalf("expected handshake reason, got %s", Reason(err))
	}
}
