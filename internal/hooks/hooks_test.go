package hooks

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

func testDispatcher(h Hooks) *Dispatcher {
	return NewDispatcher(h, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNilDispatcherIsSafe(t *testing.T) {
	t.Parallel()

	var d *Dispatcher
	d.TurnStart(TurnInfo{})
	d.TurnEnd(TurnInfo{}, nil)
	d.Error(errors.New("boom"), ErrorInfo{})
	if err := d.CheckGuardrail(TurnInfo{}, "hello"); err != nil {
		t.Errorf("nil dispatcher guardrail = %v, want nil", err)
	}
	if d.Sink() == nil {
		t.Error("nil dispatcher should still return a sink")
	}
}

func TestHookInvocation(t *testing.T) {
	t.Parallel()

	var gotTurn TurnInfo
	var gotTimings map[string]time.Duration
	d := testDispatcher(Hooks{
		OnTurnStart: func(info TurnInfo) { gotTurn = info },
		OnTurnEnd:   func(info TurnInfo, timings map[string]time.Duration) { gotTimings = timings },
	})

	info := TurnInfo{SessionID: "s1", TurnID: "t1"}
	d.TurnStart(info)
	d.TurnEnd(info, map[string]time.Duration{"stt": time.Second})

	if gotTurn.TurnID != "t1" {
		t.Errorf("TurnID = %q, want t1", gotTurn.TurnID)
	}
	if gotTimings["stt"] != time.Second {
		t.Errorf("timings[stt] = %v, want 1s", gotTimings["stt"])
	}
}

func TestPanickingHookIsRecovered(t *testing.T) {
	t.Parallel()

	d := testDispatcher(Hooks{
		OnTurnStart: func(TurnInfo) { panic("hook bug") },
	})
	// Must not propagate the panic.
	d.TurnStart(TurnInfo{})
}

func TestGuardrailVetoPropagates(t *testing.T) {
	t.Parallel()

	veto := errors.New("policy violation")
	d := testDispatcher(Hooks{
		Guardrail: func(TurnInfo, string) error { return veto },
	})
	if err := d.CheckGuardrail(TurnInfo{}, "bad input"); !errors.Is(err, veto) {
		t.Errorf("guardrail error = %v, want veto", err)
	}
}

func TestGuardrailPanicDoesNotVeto(t *testing.T) {
	t.Parallel()

	d := testDispatcher(Hooks{
		Guardrail: func(TurnInfo, string) error { panic("guardrail bug") },
	})
	if err := d.CheckGuardrail(TurnInfo{}, "input"); err != nil {
		t.Errorf("panicking guardrail should not veto, got %v", err)
	}
}

func TestToolEndRoutesErrors(t *testing.T) {
	t.Parallel()

	var ends, errs int
	d := testDispatcher(Hooks{
		OnToolEnd:   func(TurnInfo, types.ToolCallResult) { ends++ },
		OnToolError: func(TurnInfo, types.ToolCallResult) { errs++ },
	})

	d.ToolEnd(TurnInfo{}, types.ToolCallResult{CallID: "c1", Success: true})
	if ends != 1 || errs != 0 {
		t.Fatalf("after success: ends=%d errs=%d, want 1/0", ends, errs)
	}

	d.ToolEnd(TurnInfo{}, types.ToolCallResult{CallID: "c2", Success: false, Error: "boom"})
	if ends != 2 || errs != 1 {
		t.Fatalf("after failure: ends=%d errs=%d, want 2/1", ends, errs)
	}
}
