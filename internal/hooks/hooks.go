// Package hooks provides best-effort observability callbacks and the metrics
// sink contract.
//
// Every hook is optional. Dispatch never blocks the pipeline: a panicking
// hook is recovered and logged, and hook errors carry no control-flow weight
// unless the hook is a guardrail explicitly configured to veto.
package hooks

import (
	"log/slog"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Stable metric names accepted by every MetricsSink.
const (
	MetricSTTDuration      = "llmrtc.stt.duration_ms"
	MetricLLMTTFT          = "llmrtc.llm.ttft_ms"
	MetricLLMDuration      = "llmrtc.llm.duration_ms"
	MetricTTSDuration      = "llmrtc.tts.duration_ms"
	MetricTurnDuration     = "llmrtc.turn.duration_ms"
	MetricTurnCancelled    = "llmrtc.turn.cancelled"
	MetricErrors           = "llmrtc.errors"
	MetricToolDuration     = "llmrtc.tool.duration_ms"
	MetricStageDuration    = "llmrtc.playbook.stage.duration_ms"
	MetricTransitions      = "llmrtc.playbook.transitions"
	MetricConnectionsAlive = "llmrtc.connections.active"
)

// TurnInfo is the per-turn context snapshot handed to hooks. Hooks must not
// mutate it.
type TurnInfo struct {
	SessionID string
	TurnID    string
	StartedAt time.Time
}

// ErrorInfo carries the structured context of a pipeline error.
type ErrorInfo struct {
	Code      string
	Component string
	SessionID string
	TurnID    string
	Timestamp time.Time
}

// StageInfo describes a playbook stage event.
type StageInfo struct {
	SessionID string
	Stage     string
}

// TransitionInfo describes a playbook transition.
type TransitionInfo struct {
	SessionID string
	From      string
	To        string
	Reason    string
}

// Hooks is the set of optional lifecycle callbacks. Nil fields are skipped.
type Hooks struct {
	OnConnection  func(sessionID string)
	OnDisconnect  func(sessionID string)
	OnSpeechStart func(sessionID string)
	OnSpeechEnd   func(sessionID string, audioDuration time.Duration)

	OnTurnStart func(info TurnInfo)
	OnTurnEnd   func(info TurnInfo, timings map[string]time.Duration)

	OnSTTStart func(info TurnInfo)
	OnSTTEnd   func(info TurnInfo, transcript types.Transcript)
	OnSTTError func(info TurnInfo, err error)

	OnLLMStart func(info TurnInfo)
	OnLLMChunk func(info TurnInfo, content string)
	OnLLMEnd   func(info TurnInfo, fullText string)
	OnLLMError func(info TurnInfo, err error)

	OnTTSStart func(info TurnInfo)
	OnTTSChunk func(info TurnInfo, sentenceIndex int, size int)
	OnTTSEnd   func(info TurnInfo)
	OnTTSError func(info TurnInfo, err error)

	OnToolStart func(info TurnInfo, req types.ToolCallRequest)
	OnToolEnd   func(info TurnInfo, res types.ToolCallResult)
	OnToolError func(info TurnInfo, res types.ToolCallResult)

	OnStageEnter       func(info StageInfo)
	OnStageExit        func(info StageInfo)
	OnTransition       func(info TransitionInfo)
	OnPlaybookTurnEnd  func(info TurnInfo, stage string)
	OnPlaybookComplete func(sessionID string)

	// OnError is the centralized error hook; every pipeline error passes
	// through it in addition to any phase-specific error hook.
	OnError func(err error, info ErrorInfo)

	// Guardrail, when set, is consulted before the LLM phase of each turn
	// with the final user transcript. Returning a non-nil error vetoes the
	// turn; this is the only hook whose error carries control-flow weight.
	Guardrail func(info TurnInfo, transcript string) error
}

// MetricsSink receives pipeline metrics. Implementations must be safe for
// concurrent use.
type MetricsSink interface {
	// Timing records a duration in milliseconds under name.
	Timing(name string, ms float64, tags map[string]string)

	// Increment adds n to the counter name.
	Increment(name string, n int64, tags map[string]string)

	// Gauge sets the gauge name to v.
	Gauge(name string, v float64, tags map[string]string)
}

// NopSink is a MetricsSink that discards everything.
type NopSink struct{}

func (NopSink) Timing(string, float64, map[string]string)  {}
func (NopSink) Increment(string, int64, map[string]string) {}
func (NopSink) Gauge(string, float64, map[string]string)   {}

var _ MetricsSink = NopSink{}

// Dispatcher invokes hooks safely and forwards metrics to the sink.
// A nil *Dispatcher is valid and does nothing, so call sites need no nil
// checks.
type Dispatcher struct {
	hooks  Hooks
	sink   MetricsSink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil sink falls back to NopSink and a
// nil logger falls back to slog.Default().
func NewDispatcher(h Hooks, sink MetricsSink, logger *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{hooks: h, sink: sink, logger: logger}
}

// Sink returns the metrics sink.
func (d *Dispatcher) Sink() MetricsSink {
	if d == nil {
		return NopSink{}
	}
	return d.sink
}

// safe runs fn, recovering and logging any panic.
func (d *Dispatcher) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (d *Dispatcher) Connection(sessionID string) {
	if d == nil || d.hooks.OnConnection == nil {
		return
	}
	d.safe("onConnection", func() { d.hooks.OnConnection(sessionID) })
}

func (d *Dispatcher) Disconnect(sessionID string) {
	if d == nil || d.hooks.OnDisconnect == nil {
		return
	}
	d.safe("onDisconnect", func() { d.hooks.OnDisconnect(sessionID) })
}

func (d *Dispatcher) SpeechStart(sessionID string) {
	if d == nil || d.hooks.OnSpeechStart == nil {
		return
	}
	d.safe("onSpeechStart", func() { d.hooks.OnSpeechStart(sessionID) })
}

func (d *Dispatcher) SpeechEnd(sessionID string, audioDuration time.Duration) {
	if d == nil || d.hooks.OnSpeechEnd == nil {
		return
	}
	d.safe("onSpeechEnd", func() { d.hooks.OnSpeechEnd(sessionID, audioDuration) })
}

func (d *Dispatcher) TurnStart(info TurnInfo) {
	if d == nil || d.hooks.OnTurnStart == nil {
		return
	}
	d.safe("onTurnStart", func() { d.hooks.OnTurnStart(info) })
}

func (d *Dispatcher) TurnEnd(info TurnInfo, timings map[string]time.Duration) {
	if d == nil || d.hooks.OnTurnEnd == nil {
		return
	}
	d.safe("onTurnEnd", func() { d.hooks.OnTurnEnd(info, timings) })
}

func (d *Dispatcher) STTStart(info TurnInfo) {
	if d == nil || d.hooks.OnSTTStart == nil {
		return
	}
	d.safe("onSTTStart", func() { d.hooks.OnSTTStart(info) })
}

func (d *Dispatcher) STTEnd(info TurnInfo, transcript types.Transcript) {
	if d == nil || d.hooks.OnSTTEnd == nil {
		return
	}
	d.safe("onSTTEnd", func() { d.hooks.OnSTTEnd(info, transcript) })
}

func (d *Dispatcher) STTError(info TurnInfo, err error) {
	if d == nil || d.hooks.OnSTTError == nil {
		return
	}
	d.safe("onSTTError", func() { d.hooks.OnSTTError(info, err) })
}

func (d *Dispatcher) LLMStart(info TurnInfo) {
	if d == nil || d.hooks.OnLLMStart == nil {
		return
	}
	d.safe("onLLMStart", func() { d.hooks.OnLLMStart(info) })
}

func (d *Dispatcher) LLMChunk(info TurnInfo, content string) {
	if d == nil || d.hooks.OnLLMChunk == nil {
		return
	}
	d.safe("onLLMChunk", func() { d.hooks.OnLLMChunk(info, content) })
}

func (d *Dispatcher) LLMEnd(info TurnInfo, fullText string) {
	if d == nil || d.hooks.OnLLMEnd == nil {
		return
	}
	d.safe("onLLMEnd", func() { d.hooks.OnLLMEnd(info, fullText) })
}

func (d *Dispatcher) LLMError(info TurnInfo, err error) {
	if d == nil || d.hooks.OnLLMError == nil {
		return
	}
	d.safe("onLLMError", func() { d.hooks.OnLLMError(info, err) })
}

func (d *Dispatcher) TTSStart(info TurnInfo) {
	if d == nil || d.hooks.OnTTSStart == nil {
		return
	}
	d.safe("onTTSStart", func() { d.hooks.OnTTSStart(info) })
}

func (d *Dispatcher) TTSChunk(info TurnInfo, sentenceIndex, size int) {
	if d == nil || d.hooks.OnTTSChunk == nil {
		return
	}
	d.safe("onTTSChunk", func() { d.hooks.OnTTSChunk(info, sentenceIndex, size) })
}

func (d *Dispatcher) TTSEnd(info TurnInfo) {
	if d == nil || d.hooks.OnTTSEnd == nil {
		return
	}
	d.safe("onTTSEnd", func() { d.hooks.OnTTSEnd(info) })
}

func (d *Dispatcher) TTSError(info TurnInfo, err error) {
	if d == nil || d.hooks.OnTTSError == nil {
		return
	}
	d.safe("onTTSError", func() { d.hooks.OnTTSError(info, err) })
}

func (d *Dispatcher) ToolStart(info TurnInfo, req types.ToolCallRequest) {
	if d == nil || d.hooks.OnToolStart == nil {
		return
	}
	d.safe("onToolStart", func() { d.hooks.OnToolStart(info, req) })
}

func (d *Dispatcher) ToolEnd(info TurnInfo, res types.ToolCallResult) {
	if d == nil {
		return
	}
	if d.hooks.OnToolEnd != nil {
		d.safe("onToolEnd", func() { d.hooks.OnToolEnd(info, res) })
	}
	if !res.Success && d.hooks.OnToolError != nil {
		d.safe("onToolError", func() { d.hooks.OnToolError(info, res) })
	}
}

func (d *Dispatcher) StageEnter(info StageInfo) {
	if d == nil || d.hooks.OnStageEnter == nil {
		return
	}
	d.safe("onStageEnter", func() { d.hooks.OnStageEnter(info) })
}

func (d *Dispatcher) StageExit(info StageInfo) {
	if d == nil || d.hooks.OnStageExit == nil {
		return
	}
	d.safe("onStageExit", func() { d.hooks.OnStageExit(info) })
}

func (d *Dispatcher) Transition(info TransitionInfo) {
	if d == nil || d.hooks.OnTransition == nil {
		return
	}
	d.safe("onTransition", func() { d.hooks.OnTransition(info) })
}

func (d *Dispatcher) PlaybookTurnEnd(info TurnInfo, stage string) {
	if d == nil || d.hooks.OnPlaybookTurnEnd == nil {
		return
	}
	d.safe("onPlaybookTurnEnd", func() { d.hooks.OnPlaybookTurnEnd(info, stage) })
}

func (d *Dispatcher) PlaybookComplete(sessionID string) {
	if d == nil || d.hooks.OnPlaybookComplete == nil {
		return
	}
	d.safe("onPlaybookComplete", func() { d.hooks.OnPlaybookComplete(sessionID) })
}

func (d *Dispatcher) Error(err error, info ErrorInfo) {
	if d == nil || d.hooks.OnError == nil {
		return
	}
	d.safe("onError", func() { d.hooks.OnError(err, info) })
}

// CheckGuardrail runs the guardrail hook if configured. Unlike the other
// hooks its error propagates: a veto aborts the turn before the LLM phase.
// A guardrail panic is logged and does not veto.
func (d *Dispatcher) CheckGuardrail(info TurnInfo, transcript string) error {
	if d == nil || d.hooks.Guardrail == nil {
		return nil
	}
	var err error
	d.safe("guardrail", func() { err = d.hooks.Guardrail(info, transcript) })
	return err
}
