package turn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	llmpkg "github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	visionmock "github.com/llmrtc/llmrtc/pkg/provider/vision/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// testHistory is a minimal History for orchestrator tests.
type testHistory struct {
	msgs []types.Message
}

func (h *testHistory) Messages() []types.Message { return h.msgs }
func (h *testHistory) Append(m types.Message)    { h.msgs = append(h.msgs, m) }

func newTestOrchestrator(t *testing.T, sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(sttP, llmP, ttsP, WithConfig(cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestSinglePromptTurnEventOrder(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{
		Partials:   []types.Transcript{{Text: "What time"}},
		Transcript: types.Transcript{Text: "What time is it?", Confidence: 0.95},
	}
	llmP := &llmmock.Provider{
		StreamChunks: []llmpkg.Chunk{
			{Content: "It's "},
			{Content: "noon"},
			{Content: "."},
			{Done: true, StopReason: types.StopEndTurn},
		},
	}
	ttsP := &ttsmock.Provider{SpeakAudio: ttsAudio([]byte{1, 2, 3})}

	o := newTestOrchestrator(t, sttP, llmP, ttsP, Config{})
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	events := collect(o.RunTurnStream(tc, h, []byte("pcm"), nil))

	wantKinds := []string{
		"transcript-partial", "transcript-final",
		"llm-chunk", "llm-chunk", "llm-chunk", "llm",
		"tts-start", "tts-chunk", "tts-complete",
	}
	got := kinds(events)
	if len(got) != len(wantKinds) {
		t.Fatalf("event kinds = %v, want %v", got, wantKinds)
	}
	for i := range wantKinds {
		if got[i] != wantKinds[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], wantKinds[i], got)
		}
	}

	// The assistant text and transcript land in history in order.
	if len(h.msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(h.msgs))
	}
	if h.msgs[0].Role != types.RoleUser || h.msgs[0].Content != "What time is it?" {
		t.Errorf("user message = %+v", h.msgs[0])
	}
	if h.msgs[1].Role != types.RoleAssistant || h.msgs[1].Content != "It's noon." {
		t.Errorf("assistant message = %+v", h.msgs[1])
	}
}

func TestEmptyTranscriptSkipsLLMAndTTS(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "   "}}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}

	o := newTestOrchestrator(t, sttP, llmP, ttsP, Config{})
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	res, err := o.RunTurn(tc, h, []byte("pcm"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.AssistantText != "" {
		t.Errorf("assistant text = %q, want empty", res.AssistantText)
	}
	if len(llmP.StreamCalls)+len(llmP.CompleteCalls) != 0 {
		t.Error("llm was called for an empty transcript")
	}
	if len(ttsP.Calls) != 0 {
		t.Error("tts was called for an empty transcript")
	}
	if len(h.msgs) != 0 {
		t.Errorf("history = %+v, want empty", h.msgs)
	}
}

func TestSTTTimeout(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{
		Transcript: types.Transcript{Text: "too late"},
		Delay:      200 * time.Millisecond,
	}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{}

	o := newTestOrchestrator(t, sttP, llmP, ttsP, Config{STTTimeout: 20 * time.Millisecond})
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	events := collect(o.RunTurnStream(tc, h, []byte("pcm"), nil))

	var errEv *ErrorEvent
	for _, ev := range events {
		switch e := ev.(type) {
		case LLMChunkEvent, TTSStartEvent, TTSChunkEvent, TTSCompleteEvent:
			t.Fatalf("unexpected post-STT event %T after timeout", ev)
		case ErrorEvent:
			if errEv != nil {
				t.Fatal("more than one error event")
			}
			errEv = &e
		}
	}
	if errEv == nil {
		t.Fatal("no error event emitted")
	}
	if errEv.Err.Code != "STT_TIMEOUT" {
		t.Errorf("error code = %q, want STT_TIMEOUT", errEv.Err.Code)
	}
	if errEv.Err.Component != ComponentSTT || errEv.Err.Kind != KindTimeout {
		t.Errorf("taxonomy = %s/%s, want stt/timeout", errEv.Err.Component, errEv.Err.Kind)
	}
	if !errEv.Err.Recoverable {
		t.Error("STT timeout should be recoverable")
	}
}

func TestLLMFailureRecordsNoAssistantMessage(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "hello"}}
	llmP := &llmmock.Provider{StreamErr: errors.New("backend down")}
	ttsP := &ttsmock.Provider{}

	o := newTestOrchestrator(t, sttP, llmP, ttsP, Config{})
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	_, err := o.RunTurn(tc, h, []byte("pcm"), nil)
	var perr *PhaseError
	if !errors.As(err, &perr) {
		t.Fatalf("RunTurn error = %v, want *PhaseError", err)
	}
	if perr.Component != ComponentLLM {
		t.Errorf("component = %s, want llm", perr.Component)
	}

	if len(ttsP.Calls) != 0 {
		t.Error("tts ran despite llm failure")
	}
	for _, m := range h.msgs {
		if m.Role == types.RoleAssistant {
			t.Errorf("assistant message recorded for failed turn: %+v", m)
		}
	}
	if len(h.msgs) != 1 || h.msgs[0].Role != types.RoleUser {
		t.Errorf("history = %+v, want only the user message", h.msgs)
	}
}

func TestBargeInDuringTTS(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "tell me a story"}}
	llmP := &llmmock.Provider{
		StreamChunks: []llmpkg.Chunk{
			{Content: "Once upon a time. "},
			{Content: "The end."},
			{Done: true, StopReason: types.StopEndTurn},
		},
	}
	ttsP := &ttsmock.Provider{
		StreamChunks: [][]byte{{1}, {2}, {3}, {4}},
		ChunkDelay:   15 * time.Millisecond,
	}

	o := newTestOrchestrator(t, sttP, llmP, ttsP, Config{StreamingTTS: true})
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	arb := &Arbiter{}
	arb.SetActive(tc)

	stream := o.RunTurnStream(tc, h, []byte("pcm"), nil)

	var events []Event
	interrupted := false
	for ev := range stream {
		events = append(events, ev)
		if _, ok := ev.(TTSChunkEvent); ok && !interrupted {
			interrupted = true
			if !arb.Interrupt() {
				t.Fatal("arbiter had no active turn to interrupt")
			}
		}
	}

	cancelledAt := -1
	for i, ev := range events {
		if _, ok := ev.(TTSCancelledEvent); ok {
			if cancelledAt >= 0 {
				t.Fatal("more than one tts-cancelled event")
			}
			cancelledAt = i
		}
	}
	if cancelledAt < 0 {
		t.Fatal("no tts-cancelled event after barge-in")
	}
	for _, ev := range events[cancelledAt+1:] {
		if _, ok := ev.(TTSChunkEvent); ok {
			t.Error("tts-chunk delivered after tts-cancelled")
		}
	}
	if !errors.Is(tc.Cause(), ErrBargeIn) {
		t.Errorf("cancellation cause = %v, want ErrBargeIn", tc.Cause())
	}
}

func TestArbiterClearActiveIsScoped(t *testing.T) {
	t.Parallel()

	arb := &Arbiter{}
	first := NewContext(context.Background(), "s1")
	second := NewContext(context.Background(), "s1")

	arb.SetActive(first)
	arb.SetActive(second)
	arb.ClearActive(first) // stale clear from the finished turn

	if !arb.Interrupt() {
		t.Error("second turn should still be interruptible")
	}
	if first.Cancelled() {
		t.Error("first turn should not have been cancelled")
	}
	if !second.Cancelled() {
		t.Error("second turn should have been cancelled")
	}
}

func TestNonStreamingProvidersFallback(t *testing.T) {
	t.Parallel()

	// Wrap the mocks so only the blocking interfaces are visible.
	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "hi"}}
	llmP := &llmmock.Provider{
		Results: []*llmpkg.Result{{FullText: "Hello there.", StopReason: types.StopEndTurn}},
	}
	ttsP := &ttsmock.Provider{SpeakAudio: ttsAudio([]byte{9})}

	o, err := New(
		sttOnly{sttP},
		llmOnly{llmP},
		ttsOnly{ttsP},
		WithConfig(Config{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	res, err := o.RunTurn(tc, h, []byte("pcm"), nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.AssistantText != "Hello there." {
		t.Errorf("assistant text = %q", res.AssistantText)
	}
	if len(llmP.CompleteCalls) != 1 {
		t.Errorf("Complete calls = %d, want 1", len(llmP.CompleteCalls))
	}
	if got := ttsP.SpokenSentences(); len(got) != 1 || got[0] != "Hello there." {
		t.Errorf("spoken sentences = %v", got)
	}
}

func TestAttachmentsDescribedByVisionFallback(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "what is in this picture?"}}
	llmP := &llmmock.Provider{
		StreamChunks: []llmpkg.Chunk{
			{Content: "A red bicycle."},
			{Done: true, StopReason: types.StopEndTurn},
		},
	}
	ttsP := &ttsmock.Provider{SpeakAudio: ttsAudio([]byte{1})}
	visionP := &visionmock.Provider{Description: "a red bicycle leaning on a fence"}

	o, err := New(sttP, llmP, ttsP, WithVision(visionP))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	atts := []types.Attachment{{URL: "https://img.example.com/bike.png", MIME: "image/png"}}
	if _, err := o.RunTurn(tc, h, []byte("pcm"), atts); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(visionP.Calls) != 1 || len(visionP.Calls[0].Attachments) != 1 {
		t.Fatalf("vision calls = %+v", visionP.Calls)
	}
	if visionP.Calls[0].Prompt != "what is in this picture?" {
		t.Errorf("vision prompt = %q", visionP.Calls[0].Prompt)
	}

	if len(h.msgs) == 0 {
		t.Fatal("no user message recorded")
	}
	user := h.msgs[0]
	if !strings.Contains(user.Content, "a red bicycle leaning on a fence") {
		t.Errorf("user content %q lacks the vision description", user.Content)
	}
	if len(user.Attachments) != 1 {
		t.Errorf("attachments were dropped: %+v", user.Attachments)
	}
}

func TestVisionFailurePassesAttachmentsThrough(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Transcript: types.Transcript{Text: "describe this"}}
	llmP := &llmmock.Provider{
		StreamChunks: []llmpkg.Chunk{
			{Content: "Sure."},
			{Done: true, StopReason: types.StopEndTurn},
		},
	}
	ttsP := &ttsmock.Provider{SpeakAudio: ttsAudio([]byte{1})}
	visionP := &visionmock.Provider{Err: errors.New("model offline")}

	o, err := New(sttP, llmP, ttsP, WithVision(visionP))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &testHistory{}
	tc := NewContext(context.Background(), "s1")

	atts := []types.Attachment{{URL: "https://img.example.com/x.png", MIME: "image/png"}}
	if _, err := o.RunTurn(tc, h, []byte("pcm"), atts); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// The turn survives; the raw attachments ride along untouched.
	user := h.msgs[0]
	if user.Content != "describe this" {
		t.Errorf("user content = %q, want the bare transcript", user.Content)
	}
	if len(user.Attachments) != 1 {
		t.Errorf("attachments were dropped: %+v", user.Attachments)
	}
}

// kinds flattens events into comparable names.
func kinds(events []Event) []string {
	var out []string
	for _, ev := range events {
		switch e := ev.(type) {
		case TranscriptEvent:
			if e.Transcript.IsFinal {
				out = append(out, "transcript-final")
			} else {
				out = append(out, "transcript-partial")
			}
		case LLMChunkEvent:
			out = append(out, "llm-chunk")
		case LLMResultEvent:
			out = append(out, "llm")
		case TTSStartEvent:
			out = append(out, "tts-start")
		case TTSChunkEvent:
			out = append(out, "tts-chunk")
		case TTSCompleteEvent:
			out = append(out, "tts-complete")
		case TTSCancelledEvent:
			out = append(out, "tts-cancelled")
		case ErrorEvent:
			out = append(out, "error")
		default:
			out = append(out, "other")
		}
	}
	return out
}
