// Package turn drives a single conversation turn through the STT → LLM →
// sentence chunker → TTS pipeline.
//
// The phases run as overlapping producer-consumer stages connected by bounded
// channels: the LLM starts as soon as STT finalizes, and TTS starts as soon
// as the first sentence closes. Every stage runs under the turn's
// cancellation context so a barge-in stops the whole pipeline promptly.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/vision"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// History is the bounded conversation history the orchestrator reads and
// appends to. Mutation happens only between pipeline phases, never
// concurrently with a running phase.
type History interface {
	// Messages returns the current history in order.
	Messages() []types.Message

	// Append adds one message at the end, applying the history limit.
	Append(msg types.Message)
}

// Config holds the per-session tuning of the orchestrator. The zero value is
// usable: defaults fill in at construction.
type Config struct {
	// SystemPrompt is injected as the system message of every LLM request.
	SystemPrompt string

	// Temperature, TopP, and MaxTokens are the sampling defaults.
	Temperature float64
	TopP        float64
	MaxTokens   int

	// STTTimeout, LLMTimeout, and TTSTimeout bound the respective phases.
	// Zero disables the bound.
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	// STT configures the transcription calls.
	STT stt.Config

	// TTS configures the synthesis calls.
	TTS tts.Config

	// StreamingTTS selects tts.Streamer when the provider offers it.
	// Without it, complete-then-forward per sentence is used.
	StreamingTTS bool

	// Boundary is the sentence boundary predicate. Nil means
	// [DefaultBoundary].
	Boundary BoundaryFunc

	// EventBuffer is the capacity of the event channel returned by
	// RunTurnStream. Zero means 64.
	EventBuffer int

	// SentenceBuffer is the capacity of the LLM → TTS sentence channel.
	// Zero means 8. Backpressure from a slow TTS propagates to LLM intake
	// through it.
	SentenceBuffer int
}

// Result is the aggregate outcome of a completed turn.
type Result struct {
	// Transcript is the final STT result.
	Transcript types.Transcript

	// AssistantText is the full assistant reply. Empty when the turn was
	// skipped at admission or cancelled before the LLM finished.
	AssistantText string

	// Cancelled reports that the turn ended by cancellation rather than
	// completion.
	Cancelled bool
}

// Orchestrator runs single-prompt turns. One orchestrator serves one
// session; it is driven by the session's event loop, one turn at a time.
type Orchestrator struct {
	stt    stt.Provider
	llm    llm.Provider
	tts    tts.Provider
	vision vision.Provider

	dispatcher *hooks.Dispatcher
	logger     *slog.Logger
	cfg        Config
}

// Option is a functional option for the orchestrator.
type Option func(*Orchestrator)

// WithVision sets the fallback vision provider used to describe attachments
// when the configured LLM lacks native vision.
func WithVision(v vision.Provider) Option {
	return func(o *Orchestrator) {
		o.vision = v
	}
}

// WithDispatcher sets the hook/metrics dispatcher.
func WithDispatcher(d *hooks.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithConfig sets the turn configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// New creates an orchestrator over the three mandatory providers.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) (*Orchestrator, error) {
	if sttP == nil || llmP == nil || ttsP == nil {
		return nil, fmt.Errorf("turn: stt, llm, and tts providers are all required")
	}
	o := &Orchestrator{
		stt: sttP,
		llm: llmP,
		tts: ttsP,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.cfg.EventBuffer <= 0 {
		o.cfg.EventBuffer = 64
	}
	if o.cfg.SentenceBuffer <= 0 {
		o.cfg.SentenceBuffer = 8
	}
	if o.cfg.Boundary == nil {
		o.cfg.Boundary = DefaultBoundary
	}
	return o, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// RunTurn executes a full turn and blocks until it ends, draining the event
// stream internally. It returns the aggregate result, or the terminal
// PhaseError when the turn failed.
func (o *Orchestrator) RunTurn(tc *Context, h History, audio []byte, attachments []types.Attachment) (*Result, error) {
	res := &Result{}
	var terminal *PhaseError
	for ev := range o.RunTurnStream(tc, h, audio, attachments) {
		switch e := ev.(type) {
		case TranscriptEvent:
			if e.Transcript.IsFinal {
				res.Transcript = e.Transcript
			}
		case LLMResultEvent:
			res.AssistantText = e.Text
		case TTSCancelledEvent:
			res.Cancelled = true
		case ErrorEvent:
			if e.Err.Kind == KindCancelled {
				res.Cancelled = true
			} else {
				terminal = e.Err
			}
		}
	}
	if terminal != nil {
		return res, terminal
	}
	return res, nil
}

// RunTurnStream executes a turn and returns its event stream. The channel is
// closed when the turn ends. Exactly one terminal condition is emitted:
// TTSCompleteEvent on success (when TTS ran), TTSCancelledEvent on
// cancellation in or past TTS, or ErrorEvent otherwise.
func (o *Orchestrator) RunTurnStream(tc *Context, h History, audio []byte, attachments []types.Attachment) <-chan Event {
	events := make(chan Event, o.cfg.EventBuffer)
	go func() {
		defer close(events)
		o.runTurn(tc, h, audio, attachments, events)
	}()
	return events
}

func (o *Orchestrator) runTurn(tc *Context, h History, audio []byte, attachments []types.Attachment, events chan<- Event) {
	info := tc.Info()
	o.dispatcher.TurnStart(info)
	sink := o.dispatcher.Sink()
	turnStart := time.Now()

	defer func() {
		total := time.Since(turnStart)
		tc.MarkPhase("turn", total)
		sink.Timing(hooks.MetricTurnDuration, float64(total.Milliseconds()), nil)
		o.dispatcher.TurnEnd(info, tc.Timings())
	}()

	// ─── STT phase ───────────────────────────────────────────────────────────

	transcript, perr := o.Transcribe(tc, audio, events)
	if perr != nil {
		o.FinishWithError(tc, perr, events)
		return
	}
	if tc.Cancelled() {
		o.FinishCancelled(tc, false, events)
		return
	}

	// Admission: nothing was said, nothing to do.
	if strings.TrimSpace(transcript.Text) == "" {
		o.logger.Debug("turn admitted empty transcript, skipping",
			"session", tc.SessionID(), "turn", tc.ID())
		return
	}

	userMsg := types.Message{Role: types.RoleUser, Content: transcript.Text}
	if len(attachments) > 0 {
		userMsg.Attachments = attachments
		if o.vision != nil {
			if desc := o.describeAttachments(tc, transcript.Text, attachments); desc != "" {
				userMsg.Content = transcript.Text + "\n\n[attached images: " + desc + "]"
			}
		}
	}
	h.Append(userMsg)

	if err := o.dispatcher.CheckGuardrail(info, transcript.Text); err != nil {
		o.FinishWithError(tc, NewPhaseError(ComponentServer, KindValidation, err), events)
		return
	}

	// ─── LLM → chunker → TTS pipeline ────────────────────────────────────────

	llmCtx := tc.Ctx()
	var llmCancel context.CancelFunc
	if o.cfg.LLMTimeout > 0 {
		llmCtx, llmCancel = context.WithTimeout(llmCtx, o.cfg.LLMTimeout)
		defer llmCancel()
	}

	sentences := make(chan string, o.cfg.SentenceBuffer)
	llmDone := make(chan *llmOutcome, 1)
	go o.runLLM(llmCtx, tc, h.Messages(), sentences, events, llmDone)

	ttsErr, ttsStarted := o.Speak(tc, sentences, events)

	outcome := <-llmDone

	if tc.Cancelled() {
		o.FinishCancelled(tc, ttsStarted, events)
		return
	}

	if outcome.err != nil {
		// No assistant message is recorded for a failed turn; the partial
		// text survives only in logs.
		if outcome.text != "" {
			o.logger.Warn("discarding partial assistant text after llm failure",
				"session", tc.SessionID(), "turn", tc.ID(), "chars", len(outcome.text))
		}
		o.FinishWithError(tc, outcome.err, events)
		return
	}

	h.Append(types.Message{Role: types.RoleAssistant, Content: outcome.text})

	if ttsErr != nil {
		// A TTS failure does not invalidate the assistant message; the turn
		// completes with the error reported alongside.
		o.ReportError(tc, ttsErr)
		o.Emit(tc, events, ErrorEvent{Err: ttsErr})
		return
	}
	if ttsStarted {
		o.Emit(tc, events, TTSCompleteEvent{})
		o.dispatcher.TTSEnd(info)
	}
}

// Transcribe runs the STT phase: it forwards partial transcripts as events
// and returns the final one. Exported for reuse by the playbook engine.
func (o *Orchestrator) Transcribe(tc *Context, audio []byte, events chan<- Event) (types.Transcript, *PhaseError) {
	info := tc.Info()
	o.dispatcher.STTStart(info)
	start := time.Now()

	ctx := tc.Ctx()
	var cancel context.CancelFunc
	if o.cfg.STTTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.cfg.STTTimeout)
		defer cancel()
	}

	final, err := o.transcribe(ctx, audio, events, tc)
	dur := time.Since(start)
	tc.MarkPhase("stt", dur)
	o.dispatcher.Sink().Timing(hooks.MetricSTTDuration, float64(dur.Milliseconds()), nil)

	if err != nil {
		perr := Classify(ComponentSTT, err)
		o.dispatcher.STTError(info, err)
		return types.Transcript{}, perr
	}

	o.dispatcher.STTEnd(info, final)
	o.Emit(tc, events, TranscriptEvent{Transcript: final})
	return final, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, audio []byte, events chan<- Event, tc *Context) (types.Transcript, error) {
	streamer, ok := o.stt.(stt.Streamer)
	if !ok {
		return o.stt.Transcribe(ctx, audio, o.cfg.STT)
	}

	ch, err := streamer.TranscribeStream(ctx, audio, o.cfg.STT)
	if err != nil {
		return types.Transcript{}, err
	}

	var final types.Transcript
	gotFinal := false
	for {
		select {
		case <-ctx.Done():
			return types.Transcript{}, ctx.Err()
		case t, open := <-ch:
			if !open {
				if !gotFinal {
					if err := ctx.Err(); err != nil {
						return types.Transcript{}, err
					}
					return types.Transcript{}, fmt.Errorf("stt stream ended without a final transcript")
				}
				return final, nil
			}
			if t.IsFinal {
				final = t
				gotFinal = true
				continue
			}
			o.Emit(tc, events, TranscriptEvent{Transcript: t})
		}
	}
}

// llmOutcome is what the LLM goroutine reports back to the pipeline.
type llmOutcome struct {
	text string
	err  *PhaseError
}

// runLLM streams the completion, forwards chunk events, cuts sentences into
// the sentences channel, and closes it when the stream ends.
func (o *Orchestrator) runLLM(ctx context.Context, tc *Context, history []types.Message, sentences chan<- string, events chan<- Event, done chan<- *llmOutcome) {
	defer close(sentences)

	info := tc.Info()
	o.dispatcher.LLMStart(info)
	sink := o.dispatcher.Sink()
	start := time.Now()
	firstToken := time.Duration(-1)

	report := func(text string, perr *PhaseError) {
		dur := time.Since(start)
		tc.MarkPhase("llm", dur)
		sink.Timing(hooks.MetricLLMDuration, float64(dur.Milliseconds()), nil)
		if firstToken >= 0 {
			sink.Timing(hooks.MetricLLMTTFT, float64(firstToken.Milliseconds()), nil)
		}
		if perr != nil {
			o.dispatcher.LLMError(info, perr.Err)
		} else {
			o.dispatcher.LLMEnd(info, text)
		}
		done <- &llmOutcome{text: text, err: perr}
	}

	req := llm.Request{
		Messages:     history,
		SystemPrompt: o.cfg.SystemPrompt,
		Temperature:  o.cfg.Temperature,
		TopP:         o.cfg.TopP,
		MaxTokens:    o.cfg.MaxTokens,
	}

	chunker := NewChunker(o.cfg.Boundary)
	var full strings.Builder

	pushSentences := func(ss []string) bool {
		for _, s := range ss {
			select {
			case sentences <- s:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	streamer, ok := o.llm.(llm.Streamer)
	if !ok {
		result, err := o.llm.Complete(ctx, req)
		if err != nil {
			report("", Classify(ComponentLLM, err))
			return
		}
		firstToken = time.Since(start)
		o.Emit(tc, events, LLMChunkEvent{Content: result.FullText})
		o.dispatcher.LLMChunk(info, result.FullText)
		full.WriteString(result.FullText)
		o.Emit(tc, events, LLMResultEvent{Text: result.FullText, StopReason: result.StopReason})
		if !pushSentences(chunker.Feed(result.FullText)) {
			report(full.String(), nil)
			return
		}
		if rest, ok := chunker.Flush(); ok {
			pushSentences([]string{rest})
		}
		report(full.String(), nil)
		return
	}

	ch, err := streamer.Stream(ctx, req)
	if err != nil {
		report("", Classify(ComponentLLM, err))
		return
	}

	stopReason := types.StopEndTurn
	for {
		select {
		case <-ctx.Done():
			go drainLLM(ch)
			report(full.String(), Classify(ComponentLLM, ctx.Err()))
			return
		case chunk, open := <-ch:
			if !open {
				// The complete-text event goes out before the trailing
				// partial sentence reaches TTS, so tts-start for it never
				// precedes the llm event.
				o.Emit(tc, events, LLMResultEvent{Text: full.String(), StopReason: stopReason})
				if rest, ok := chunker.Flush(); ok {
					pushSentences([]string{rest})
				}
				report(full.String(), nil)
				return
			}
			if chunk.Err != nil {
				go drainLLM(ch)
				report(full.String(), Classify(ComponentLLM, chunk.Err))
				return
			}
			if chunk.Content != "" {
				if firstToken < 0 {
					firstToken = time.Since(start)
				}
				full.WriteString(chunk.Content)
				o.Emit(tc, events, LLMChunkEvent{Content: chunk.Content})
				o.dispatcher.LLMChunk(info, chunk.Content)
				if !pushSentences(chunker.Feed(chunk.Content)) {
					go drainLLM(ch)
					report(full.String(), Classify(ComponentLLM, ctx.Err()))
					return
				}
			}
			if chunk.Done {
				stopReason = chunk.StopReason
			}
		}
	}
}

// Speak runs the TTS phase: it consumes sentences and forwards synthesized
// audio chunks in sentence order. It returns a non-nil PhaseError on
// synthesis failure, plus whether TTS playback was entered at all. On
// failure the remaining sentences are drained silently so the LLM goroutine
// never blocks. Exported for reuse by the playbook engine.
func (o *Orchestrator) Speak(tc *Context, sentences <-chan string, events chan<- Event) (*PhaseError, bool) {
	info := tc.Info()
	sink := o.dispatcher.Sink()
	started := false
	index := 0
	var perr *PhaseError
	start := time.Now()

	for sentence := range sentences {
		if tc.Cancelled() || perr != nil {
			continue // drain
		}
		if !started {
			started = true
			o.dispatcher.TTSStart(info)
			o.Emit(tc, events, TTSStartEvent{Format: o.cfg.TTS.Format, SampleRate: o.cfg.TTS.SampleRate})
		}
		if err := o.speakSentence(tc, sentence, index, events); err != nil {
			perr = err
		}
		index++
	}

	if started {
		dur := time.Since(start)
		tc.MarkPhase("tts", dur)
		sink.Timing(hooks.MetricTTSDuration, float64(dur.Milliseconds()), nil)
	}
	if perr != nil {
		o.dispatcher.TTSError(info, perr.Err)
	}
	return perr, started
}

func (o *Orchestrator) speakSentence(tc *Context, sentence string, index int, events chan<- Event) *PhaseError {
	ctx := tc.Ctx()
	var cancel context.CancelFunc
	if o.cfg.TTSTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TTSTimeout)
		defer cancel()
	}

	info := tc.Info()

	if streamer, ok := o.tts.(tts.Streamer); ok && o.cfg.StreamingTTS {
		ch, err := streamer.SpeakStream(ctx, sentence, o.cfg.TTS)
		if err != nil {
			return Classify(ComponentTTS, err)
		}
		for chunk := range ch {
			if tc.Cancelled() {
				go drainAudio(ch)
				return nil
			}
			o.Emit(tc, events, TTSChunkEvent{Audio: chunk, SentenceIndex: index})
			o.dispatcher.TTSChunk(info, index, len(chunk))
		}
		if err := ctx.Err(); err != nil && !tc.Cancelled() {
			return Classify(ComponentTTS, err)
		}
		return nil
	}

	audio, err := o.tts.Speak(ctx, sentence, o.cfg.TTS)
	if err != nil {
		if tc.Cancelled() {
			return nil
		}
		return Classify(ComponentTTS, err)
	}
	if tc.Cancelled() {
		return nil
	}
	o.Emit(tc, events, TTSChunkEvent{Audio: audio.Data, SentenceIndex: index})
	o.dispatcher.TTSChunk(info, index, len(audio.Data))
	return nil
}

// describeAttachments asks the vision fallback for a textual description.
// Failures degrade to passing the raw attachments through.
func (o *Orchestrator) describeAttachments(tc *Context, prompt string, attachments []types.Attachment) string {
	res, err := o.vision.Describe(tc.Ctx(), vision.Request{Prompt: prompt, Attachments: attachments})
	if err != nil {
		o.logger.Warn("vision describe failed, passing attachments through",
			"session", tc.SessionID(), "turn", tc.ID(), "error", err)
		return ""
	}
	return res.Description
}

// Emit sends an event unless the turn is cancelled. Cancellation
// short-circuits all further sends, which is what guarantees the "no chunks
// after cancel" invariant.
func (o *Orchestrator) Emit(tc *Context, events chan<- Event, ev Event) {
	if tc.Cancelled() {
		// Terminal cancellation events must still go out.
		switch ev.(type) {
		case TTSCancelledEvent, ErrorEvent:
		default:
			return
		}
	}
	select {
	case events <- ev:
	case <-tc.Ctx().Done():
		switch ev.(type) {
		case TTSCancelledEvent, ErrorEvent:
			events <- ev
		}
	}
}

// FinishCancelled emits the terminal event for a cancelled turn:
// tts-cancelled when playback had begun, a cancelled error otherwise.
func (o *Orchestrator) FinishCancelled(tc *Context, ttsStarted bool, events chan<- Event) {
	o.dispatcher.Sink().Increment(hooks.MetricTurnCancelled, 1, nil)
	if ttsStarted {
		o.Emit(tc, events, TTSCancelledEvent{})
		return
	}
	cause := tc.Cause()
	if cause == nil {
		cause = context.Canceled
	}
	o.Emit(tc, events, ErrorEvent{Err: NewPhaseError(ComponentServer, KindCancelled, cause)})
}

// FinishWithError reports a terminal phase error.
func (o *Orchestrator) FinishWithError(tc *Context, perr *PhaseError, events chan<- Event) {
	if perr.Kind == KindCancelled {
		o.FinishCancelled(tc, false, events)
		return
	}
	o.ReportError(tc, perr)
	o.Emit(tc, events, ErrorEvent{Err: perr})
}

// ReportError routes a non-terminal or terminal error to the centralized
// hook and the error counter.
func (o *Orchestrator) ReportError(tc *Context, perr *PhaseError) {
	o.logger.Error("turn phase failed",
		"session", tc.SessionID(), "turn", tc.ID(),
		"component", string(perr.Component), "kind", string(perr.Kind),
		"code", perr.Code, "error", perr.Err)
	o.dispatcher.Sink().Increment(hooks.MetricErrors, 1, map[string]string{
		"component": string(perr.Component),
		"kind":      string(perr.Kind),
	})
	o.dispatcher.Error(perr, hooks.ErrorInfo{
		Code:      perr.Code,
		Component: string(perr.Component),
		SessionID: tc.SessionID(),
		TurnID:    tc.ID(),
		Timestamp: time.Now(),
	})
}

// drainLLM discards remaining chunks so the provider's stream goroutine can
// finish.
func drainLLM(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// drainAudio discards remaining audio chunks without forwarding them.
func drainAudio(ch <-chan []byte) {
	for range ch {
	}
}
