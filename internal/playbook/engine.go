package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/tool"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// TransitionToolName is the built-in tool through which the LLM requests a
// stage change. It is injected automatically into stages that have an
// outgoing llm-decision transition and is handled by the engine itself,
// never by the executor.
const TransitionToolName = "playbook_transition"

// DefaultMaxToolLoops caps phase-1 tool-loop iterations when neither the
// engine config nor the stage overrides it.
const DefaultMaxToolLoops = 5

// EngineConfig tunes the engine.
type EngineConfig struct {
	// MaxToolLoops is the default phase-1 iteration cap.
	MaxToolLoops int
}

// Engine runs playbook turns. It wraps a turn orchestrator, reusing its
// STT and TTS phases, and replaces the plain LLM phase with the staged
// tool-calling flow. One engine serves one session.
type Engine struct {
	pb   *Playbook
	orch *turn.Orchestrator
	llm  llm.Provider
	reg  *tool.Registry
	exec *tool.Executor

	classifier Classifier
	dispatcher *hooks.Dispatcher
	logger     *slog.Logger
	cfg        EngineConfig

	state     *State
	completed bool
}

// EngineOption configures an engine.
type EngineOption func(*Engine)

// WithClassifier sets the intent classifier used by intent transitions.
func WithClassifier(c Classifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithDispatcher sets the hook/metrics dispatcher.
func WithDispatcher(d *hooks.Dispatcher) EngineOption {
	return func(e *Engine) { e.dispatcher = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineConfig sets the engine configuration.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

// NewEngine builds an engine positioned at pb's initial stage.
func NewEngine(pb *Playbook, orch *turn.Orchestrator, llmP llm.Provider, reg *tool.Registry, exec *tool.Executor, opts ...EngineOption) (*Engine, error) {
	if pb == nil || orch == nil || llmP == nil || reg == nil || exec == nil {
		return nil, fmt.Errorf("playbook: engine needs a playbook, orchestrator, llm, registry, and executor")
	}
	e := &Engine{
		pb:    pb,
		orch:  orch,
		llm:   llmP,
		reg:   reg,
		exec:  exec,
		state: NewState(pb),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.cfg.MaxToolLoops <= 0 {
		e.cfg.MaxToolLoops = DefaultMaxToolLoops
	}
	return e, nil
}

// State returns the current playbook state.
func (e *Engine) State() *State { return e.state }

// Completed reports whether a final stage has been entered.
func (e *Engine) Completed() bool { return e.completed }

// RunTurnStream executes one playbook turn and returns its event stream.
// The channel closes when the turn, including transition evaluation, ends.
func (e *Engine) RunTurnStream(tc *turn.Context, h turn.History, audio []byte, attachments []types.Attachment) <-chan turn.Event {
	events := make(chan turn.Event, e.orch.Config().EventBuffer)
	go func() {
		defer close(events)
		e.runTurn(tc, h, audio, attachments, events)
	}()
	return events
}

// RunTurn executes a turn, draining the stream internally.
func (e *Engine) RunTurn(tc *turn.Context, h turn.History, audio []byte, attachments []types.Attachment) (*turn.Result, error) {
	res := &turn.Result{}
	var terminal *turn.PhaseError
	for ev := range e.RunTurnStream(tc, h, audio, attachments) {
		switch v := ev.(type) {
		case turn.TranscriptEvent:
			if v.Transcript.IsFinal {
				res.Transcript = v.Transcript
			}
		case turn.LLMResultEvent:
			res.AssistantText = v.Text
		case turn.TTSCancelledEvent:
			res.Cancelled = true
		case turn.ErrorEvent:
			if v.Err.Kind == turn.KindCancelled {
				res.Cancelled = true
			} else {
				terminal = v.Err
			}
		}
	}
	if terminal != nil {
		return res, terminal
	}
	return res, nil
}

// stageOutcome is what the staged LLM flow reports back to the pipeline.
type stageOutcome struct {
	// text is the spoken assistant reply.
	text string

	// added are the messages to commit to history on success, excluding the
	// user message which is committed up front.
	added []types.Message

	// toolResults and explicitTarget feed transition evaluation.
	toolResults    []types.ToolCallResult
	explicitTarget string

	err *turn.PhaseError
}

func (e *Engine) runTurn(tc *turn.Context, h turn.History, audio []byte, attachments []types.Attachment, events chan<- turn.Event) {
	info := tc.Info()
	e.dispatcher.TurnStart(info)
	sink := e.dispatcher.Sink()
	turnStart := time.Now()

	stage, ok := e.pb.Stage(e.state.StageID)
	if !ok {
		// Unreachable after validation; guards a corrupted restore.
		e.orch.FinishWithError(tc, turn.NewPhaseError(turn.ComponentPlaybook, turn.KindInternal,
			fmt.Errorf("playbook: unknown stage %q", e.state.StageID)), events)
		return
	}

	defer func() {
		total := time.Since(turnStart)
		tc.MarkPhase("turn", total)
		sink.Timing(hooks.MetricTurnDuration, float64(total.Milliseconds()), nil)
		e.dispatcher.TurnEnd(info, tc.Timings())
		e.dispatcher.PlaybookTurnEnd(info, stage.ID)
	}()

	transcript, perr := e.orch.Transcribe(tc, audio, events)
	if perr != nil {
		e.orch.FinishWithError(tc, perr, events)
		return
	}
	if tc.Cancelled() {
		e.orch.FinishCancelled(tc, false, events)
		return
	}
	if strings.TrimSpace(transcript.Text) == "" {
		return
	}

	userMsg := types.Message{Role: types.RoleUser, Content: transcript.Text, Attachments: attachments}
	h.Append(userMsg)

	if err := e.dispatcher.CheckGuardrail(info, transcript.Text); err != nil {
		e.orch.FinishWithError(tc, turn.NewPhaseError(turn.ComponentServer, turn.KindValidation, err), events)
		return
	}

	cfg := e.orch.Config()
	ctx := tc.Ctx()
	var cancel context.CancelFunc
	if cfg.LLMTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.LLMTimeout)
		defer cancel()
	}

	sentences := make(chan string, cfg.SentenceBuffer)
	done := make(chan *stageOutcome, 1)
	go e.runStagedLLM(ctx, tc, h.Messages(), stage, sentences, events, done)

	ttsErr, ttsStarted := e.orch.Speak(tc, sentences, events)
	outcome := <-done

	if tc.Cancelled() {
		e.orch.FinishCancelled(tc, ttsStarted, events)
		return
	}
	if outcome.err != nil {
		e.orch.FinishWithError(tc, outcome.err, events)
		return
	}

	for _, m := range outcome.added {
		h.Append(m)
	}

	if ttsErr != nil {
		e.orch.ReportError(tc, ttsErr)
		e.orch.Emit(tc, events, turn.ErrorEvent{Err: ttsErr})
	} else if ttsStarted {
		e.orch.Emit(tc, events, turn.TTSCompleteEvent{})
		e.dispatcher.TTSEnd(info)
	}

	e.state.TurnsInStage++
	e.evaluateTransition(tc, h, Outcome{
		UserText:       transcript.Text,
		AssistantText:  outcome.text,
		ToolResults:    outcome.toolResults,
		ExplicitTarget: outcome.explicitTarget,
		State:          e.state,
	}, events)
}

// runStagedLLM drives the staged LLM flow and feeds spoken sentences into
// the TTS channel. It always closes sentences.
func (e *Engine) runStagedLLM(ctx context.Context, tc *turn.Context, history []types.Message, stage *Stage, sentences chan<- string, events chan<- turn.Event, done chan<- *stageOutcome) {
	defer close(sentences)

	info := tc.Info()
	e.dispatcher.LLMStart(info)
	sink := e.dispatcher.Sink()
	start := time.Now()

	out := &stageOutcome{}
	defer func() {
		dur := time.Since(start)
		tc.MarkPhase("llm", dur)
		sink.Timing(hooks.MetricLLMDuration, float64(dur.Milliseconds()), nil)
		if out.err != nil {
			e.dispatcher.LLMError(info, out.err.Err)
		} else {
			e.dispatcher.LLMEnd(info, out.text)
		}
		done <- out
	}()

	defs, err := e.stageTools(stage)
	if err != nil {
		out.err = turn.NewPhaseError(turn.ComponentPlaybook, turn.KindInternal, err)
		return
	}

	working := make([]types.Message, len(history), len(history)+8)
	copy(working, history)

	if stage.TwoPhase {
		e.runTwoPhase(ctx, tc, stage, defs, working, sentences, events, out)
	} else {
		e.runSinglePhase(ctx, tc, stage, defs, working, sentences, events, out)
	}
}

// runTwoPhase runs the silent tool loop, then streams the spoken reply.
//
// The loop ends either because the model stopped asking for tools, in which
// case that completion's text is the reply, or because the iteration cap was
// hit, in which case one final tools-disabled call produces the reply.
func (e *Engine) runTwoPhase(ctx context.Context, tc *turn.Context, stage *Stage, defs []types.ToolDefinition, working []types.Message, sentences chan<- string, events chan<- turn.Event, out *stageOutcome) {
	maxLoops := stage.MaxToolLoops
	if maxLoops <= 0 {
		maxLoops = e.cfg.MaxToolLoops
	}

	spoken := ""
	haveSpoken := false
	for i := 0; i < maxLoops; i++ {
		req := e.request(stage, working)
		req.Tools = defs
		req.ToolChoice = stageToolChoice(stage)

		result, err := e.llm.Complete(ctx, req)
		if err != nil {
			out.err = turn.Classify(turn.ComponentLLM, err)
			return
		}
		if result.StopReason != types.StopToolUse || len(result.ToolCalls) == 0 {
			spoken = result.FullText
			haveSpoken = true
			break
		}

		assistant := types.Message{
			Role:      types.RoleAssistant,
			Content:   result.FullText,
			ToolCalls: result.ToolCalls,
		}
		working = append(working, assistant)
		out.added = append(out.added, assistant)

		toolMsgs := e.executeTools(tc, result.ToolCalls, events, out)
		working = append(working, toolMsgs...)
		out.added = append(out.added, toolMsgs...)

		if tc.Cancelled() {
			return
		}
	}

	if !haveSpoken {
		// Cap exhausted mid-loop. One tools-disabled call produces the reply;
		// the model sees the accumulated tool results, not the cap itself.
		e.streamReply(ctx, tc, stage, working, sentences, events, out)
		return
	}

	out.text = spoken
	out.added = append(out.added, types.Message{Role: types.RoleAssistant, Content: spoken})
	e.speakText(ctx, tc, spoken, sentences, events)
}

// runSinglePhase streams the completion with tools enabled, narrating text
// as it arrives and looping through tool rounds within the same spoken turn.
func (e *Engine) runSinglePhase(ctx context.Context, tc *turn.Context, stage *Stage, defs []types.ToolDefinition, working []types.Message, sentences chan<- string, events chan<- turn.Event, out *stageOutcome) {
	maxLoops := stage.MaxToolLoops
	if maxLoops <= 0 {
		maxLoops = e.cfg.MaxToolLoops
	}

	chunker := turn.NewChunker(e.orch.Config().Boundary)
	var narration []byte

	for i := 0; i < maxLoops; i++ {
		req := e.request(stage, working)
		req.Tools = defs
		req.ToolChoice = stageToolChoice(stage)

		result, perr := e.streamOne(ctx, tc, req, chunker, sentences, events)
		if perr != nil {
			out.err = perr
			return
		}
		narration = append(narration, result.FullText...)

		if result.StopReason != types.StopToolUse || len(result.ToolCalls) == 0 {
			break
		}

		assistant := types.Message{
			Role:      types.RoleAssistant,
			Content:   result.FullText,
			ToolCalls: result.ToolCalls,
		}
		working = append(working, assistant)
		out.added = append(out.added, assistant)

		toolMsgs := e.executeTools(tc, result.ToolCalls, events, out)
		working = append(working, toolMsgs...)
		out.added = append(out.added, toolMsgs...)

		if tc.Cancelled() {
			return
		}
	}

	out.text = string(narration)
	e.orch.Emit(tc, events, turn.LLMResultEvent{Text: out.text, StopReason: types.StopEndTurn})
	if rest, ok := chunker.Flush(); ok {
		pushSentence(ctx, sentences, rest)
	}
	out.added = append(out.added, types.Message{Role: types.RoleAssistant, Content: out.text})
}

// streamReply makes the phase-2 tools-disabled call and streams it to TTS.
func (e *Engine) streamReply(ctx context.Context, tc *turn.Context, stage *Stage, working []types.Message, sentences chan<- string, events chan<- turn.Event, out *stageOutcome) {
	req := e.request(stage, working)
	req.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceNone}

	chunker := turn.NewChunker(e.orch.Config().Boundary)
	result, perr := e.streamOne(ctx, tc, req, chunker, sentences, events)
	if perr != nil {
		out.err = perr
		return
	}

	out.text = result.FullText
	e.orch.Emit(tc, events, turn.LLMResultEvent{Text: out.text, StopReason: result.StopReason})
	if rest, ok := chunker.Flush(); ok {
		pushSentence(ctx, sentences, rest)
	}
	out.added = append(out.added, types.Message{Role: types.RoleAssistant, Content: out.text})
}

// streamOne runs one completion, forwarding chunk events and cutting
// sentences. It falls back to blocking Complete when the provider does not
// stream. The LLMResultEvent is the caller's to emit, after any trailing
// flush decision.
func (e *Engine) streamOne(ctx context.Context, tc *turn.Context, req llm.Request, chunker *turn.Chunker, sentences chan<- string, events chan<- turn.Event) (*llm.Result, *turn.PhaseError) {
	info := tc.Info()

	streamer, ok := e.llm.(llm.Streamer)
	if !ok {
		result, err := e.llm.Complete(ctx, req)
		if err != nil {
			return nil, turn.Classify(turn.ComponentLLM, err)
		}
		e.orch.Emit(tc, events, turn.LLMChunkEvent{Content: result.FullText})
		e.dispatcher.LLMChunk(info, result.FullText)
		for _, s := range chunker.Feed(result.FullText) {
			pushSentence(ctx, sentences, s)
		}
		return result, nil
	}

	ch, err := streamer.Stream(ctx, req)
	if err != nil {
		return nil, turn.Classify(turn.ComponentLLM, err)
	}

	result := &llm.Result{StopReason: types.StopEndTurn}
	var full []byte
	for {
		select {
		case <-ctx.Done():
			go drain(ch)
			return nil, turn.Classify(turn.ComponentLLM, ctx.Err())
		case chunk, open := <-ch:
			if !open {
				result.FullText = string(full)
				return result, nil
			}
			if chunk.Err != nil {
				go drain(ch)
				return nil, turn.Classify(turn.ComponentLLM, chunk.Err)
			}
			if chunk.Content != "" {
				full = append(full, chunk.Content...)
				e.orch.Emit(tc, events, turn.LLMChunkEvent{Content: chunk.Content})
				e.dispatcher.LLMChunk(info, chunk.Content)
				for _, s := range chunker.Feed(chunk.Content) {
					if !pushSentence(ctx, sentences, s) {
						go drain(ch)
						return nil, turn.Classify(turn.ComponentLLM, ctx.Err())
					}
				}
			}
			if chunk.Done {
				result.StopReason = chunk.StopReason
				result.ToolCalls = chunk.ToolCalls
			}
		}
	}
}

// speakText emits the already-complete reply as one chunk event and feeds
// it to TTS sentence by sentence.
func (e *Engine) speakText(ctx context.Context, tc *turn.Context, text string, sentences chan<- string, events chan<- turn.Event) {
	info := tc.Info()
	e.orch.Emit(tc, events, turn.LLMChunkEvent{Content: text})
	e.dispatcher.LLMChunk(info, text)
	e.orch.Emit(tc, events, turn.LLMResultEvent{Text: text, StopReason: types.StopEndTurn})

	chunker := turn.NewChunker(e.orch.Config().Boundary)
	for _, s := range chunker.Feed(text) {
		if !pushSentence(ctx, sentences, s) {
			return
		}
	}
	if rest, ok := chunker.Flush(); ok {
		pushSentence(ctx, sentences, rest)
	}
}

// executeTools dispatches one round of tool calls and returns the tool
// messages to append. The built-in transition tool is handled inline; all
// other calls go through the executor. Every call gets its start/end event
// pair and its result is accumulated for transition evaluation.
func (e *Engine) executeTools(tc *turn.Context, reqs []types.ToolCallRequest, events chan<- turn.Event, out *stageOutcome) []types.Message {
	info := tc.Info()
	sink := e.dispatcher.Sink()

	var external []types.ToolCallRequest
	var results []types.ToolCallResult

	for _, req := range reqs {
		if req.Name != TransitionToolName {
			external = append(external, req)
			continue
		}
		e.orch.Emit(tc, events, turn.ToolCallStartEvent{Request: req})
		e.dispatcher.ToolStart(info, req)
		res := e.handleTransitionTool(req, out)
		e.orch.Emit(tc, events, turn.ToolCallEndEvent{Result: res})
		e.dispatcher.ToolEnd(info, res)
		results = append(results, res)
	}

	if len(external) > 0 {
		cc := tool.CallContext{
			SessionID: tc.SessionID(),
			TurnID:    tc.ID(),
			OnStart: func(req types.ToolCallRequest) {
				e.orch.Emit(tc, events, turn.ToolCallStartEvent{Request: req})
				e.dispatcher.ToolStart(info, req)
			},
			OnEnd: func(res types.ToolCallResult) {
				e.orch.Emit(tc, events, turn.ToolCallEndEvent{Result: res})
				e.dispatcher.ToolEnd(info, res)
				sink.Timing(hooks.MetricToolDuration, float64(res.Duration.Milliseconds()),
					map[string]string{"tool": res.Name})
			},
		}
		results = append(results, e.exec.Execute(tc.Ctx(), external, cc)...)
	}

	tc.AddToolResults(results...)
	out.toolResults = append(out.toolResults, results...)

	msgs := make([]types.Message, 0, len(results))
	for _, res := range results {
		msgs = append(msgs, toolMessage(res))
	}
	return msgs
}

// handleTransitionTool resolves a playbook_transition call against the
// stage's llm-decision targets.
func (e *Engine) handleTransitionTool(req types.ToolCallRequest, out *stageOutcome) types.ToolCallResult {
	res := types.ToolCallResult{CallID: req.CallID, Name: req.Name}
	target, _ := req.Arguments["targetStage"].(string)
	if target == "" {
		res.Error = "missing targetStage"
		return res
	}
	for _, allowed := range e.pb.decisionTargets(e.state.StageID) {
		if allowed == target {
			out.explicitTarget = target
			res.Success = true
			res.Value = map[string]any{"targetStage": target}
			return res
		}
	}
	res.Error = fmt.Sprintf("stage %q is not reachable from %q", target, e.state.StageID)
	return res
}

// evaluateTransition runs after a successful turn: it picks the transition,
// applies the target stage's history strategy, and moves the state.
func (e *Engine) evaluateTransition(tc *turn.Context, h turn.History, out Outcome, events chan<- turn.Event) {
	tr, reason := e.pb.Evaluate(out, e.classifier, time.Now())
	if tr == nil {
		return
	}

	sink := e.dispatcher.Sink()
	from := e.state.StageID
	target, _ := e.pb.Stage(tr.To)

	sink.Timing(hooks.MetricStageDuration,
		float64(time.Since(e.state.EnteredAt).Milliseconds()),
		map[string]string{"stage": from})
	e.dispatcher.StageExit(hooks.StageInfo{SessionID: tc.SessionID(), Stage: from})

	if rh, ok := h.(History); ok {
		if err := applyStrategy(tc.Ctx(), rh, target, e.llm); err != nil {
			// The transition still happens; a failed summarization degrades to
			// carrying history unchanged.
			e.logger.Warn("history strategy failed, carrying history unchanged",
				"session", tc.SessionID(), "stage", tr.To, "error", err)
		}
	} else if target.HistoryStrategy != "" && target.HistoryStrategy != StrategyFull {
		e.logger.Warn("history does not support replacement, carrying history unchanged",
			"session", tc.SessionID(), "stage", tr.To)
	}

	e.state.enter(tr.To)
	e.dispatcher.StageEnter(hooks.StageInfo{SessionID: tc.SessionID(), Stage: tr.To})
	e.dispatcher.Transition(hooks.TransitionInfo{
		SessionID: tc.SessionID(), From: from, To: tr.To, Reason: reason,
	})
	sink.Increment(hooks.MetricTransitions, 1, map[string]string{"from": from, "to": tr.To})
	e.orch.Emit(tc, events, turn.StageChangeEvent{From: from, To: tr.To, Reason: reason})

	e.logger.Info("playbook transition",
		"session", tc.SessionID(), "from", from, "to", tr.To, "reason", reason)

	if target.Final && !e.completed {
		e.completed = true
		e.dispatcher.PlaybookComplete(tc.SessionID())
	}
}

// stageTools resolves the stage's tool set, injecting the built-in
// transition tool when the stage allows llm-decision transitions.
func (e *Engine) stageTools(stage *Stage) ([]types.ToolDefinition, error) {
	defs, err := e.reg.DefinitionsFor(stage.Tools)
	if err != nil {
		return nil, err
	}
	if e.pb.allowsLLMDecision(stage.ID) {
		defs = append(defs, transitionToolDef(e.pb.decisionTargets(stage.ID)))
	}
	return defs, nil
}

// transitionToolDef builds the built-in tool's definition with the allowed
// targets encoded as an enum.
func transitionToolDef(targets []string) types.ToolDefinition {
	enum := make([]any, len(targets))
	for i, t := range targets {
		enum[i] = t
	}
	return types.ToolDefinition{
		Name:        TransitionToolName,
		Description: "Move the conversation to another stage when the current stage's goal is met.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"targetStage": map[string]any{
					"type": "string",
					"enum": enum,
				},
				"reason": map[string]any{"type": "string"},
			},
			"required": []any{"targetStage"},
		},
	}
}

// request builds the base LLM request for the stage.
func (e *Engine) request(stage *Stage, working []types.Message) llm.Request {
	cfg := e.orch.Config()
	return llm.Request{
		Messages:     working,
		SystemPrompt: e.pb.StagePrompt(stage),
		Temperature:  cfg.Temperature,
		TopP:         cfg.TopP,
		MaxTokens:    cfg.MaxTokens,
	}
}

func stageToolChoice(stage *Stage) llm.ToolChoice {
	switch stage.ToolChoice {
	case "", llm.ToolChoiceAuto:
		return llm.ToolChoice{Mode: llm.ToolChoiceAuto}
	case llm.ToolChoiceNone:
		return llm.ToolChoice{Mode: llm.ToolChoiceNone}
	case llm.ToolChoiceRequired:
		return llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	default:
		return llm.ToolChoice{Mode: llm.ToolChoiceNamed, Name: stage.ToolChoice}
	}
}

// toolMessage renders an executed result as the tool message fed back to
// the LLM. Failures are fed back too; the model decides how to proceed.
func toolMessage(res types.ToolCallResult) types.Message {
	content := ""
	if res.Success {
		if raw, err := json.Marshal(res.Value); err == nil {
			content = string(raw)
		} else {
			content = fmt.Sprintf("%v", res.Value)
		}
	} else {
		content = "ERROR: " + res.Error
	}
	return types.Message{
		Role:       types.RoleTool,
		Content:    content,
		ToolCallID: res.CallID,
		ToolName:   res.Name,
	}
}

func pushSentence(ctx context.Context, sentences chan<- string, s string) bool {
	select {
	case sentences <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
