package playbook

import (
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// State is the per-session playbook position. The engine mutates it only
// between turns.
type State struct {
	// StageID is the id of the active stage.
	StageID string

	// TurnsInStage counts completed turns since the stage was entered.
	TurnsInStage int

	// EnteredAt is when the stage was entered.
	EnteredAt time.Time

	// Data accumulates per-stage values for custom predicates and hooks.
	// Cleared on stage change.
	Data map[string]any
}

// NewState positions a fresh session at the playbook's initial stage.
func NewState(p *Playbook) *State {
	return &State{
		StageID:   p.InitialStage,
		EnteredAt: time.Now(),
		Data:      make(map[string]any),
	}
}

// enter moves the state to a new stage and resets the per-stage fields.
func (s *State) enter(stageID string) {
	s.StageID = stageID
	s.TurnsInStage = 0
	s.EnteredAt = time.Now()
	s.Data = make(map[string]any)
}

// Outcome is the completed-turn context that transition conditions are
// evaluated against.
type Outcome struct {
	// UserText is the final transcript of the user utterance.
	UserText string

	// AssistantText is the full spoken assistant reply.
	AssistantText string

	// ToolResults are all tool results produced this turn, in execution
	// order.
	ToolResults []types.ToolCallResult

	// ExplicitTarget is the stage chosen via the built-in transition tool,
	// if the LLM called it.
	ExplicitTarget string

	// State is the playbook state at evaluation time, with TurnsInStage
	// already counting the current turn.
	State *State
}

// kindOrder is the condition precedence defined for transition evaluation.
var kindOrder = []string{
	KindToolCall,
	KindLLMDecision,
	KindKeyword,
	KindIntent,
	KindMaxTurns,
	KindTimeout,
	KindCustom,
}

// Evaluate picks the transition to take after a completed turn, or nil when
// none matches. Conditions are tried in kind precedence order; within a
// kind, source-specific transitions beat wildcard ones, and declaration
// order breaks remaining ties. The returned reason is the stable string
// carried by the stage-change event.
func (p *Playbook) Evaluate(out Outcome, classifier Classifier, now time.Time) (*Transition, string) {
	// The classifier runs at most once per evaluation.
	intent := ""
	classified := false
	classify := func() string {
		if !classified {
			classified = true
			if classifier != nil {
				intent = classifier.Classify(out.UserText)
			}
		}
		return intent
	}

	for _, kind := range kindOrder {
		for _, wildcard := range []bool{false, true} {
			for i := range p.Transitions {
				t := &p.Transitions[i]
				if t.Kind != kind {
					continue
				}
				if (t.From == Wildcard) != wildcard {
					continue
				}
				if !wildcard && t.From != out.State.StageID {
					continue
				}
				if reason, ok := p.matches(t, out, classify, now); ok {
					return t, reason
				}
			}
		}
	}
	return nil, ""
}

func (p *Playbook) matches(t *Transition, out Outcome, classify func() string, now time.Time) (string, bool) {
	switch t.Kind {
	case KindToolCall:
		for _, res := range out.ToolResults {
			if res.Name != t.ToolName {
				continue
			}
			if t.ResultPred != nil && !t.ResultPred(res) {
				continue
			}
			return "tool_call:" + t.ToolName, true
		}
	case KindLLMDecision:
		if out.ExplicitTarget != "" && out.ExplicitTarget == t.To {
			return "llm_decision", true
		}
	case KindKeyword:
		haystack := strings.ToLower(out.AssistantText)
		for _, kw := range t.Keywords {
			if strings.Contains(haystack, strings.ToLower(kw)) {
				return "keyword:" + kw, true
			}
		}
	case KindIntent:
		if got := classify(); got != "" && got == t.Intent {
			return "intent:" + t.Intent, true
		}
	case KindMaxTurns:
		if out.State.TurnsInStage >= t.MaxTurns {
			return "max_turns", true
		}
	case KindTimeout:
		if now.Sub(out.State.EnteredAt) >= time.Duration(t.After) {
			return "timeout", true
		}
	case KindCustom:
		if t.Predicate != nil && t.Predicate(out) {
			return "custom", true
		}
	}
	return "", false
}
