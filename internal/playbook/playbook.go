// Package playbook implements declarative multi-stage conversations.
//
// A playbook is a graph of stages connected by condition-triggered
// transitions. Each user turn runs in the current stage with that stage's
// prompt and tool set; after the turn the transition conditions are
// evaluated and the session may move to a successor stage.
package playbook

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmrtc/llmrtc/internal/tool"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// History strategies applied when entering a stage.
const (
	StrategyFull    = "full"
	StrategyReset   = "reset"
	StrategySummary = "summary"
	StrategyLastN   = "lastN"
)

// Transition condition kinds, in their evaluation precedence order.
const (
	KindToolCall    = "tool-call"
	KindLLMDecision = "llm-decision"
	KindKeyword     = "keyword"
	KindIntent      = "intent"
	KindMaxTurns    = "max-turns"
	KindTimeout     = "timeout"
	KindCustom      = "custom"
)

// Wildcard marks a transition source matching every stage.
const Wildcard = "*"

// Duration wraps time.Duration with YAML support for "30s" style values.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("playbook: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Stage is one node of the playbook graph.
type Stage struct {
	// ID uniquely identifies the stage within the playbook.
	ID string `yaml:"id"`

	// Name is the human-readable label used in logs.
	Name string `yaml:"name,omitempty"`

	// SystemPrompt is layered over the playbook's global prompt. Both are
	// sent when both are set, global first.
	SystemPrompt string `yaml:"systemPrompt,omitempty"`

	// Tools names the registered tools available in this stage.
	Tools []string `yaml:"tools,omitempty"`

	// HistoryStrategy is applied when this stage is entered. Empty means
	// full.
	HistoryStrategy string `yaml:"historyStrategy,omitempty"`

	// HistoryN is the window size for the lastN strategy.
	HistoryN int `yaml:"historyN,omitempty"`

	// ToolChoice is "auto", "none", "required", or a tool name. Empty means
	// auto.
	ToolChoice string `yaml:"toolChoice,omitempty"`

	// TwoPhase enables the silent tool loop followed by a spoken reply.
	TwoPhase bool `yaml:"twoPhaseExecution,omitempty"`

	// MaxToolLoops caps phase-1 iterations for this stage. Zero means the
	// engine default.
	MaxToolLoops int `yaml:"maxToolLoops,omitempty"`

	// Final marks a terminal stage. Entering it completes the playbook.
	Final bool `yaml:"final,omitempty"`
}

// ResultPredicate filters tool-call transitions by the executed result.
type ResultPredicate func(types.ToolCallResult) bool

// CustomPredicate evaluates a custom transition against the turn outcome.
type CustomPredicate func(Outcome) bool

// Transition is one edge of the playbook graph.
type Transition struct {
	// ID uniquely identifies the transition.
	ID string `yaml:"id"`

	// From is the source stage id, or "*" for any stage. Wildcard
	// transitions are evaluated after source-specific ones.
	From string `yaml:"from"`

	// To is the target stage id.
	To string `yaml:"to"`

	// Kind selects the trigger condition.
	Kind string `yaml:"kind"`

	// Keywords trigger a keyword transition when any appears in the
	// assistant text (case-insensitive substring).
	Keywords []string `yaml:"keywords,omitempty"`

	// ToolName triggers a tool-call transition when the named tool executed
	// this turn.
	ToolName string `yaml:"toolName,omitempty"`

	// Intent triggers an intent transition when the classifier maps the
	// user utterance to it.
	Intent string `yaml:"intent,omitempty"`

	// MaxTurns triggers once turns-in-stage reaches the threshold.
	MaxTurns int `yaml:"maxTurns,omitempty"`

	// After triggers once time-in-stage reaches the threshold.
	After Duration `yaml:"after,omitempty"`

	// AllowSelf permits To == From. Self-loops are rejected otherwise.
	AllowSelf bool `yaml:"allowSelf,omitempty"`

	// ResultPred is bound programmatically via BindResultPredicate.
	ResultPred ResultPredicate `yaml:"-"`

	// Predicate is bound programmatically via BindPredicate. Required for
	// custom transitions.
	Predicate CustomPredicate `yaml:"-"`
}

// Playbook is the validated stage graph.
type Playbook struct {
	// ID identifies the playbook.
	ID string `yaml:"id"`

	// SystemPrompt is the global prompt shared by every stage.
	SystemPrompt string `yaml:"systemPrompt,omitempty"`

	// InitialStage is the id of the entry stage.
	InitialStage string `yaml:"initialStage"`

	// Stages lists the nodes in declaration order.
	Stages []Stage `yaml:"stages"`

	// Transitions lists the edges in declaration order. Declaration order
	// breaks precedence ties.
	Transitions []Transition `yaml:"transitions"`

	stages map[string]*Stage
}

// Load parses a playbook from YAML and validates it against reg.
func Load(data []byte, reg *tool.Registry) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("playbook: parse: %w", err)
	}
	if err := pb.Validate(reg); err != nil {
		return nil, err
	}
	return &pb, nil
}

// LoadFile reads and parses a playbook YAML file.
func LoadFile(path string, reg *tool.Registry) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: read %s: %w", path, err)
	}
	return Load(data, reg)
}

// Validate checks the graph invariants: unique stage ids, a resolvable
// initial stage, every transition's endpoints resolve, no unmarked
// self-loops, and every stage tool registered in reg. Validation happens at
// construction so runtime transition evaluation never fails.
func (p *Playbook) Validate(reg *tool.Registry) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("playbook %q: no stages", p.ID)
	}

	p.stages = make(map[string]*Stage, len(p.Stages))
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.ID == "" {
			return fmt.Errorf("playbook %q: stage %d has no id", p.ID, i)
		}
		if _, dup := p.stages[s.ID]; dup {
			return fmt.Errorf("playbook %q: duplicate stage id %q", p.ID, s.ID)
		}
		switch s.HistoryStrategy {
		case "", StrategyFull, StrategyReset, StrategySummary, StrategyLastN:
		default:
			return fmt.Errorf("playbook %q: stage %q: unknown history strategy %q", p.ID, s.ID, s.HistoryStrategy)
		}
		if s.HistoryStrategy == StrategyLastN && s.HistoryN <= 0 {
			return fmt.Errorf("playbook %q: stage %q: lastN strategy needs historyN > 0", p.ID, s.ID)
		}
		if reg != nil {
			for _, name := range s.Tools {
				if !reg.Has(name) {
					return fmt.Errorf("playbook %q: stage %q: tool %q is not registered", p.ID, s.ID, name)
				}
			}
		}
		p.stages[s.ID] = s
	}

	if p.InitialStage == "" {
		return fmt.Errorf("playbook %q: no initial stage", p.ID)
	}
	if _, ok := p.stages[p.InitialStage]; !ok {
		return fmt.Errorf("playbook %q: initial stage %q does not exist", p.ID, p.InitialStage)
	}

	seen := make(map[string]bool, len(p.Transitions))
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if t.ID == "" {
			return fmt.Errorf("playbook %q: transition %d has no id", p.ID, i)
		}
		if seen[t.ID] {
			return fmt.Errorf("playbook %q: duplicate transition id %q", p.ID, t.ID)
		}
		seen[t.ID] = true
		if t.From != Wildcard {
			if _, ok := p.stages[t.From]; !ok {
				return fmt.Errorf("playbook %q: transition %q: unknown source stage %q", p.ID, t.ID, t.From)
			}
		}
		if _, ok := p.stages[t.To]; !ok {
			return fmt.Errorf("playbook %q: transition %q: unknown target stage %q", p.ID, t.ID, t.To)
		}
		if t.To == t.From && !t.AllowSelf {
			return fmt.Errorf("playbook %q: transition %q: self-loop on %q without allowSelf", p.ID, t.ID, t.From)
		}
		switch t.Kind {
		case KindKeyword:
			if len(t.Keywords) == 0 {
				return fmt.Errorf("playbook %q: transition %q: keyword kind needs keywords", p.ID, t.ID)
			}
		case KindToolCall:
			if t.ToolName == "" {
				return fmt.Errorf("playbook %q: transition %q: tool-call kind needs toolName", p.ID, t.ID)
			}
		case KindIntent:
			if t.Intent == "" {
				return fmt.Errorf("playbook %q: transition %q: intent kind needs intent", p.ID, t.ID)
			}
		case KindMaxTurns:
			if t.MaxTurns <= 0 {
				return fmt.Errorf("playbook %q: transition %q: max-turns kind needs maxTurns > 0", p.ID, t.ID)
			}
		case KindTimeout:
			if t.After <= 0 {
				return fmt.Errorf("playbook %q: transition %q: timeout kind needs after > 0", p.ID, t.ID)
			}
		case KindLLMDecision, KindCustom:
		default:
			return fmt.Errorf("playbook %q: transition %q: unknown kind %q", p.ID, t.ID, t.Kind)
		}
	}
	return nil
}

// Stage returns a stage by id.
func (p *Playbook) Stage(id string) (*Stage, bool) {
	s, ok := p.stages[id]
	return s, ok
}

// BindPredicate attaches the predicate of a custom transition.
func (p *Playbook) BindPredicate(transitionID string, fn CustomPredicate) error {
	for i := range p.Transitions {
		if p.Transitions[i].ID == transitionID {
			p.Transitions[i].Predicate = fn
			return nil
		}
	}
	return fmt.Errorf("playbook %q: no transition %q", p.ID, transitionID)
}

// BindResultPredicate attaches the result predicate of a tool-call
// transition.
func (p *Playbook) BindResultPredicate(transitionID string, fn ResultPredicate) error {
	for i := range p.Transitions {
		if p.Transitions[i].ID == transitionID {
			p.Transitions[i].ResultPred = fn
			return nil
		}
	}
	return fmt.Errorf("playbook %q: no transition %q", p.ID, transitionID)
}

// allowsLLMDecision reports whether stageID has an outgoing llm-decision
// transition. Such stages get the built-in transition tool injected.
func (p *Playbook) allowsLLMDecision(stageID string) bool {
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if t.Kind == KindLLMDecision && (t.From == stageID || t.From == Wildcard) {
			return true
		}
	}
	return false
}

// decisionTargets lists the stages reachable via llm-decision transitions
// from stageID, in declaration order.
func (p *Playbook) decisionTargets(stageID string) []string {
	var targets []string
	for i := range p.Transitions {
		t := &p.Transitions[i]
		if t.Kind == KindLLMDecision && (t.From == stageID || t.From == Wildcard) {
			targets = append(targets, t.To)
		}
	}
	return targets
}

// StagePrompt composes the global and stage prompts.
func (p *Playbook) StagePrompt(s *Stage) string {
	switch {
	case p.SystemPrompt == "":
		return s.SystemPrompt
	case s.SystemPrompt == "":
		return p.SystemPrompt
	default:
		return p.SystemPrompt + "\n\n" + s.SystemPrompt
	}
}
