package playbook

import (
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// precedencePlaybook has one transition of every kind out of "work" so each
// test can make any subset match.
func precedencePlaybook() *Playbook {
	pb := &Playbook{
		ID:           "precedence",
		InitialStage: "work",
		Stages: []Stage{
			{ID: "work"},
			{ID: "done"},
		},
		Transitions: []Transition{
			{ID: "custom", From: "work", To: "done", Kind: KindCustom},
			{ID: "timeout", From: "work", To: "done", Kind: KindTimeout, After: Duration(time.Minute)},
			{ID: "max-turns", From: "work", To: "done", Kind: KindMaxTurns, MaxTurns: 3},
			{ID: "intent", From: "work", To: "done", Kind: KindIntent, Intent: "farewell"},
			{ID: "keyword", From: "work", To: "done", Kind: KindKeyword, Keywords: []string{"goodbye"}},
			{ID: "llm", From: "work", To: "done", Kind: KindLLMDecision},
			{ID: "tool", From: "work", To: "done", Kind: KindToolCall, ToolName: "finish"},
		},
	}
	if err := pb.Validate(nil); err != nil {
		panic(err)
	}
	return pb
}

type staticClassifier string

func (c staticClassifier) Classify(string) string { return string(c) }

func TestEvaluatePrecedence(t *testing.T) {
	t.Parallel()

	pb := precedencePlaybook()
	state := &State{
		StageID:      "work",
		TurnsInStage: 5,
		EnteredAt:    time.Now().Add(-time.Hour),
	}
	_ = pb.BindPredicate("custom", func(Outcome) bool { return true })

	// Every condition matches: tool-call wins.
	out := Outcome{
		UserText:       "goodbye then",
		AssistantText:  "Goodbye!",
		ToolResults:    []types.ToolCallResult{{Name: "finish", Success: true}},
		ExplicitTarget: "done",
		State:          state,
	}
	now := time.Now()

	tr, reason := pb.Evaluate(out, staticClassifier("farewell"), now)
	if tr == nil || tr.ID != "tool" || reason != "tool_call:finish" {
		t.Fatalf("winner = %v (%s)", tr, reason)
	}

	// Drop conditions one by one and watch precedence walk down the order.
	out.ToolResults = nil
	tr, reason = pb.Evaluate(out, staticClassifier("farewell"), now)
	if tr.ID != "llm" || reason != "llm_decision" {
		t.Fatalf("winner = %s (%s), want llm", tr.ID, reason)
	}

	out.ExplicitTarget = ""
	tr, reason = pb.Evaluate(out, staticClassifier("farewell"), now)
	if tr.ID != "keyword" || reason != "keyword:goodbye" {
		t.Fatalf("winner = %s (%s), want keyword", tr.ID, reason)
	}

	out.AssistantText = "See you"
	tr, reason = pb.Evaluate(out, staticClassifier("farewell"), now)
	if tr.ID != "intent" || reason != "intent:farewell" {
		t.Fatalf("winner = %s (%s), want intent", tr.ID, reason)
	}

	tr, reason = pb.Evaluate(out, nil, now)
	if tr.ID != "max-turns" || reason != "max_turns" {
		t.Fatalf("winner = %s (%s), want max-turns", tr.ID, reason)
	}

	state.TurnsInStage = 1
	tr, reason = pb.Evaluate(out, nil, now)
	if tr.ID != "timeout" || reason != "timeout" {
		t.Fatalf("winner = %s (%s), want timeout", tr.ID, reason)
	}

	state.EnteredAt = now
	tr, reason = pb.Evaluate(out, nil, now)
	if tr.ID != "custom" || reason != "custom" {
		t.Fatalf("winner = %s (%s), want custom", tr.ID, reason)
	}

	_ = pb.BindPredicate("custom", func(Outcome) bool { return false })
	if tr, _ = pb.Evaluate(out, nil, now); tr != nil {
		t.Fatalf("winner = %s, want none", tr.ID)
	}
}

func TestEvaluateSourceSpecificBeatsWildcard(t *testing.T) {
	t.Parallel()

	pb := &Playbook{
		ID:           "wild",
		InitialStage: "a",
		Stages:       []Stage{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Transitions: []Transition{
			// The wildcard is declared first; the source-specific one must
			// still win within the same kind.
			{ID: "any", From: "*", To: "c", Kind: KindKeyword, Keywords: []string{"next"}},
			{ID: "specific", From: "a", To: "b", Kind: KindKeyword, Keywords: []string{"next"}},
		},
	}
	if err := pb.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	out := Outcome{
		AssistantText: "On to the next step.",
		State:         &State{StageID: "a"},
	}
	tr, _ := pb.Evaluate(out, nil, time.Now())
	if tr == nil || tr.ID != "specific" {
		t.Fatalf("winner = %v, want specific", tr)
	}

	// From stage b only the wildcard applies.
	out.State.StageID = "b"
	tr, _ = pb.Evaluate(out, nil, time.Now())
	if tr == nil || tr.ID != "any" {
		t.Fatalf("winner = %v, want any", tr)
	}
}

func TestEvaluateDeclarationOrderBreaksTies(t *testing.T) {
	t.Parallel()

	pb := &Playbook{
		ID:           "ties",
		InitialStage: "a",
		Stages:       []Stage{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Transitions: []Transition{
			{ID: "first", From: "a", To: "b", Kind: KindKeyword, Keywords: []string{"alpha"}},
			{ID: "second", From: "a", To: "c", Kind: KindKeyword, Keywords: []string{"beta"}},
		},
	}
	if err := pb.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	out := Outcome{
		AssistantText: "beta and alpha both appear",
		State:         &State{StageID: "a"},
	}
	tr, _ := pb.Evaluate(out, nil, time.Now())
	if tr == nil || tr.ID != "first" {
		t.Fatalf("winner = %v, want first (declaration order)", tr)
	}
}

func TestEvaluateToolCallResultPredicate(t *testing.T) {
	t.Parallel()

	pb := twoStagePlaybook()
	if err := pb.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	err := pb.BindResultPredicate("t1", func(res types.ToolCallResult) bool {
		return res.Success
	})
	if err != nil {
		t.Fatalf("BindResultPredicate: %v", err)
	}

	out := Outcome{
		ToolResults: []types.ToolCallResult{{Name: "lookup_order", Success: false, Error: "timeout"}},
		State:       &State{StageID: "triage"},
	}
	if tr, _ := pb.Evaluate(out, nil, time.Now()); tr != nil {
		t.Fatalf("failed tool result matched: %s", tr.ID)
	}

	out.ToolResults[0].Success = true
	tr, reason := pb.Evaluate(out, nil, time.Now())
	if tr == nil || reason != "tool_call:lookup_order" {
		t.Fatalf("winner = %v (%s)", tr, reason)
	}
}

func TestEvaluateKeywordCaseInsensitive(t *testing.T) {
	t.Parallel()

	pb := &Playbook{
		ID:           "case",
		InitialStage: "a",
		Stages:       []Stage{{ID: "a"}, {ID: "b"}},
		Transitions: []Transition{
			{ID: "kw", From: "a", To: "b", Kind: KindKeyword, Keywords: []string{"GoodBye"}},
		},
	}
	if err := pb.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	out := Outcome{AssistantText: "Okay, goodbye!", State: &State{StageID: "a"}}
	if tr, _ := pb.Evaluate(out, nil, time.Now()); tr == nil {
		t.Fatal("case-insensitive keyword did not match")
	}
}

func TestFuzzyClassifier(t *testing.T) {
	t.Parallel()

	c := NewFuzzyClassifier(map[string][]string{
		"farewell": {"goodbye", "see you later"},
		"refund":   {"i want a refund", "give me my money back"},
	}, 0)

	if got := c.Classify("goodbye"); got != "farewell" {
		t.Errorf("Classify(goodbye) = %q", got)
	}
	if got := c.Classify("I want a refund"); got != "refund" {
		t.Errorf("Classify(refund utterance) = %q", got)
	}
	if got := c.Classify("the weather is nice today"); got != "" {
		t.Errorf("Classify(unrelated) = %q, want none", got)
	}
	if got := c.Classify(""); got != "" {
		t.Errorf("Classify(empty) = %q, want none", got)
	}
}
