package playbook

import (
	"context"
	"strings"
	"testing"

	llmpkg "github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

func seededHistory() *memHistory {
	return &memHistory{msgs: []types.Message{
		{Role: types.RoleUser, Content: "my order 12345 is broken"},
		{Role: types.RoleAssistant, Content: "Let me look that up."},
		{Role: types.RoleUser, Content: "thanks"},
		{Role: types.RoleAssistant, Content: "It shows as delivered."},
	}}
}

func TestApplyStrategyFull(t *testing.T) {
	t.Parallel()

	h := seededHistory()
	if err := applyStrategy(context.Background(), h, &Stage{HistoryStrategy: StrategyFull}, nil); err != nil {
		t.Fatalf("applyStrategy: %v", err)
	}
	if len(h.msgs) != 4 {
		t.Errorf("history length = %d, want 4 (unchanged)", len(h.msgs))
	}
}

func TestApplyStrategyReset(t *testing.T) {
	t.Parallel()

	h := seededHistory()
	if err := applyStrategy(context.Background(), h, &Stage{HistoryStrategy: StrategyReset}, nil); err != nil {
		t.Fatalf("applyStrategy: %v", err)
	}
	if len(h.msgs) != 0 {
		t.Errorf("history length = %d, want 0", len(h.msgs))
	}
}

func TestApplyStrategyLastN(t *testing.T) {
	t.Parallel()

	h := seededHistory()
	if err := applyStrategy(context.Background(), h, &Stage{HistoryStrategy: StrategyLastN, HistoryN: 2}, nil); err != nil {
		t.Fatalf("applyStrategy: %v", err)
	}
	if len(h.msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(h.msgs))
	}
	if h.msgs[0].Content != "thanks" || h.msgs[1].Content != "It shows as delivered." {
		t.Errorf("kept messages = %+v", h.msgs)
	}
}

func TestApplyStrategySummary(t *testing.T) {
	t.Parallel()

	h := seededHistory()
	llmP := &llmmock.Provider{
		Results: []*llmpkg.Result{{
			FullText:   "Order 12345 was reported broken but shows as delivered.",
			StopReason: types.StopEndTurn,
		}},
	}

	if err := applyStrategy(context.Background(), h, &Stage{HistoryStrategy: StrategySummary}, llmP); err != nil {
		t.Fatalf("applyStrategy: %v", err)
	}
	if len(h.msgs) != 1 {
		t.Fatalf("history length = %d, want 1", len(h.msgs))
	}
	if h.msgs[0].Role != types.RoleSystem || !strings.Contains(h.msgs[0].Content, "12345") {
		t.Errorf("summary message = %+v", h.msgs[0])
	}

	// The summarization request carried the prior conversation.
	if len(llmP.CompleteCalls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(llmP.CompleteCalls))
	}
	req := llmP.CompleteCalls[0].Req
	if !strings.Contains(req.Messages[0].Content, "my order 12345 is broken") {
		t.Errorf("summary prompt missing history: %q", req.Messages[0].Content)
	}
}

func TestApplyStrategySummaryEmptyHistoryIsNoop(t *testing.T) {
	t.Parallel()

	h := &memHistory{}
	llmP := &llmmock.Provider{}
	if err := applyStrategy(context.Background(), h, &Stage{HistoryStrategy: StrategySummary}, llmP); err != nil {
		t.Fatalf("applyStrategy: %v", err)
	}
	if len(llmP.CompleteCalls) != 0 {
		t.Error("summarization ran for empty history")
	}
}
