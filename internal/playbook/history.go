package playbook

import (
	"context"
	"fmt"
	"strings"

	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// History extends the orchestrator's history with wholesale replacement,
// which the reset, summary, and lastN strategies need on stage entry.
type History interface {
	turn.History

	// Replace swaps the entire history for msgs.
	Replace(msgs []types.Message)
}

// summaryPrompt instructs the summarization call used by the summary
// strategy.
const summaryPrompt = "Summarize the conversation so far in a short paragraph. " +
	"Keep every fact the assistant will need to continue helping the user: " +
	"names, identifiers, decisions made, and unresolved questions. " +
	"Reply with the summary only."

// applyStrategy rewrites the history according to the entered stage's
// strategy. The summary strategy blocks on one LLM call; it runs between
// turns, never during one.
func applyStrategy(ctx context.Context, h History, stage *Stage, llmP llm.Provider) error {
	switch stage.HistoryStrategy {
	case "", StrategyFull:
		return nil

	case StrategyReset:
		h.Replace(nil)
		return nil

	case StrategyLastN:
		msgs := h.Messages()
		if len(msgs) > stage.HistoryN {
			h.Replace(msgs[len(msgs)-stage.HistoryN:])
		}
		return nil

	case StrategySummary:
		msgs := h.Messages()
		if len(msgs) == 0 {
			return nil
		}
		summary, err := summarize(ctx, llmP, msgs)
		if err != nil {
			return fmt.Errorf("playbook: summarize history: %w", err)
		}
		h.Replace([]types.Message{{
			Role:    types.RoleSystem,
			Content: "Summary of the conversation so far: " + summary,
		}})
		return nil

	default:
		return fmt.Errorf("playbook: unknown history strategy %q", stage.HistoryStrategy)
	}
}

// summarize asks the LLM for a compact rendition of msgs.
func summarize(ctx context.Context, llmP llm.Provider, msgs []types.Message) (string, error) {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	result, err := llmP.Complete(ctx, llm.Request{
		SystemPrompt: summaryPrompt,
		Messages: []types.Message{{
			Role:    types.RoleUser,
			Content: sb.String(),
		}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.FullText), nil
}
