// Package copilot – tools_summarize.go implements summarize_conversation:
// the stored history of the calling conversation is condensed by one
// tool-free LLM call and replaced by the summary.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ToolSummarize is the name of the conversation summary tool.
const ToolSummarize = "summarize_conversation"

const (
	defaultSummaryLength = 1000
	summaryHistoryLimit  = 100
)

const summarizePrompt = "Summarize the following conversation in at most %d characters. " +
	"Keep the facts, decisions and open questions the user cares about. " +
	"Reply with the summary only."

type summarizeArgs struct {
	MaxLength int `json:"max_length"`
}

// NewSummarizeTool returns the definition and handler of
// summarize_conversation. The handler needs the session in its context
// and refuses stateless sessions.
func NewSummarizeTool(llm ChatCompleter, history HistoryStore, logger *slog.Logger) (ToolDefinition, ToolHandlerFunc) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", ToolSummarize)

	def := MakeToolDefinition(ToolSummarize,
		"Generate a summary of the current conversation history. "+
			"Use this when the user asks to summarize the conversation. "+
			"Returns a concise summary of the key points discussed.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"max_length": map[string]any{
					"type":        "integer",
					"description": "Maximum summary length in characters (default: 1000)",
					"default":     defaultSummaryLength,
				},
			},
		})

	handler := func(ctx context.Context, raw string) (string, error) {
		var args summarizeArgs
		if err := decodeArgs(raw, &args); err != nil {
			return "", failf("Error parsing arguments: %v", err)
		}
		maxLength := args.MaxLength
		if maxLength <= 0 {
			maxLength = defaultSummaryLength
		}

		s, ok := SessionFromContext(ctx)
		if !ok || s.Stateless {
			return "", failf("Conversation summaries are only available in chat sessions")
		}

		rows, err := history.GetHistory(ctx, s.UserID, s.ChatID, summaryHistoryLimit)
		if err != nil {
			return "", fmt.Errorf("loading history: %w", err)
		}
		if len(rows) == 0 {
			return "There is no conversation history to summarize.", nil
		}

		var transcript strings.Builder
		for _, r := range rows {
			fmt.Fprintf(&transcript, "%s: %s\n", r.Role, r.Content)
		}

		resp, err := llm.Complete(ctx, []ChatMessage{
			{Role: RoleSystem, Content: fmt.Sprintf(summarizePrompt, maxLength)},
			{Role: RoleUser, Content: transcript.String()},
		}, nil)
		if err != nil {
			return "", failf("Error generating summary: %v", err)
		}
		summary := strings.TrimSpace(resp.Content)
		if summary == "" {
			return "", failf("Error generating summary: empty response")
		}
		if len([]rune(summary)) > maxLength {
			summary = string([]rune(summary)[:maxLength])
		}

		if err := history.ReplaceWithSummary(ctx, s.UserID, s.ChatID, "Conversation summary: "+summary); err != nil {
			return "", fmt.Errorf("storing summary: %w", err)
		}
		logger.Info("conversation summarized",
			"user_id", s.UserID, "chat_id", s.ChatID, "messages", len(rows), "summary_len", len(summary))
		return summary, nil
	}
	return def, handler
}
