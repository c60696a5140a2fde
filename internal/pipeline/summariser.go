package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/pkg/provider/llm"
)

// summaryPrompt drives history compression. The summary replaces the
// original rounds verbatim, so it must keep everything a later reply might
// depend on.
const summaryPrompt = `请将下面的对话压缩为一段简洁摘要。保留：用户提出的要求与问题、助手给出的关键信息与承诺、用户透露的个人偏好和事实。省略：寒暄、语气词、重复内容。只输出摘要本身。`

// llmSummariser implements dialog.Summariser on an LLM provider.
type llmSummariser struct {
	provider llm.Provider
}

// newSummariser wraps provider as a dialog.Summariser.
func newSummariser(provider llm.Provider) dialog.Summariser {
	return &llmSummariser{provider: provider}
}

// Summarise renders the entries as a transcript and asks the model for a
// condensed summary.
func (s *llmSummariser) Summarise(ctx context.Context, entries []dialog.HistoryEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, e := range entries {
		switch v := e.(type) {
		case dialog.UserTurn:
			fmt.Fprintf(&sb, "用户: %s\n", v.Turn.Transcript)
		case dialog.MultiTurn:
			for _, t := range v.Turns {
				fmt.Fprintf(&sb, "用户: %s\n", t.Transcript)
			}
		case dialog.CompressedTurn:
			fmt.Fprintf(&sb, "（此前摘要）%s\n", v.Summary)
		case dialog.AssistantReply:
			fmt.Fprintf(&sb, "助手: %s\n", v.Main)
		}
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return resp.Content, nil
}
