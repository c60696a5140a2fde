package dialog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cortantse/lumina/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation. CJK-heavy
// text runs denser than English, but the threshold only needs to be
// order-of-magnitude right; this avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// DefaultSystemPrompt instructs the main model. The output is synthesised to
// speech, so the model is told to tag emotions and avoid unspeakable content.
const DefaultSystemPrompt = `你是一个**语音**智能助手，你收到的是用户转录后的文本，你输出的内容会被转为音频返回给用户，请根据用户的问题给出简洁、快速但有情感的回答，注意回复只能包含能被转为语音的内容，表情符号等不能出现。

在每次回答开始时，你必须在回答的第一行用方括号标注当前回答适合的情绪类型。情绪类型必须从以下7种中选择一种：
[NEUTRAL] [HAPPY] [SAD] [ANGRY] [FEARFUL] [DISGUSTED] [SURPRISED]

在回答过程中，每当情绪发生变化时，在句号后标注新的情绪类型；情绪不变则无需重复标注。情绪标注仅用于语音合成的语气调整。`

// Summariser produces a concise summary of a history segment. Implemented by
// an LLM-backed summariser in the pipeline package and by fakes in tests.
type Summariser interface {
	Summarise(ctx context.Context, entries []HistoryEntry) (string, error)
}

// HistoryConfig configures a [History].
type HistoryConfig struct {
	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string

	// MaxTokens is the main model's context window budget. Default: 32768.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which compression is
	// triggered. Default: 0.75.
	ThresholdRatio float64
}

// History is the append-only conversation record. Old rounds are compressed
// into [CompressedTurn] summaries when the estimated token count approaches
// the model window.
//
// All methods are safe for concurrent use; in steady state only the main
// orchestration loop appends.
type History struct {
	systemPrompt   string
	maxTokens      int
	thresholdRatio float64

	mu      sync.Mutex
	entries []HistoryEntry
}

// NewHistory creates a History with the given configuration.
func NewHistory(cfg HistoryConfig) *History {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 32768
	}
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = 0.75
	}
	return &History{
		systemPrompt:   cfg.SystemPrompt,
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: cfg.ThresholdRatio,
	}
}

// Append adds entries to the history.
func (h *History) Append(entries ...HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entries...)
}

// Entries returns a snapshot of the history.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len reports the number of history entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Snapshot captures the current entry list for Timer rollback.
func (h *History) Snapshot() []HistoryEntry {
	return h.Entries()
}

// Restore replaces the history with a previously captured snapshot. Used when
// a barge-in cancels a turn after its context was already committed.
func (h *History) Restore(snapshot []HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make([]HistoryEntry, len(snapshot))
	copy(h.entries, snapshot)
}

// Reset drops all entries.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// MarkLastReplyInterrupted flags the most recent assistant reply as cut off
// by a barge-in. No-op when the last entry is not an AssistantReply.
func (h *History) MarkLastReplyInterrupted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if r, ok := h.entries[i].(AssistantReply); ok {
			r.WasInterrupted = true
			h.entries[i] = r
			return
		}
	}
}

// FormatOptions controls [History.Format].
type FormatOptions struct {
	// PreReplyView renders assistant entries as their pre-reply only. Used
	// by the pre-reply generator so the filler model learns from its own
	// past fillers, not the full replies.
	PreReplyView bool

	// SystemContext, when non-nil, is appended to the last user message.
	SystemContext *SystemContext

	// PendingPreReply is the filler already played for the round being
	// answered; the main model is told to continue coherently from it.
	PendingPreReply string

	// MaxRounds, when positive, keeps only the last N messages after the
	// system prompt.
	MaxRounds int
}

// Format renders the history into an LLM message list: system prompt first,
// then chronological entries, with system-context directives appended to the
// final user message.
func (h *History) Format(opts FormatOptions) []llm.Message {
	h.mu.Lock()
	entries := make([]HistoryEntry, len(h.entries))
	copy(entries, h.entries)
	h.mu.Unlock()

	msgs := make([]llm.Message, 0, len(entries)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: h.systemPrompt})

	for _, e := range entries {
		switch v := e.(type) {
		case UserTurn:
			msgs = append(msgs, llm.Message{Role: "user", Content: renderTurn(v.Turn)})
		case MultiTurn:
			msgs = append(msgs, llm.Message{Role: "user", Content: renderMultiTurn(v.Turns)})
		case CompressedTurn:
			msgs = append(msgs, llm.Message{Role: "user", Content: "summary of round: " + v.Summary})
		case AssistantReply:
			content := v.Main
			if opts.PreReplyView {
				content = v.PreReply
			} else if v.PreReply != "" {
				content = joinPreReply(v.PreReply, v.Main)
			}
			if content == "" {
				continue
			}
			msgs = append(msgs, llm.Message{Role: "assistant", Content: content})
		}
	}

	if opts.MaxRounds > 0 && len(msgs) > opts.MaxRounds+1 {
		trimmed := make([]llm.Message, 0, opts.MaxRounds+1)
		trimmed = append(trimmed, msgs[0])
		trimmed = append(trimmed, msgs[len(msgs)-opts.MaxRounds:]...)
		msgs = trimmed
	}

	// Locate the final user message for context injection.
	last := -1
	for i := len(msgs) - 1; i > 0; i-- {
		if msgs[i].Role == "user" {
			last = i
			break
		}
	}
	if last > 0 {
		if opts.PendingPreReply != "" {
			_, fillerText := splitPreReply(opts.PendingPreReply)
			if fillerText != "" {
				msgs[last].Content += fmt.Sprintf(
					"\n\n[已向用户播放预回复: %s]\n请在回复中衔接这句预回复，避免重复其内容，保持语义连贯。", fillerText)
			}
		}
		if opts.SystemContext != nil {
			if directives := opts.SystemContext.Format(); directives != "" {
				msgs[last].Content += "\n\n" + directives
			}
		}
	}

	return msgs
}

// CompressIfNeeded summarises the oldest half of the history into a single
// CompressedTurn when the estimated token count exceeds the threshold.
// Returns whether compression ran.
func (h *History) CompressIfNeeded(ctx context.Context, summariser Summariser) (bool, error) {
	if summariser == nil {
		return false, nil
	}

	h.mu.Lock()
	threshold := int(float64(h.maxTokens) * h.thresholdRatio)
	if h.estimateTokensLocked() <= threshold || len(h.entries) < 4 {
		h.mu.Unlock()
		return false, nil
	}

	half := len(h.entries) / 2
	toSummarise := make([]HistoryEntry, half)
	copy(toSummarise, h.entries[:half])
	h.mu.Unlock()

	// The LLM call runs without the lock; appends racing in are fine, the
	// prefix being summarised is stable.
	summary, err := summariser.Summarise(ctx, toSummarise)
	if err != nil {
		return false, fmt.Errorf("history: compress: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) < half {
		// A reset slipped in while summarising; drop the stale summary.
		return false, nil
	}
	replaced := make([]HistoryEntry, 0, len(h.entries)-half+1)
	replaced = append(replaced, CompressedTurn{Summary: summary, Timestamp: time.Now()})
	replaced = append(replaced, h.entries[half:]...)
	h.entries = replaced
	return true, nil
}

// EstimateTokens returns a rough token count of the formatted history.
func (h *History) EstimateTokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.estimateTokensLocked()
}

func (h *History) estimateTokensLocked() int {
	chars := len(h.systemPrompt)
	for _, e := range h.entries {
		switch v := e.(type) {
		case UserTurn:
			chars += len(renderTurn(v.Turn))
		case MultiTurn:
			chars += len(renderMultiTurn(v.Turns))
		case CompressedTurn:
			chars += len(v.Summary)
		case AssistantReply:
			chars += len(v.PreReply) + len(v.Main)
		}
	}
	return chars / charsPerToken
}

// joinPreReply renders a spoken pre-reply and the main text as one assistant
// utterance, dropping the pre-reply's emotion marker line.
func joinPreReply(preReply, main string) string {
	_, text := splitPreReply(preReply)
	if text == "" {
		return main
	}
	return text + " " + main
}

// splitPreReply separates the "[EMOTION]" first line from the filler text.
func splitPreReply(preReply string) (emotion, text string) {
	trimmed := strings.TrimSpace(preReply)
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "\n", 2)
	if len(parts) == 1 {
		if strings.HasPrefix(parts[0], "[") {
			return parts[0], ""
		}
		return "", parts[0]
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
