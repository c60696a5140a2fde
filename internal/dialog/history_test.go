package dialog

import (
	"context"
	"strings"
	"testing"

	"github.com/cortantse/lumina/pkg/memory"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	t.Run("single turn with memories", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{})
		turn := NewTurn("你好")
		turn.RetrievedMemories = []memory.Memory{{Text: "用户喜欢爵士乐"}}
		h.Append(UserTurn{Turn: turn})

		msgs := h.Format(FormatOptions{})
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].Role != "system" {
			t.Errorf("first role = %q, want system", msgs[0].Role)
		}
		if !strings.Contains(msgs[1].Content, "你好") {
			t.Errorf("user message missing transcript: %q", msgs[1].Content)
		}
		if !strings.Contains(msgs[1].Content, "[related memories: 用户喜欢爵士乐]") {
			t.Errorf("user message missing memories: %q", msgs[1].Content)
		}
	})

	t.Run("multi-turn collapses into one user message", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{})
		h.Append(MultiTurn{Turns: []*Turn{NewTurn("第一句"), NewTurn("第二句"), NewTurn("第三句")}})

		msgs := h.Format(FormatOptions{})
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if strings.Count(msgs[1].Content, "\n---\n") != 2 {
			t.Errorf("expected two separators in %q", msgs[1].Content)
		}
	})

	t.Run("compressed turn renders as summary", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{})
		h.Append(CompressedTurn{Summary: "聊了天气"})

		msgs := h.Format(FormatOptions{})
		if got := msgs[1].Content; got != "summary of round: 聊了天气" {
			t.Errorf("compressed content = %q", got)
		}
	})

	t.Run("assistant reply joins pre-reply and main", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{})
		h.Append(
			UserTurn{Turn: NewTurn("讲个笑话")},
			AssistantReply{PreReply: "[HAPPY]\n好的,", Main: "从前有只猫。"},
		)

		msgs := h.Format(FormatOptions{})
		if got := msgs[2].Content; got != "好的, 从前有只猫。" {
			t.Errorf("assistant content = %q", got)
		}
	})

	t.Run("pre-reply view renders fillers only", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{})
		h.Append(
			UserTurn{Turn: NewTurn("讲个笑话")},
			AssistantReply{PreReply: "[HAPPY]\n好的,", Main: "从前有只猫。"},
		)

		msgs := h.Format(FormatOptions{PreReplyView: true})
		if got := msgs[2].Content; got != "[HAPPY]\n好的," {
			t.Errorf("assistant content = %q", got)
		}
	})

	t.Run("pending pre-reply and directives land on last user message", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{})
		h.Append(UserTurn{Turn: NewTurn("现在几点")})

		sc := NewSystemContext()
		sc.Add("persona", "管家")

		msgs := h.Format(FormatOptions{SystemContext: sc, PendingPreReply: "[NEUTRAL]\n我看看,"})
		last := msgs[len(msgs)-1]
		if !strings.Contains(last.Content, "已向用户播放预回复: 我看看,") {
			t.Errorf("missing pre-reply note: %q", last.Content)
		}
		if !strings.Contains(last.Content, "persona: 管家") {
			t.Errorf("missing directive: %q", last.Content)
		}
	})
}

// fakeSummariser returns a fixed summary and records what it saw.
type fakeSummariser struct {
	summary string
	seen    int
}

func (f *fakeSummariser) Summarise(_ context.Context, entries []HistoryEntry) (string, error) {
	f.seen = len(entries)
	return f.summary, nil
}

func TestCompressIfNeeded(t *testing.T) {
	t.Parallel()

	t.Run("below threshold does nothing", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{MaxTokens: 100000})
		h.Append(UserTurn{Turn: NewTurn("hi")})

		ran, err := h.CompressIfNeeded(context.Background(), &fakeSummariser{})
		if err != nil || ran {
			t.Fatalf("got (%v, %v), want (false, nil)", ran, err)
		}
	})

	t.Run("oldest half replaced by summary", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(HistoryConfig{MaxTokens: 100, ThresholdRatio: 0.5})
		long := strings.Repeat("啊", 200)
		for i := 0; i < 6; i++ {
			h.Append(UserTurn{Turn: NewTurn(long)})
		}

		fs := &fakeSummariser{summary: "都在感叹"}
		ran, err := h.CompressIfNeeded(context.Background(), fs)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ran {
			t.Fatal("compression did not run")
		}
		if fs.seen != 3 {
			t.Errorf("summarised %d entries, want 3", fs.seen)
		}

		entries := h.Entries()
		if len(entries) != 4 {
			t.Fatalf("got %d entries, want 4", len(entries))
		}
		ct, ok := entries[0].(CompressedTurn)
		if !ok || ct.Summary != "都在感叹" {
			t.Fatalf("first entry = %#v, want CompressedTurn", entries[0])
		}
	})
}

func TestMarkLastReplyInterrupted(t *testing.T) {
	t.Parallel()

	h := NewHistory(HistoryConfig{})
	h.Append(
		UserTurn{Turn: NewTurn("a")},
		AssistantReply{Main: "b"},
		UserTurn{Turn: NewTurn("c")},
	)
	h.MarkLastReplyInterrupted()

	entries := h.Entries()
	r := entries[1].(AssistantReply)
	if !r.WasInterrupted {
		t.Fatal("reply not marked interrupted")
	}
}

func TestSystemContext(t *testing.T) {
	t.Parallel()

	t.Run("stacks cap at five", func(t *testing.T) {
		t.Parallel()
		sc := NewSystemContext()
		for i := 0; i < 7; i++ {
			sc.Add("persona", strings.Repeat("x", i+1))
		}
		out := sc.Format()
		if got := strings.Count(out, " | "); got != 4 {
			t.Errorf("rendered %d separators (want 4, five values): %q", got, out)
		}
		latest, ok := sc.Latest("persona")
		if !ok || len(latest) != 7 {
			t.Fatalf("latest = %q, want 7 x's", latest)
		}
	})

	t.Run("tts_config replaces", func(t *testing.T) {
		t.Parallel()
		sc := NewSystemContext()
		sc.Add(KeyTTSConfig, "voice=a")
		sc.Add(KeyTTSConfig, "voice=b")
		out := sc.Format()
		if strings.Contains(out, "voice=a") {
			t.Errorf("old tts config still present: %q", out)
		}
		if !strings.Contains(out, "voice=b") {
			t.Errorf("new tts config missing: %q", out)
		}
	})
}
