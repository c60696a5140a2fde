package std

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cortantse/lumina/pkg/provider/llm"
	llmmock "github.com/cortantse/lumina/pkg/provider/llm/mock"
)

func TestAgentUpdateState(t *testing.T) {
	t.Parallel()

	t.Run("plain json event", func(t *testing.T) {
		t.Parallel()
		a := NewAgent(&llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: `{"event": "TRIGGER_SILENCE"}`},
		}, NewMachine(), 7)

		if got := a.UpdateState(context.Background(), "你听我说完"); got != StateSilence {
			t.Fatalf("state = %s, want SilenceState", got)
		}
	})

	t.Run("markdown-fenced json", func(t *testing.T) {
		t.Parallel()
		a := NewAgent(&llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "```json\n{\"event\": \"TRIGGER_PROACTIVE\"}\n```"},
		}, NewMachine(), 7)

		if got := a.UpdateState(context.Background(), "你来讲讲"); got != StateProactive {
			t.Fatalf("state = %s, want ProactiveState", got)
		}
	})

	t.Run("garbage keeps current state", func(t *testing.T) {
		t.Parallel()
		a := NewAgent(&llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "maybe dialogue?"},
		}, NewMachine(), 7)

		if got := a.UpdateState(context.Background(), "嗯"); got != StateDialogue {
			t.Fatalf("state = %s, want DialogueState", got)
		}
	})

	t.Run("provider error keeps current state", func(t *testing.T) {
		t.Parallel()
		a := NewAgent(&llmmock.Provider{CompleteErr: errors.New("down")}, NewMachine(), 7)
		if got := a.UpdateState(context.Background(), "嗯"); got != StateDialogue {
			t.Fatalf("state = %s, want DialogueState", got)
		}
	})

	t.Run("invalid event feeds back into next prompt", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{
			CompleteResponses: []*llm.CompletionResponse{
				{Content: `{"event": "TRIGGER_ANSWER_ONCE"}`}, // invalid from Dialogue
				{Content: `{"event": "NO_EVENT"}`},
			},
		}
		a := NewAgent(p, NewMachine(), 7)

		if got := a.UpdateState(context.Background(), "第一句"); got != StateDialogue {
			t.Fatalf("invalid event moved machine to %s", got)
		}
		a.UpdateState(context.Background(), "第二句")

		second := p.CompleteCalls[1].Req.Messages[0].Content
		if !strings.Contains(second, "invalid transition") {
			t.Errorf("second prompt missing feedback: %q", second)
		}
	})

	t.Run("prompt carries annotated rounds", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: `{"event": "NO_EVENT"}`},
		}
		a := NewAgent(p, NewMachine(), 7)
		a.UpdateState(context.Background(), "第一句")
		a.RecordAssistantReply("[HAPPY]好的，我明白了")
		a.UpdateState(context.Background(), "第二句")

		second := p.CompleteCalls[1].Req.Messages[0].Content
		for _, want := range []string{"用户说: 第一句", "【系统状态】: DialogueState", "【触发事件】: NO_EVENT", "助手说: 好的，我明白了"} {
			if !strings.Contains(second, want) {
				t.Errorf("prompt missing %q:\n%s", want, second)
			}
		}
		if strings.Contains(second, "[HAPPY]") {
			t.Errorf("emotion tag leaked into prompt:\n%s", second)
		}
	})
}

func TestAgentCompleteResponse(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	m.mu.Lock()
	m.state = StateAnswerOnce
	m.mu.Unlock()

	a := NewAgent(&llmmock.Provider{}, m, 7)
	a.CompleteResponse()
	if got := m.State(); got != StateSilence {
		t.Fatalf("state = %s, want SilenceState", got)
	}

	// In any other state the signal is ignored.
	a.CompleteResponse()
	if got := m.State(); got != StateSilence {
		t.Fatalf("state = %s after second call, want SilenceState", got)
	}
}
