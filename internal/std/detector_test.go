package std

import (
	"context"
	"testing"
	"time"

	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/internal/turnbuffer"
	"github.com/cortantse/lumina/pkg/provider/llm"
	llmmock "github.com/cortantse/lumina/pkg/provider/llm/mock"
)

// fakeHistory satisfies HistorySource.
type fakeHistory struct{ entries []dialog.HistoryEntry }

func (f *fakeHistory) Snapshot() []dialog.HistoryEntry { return f.entries }

func newDetector(judgeOut, eventOut string) (*Detector, *turnbuffer.Buffer) {
	buf := turnbuffer.New()
	judge, _ := newTestJudge(&llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: judgeOut},
	})
	agent := NewAgent(&llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: eventOut},
	}, NewMachine(), 7)
	return NewDetector(judge, agent, buf, &fakeHistory{}), buf
}

func TestDetect(t *testing.T) {
	t.Parallel()

	t.Run("dialogue arms the judged wait", func(t *testing.T) {
		t.Parallel()
		d, buf := newDetector("150", `{"event": "NO_EVENT"}`)
		turn := dialog.NewTurn("你好")
		buf.AddFinal(turn)

		timer := d.Detect(context.Background(), turn)
		if timer.State() != StateDialogue {
			t.Fatalf("state = %s, want DialogueState", timer.State())
		}
		if timer.Timeout() != 150*time.Millisecond {
			t.Fatalf("timeout = %v, want 150ms", timer.Timeout())
		}
		if timer.BoundEpoch() != buf.Epoch() {
			t.Fatal("timer not bound to the live epoch")
		}
		if !timer.AssureNoInterruption() {
			t.Fatal("fresh timer failed the point check")
		}
	})

	t.Run("silence arms an unbounded mute and stops auto-grow", func(t *testing.T) {
		t.Parallel()
		d, buf := newDetector("150", `{"event": "TRIGGER_SILENCE"}`)
		turn := dialog.NewTurn("你听我说")
		buf.AddFinal(turn)

		timer := d.Detect(context.Background(), turn)
		if timer.State() != StateSilence {
			t.Fatalf("state = %s, want SilenceState", timer.State())
		}
		if timer.WaitForTimeout(context.Background()) {
			t.Fatal("silence timer must never ripen")
		}
		if buf.AutoGrowing() {
			t.Fatal("auto-grow still running in Silence")
		}
	})

	t.Run("answer-once arms a zero timeout", func(t *testing.T) {
		t.Parallel()
		d, buf := newDetector("350", `{"event": "TRIGGER_ANSWER_ONCE"}`)
		d.Agent().Machine().mu.Lock()
		d.Agent().Machine().state = StateSilence
		d.Agent().Machine().mu.Unlock()

		turn := dialog.NewTurn("你怎么看")
		buf.AddFinal(turn)

		timer := d.Detect(context.Background(), turn)
		if timer.State() != StateAnswerOnce {
			t.Fatalf("state = %s, want AnswerOnceState", timer.State())
		}
		if timer.Timeout() != 0 {
			t.Fatalf("timeout = %v, want 0", timer.Timeout())
		}
		if !timer.WaitForTimeout(context.Background()) {
			t.Fatal("answer-once timer did not ripen immediately")
		}

		// RESPONSE_COMPLETE folds back to Silence.
		d.Agent().CompleteResponse()
		if got := d.Agent().Machine().State(); got != StateSilence {
			t.Fatalf("state after completion = %s, want SilenceState", got)
		}
	})

	t.Run("stale answer-once folds back before classification", func(t *testing.T) {
		t.Parallel()
		d, buf := newDetector("150", `{"event": "NO_EVENT"}`)
		d.Agent().Machine().mu.Lock()
		d.Agent().Machine().state = StateAnswerOnce
		d.Agent().Machine().mu.Unlock()

		turn := dialog.NewTurn("那继续")
		buf.AddFinal(turn)
		timer := d.Detect(context.Background(), turn)

		// NO_EVENT from Silence keeps Silence.
		if timer.State() != StateSilence {
			t.Fatalf("state = %s, want SilenceState after fold-back", timer.State())
		}
	})

	t.Run("saved context snapshots buffered turns", func(t *testing.T) {
		t.Parallel()
		d, buf := newDetector("150", `{"event": "NO_EVENT"}`)
		buf.AddFinal(dialog.NewTurn("a"))
		buf.AddFinal(dialog.NewTurn("b"))

		timer := d.Detect(context.Background(), buf.LastTurn())
		if got := len(timer.Saved().Turns); got != 2 {
			t.Fatalf("saved %d turns, want 2", got)
		}

		// A later Clear must not disturb the snapshot.
		buf.Clear()
		if got := len(timer.Saved().Turns); got != 2 {
			t.Fatalf("snapshot mutated by Clear: %d turns", got)
		}
	})

	t.Run("partial during detection invalidates the timer", func(t *testing.T) {
		t.Parallel()
		d, buf := newDetector("150", `{"event": "NO_EVENT"}`)
		turn := dialog.NewTurn("你好")
		buf.AddFinal(turn)

		timer := d.Detect(context.Background(), turn)
		buf.AddPartial("等等")
		if timer.AssureNoInterruption() {
			t.Fatal("timer survived a barge-in")
		}
		if timer.WaitForTimeout(context.Background()) {
			t.Fatal("invalidated timer ripened")
		}
	})
}
