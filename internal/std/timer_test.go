package std

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cortantse/lumina/internal/turnbuffer"
)

// fakeEpochSource is a hand-rolled EpochSource whose epoch tests flip at will.
type fakeEpochSource struct {
	mu sync.Mutex
	e  turnbuffer.Epoch
}

func newFakeEpochSource() *fakeEpochSource {
	return &fakeEpochSource{e: "epoch-1"}
}

func (f *fakeEpochSource) Epoch() turnbuffer.Epoch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.e
}

func (f *fakeEpochSource) set(e turnbuffer.Epoch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.e = e
}

func TestTimerWaitForTimeout(t *testing.T) {
	t.Parallel()

	t.Run("ripens when epoch stays valid", func(t *testing.T) {
		t.Parallel()
		src := newFakeEpochSource()
		timer := NewTimer(src, SavedContext{})
		timer.Arm(20*time.Millisecond, StateDialogue)

		start := time.Now()
		if !timer.WaitForTimeout(context.Background()) {
			t.Fatal("timer did not ripen")
		}
		if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
			t.Fatalf("ripened too early: %v", elapsed)
		}
	})

	t.Run("epoch flip cancels the wait", func(t *testing.T) {
		t.Parallel()
		src := newFakeEpochSource()
		timer := NewTimer(src, SavedContext{})
		timer.Arm(time.Second, StateDialogue)

		go func() {
			time.Sleep(10 * time.Millisecond)
			src.set("epoch-2")
		}()
		if timer.WaitForTimeout(context.Background()) {
			t.Fatal("timer ripened despite epoch flip")
		}
		if timer.AssureNoInterruption() {
			t.Fatal("AssureNoInterruption must stay false forever after a flip")
		}
	})

	t.Run("silence state never speaks", func(t *testing.T) {
		t.Parallel()
		src := newFakeEpochSource()
		timer := NewTimer(src, SavedContext{})
		timer.Arm(0, StateSilence)

		if timer.WaitForTimeout(context.Background()) {
			t.Fatal("silence timer returned true")
		}
	})

	t.Run("answer-once ripens immediately", func(t *testing.T) {
		t.Parallel()
		src := newFakeEpochSource()
		timer := NewTimer(src, SavedContext{})
		timer.Arm(0, StateAnswerOnce)

		start := time.Now()
		if !timer.WaitForTimeout(context.Background()) {
			t.Fatal("answer-once timer did not ripen")
		}
		if time.Since(start) > 10*time.Millisecond {
			t.Fatal("answer-once timer took too long")
		}
	})

	t.Run("ripened state is latched", func(t *testing.T) {
		t.Parallel()
		src := newFakeEpochSource()
		timer := NewTimer(src, SavedContext{})
		timer.Arm(0, StateDialogue)

		if !timer.WaitForTimeout(context.Background()) {
			t.Fatal("first wait failed")
		}
		if !timer.WaitForTimeout(context.Background()) {
			t.Fatal("latched wait failed")
		}
	})

	t.Run("context cancellation aborts", func(t *testing.T) {
		t.Parallel()
		src := newFakeEpochSource()
		timer := NewTimer(src, SavedContext{})
		timer.Arm(time.Hour, StateDialogue)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if timer.WaitForTimeout(ctx) {
			t.Fatal("timer ripened despite cancellation")
		}
	})

	t.Run("zero epoch never fires", func(t *testing.T) {
		t.Parallel()
		src := &fakeEpochSource{} // EpochNone
		timer := NewTimer(src, SavedContext{})
		timer.Arm(0, StateDialogue)

		if timer.AssureNoInterruption() {
			t.Fatal("zero epoch passed the point check")
		}
		if timer.WaitForTimeout(context.Background()) {
			t.Fatal("zero-epoch timer ripened")
		}
	})
}
