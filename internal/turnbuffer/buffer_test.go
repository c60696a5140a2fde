package turnbuffer

import (
	"sync"
	"testing"
	"time"

	"github.com/cortantse/lumina/internal/dialog"
)

func TestEpochLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("begin silence mints an epoch", func(t *testing.T) {
		t.Parallel()
		b := New()
		if b.Epoch() != EpochNone {
			t.Fatal("fresh buffer should have no epoch")
		}
		b.BeginSilence(0)
		if b.Epoch() == EpochNone {
			t.Fatal("BeginSilence did not mint an epoch")
		}
		if !b.AutoGrowing() {
			t.Fatal("auto-grow not running")
		}
	})

	t.Run("begin silence is idempotent", func(t *testing.T) {
		t.Parallel()
		b := New()
		b.BeginSilence(0)
		e1 := b.Epoch()
		b.BeginSilence(0)
		if b.Epoch() != e1 {
			t.Fatal("second BeginSilence minted a new epoch")
		}
	})

	t.Run("partial invalidates the epoch", func(t *testing.T) {
		t.Parallel()
		b := New()
		b.BeginSilence(0)
		e1 := b.Epoch()

		b.AddPartial("等等")
		e2 := b.Epoch()
		if e2 == e1 {
			t.Fatal("partial did not mint a new epoch")
		}
		if b.AutoGrowing() {
			t.Fatal("auto-grow still running after partial")
		}
		if b.Silence() != 0 {
			t.Fatalf("silence = %v, want 0", b.Silence())
		}
	})

	t.Run("second partial in the same burst does not mint", func(t *testing.T) {
		t.Parallel()
		b := New()
		b.BeginSilence(0)
		b.AddPartial("等")
		e2 := b.Epoch()
		b.AddPartial("等等")
		if b.Epoch() != e2 {
			t.Fatal("second partial minted a new epoch")
		}
	})

	t.Run("epoch strictly changes across silence windows", func(t *testing.T) {
		t.Parallel()
		b := New()
		seen := map[Epoch]bool{}
		for i := 0; i < 5; i++ {
			b.BeginSilence(0)
			e := b.Epoch()
			if seen[e] {
				t.Fatalf("epoch %q repeated", e)
			}
			seen[e] = true
			b.AddPartial("again")
		}
	})
}

func TestAutoGrow(t *testing.T) {
	t.Parallel()

	t.Run("counter grows from the seed", func(t *testing.T) {
		t.Parallel()
		b := New()
		b.BeginSilence(100 * time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		if got := b.Silence(); got < 110*time.Millisecond {
			t.Fatalf("silence = %v, want ≥ 110ms (seeded)", got)
		}
	})

	t.Run("stop halts growth", func(t *testing.T) {
		t.Parallel()
		b := New()
		b.BeginSilence(0)
		time.Sleep(15 * time.Millisecond)
		b.StopAutoGrow()
		if b.AutoGrowing() {
			t.Fatal("auto-grow still on")
		}
		got := b.Silence()
		time.Sleep(15 * time.Millisecond)
		if b.Silence() != got {
			t.Fatalf("silence kept growing after stop: %v → %v", got, b.Silence())
		}
	})
}

func TestBargeInCallback(t *testing.T) {
	t.Parallel()

	b := New()
	var (
		mu    sync.Mutex
		gaps  []time.Duration
		calls int
	)
	b.OnBargeIn(func(elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		gaps = append(gaps, elapsed)
		calls++
	})

	b.BeginSilence(40 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	b.AddPartial("等等")
	b.AddPartial("等等一下") // same burst: no second callback

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	if gaps[0] < 40*time.Millisecond {
		t.Fatalf("recorded gap = %v, want ≥ seed 40ms", gaps[0])
	}
}

func TestTurnsAndClear(t *testing.T) {
	t.Parallel()

	b := New()
	b.AddFinal(dialog.NewTurn("a"))
	b.AddFinal(dialog.NewTurn("b"))

	if b.Len() != 2 {
		t.Fatalf("len = %d, want 2", b.Len())
	}
	if b.LastTurn().Transcript != "b" {
		t.Fatalf("last turn = %q, want b", b.LastTurn().Transcript)
	}

	e := b.Epoch()
	if e == EpochNone {
		t.Fatal("AddFinal should have started silence tracking")
	}

	b.SetPreReply("[HAPPY]\n好的,", 2)
	b.Clear()

	if b.Len() != 0 {
		t.Fatal("turns survived Clear")
	}
	if pr, _ := b.PreReply(); pr != "" {
		t.Fatal("pre-reply survived Clear")
	}
	if b.Epoch() != e {
		t.Fatal("Clear must not touch the epoch")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	b := New()
	b.AddFinal(dialog.NewTurn("a"))
	e := b.Epoch()

	b.Reset()
	if b.Len() != 0 || b.AutoGrowing() {
		t.Fatal("Reset did not clear state")
	}
	if b.Epoch() == e {
		t.Fatal("Reset must invalidate the epoch")
	}
}
