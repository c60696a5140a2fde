package std

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/internal/turnbuffer"
)

// pollInterval is the Timer's cooperative check cadence.
const pollInterval = 2 * time.Millisecond

// EpochSource reports the live silence epoch a Timer compares its bound
// epoch against. Satisfied by *turnbuffer.Buffer; tests supply fakes.
type EpochSource interface {
	Epoch() turnbuffer.Epoch
}

// SavedContext is the deep snapshot captured when a Timer is created,
// sufficient to roll the conversation back if the turn is cancelled.
type SavedContext struct {
	// Turns is the buffered-turn list at creation.
	Turns []*dialog.Turn

	// History is the conversation history at creation.
	History []dialog.HistoryEntry
}

// Timer is the single point at which "may the assistant speak?" is answered.
// One Timer exists per detector invocation; it is bound to the silence epoch
// current at creation and becomes permanently invalid once that epoch is
// superseded. The answer is testable at any granularity — an entire utterance
// (pre-reply gate), a sentence (TTS queue), or a byte (TTS stream).
type Timer struct {
	start      time.Time
	timeout    time.Duration
	state      State
	boundEpoch turnbuffer.Epoch
	source     EpochSource
	saved      SavedContext

	// ripened latches a successful wait so later gates skip the poll loop.
	ripened atomic.Bool
}

// NewTimer creates a Timer that starts counting immediately. The timeout and
// state are assigned afterwards by the detector via [Timer.Arm]; the creation
// time is the moment the user yielded the floor, not the moment
// classification finished.
func NewTimer(source EpochSource, saved SavedContext) *Timer {
	return &Timer{
		start:      time.Now(),
		boundEpoch: source.Epoch(),
		source:     source,
		saved:      saved,
	}
}

// Arm sets the timeout and governing state decided by the detector.
func (t *Timer) Arm(timeout time.Duration, state State) {
	t.timeout = timeout
	t.state = state
}

// State returns the conversational state governing this timer.
func (t *Timer) State() State { return t.state }

// Timeout returns the armed timeout.
func (t *Timer) Timeout() time.Duration { return t.timeout }

// StartTime returns the timer's creation time.
func (t *Timer) StartTime() time.Time { return t.start }

// BoundEpoch returns the silence epoch captured at creation.
func (t *Timer) BoundEpoch() turnbuffer.Epoch { return t.boundEpoch }

// Saved returns the context snapshot captured at creation.
func (t *Timer) Saved() SavedContext { return t.saved }

// WaitForTimeout waits cooperatively until the timeout elapses, polling every
// ~2ms. It returns true iff the timeout elapsed without the bound epoch being
// superseded. In the Silence state it returns false immediately — the system
// must not speak. With a zero timeout (AnswerOnce) it typically returns true
// on the first check.
func (t *Timer) WaitForTimeout(ctx context.Context) bool {
	if t.state == StateSilence {
		return false
	}
	if t.ripened.Load() {
		return true
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !t.AssureNoInterruption() {
			return false
		}
		if time.Since(t.start) >= t.timeout {
			t.ripened.Store(true)
			return true
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// AssureNoInterruption is the synchronous point check used at every emission
// boundary: it reports whether the bound epoch is still the buffer's live
// epoch. Once false it is false forever — epochs are never reused.
func (t *Timer) AssureNoInterruption() bool {
	if t.boundEpoch == turnbuffer.EpochNone {
		return false
	}
	return t.boundEpoch == t.source.Epoch()
}
