// Package turnbuffer accumulates finalised user turns awaiting an assistant
// reply and tracks inter-utterance silence.
//
// The central concept is the silence epoch: an opaque token minted whenever a
// silence window starts and invalidated by any new user audio. Every
// downstream artefact (pre-reply, sentence, TTS chunk) is bound to the epoch
// it was computed under; a stale epoch means the user resumed speaking and
// the artefact must be discarded. Epoch comparison replaces explicit
// cancellation tokens — multiple independent producers each drop their
// in-flight output at their next check without racing to cancel each other.
//
// All exported methods are safe for concurrent use.
package turnbuffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortantse/lumina/internal/dialog"
)

// growTick is the auto-grow sampling interval.
const growTick = 3 * time.Millisecond

// Epoch is an opaque token identifying one silence window.
type Epoch string

// EpochNone is the zero epoch; no Timer bound to it can ever fire.
const EpochNone Epoch = ""

// BargeInFunc is invoked when a partial transcript interrupts a silence
// window. elapsed is the silence accumulated at that moment — the user's
// actual speaking gap, fed back into the turn judge.
type BargeInFunc func(elapsed time.Duration)

// Buffer is the process-wide turn buffer and silence tracker.
type Buffer struct {
	mu       sync.Mutex
	turns    []*dialog.Turn
	epoch    Epoch
	silence  time.Duration
	autoGrow bool
	growGen  int // invalidates a running grow loop when bumped

	preReply      string
	preReplyTurns int

	onBargeIn []BargeInFunc
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// OnBargeIn registers fn to run whenever a partial transcript interrupts a
// silence window. Registration is not synchronised with delivery; register
// everything before audio starts flowing.
func (b *Buffer) OnBargeIn(fn BargeInFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBargeIn = append(b.onBargeIn, fn)
}

// AddPartial records that the user is speaking again. The first partial of a
// burst mints a fresh epoch — permanently invalidating every Timer bound to
// the old one — zeroes the silence counter, and stops auto-grow. Subsequent
// partials within the same burst are no-ops, so two partials inside one tick
// mint only one epoch.
func (b *Buffer) AddPartial(text string) {
	b.mu.Lock()

	if !b.autoGrow && b.silence == 0 {
		// Already in the speaking state; nothing to invalidate.
		b.mu.Unlock()
		return
	}

	elapsed := b.silence
	interrupted := b.autoGrow

	b.autoGrow = false
	b.growGen++
	b.silence = 0
	b.epoch = Epoch(uuid.NewString())
	callbacks := b.onBargeIn
	newEpoch := b.epoch
	b.mu.Unlock()

	slog.Debug("barge-in: epoch invalidated",
		"partial", text,
		"speaking_gap_ms", elapsed.Milliseconds(),
		"new_epoch", string(newEpoch))

	if interrupted {
		for _, fn := range callbacks {
			fn(elapsed)
		}
	}
}

// AddFinal appends a finalised turn. STT finalisation implies the user just
// stopped producing audio, so silence tracking (re)starts here when the peer
// has not already reported it via BeginSilence.
func (b *Buffer) AddFinal(turn *dialog.Turn) {
	b.mu.Lock()
	b.turns = append(b.turns, turn)
	b.mu.Unlock()
	b.BeginSilence(0)
}

// BeginSilence starts the auto-grow background task if it is not already
// running; calling it again while running is a no-op. The peer-reported seed
// duration primes the counter, and a fresh epoch is captured for the window.
func (b *Buffer) BeginSilence(seed time.Duration) {
	b.mu.Lock()
	if b.autoGrow {
		b.mu.Unlock()
		return
	}
	b.autoGrow = true
	b.growGen++
	gen := b.growGen
	b.silence = seed
	b.epoch = Epoch(uuid.NewString())
	b.mu.Unlock()

	go b.grow(gen, seed, time.Now())
}

// grow increments the silence counter from wall-clock deltas until its
// generation is superseded.
func (b *Buffer) grow(gen int, seed time.Duration, start time.Time) {
	ticker := time.NewTicker(growTick)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		if b.growGen != gen || !b.autoGrow {
			b.mu.Unlock()
			return
		}
		b.silence = seed + time.Since(start)
		b.mu.Unlock()
	}
}

// StopAutoGrow halts silence accumulation without minting a new epoch. Used
// when the state machine enters Silence: the assistant must not speak, so no
// timer should ever ripen against this window.
func (b *Buffer) StopAutoGrow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoGrow = false
	b.growGen++
	b.silence = 0
}

// Clear drops the queued turns and pre-reply after they have been handed to
// the main model. The epoch is deliberately left untouched: in-flight
// sentences of the reply stay valid.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = nil
	b.preReply = ""
	b.preReplyTurns = 0
}

// Reset fully reinitialises the buffer (INTERRUPT control, session reset):
// turns dropped, auto-grow stopped, epoch invalidated.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = nil
	b.preReply = ""
	b.preReplyTurns = 0
	b.autoGrow = false
	b.growGen++
	b.silence = 0
	b.epoch = Epoch(uuid.NewString())
}

// Restore prepends previously claimed turns back onto the buffer, ahead of
// any turns that arrived since. Used when a reply was cancelled before
// anything reached the user: the unanswered turns rejoin the queue in their
// original order.
func (b *Buffer) Restore(turns []*dialog.Turn) {
	if len(turns) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := make([]*dialog.Turn, 0, len(turns)+len(b.turns))
	restored = append(restored, turns...)
	restored = append(restored, b.turns...)
	b.turns = restored
}

// Epoch returns the current silence epoch.
func (b *Buffer) Epoch() Epoch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Silence returns the accumulated silence duration of the current window.
func (b *Buffer) Silence() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silence
}

// AutoGrowing reports whether the silence counter is currently running.
func (b *Buffer) AutoGrowing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoGrow
}

// Turns returns a snapshot of the queued turns.
func (b *Buffer) Turns() []*dialog.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*dialog.Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Len reports the number of queued turns.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// LastTurn returns the most recently appended turn, or nil when empty.
func (b *Buffer) LastTurn() *dialog.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.turns) == 0 {
		return nil
	}
	return b.turns[len(b.turns)-1]
}

// SetPreReply stores the generated filler along with the turn count it was
// computed against, so a stale filler (turns arrived after generation) can be
// detected before playback.
func (b *Buffer) SetPreReply(text string, turnCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preReply = text
	b.preReplyTurns = turnCount
}

// PreReply returns the stored filler and its turn-count snapshot.
func (b *Buffer) PreReply() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preReply, b.preReplyTurns
}
