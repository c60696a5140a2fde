package std

import (
	"context"
	"sync"
	"time"

	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/internal/turnbuffer"
)

// silenceTimeout is the effectively-infinite timeout armed in the Silence
// state. The caller must suppress output via the state regardless; this value
// only guards against arithmetic on a zero timeout.
const silenceTimeout = time.Duration(1<<62 - 1)

// HistorySource supplies the snapshot a Timer saves for rollback.
// Satisfied by *dialog.History.
type HistorySource interface {
	Snapshot() []dialog.HistoryEntry
}

// Detector merges the two classifiers into a Timer per finalised transcript.
type Detector struct {
	judge  *Judge
	agent  *Agent
	buffer *turnbuffer.Buffer
	hist   HistorySource
}

// NewDetector wires a Detector.
func NewDetector(judge *Judge, agent *Agent, buffer *turnbuffer.Buffer, hist HistorySource) *Detector {
	return &Detector{judge: judge, agent: agent, buffer: buffer, hist: hist}
}

// Agent exposes the stateful classifier (for RESPONSE_COMPLETE and reply
// recording from the pipeline).
func (d *Detector) Agent() *Agent { return d.agent }

// Detect runs both classifiers concurrently for turn and returns the armed
// Timer. The Timer starts counting at call time, binding the silence epoch
// current at that moment. Detect never returns an error: classifier failures
// degrade to the mid-tier dialogue wait.
func (d *Detector) Detect(ctx context.Context, turn *dialog.Turn) *Timer {
	timer := NewTimer(d.buffer, SavedContext{
		Turns:   d.buffer.Turns(),
		History: d.hist.Snapshot(),
	})

	// A leftover AnswerOnce means the completion signal was lost (reply
	// aborted mid-flight); fold back to Silence before classifying.
	d.agent.CompleteResponse()

	var (
		wg    sync.WaitGroup
		wait  time.Duration
		state State
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		wait = d.judge.Classify(ctx, turn.Transcript)
	}()
	go func() {
		defer wg.Done()
		state = d.agent.UpdateState(ctx, turn.Transcript)
	}()
	wg.Wait()

	switch state {
	case StateSilence:
		// The assistant must not speak; freeze the silence counter so no
		// window ever ripens against this turn.
		timer.Arm(silenceTimeout, StateSilence)
		d.buffer.StopAutoGrow()
	case StateAnswerOnce:
		timer.Arm(0, StateAnswerOnce)
	case StateProactive:
		timer.Arm(wait, StateProactive)
	default:
		timer.Arm(wait, StateDialogue)
	}
	return timer
}
