package std

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cortantse/lumina/pkg/provider/llm"
)

// JudgeRecord is one past turn-judgement with its observed outcome, fed back
// into the judge prompt so the model can self-correct.
type JudgeRecord struct {
	// Transcript is the user text the judgement was made on.
	Transcript string

	// PredictedWait is the cooldown the judge proposed.
	PredictedWait time.Duration

	// ActualSpeakingGap is how long the user actually stayed silent before
	// resuming. Zero until a subsequent partial writes it back.
	ActualSpeakingGap time.Duration

	// HadInterrupt is true when the user resumed within the critical
	// threshold — the judgement under-waited.
	HadInterrupt bool

	// TooConservative is true when the judgement over-waited: the user either
	// never resumed, or resumed far later than the predicted window.
	TooConservative bool

	// resolved marks records whose outcome has been written back.
	resolved bool
}

// JudgeHistory is a bounded ring of past judgements. The most recent record
// is the write-back target for interrupt observations arriving from the turn
// buffer.
//
// All methods are safe for concurrent use.
type JudgeHistory struct {
	mu      sync.Mutex
	records []JudgeRecord
	depth   int

	criticalThreshold    time.Duration
	noInterruptTolerance time.Duration
	interruptRatio       float64
	mildRatio            float64
	consecutiveMildMax   int

	consecutiveMild int
}

// JudgeHistoryConfig tunes a [JudgeHistory]. Zero values pick the calibrated
// defaults (depth 14, critical threshold 800ms, tolerance 2s, ratio 0.3,
// mild ratio 1/3, three consecutive mild over-waits).
type JudgeHistoryConfig struct {
	Depth                int
	CriticalThreshold    time.Duration
	NoInterruptTolerance time.Duration
	InterruptRatio       float64
	MildRatio            float64
	ConsecutiveMildMax   int
}

// NewJudgeHistory creates a JudgeHistory with the given configuration.
func NewJudgeHistory(cfg JudgeHistoryConfig) *JudgeHistory {
	if cfg.Depth <= 0 {
		cfg.Depth = 14
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 800 * time.Millisecond
	}
	if cfg.NoInterruptTolerance <= 0 {
		cfg.NoInterruptTolerance = 2 * time.Second
	}
	if cfg.InterruptRatio <= 0 {
		cfg.InterruptRatio = 0.3
	}
	if cfg.MildRatio <= 0 {
		cfg.MildRatio = 1.0 / 3.0
	}
	if cfg.ConsecutiveMildMax <= 0 {
		cfg.ConsecutiveMildMax = 3
	}
	return &JudgeHistory{
		depth:                cfg.Depth,
		criticalThreshold:    cfg.CriticalThreshold,
		noInterruptTolerance: cfg.NoInterruptTolerance,
		interruptRatio:       cfg.InterruptRatio,
		mildRatio:            cfg.MildRatio,
		consecutiveMildMax:   cfg.ConsecutiveMildMax,
	}
}

// Add appends a fresh judgement. The ring evicts the oldest record beyond
// the configured depth.
func (h *JudgeHistory) Add(transcript string, predicted time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, JudgeRecord{
		Transcript:    transcript,
		PredictedWait: predicted,
	})
	if len(h.records) > h.depth {
		h.records = h.records[len(h.records)-h.depth:]
	}
}

// RecordInterrupt writes the observed speaking gap back into the most recent
// unresolved judgement. Gaps shorter than the critical threshold count as
// interruptions; gaps far beyond the predicted window flag the judgement as
// too conservative.
func (h *JudgeHistory) RecordInterrupt(gap time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.records) == 0 {
		return
	}
	rec := &h.records[len(h.records)-1]
	if rec.resolved {
		return
	}
	rec.resolved = true
	rec.ActualSpeakingGap = gap

	if gap < h.criticalThreshold {
		rec.HadInterrupt = true
		h.consecutiveMild = 0

		// The user came back well inside the predicted window: the window
		// itself was far too wide.
		if rec.PredictedWait > 0 && float64(gap) < h.interruptRatio*float64(rec.PredictedWait) {
			rec.TooConservative = true
		}
		return
	}

	// No interrupt within the critical threshold. A prediction at or beyond
	// the critical threshold clearly over-waited; repeated mildly-wide
	// windows add up to the same verdict.
	if gap >= h.criticalThreshold+h.noInterruptTolerance ||
		rec.PredictedWait >= h.criticalThreshold {
		rec.TooConservative = true
		h.consecutiveMild = 0
		return
	}
	if float64(rec.PredictedWait) >= h.mildRatio*float64(h.criticalThreshold) {
		h.consecutiveMild++
		if h.consecutiveMild >= h.consecutiveMildMax {
			rec.TooConservative = true
			h.consecutiveMild = 0
		}
	} else {
		h.consecutiveMild = 0
	}
}

// Last returns a copy of the most recent record and whether one exists.
func (h *JudgeHistory) Last() (JudgeRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return JudgeRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

// Records returns a snapshot of the ring, oldest first.
func (h *JudgeHistory) Records() []JudgeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]JudgeRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Reset clears the ring.
func (h *JudgeHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
	h.consecutiveMild = 0
}

// PromptMessages renders past judgements as alternating user/assistant
// messages for the judge prompt, oldest first, excluding the still-pending
// newest record when skipLast is set.
func (h *JudgeHistory) PromptMessages(skipLast bool) []llm.Message {
	h.mu.Lock()
	records := make([]JudgeRecord, len(h.records))
	copy(records, h.records)
	h.mu.Unlock()

	if skipLast && len(records) > 0 {
		records = records[:len(records)-1]
	}

	msgs := make([]llm.Message, 0, len(records)*2)
	for _, r := range records {
		msgs = append(msgs, llm.Message{
			Role:    "user",
			Content: "用户说: " + r.Transcript,
		})

		var outcome strings.Builder
		fmt.Fprintf(&outcome, "%d", r.PredictedWait.Milliseconds())
		if r.resolved {
			fmt.Fprintf(&outcome, "\n[实际插话时间: %dms", r.ActualSpeakingGap.Milliseconds())
			if r.HadInterrupt {
				outcome.WriteString(", 打断了用户")
			}
			if r.TooConservative {
				outcome.WriteString(", 等待过于保守")
			}
			outcome.WriteString("]")
		}
		msgs = append(msgs, llm.Message{Role: "assistant", Content: outcome.String()})
	}
	return msgs
}
