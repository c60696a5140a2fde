package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cortantse/lumina/internal/ipc"
	"github.com/cortantse/lumina/internal/observe"
	"github.com/cortantse/lumina/internal/std"
	"github.com/cortantse/lumina/pkg/audio"
	"github.com/cortantse/lumina/pkg/provider/tts"
)

// WAVSender is the egress surface the worker writes completed sentences to.
// Satisfied by *ipc.TTSEgress.
type WAVSender interface {
	SendWAV(wav []byte) error
}

// emissionState is shared between the reply driver and the worker for one
// assistant turn: whether any audio actually reached the peer, and the
// last emotion marker seen (carried forward across unmarked sentences).
type emissionState struct {
	mu      sync.Mutex
	emitted bool
	emotion tts.Emotion
}

func newEmissionState() *emissionState {
	return &emissionState{emotion: tts.EmotionNeutral}
}

func (e *emissionState) markEmitted() {
	e.mu.Lock()
	e.emitted = true
	e.mu.Unlock()
}

func (e *emissionState) wasEmitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

// nextEmotion strips the marker off text, carrying the previous emotion
// forward when absent.
func (e *emissionState) nextEmotion(text string) (tts.Emotion, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	emotion, rest := tts.StripMarker(text, e.emotion)
	e.emotion = emotion
	return emotion, rest
}

// queuedSentence is one unit of TTS work: the sentence, the Timer governing
// whether it may still be spoken, and the turn's emission state.
type queuedSentence struct {
	text     string
	timer    *std.Timer
	emission *emissionState

	// preReply marks the filler, which gates on the full timeout wait rather
	// than the instantaneous epoch check.
	preReply bool
}

// TTSWorker is the single dispatcher draining the sentence queue in FIFO
// order. One worker per process: the single consumer is what guarantees
// cross-turn emission ordering.
type TTSWorker struct {
	ttsP    tts.Provider
	egress  WAVSender
	queue   chan queuedSentence
	metrics *observe.Metrics
}

// NewTTSWorker creates a worker with a bounded queue.
func NewTTSWorker(ttsP tts.Provider, egress WAVSender, queueSize int, metrics *observe.Metrics) *TTSWorker {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &TTSWorker{
		ttsP:    ttsP,
		egress:  egress,
		queue:   make(chan queuedSentence, queueSize),
		metrics: metrics,
	}
}

// Enqueue queues one sentence, blocking while the queue is full. Returns
// false when ctx is cancelled before the item is accepted.
func (w *TTSWorker) Enqueue(ctx context.Context, item queuedSentence) bool {
	select {
	case w.queue <- item:
		if w.metrics != nil {
			w.metrics.QueuedSentences.Add(ctx, 1)
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (w *TTSWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-w.queue:
			if w.metrics != nil {
				w.metrics.QueuedSentences.Add(ctx, -1)
			}
			w.process(ctx, item)
		}
	}
}

// process synthesises and emits one sentence. Every exit path that does not
// write audio is silent by design: a superseded epoch is not an error, and a
// TTS failure drops just this sentence.
func (w *TTSWorker) process(ctx context.Context, item queuedSentence) {
	// Gate: the pre-reply waits out the full cooldown; main sentences only
	// need the instantaneous epoch check (their turn already ripened).
	if item.preReply {
		if !item.timer.WaitForTimeout(ctx) {
			w.dropInvalidated(ctx, "pre_reply")
			return
		}
	} else if !item.timer.AssureNoInterruption() {
		w.dropInvalidated(ctx, "sentence")
		return
	}

	emotion, text := item.emission.nextEmotion(item.text)
	if text == "" {
		return
	}

	start := time.Now()
	stream, err := w.ttsP.Synthesize(ctx, emotion, text)
	if err != nil {
		slog.Warn("tts synthesis failed, dropping sentence", "err", err)
		if w.metrics != nil {
			w.metrics.DroppedSentences.Add(ctx, 1)
		}
		return
	}

	var pcm []byte
	for chunk := range stream {
		pcm = append(pcm, chunk...)
	}
	if len(pcm) == 0 {
		slog.Warn("tts produced no audio, dropping sentence")
		if w.metrics != nil {
			w.metrics.DroppedSentences.Add(ctx, 1)
		}
		return
	}

	// Last barge-in check before bytes leave the process.
	if !item.timer.AssureNoInterruption() {
		w.dropInvalidated(ctx, "sentence")
		return
	}

	wav := audio.WrapWAV(pcm, audio.EgressSampleRate)
	if err := w.egress.SendWAV(wav); err != nil {
		if !errors.Is(err, ipc.ErrNoClient) {
			slog.Warn("tts egress write failed", "err", err)
		}
		return
	}
	item.emission.markEmitted()

	if w.metrics != nil {
		w.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Debug("sentence emitted",
		"emotion", string(emotion),
		"chars", len([]rune(text)),
		"pcm_bytes", len(pcm))
}

func (w *TTSWorker) dropInvalidated(ctx context.Context, stage string) {
	slog.Debug("dropping superseded work", "stage", stage)
	if w.metrics != nil {
		w.metrics.EpochInvalidations.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", stage)))
	}
}
