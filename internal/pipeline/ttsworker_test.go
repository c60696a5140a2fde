package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/cortantse/lumina/internal/std"
	"github.com/cortantse/lumina/internal/turnbuffer"
	"github.com/cortantse/lumina/pkg/provider/tts"
	ttsmock "github.com/cortantse/lumina/pkg/provider/tts/mock"
)

// liveTimer returns a ripened dialogue timer bound to buf's current epoch.
func liveTimer(buf *turnbuffer.Buffer) *std.Timer {
	timer := std.NewTimer(buf, std.SavedContext{})
	timer.Arm(0, std.StateDialogue)
	return timer
}

func startWorker(t *testing.T, ttsP tts.Provider, egress WAVSender) *TTSWorker {
	t.Helper()
	w := NewTTSWorker(ttsP, egress, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return w
}

func TestWorkerEmitsWAV(t *testing.T) {
	t.Parallel()

	buf := turnbuffer.New()
	buf.BeginSilence(0)

	pcm := []byte{1, 2, 3, 4}
	egress := &fakeEgress{}
	w := startWorker(t, &ttsmock.Provider{Chunks: [][]byte{pcm[:2], pcm[2:]}}, egress)

	w.Enqueue(context.Background(), queuedSentence{
		text:     "[HAPPY]你好。",
		timer:    liveTimer(buf),
		emission: newEmissionState(),
	})

	if !waitUntil(t, time.Second, func() bool { return egress.count() == 1 }) {
		t.Fatal("no WAV emitted")
	}

	egress.mu.Lock()
	wav := egress.wavs[0]
	egress.mu.Unlock()
	if string(wav[0:4]) != "RIFF" {
		t.Fatalf("missing RIFF header: %q", wav[0:4])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 32000 {
		t.Fatalf("sample rate = %d, want 32000", got)
	}
	if got := wav[44:]; string(got) != string(pcm) {
		t.Fatalf("payload = %v, want %v", got, pcm)
	}
}

func TestWorkerDropsSupersededSentence(t *testing.T) {
	t.Parallel()

	buf := turnbuffer.New()
	buf.BeginSilence(0)
	timer := liveTimer(buf)

	ttsP := &ttsmock.Provider{}
	egress := &fakeEgress{}
	w := startWorker(t, ttsP, egress)

	// Epoch flips before the worker gets to the item.
	buf.AddPartial("等等")
	w.Enqueue(context.Background(), queuedSentence{
		text:     "迟到的句子。",
		timer:    timer,
		emission: newEmissionState(),
	})

	time.Sleep(50 * time.Millisecond)
	if egress.count() != 0 {
		t.Fatal("superseded sentence reached the egress")
	}
	if len(ttsP.Calls()) != 0 {
		t.Fatal("superseded sentence was synthesised")
	}
}

func TestWorkerBargeInDuringSynthesis(t *testing.T) {
	t.Parallel()

	buf := turnbuffer.New()
	buf.BeginSilence(0)
	timer := liveTimer(buf)

	// Slow synthesis so the barge-in lands mid-stream.
	ttsP := &ttsmock.Provider{
		Chunks:     [][]byte{{1}, {2}, {3}},
		ChunkDelay: 20 * time.Millisecond,
	}
	egress := &fakeEgress{}
	w := startWorker(t, ttsP, egress)

	w.Enqueue(context.Background(), queuedSentence{
		text:     "慢慢说的话。",
		timer:    timer,
		emission: newEmissionState(),
	})

	time.Sleep(30 * time.Millisecond)
	buf.AddPartial("停")

	time.Sleep(100 * time.Millisecond)
	if egress.count() != 0 {
		t.Fatal("bytes reached the egress after a mid-synthesis barge-in")
	}
}

func TestWorkerDropsFailedSentenceAndContinues(t *testing.T) {
	t.Parallel()

	buf := turnbuffer.New()
	buf.BeginSilence(0)

	ttsP := &ttsmock.Provider{SynthesizeErr: errors.New("vendor 500")}
	egress := &fakeEgress{}
	w := startWorker(t, ttsP, egress)

	emission := newEmissionState()
	w.Enqueue(context.Background(), queuedSentence{text: "第一句。", timer: liveTimer(buf), emission: emission})

	time.Sleep(30 * time.Millisecond)

	// Vendor recovers; the next sentence goes through.
	ttsP.SetSynthesizeErr(nil)
	w.Enqueue(context.Background(), queuedSentence{text: "第二句。", timer: liveTimer(buf), emission: emission})

	if !waitUntil(t, time.Second, func() bool { return egress.count() == 1 }) {
		t.Fatal("worker did not continue past the failed sentence")
	}
}

func TestEmotionCarriedForward(t *testing.T) {
	t.Parallel()

	buf := turnbuffer.New()
	buf.BeginSilence(0)

	ttsP := &ttsmock.Provider{}
	egress := &fakeEgress{}
	w := startWorker(t, ttsP, egress)

	emission := newEmissionState()
	w.Enqueue(context.Background(), queuedSentence{text: "[SAD]难过的话。", timer: liveTimer(buf), emission: emission})
	w.Enqueue(context.Background(), queuedSentence{text: "还是难过。", timer: liveTimer(buf), emission: emission})

	if !waitUntil(t, time.Second, func() bool { return len(ttsP.Calls()) == 2 }) {
		t.Fatal("sentences not synthesised")
	}
	calls := ttsP.Calls()
	if calls[0].Emotion != tts.EmotionSad || calls[1].Emotion != tts.EmotionSad {
		t.Fatalf("emotions = %v, %v; want SAD carried forward", calls[0].Emotion, calls[1].Emotion)
	}
	if calls[0].Text != "难过的话。" {
		t.Fatalf("marker not stripped: %q", calls[0].Text)
	}
}
