package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cortantse/lumina/internal/command"
	"github.com/cortantse/lumina/internal/config"
	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/internal/observe"
	"github.com/cortantse/lumina/internal/prereply"
	"github.com/cortantse/lumina/internal/resilience"
	"github.com/cortantse/lumina/internal/std"
	"github.com/cortantse/lumina/internal/turnbuffer"
	"github.com/cortantse/lumina/pkg/memory"
	"github.com/cortantse/lumina/pkg/provider/llm"
)

// listeningPrompt is the canned filler played when the user pauses mid-turn
// long enough that reassurance beats silence.
const listeningPrompt = "[NEUTRAL]\n我在听，请继续说"

// Deps bundles everything a Service needs. Memory, Commands, and Executor
// are optional; nil disables the corresponding hook.
type Deps struct {
	Turn config.TurnConfig

	Buffer       *turnbuffer.Buffer
	History      *dialog.History
	SysCtx       *dialog.SystemContext
	Detector     *std.Detector
	JudgeHistory *std.JudgeHistory
	PreReply     *prereply.Generator
	MainLLM      llm.Provider
	Worker       *TTSWorker

	Memory   memory.Store
	Commands *command.Detector
	Executor *command.Executor

	Metrics *observe.Metrics

	// RestartSTT, when non-nil, is invoked after a long-silence window to
	// cycle the vendor session (accumulated transcripts are preserved by the
	// adapter).
	RestartSTT func()

	// RetrievalLimit caps passive memory retrieval per turn.
	RetrievalLimit int
}

// Service is the Turn Orchestrator: it owns the path from a finalised
// transcript to synthesised sentences on the egress queue.
type Service struct {
	deps Deps

	// replyMu serialises the reply section so at most one assistant turn is
	// ever being produced.
	replyMu sync.Mutex

	mu            sync.Mutex
	promptedEpoch turnbuffer.Epoch
	flushedEpoch  turnbuffer.Epoch
}

// NewService wires a Service and registers the barge-in feedback hooks.
func NewService(deps Deps) *Service {
	deps.Turn.ApplyDefaults()
	if deps.RetrievalLimit <= 0 {
		deps.RetrievalLimit = config.DefaultRetrievalLimit
	}
	s := &Service{deps: deps}

	// A barge-in writes the observed speaking gap back into the judge ring.
	deps.Buffer.OnBargeIn(func(elapsed time.Duration) {
		deps.JudgeHistory.RecordInterrupt(elapsed)
		if deps.Metrics != nil {
			deps.Metrics.BargeIns.Add(context.Background(), 1)
		}
	})

	return s
}

// OnSilence handles a peer-reported silence event: the reported duration
// seeds the counter and auto-grow continues from there.
func (s *Service) OnSilence(d time.Duration) {
	s.deps.Buffer.BeginSilence(d)
}

// Interrupt hard-cancels all in-flight output: the turn buffer is cleared,
// the epoch invalidated (which drains the sentence queue as the worker drops
// each stale item), and the unfinished reply is recorded as interrupted.
func (s *Service) Interrupt() {
	s.deps.Buffer.Reset()
	s.deps.History.MarkLastReplyInterrupted()
	slog.Info("hard interrupt: epoch invalidated, queue dropped")
}

// ResetToInitial clears the working buffers and returns the state machine to
// Dialogue. Conversation history survives; the session is still live.
func (s *Service) ResetToInitial() {
	s.deps.Buffer.Reset()
	s.deps.JudgeHistory.Reset()
	s.deps.Detector.Agent().Reset()
	slog.Info("reset to initial state")
}

// EndSession finalises the session: buffers cleared, history cleared.
func (s *Service) EndSession() {
	s.deps.Buffer.Reset()
	s.deps.JudgeHistory.Reset()
	s.deps.Detector.Agent().Reset()
	s.deps.History.Reset()
	s.deps.SysCtx.Reset()
	slog.Info("session ended")
}

// HandleUserText drives one finalised transcript through the full decision
// loop. It blocks until the turn either produced a reply, was absorbed into
// a later turn (barge-in), or was muted by the Silence state — callers run
// it on its own goroutine per transcript.
func (s *Service) HandleUserText(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	turn := dialog.NewTurn(text)
	s.deps.Buffer.AddFinal(turn)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Turns.Add(ctx, 1)
	}

	// Pre-reply, turn detection, command execution, and passive memory
	// retrieval all fan out on the same final transcript.
	stdStart := time.Now()
	var (
		wg       sync.WaitGroup
		timer    *std.Timer
		filler   string
		memories []memory.Memory
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		filler = s.deps.PreReply.Generate(ctx, s.deps.Buffer)
	}()
	go func() {
		defer wg.Done()
		timer = s.deps.Detector.Detect(ctx, turn)
	}()

	if s.deps.Commands != nil && s.deps.Executor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := s.deps.Commands.Detect(ctx, text)
			if cmd.Kind != command.KindNone {
				memories = append(memories, s.deps.Executor.Execute(ctx, cmd)...)
			}
		}()
	}

	var passive []memory.Memory
	if s.deps.Memory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scored, err := s.deps.Memory.Retrieve(ctx, text, s.deps.RetrievalLimit)
			if err != nil {
				slog.Warn("passive memory retrieval failed", "err", err)
				return
			}
			for _, sc := range scored {
				passive = append(passive, sc.Memory)
			}
		}()
	}
	wg.Wait()

	if s.deps.Metrics != nil {
		s.deps.Metrics.STDDuration.Record(ctx, time.Since(stdStart).Seconds())
	}

	// Attach retrieved context before the turn can reach the main model;
	// after this point the turn is immutable.
	turn.RetrievedMemories = append(turn.RetrievedMemories, dedupMemories(passive, memories)...)

	if timer.State() == std.StateSilence {
		slog.Debug("silence state: reply suppressed", "transcript", text)
		return
	}

	// Wait out the cooldown. A barge-in invalidates the epoch and the turn
	// simply stays buffered for the next round.
	if !timer.WaitForTimeout(ctx) {
		return
	}

	s.reply(ctx, timer, filler)
}

// reply produces one assistant turn: pre-reply first, then the streamed main
// reply, sentence by sentence.
func (s *Service) reply(ctx context.Context, timer *std.Timer, filler string) {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()

	if !timer.AssureNoInterruption() {
		return
	}

	turns := s.deps.Buffer.Turns()
	if len(turns) == 0 {
		// A concurrently ripened timer already claimed these turns.
		return
	}

	emission := newEmissionState()

	// The filler goes out ahead of the main stream to mask its latency. A
	// filler computed against fewer turns than are now buffered no longer
	// matches what the user said; skip it.
	storedFiller, fillerTurns := s.deps.Buffer.PreReply()
	if storedFiller != "" && fillerTurns == len(turns) {
		filler = storedFiller
	} else if fillerTurns != len(turns) {
		filler = ""
	}
	if filler != "" {
		s.deps.Worker.Enqueue(ctx, queuedSentence{
			text:     filler,
			timer:    timer,
			emission: emission,
			preReply: true,
		})
	}

	// Commit the buffered turns to history as one round.
	var entry dialog.HistoryEntry
	if len(turns) == 1 {
		entry = dialog.UserTurn{Turn: turns[0]}
	} else {
		entry = dialog.MultiTurn{Turns: turns}
	}
	s.deps.History.Append(entry)
	s.deps.Buffer.Clear()

	mainText, interrupted, err := s.streamMainReply(ctx, timer, filler, emission)
	if err != nil && !emission.wasEmitted() {
		// Nothing reached the user; roll the conversation back so the turn
		// is answered together with whatever the user says next.
		s.deps.History.Restore(timer.Saved().History)
		s.deps.Buffer.Restore(turns)
		s.deps.Buffer.BeginSilence(0)
		slog.Warn("main reply aborted, turn returned to buffer", "err", err)
		return
	}

	s.deps.History.Append(dialog.AssistantReply{
		PreReply:       filler,
		Main:           mainText,
		WasInterrupted: interrupted,
		Timestamp:      time.Now(),
	})
	s.deps.Detector.Agent().RecordAssistantReply(mainText)
	s.deps.Detector.Agent().CompleteResponse()

	if _, err := s.deps.History.CompressIfNeeded(ctx, newSummariser(s.deps.MainLLM)); err != nil {
		slog.Warn("history compression failed", "err", err)
	}
}

// streamMainReply drives the main model and feeds completed sentences to the
// worker. It returns the accumulated text, whether emission was cut short by
// a barge-in, and the stream error if the model failed.
func (s *Service) streamMainReply(ctx context.Context, timer *std.Timer, filler string, emission *emissionState) (string, bool, error) {
	msgs := s.deps.History.Format(dialog.FormatOptions{
		SystemContext:   s.deps.SysCtx,
		PendingPreReply: filler,
	})

	llmStart := time.Now()
	ch, err := resilience.RetryWithResult(ctx, resilience.RetryConfig{MaxAttempts: 3},
		func() (<-chan llm.Chunk, error) {
			return s.deps.MainLLM.StreamCompletion(ctx, llm.CompletionRequest{
				Messages:     msgs[1:],
				SystemPrompt: msgs[0].Content,
				Temperature:  0.8,
			})
		})
	if err != nil {
		return "", false, fmt.Errorf("main reply stream: %w", err)
	}

	var (
		full        strings.Builder
		splitter    = NewSplitter()
		interrupted bool
		streamErr   error
	)

	emit := func(sentence string) {
		if interrupted {
			return
		}
		if !timer.AssureNoInterruption() {
			interrupted = true
			return
		}
		s.deps.Worker.Enqueue(ctx, queuedSentence{
			text:     sentence,
			timer:    timer,
			emission: emission,
		})
	}

	for chunk := range ch {
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("main reply stream: %s", chunk.Text)
			break
		}
		// On barge-in the loop keeps draining so the provider goroutine can
		// finish; emit itself stops queueing superseded sentences.
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			for _, sentence := range splitter.Push(chunk.Text) {
				emit(sentence)
			}
		}
	}
	if rest := splitter.Flush(); rest != "" {
		emit(rest)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	}
	if !interrupted && !timer.AssureNoInterruption() {
		interrupted = true
	}
	return full.String(), interrupted, streamErr
}

// RunAttendant watches the silence counter for the mid-silence listening
// prompt and the long-silence session flush. Runs until ctx is cancelled.
func (s *Service) RunAttendant(ctx context.Context) error {
	mid := time.Duration(s.deps.Turn.MidSilenceTimeoutMs) * time.Millisecond
	long := time.Duration(s.deps.Turn.LongSilenceTimeoutMs) * time.Millisecond

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		silence := s.deps.Buffer.Silence()
		epoch := s.deps.Buffer.Epoch()
		if epoch == turnbuffer.EpochNone {
			continue
		}

		if silence >= long {
			s.mu.Lock()
			flush := s.flushedEpoch != epoch
			s.flushedEpoch = epoch
			s.mu.Unlock()
			if flush && s.deps.RestartSTT != nil {
				slog.Info("long silence: cycling stt session", "silence", silence)
				s.deps.RestartSTT()
			}
			continue
		}

		if silence >= mid && s.deps.Buffer.Len() > 0 {
			s.mu.Lock()
			prompt := s.promptedEpoch != epoch
			s.promptedEpoch = epoch
			s.mu.Unlock()
			if prompt {
				s.sendListeningPrompt(ctx, epoch)
			}
		}
	}
}

// sendListeningPrompt plays the canned reassurance, gated on the epoch that
// triggered it.
func (s *Service) sendListeningPrompt(ctx context.Context, epoch turnbuffer.Epoch) {
	timer := std.NewTimer(s.deps.Buffer, std.SavedContext{})
	timer.Arm(0, std.StateDialogue)
	if timer.BoundEpoch() != epoch {
		return
	}
	s.deps.Worker.Enqueue(ctx, queuedSentence{
		text:     listeningPrompt,
		timer:    timer,
		emission: newEmissionState(),
	})
	slog.Debug("listening prompt queued")
}

// dedupMemories merges the passive and command-driven retrievals, dropping
// duplicate parent documents.
func dedupMemories(a, b []memory.Memory) []memory.Memory {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]memory.Memory, 0, len(a)+len(b))
	for _, m := range append(a, b...) {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}
