// Package app wires all Lumina subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the serving loops, and Shutdown tears everything
// down in order.
//
// For testing, inject mock providers via the Providers struct and a mock
// store via WithMemoryStore. Empty slots are built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cortantse/lumina/internal/command"
	"github.com/cortantse/lumina/internal/config"
	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/internal/ipc"
	"github.com/cortantse/lumina/internal/observe"
	"github.com/cortantse/lumina/internal/pipeline"
	"github.com/cortantse/lumina/internal/prereply"
	"github.com/cortantse/lumina/internal/resilience"
	"github.com/cortantse/lumina/internal/std"
	"github.com/cortantse/lumina/internal/turnbuffer"
	"github.com/cortantse/lumina/pkg/memory"
	memorypg "github.com/cortantse/lumina/pkg/memory/postgres"
	"github.com/cortantse/lumina/pkg/provider/embeddings"
	embeddingsoai "github.com/cortantse/lumina/pkg/provider/embeddings/openai"
	"github.com/cortantse/lumina/pkg/provider/llm"
	"github.com/cortantse/lumina/pkg/provider/llm/anyllm"
	"github.com/cortantse/lumina/pkg/provider/stt"
	sttacloud "github.com/cortantse/lumina/pkg/provider/stt/acloud"
	"github.com/cortantse/lumina/pkg/provider/tts"
	ttsminimax "github.com/cortantse/lumina/pkg/provider/tts/minimax"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured.
type Providers struct {
	FastLLM    llm.Provider
	MainLLM    llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves the Lumina sockets.
type App struct {
	cfg       *config.Config
	providers *Providers

	buffer   *turnbuffer.Buffer
	history  *dialog.History
	sysctx   *dialog.SystemContext
	service  *pipeline.Service
	worker   *pipeline.TTSWorker
	monitor  *pipeline.STTMonitor
	store    memory.Store

	ingress *ipc.AudioIngress
	results *ipc.ResultEgress
	ttsOut  *ipc.TTSEgress

	sentences *stt.SentenceBuffer
	sttCB     *resilience.CircuitBreaker

	sessMu  sync.Mutex
	session stt.SessionHandle
	sessCtx context.Context

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a memory store instead of creating one from config.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// New creates an App by wiring all subsystems together. Missing provider
// slots are built from cfg; a failure here is fatal — the process must not
// accept audio with a broken configuration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		buffer:    turnbuffer.New(),
		history:   dialog.NewHistory(dialog.HistoryConfig{}),
		sysctx:    dialog.NewSystemContext(),
		sentences: &stt.SentenceBuffer{},
		sttCB: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "stt-session",
		}),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.buildProviders(); err != nil {
		return nil, err
	}
	if err := a.buildMemory(ctx); err != nil {
		return nil, err
	}
	if err := a.buildSockets(); err != nil {
		return nil, err
	}
	a.buildPipeline()

	return a, nil
}

// buildProviders fills empty provider slots from the configuration.
func (a *App) buildProviders() error {
	p := a.providers
	if p == nil {
		p = &Providers{}
		a.providers = p
	}
	cfg := a.cfg.Providers

	var err error
	if p.FastLLM == nil {
		if p.FastLLM, err = buildLLM(cfg.FastLLM, "qwen-turbo"); err != nil {
			return fmt.Errorf("app: fast llm: %w", err)
		}
	}
	if p.MainLLM == nil {
		if p.MainLLM, err = buildLLM(cfg.MainLLM, "qwen-plus"); err != nil {
			return fmt.Errorf("app: main llm: %w", err)
		}
	}
	if p.STT == nil {
		sttOpts := []sttacloud.Option{}
		if cfg.STT.Region != "" {
			sttOpts = append(sttOpts, sttacloud.WithRegion(cfg.STT.Region))
		}
		if p.STT, err = sttacloud.New(cfg.STT.AppKey, cfg.STT.APIKey, sttOpts...); err != nil {
			return fmt.Errorf("app: stt: %w", err)
		}
	}
	if p.TTS == nil {
		ttsOpts := []ttsminimax.Option{}
		if cfg.TTS.Voice != "" {
			ttsOpts = append(ttsOpts, ttsminimax.WithVoice(cfg.TTS.Voice))
		}
		if cfg.TTS.Model != "" {
			ttsOpts = append(ttsOpts, ttsminimax.WithModel(cfg.TTS.Model))
		}
		if p.TTS, err = ttsminimax.New(cfg.TTS.APIKey, ttsOpts...); err != nil {
			return fmt.Errorf("app: tts: %w", err)
		}
	}
	if p.Embeddings == nil && cfg.Embeddings.APIKey != "" {
		embOpts := []embeddingsoai.Option{embeddingsoai.WithTimeout(10 * time.Second)}
		if cfg.Embeddings.BaseURL != "" {
			embOpts = append(embOpts, embeddingsoai.WithBaseURL(cfg.Embeddings.BaseURL))
		}
		if p.Embeddings, err = embeddingsoai.New(cfg.Embeddings.APIKey, cfg.Embeddings.Model, embOpts...); err != nil {
			return fmt.Errorf("app: embeddings: %w", err)
		}
	}
	return nil
}

// buildLLM constructs an any-llm-backed provider from one config entry.
func buildLLM(entry config.ProviderEntry, defaultModel string) (llm.Provider, error) {
	name := entry.Name
	if name == "" {
		name = "openai"
	}
	model := entry.Model
	if model == "" {
		model = defaultModel
	}
	return anyllm.New(name, model, anyllmOptions(entry)...)
}

// anyllmOptions maps a config entry onto any-llm-go options.
func anyllmOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// buildMemory creates the pgvector store when a DSN is configured and an
// embeddings provider exists. Absent either, memory retrieval is disabled
// and turns carry no retrieved memories.
func (a *App) buildMemory(ctx context.Context) error {
	if a.store != nil || a.cfg.Memory.PostgresDSN == "" {
		return nil
	}
	if a.providers.Embeddings == nil {
		slog.Warn("memory.postgres_dsn set but no embeddings provider; memory disabled")
		return nil
	}

	store, err := memorypg.NewStore(ctx, a.cfg.Memory.PostgresDSN, a.providers.Embeddings, memorypg.Config{
		ChunkSize:           a.cfg.Memory.ChunkSize,
		ChunkOverlap:        a.cfg.Memory.ChunkOverlap,
		SimilarityThreshold: a.cfg.Memory.SimilarityThreshold,
	})
	if err != nil {
		return fmt.Errorf("app: memory store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// buildSockets binds the three IPC surfaces. Bind failures abort startup.
func (a *App) buildSockets() error {
	var err error
	if a.ingress, err = ipc.NewAudioIngress(a.cfg.Server.AudioSocket, a); err != nil {
		return err
	}
	a.closers = append(a.closers, a.ingress.Close)

	if a.results, err = ipc.NewResultEgress(a.cfg.Server.ResultSocket); err != nil {
		return err
	}
	a.closers = append(a.closers, a.results.Close)

	if a.ttsOut, err = ipc.NewTTSEgress(a.cfg.Server.TTSSocket); err != nil {
		return err
	}
	a.closers = append(a.closers, a.ttsOut.Close)
	return nil
}

// buildPipeline assembles the orchestrator over the providers and sockets.
func (a *App) buildPipeline() {
	metrics := observe.Default()

	judgeHistory := std.NewJudgeHistory(std.JudgeHistoryConfig{
		Depth:                a.cfg.Turn.JudgeHistoryDepth,
		CriticalThreshold:    time.Duration(a.cfg.Turn.CriticalThresholdMs) * time.Millisecond,
		NoInterruptTolerance: time.Duration(a.cfg.Turn.NoInterruptToleranceMs) * time.Millisecond,
	})
	tiers := std.WaitTiers{
		Short:  time.Duration(a.cfg.Turn.ShortWaitMs) * time.Millisecond,
		Mid:    time.Duration(a.cfg.Turn.MidWaitMs) * time.Millisecond,
		Long:   time.Duration(a.cfg.Turn.LongWaitMs) * time.Millisecond,
		Longer: time.Duration(a.cfg.Turn.LongerWaitMs) * time.Millisecond,
		Extra:  time.Duration(a.cfg.Turn.ExtraWaitMs) * time.Millisecond,
	}

	machine := std.NewMachine()
	machine.SetTransitionHook(func(from, to std.State, _ std.Event) {
		metrics.StateTransitions.Add(context.Background(), 1)
	})

	judge := std.NewJudge(a.providers.FastLLM, judgeHistory, tiers)
	agent := std.NewAgent(a.providers.MainLLM, machine, a.cfg.Turn.StateHistoryDepth)
	detector := std.NewDetector(judge, agent, a.buffer, a.history)

	gen := prereply.NewGenerator(a.providers.FastLLM, a.history, a.cfg.Turn.PreReplyRounds)
	a.worker = pipeline.NewTTSWorker(a.providers.TTS, a.ttsOut, 64, metrics)

	var commands *command.Detector
	var executor *command.Executor
	if a.providers.FastLLM != nil {
		commands = command.NewDetector(a.providers.FastLLM)
		executor = command.NewExecutor(a.sysctx, a.providers.TTS, a.store, a.cfg.Providers.TTS.Voice)
	}

	a.service = pipeline.NewService(pipeline.Deps{
		Turn:           a.cfg.Turn,
		Buffer:         a.buffer,
		History:        a.history,
		SysCtx:         a.sysctx,
		Detector:       detector,
		JudgeHistory:   judgeHistory,
		PreReply:       gen,
		MainLLM:        a.providers.MainLLM,
		Worker:         a.worker,
		Memory:         a.store,
		Commands:       commands,
		Executor:       executor,
		Metrics:        metrics,
		RestartSTT:     a.restartSession,
		RetrievalLimit: a.cfg.Memory.RetrievalLimit,
	})
	a.monitor = pipeline.NewSTTMonitor(a.sentences, a.service)
}

// Run serves every loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.sessCtx = ctx

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ingress.Serve(ctx) })
	g.Go(func() error { return a.results.Serve(ctx) })
	g.Go(func() error { return a.ttsOut.Serve(ctx) })
	g.Go(func() error { return a.worker.Run(ctx) })
	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.service.RunAttendant(ctx) })

	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}

	return g.Wait()
}

// Shutdown tears subsystems down in reverse build order.
func (a *App) Shutdown(_ context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.closeSession()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// ─── Ingress handling ────────────────────────────────────────────────────────

// Compile-time check that *App satisfies [ipc.IngressHandler].
var _ ipc.IngressHandler = (*App)(nil)

// OnAudio forwards a PCM frame to the live STT session, opening one lazily
// on first audio.
func (a *App) OnAudio(pcm []byte) {
	sess := a.currentSession()
	if sess == nil {
		a.OnStartSession()
		if sess = a.currentSession(); sess == nil {
			return
		}
	}
	if err := sess.SendAudio(pcm); err != nil {
		slog.Warn("stt send failed", "err", err)
	}
}

// OnSilence seeds the silence counter with the peer's VAD measurement.
func (a *App) OnSilence(d time.Duration) { a.service.OnSilence(d) }

// OnEndSession ends the conversation and the vendor session.
func (a *App) OnEndSession() {
	a.service.EndSession()
	a.closeSession()
}

// OnReset clears buffers and returns the state machine to Dialogue.
func (a *App) OnReset() { a.service.ResetToInitial() }

// OnStartSession opens a fresh vendor session behind the circuit breaker.
func (a *App) OnStartSession() {
	err := a.sttCB.Execute(func() error { return a.openSession() })
	if err != nil {
		slog.Error("stt session start failed", "err", err)
	}
}

// OnInterrupt hard-cancels all in-flight output.
func (a *App) OnInterrupt() { a.service.Interrupt() }

// ─── STT session management ──────────────────────────────────────────────────

func (a *App) currentSession() stt.SessionHandle {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	return a.session
}

// openSession starts a vendor session and spawns its transcript pump.
// A session already being open is not an error.
func (a *App) openSession() error {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	if a.session != nil {
		return nil
	}

	ctx := a.sessCtx
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := a.providers.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		return fmt.Errorf("app: start stt stream: %w", err)
	}
	a.session = sess

	go a.pumpTranscripts(sess)
	slog.Info("stt session opened")
	return nil
}

// closeSession closes the vendor session if one is open.
func (a *App) closeSession() {
	a.sessMu.Lock()
	sess := a.session
	a.session = nil
	a.sessMu.Unlock()
	if sess != nil {
		sess.Close()
		slog.Info("stt session closed")
	}
}

// restartSession cycles the vendor session after a long silence window. The
// sentence buffer is untouched, so accumulated transcripts survive.
func (a *App) restartSession() {
	a.closeSession()
	a.OnStartSession()
}

// pumpTranscripts forwards one session's transcript streams into the turn
// machinery and the result egress until the session ends. Partials flip the
// silence epoch; finals land in the completed-sentence buffer for the
// monitor to drain.
func (a *App) pumpTranscripts(sess stt.SessionHandle) {
	partials := sess.Partials()
	finals := sess.Finals()
	for partials != nil || finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			a.buffer.AddPartial(tr.Text)
			if err := a.results.Send(tr.Text, false); err != nil {
				slog.Debug("result egress send failed", "err", err)
			}
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			a.sentences.Append(tr.Text)
			if err := a.results.Send(tr.Text, true); err != nil {
				slog.Debug("result egress send failed", "err", err)
			}
		}
	}
}

// serveMetrics exposes the Prometheus bridge on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
