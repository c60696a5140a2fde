package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cortantse/lumina/internal/dialog"
	"github.com/cortantse/lumina/pkg/memory"
	"github.com/cortantse/lumina/pkg/provider/tts"
)

// Executor applies detected commands to the system context, the TTS
// provider, and the memory store.
type Executor struct {
	sysctx       *dialog.SystemContext
	ttsP         tts.Provider
	store        memory.Store // nil disables memory ops
	defaultVoice string
}

// NewExecutor wires an Executor. defaultVoice is the configured fallback for
// voice-change commands whose voice name cannot be resolved.
func NewExecutor(sysctx *dialog.SystemContext, ttsP tts.Provider, store memory.Store, defaultVoice string) *Executor {
	return &Executor{sysctx: sysctx, ttsP: ttsP, store: store, defaultVoice: defaultVoice}
}

// Execute applies cmd. Memory-query commands return the retrieved memories so
// the pipeline can attach them to the current turn; every other kind returns
// nil. Execution failures are logged and swallowed — a failed command must
// not derail the conversation.
func (e *Executor) Execute(ctx context.Context, cmd Command) []memory.Memory {
	switch cmd.Kind {
	case KindPreference:
		e.applyPreference(cmd)

	case KindVoice:
		e.applyVoice(ctx, cmd)

	case KindMemoryStore:
		if e.store == nil || cmd.Payload == "" {
			return nil
		}
		if _, err := e.store.Store(ctx, cmd.Payload, memory.TypeText, map[string]string{"source": "explicit_command"}); err != nil {
			slog.Warn("explicit memory store failed", "err", err)
		}

	case KindMemoryQuery:
		if e.store == nil || cmd.Payload == "" {
			return nil
		}
		scored, err := e.store.Retrieve(ctx, cmd.Payload, 5)
		if err != nil {
			slog.Warn("explicit memory query failed", "err", err)
			return nil
		}
		out := make([]memory.Memory, len(scored))
		for i, s := range scored {
			out[i] = s.Memory
		}
		return out
	}
	return nil
}

// applyPreference records the preference on the system context.
func (e *Executor) applyPreference(cmd Command) {
	key := cmd.Key
	if key == "" {
		key = "user_preferences"
	}
	value := cmd.Value
	if value == "" {
		value = cmd.Payload
	}
	if value == "" {
		return
	}
	e.sysctx.Add(key, value)
	slog.Info("preference updated", "key", key, "value", value)
}

// applyVoice resolves the requested voice against the provider catalogue and
// switches to it; any resolution failure falls back to the configured
// default voice.
func (e *Executor) applyVoice(ctx context.Context, cmd Command) {
	voiceID := e.resolveVoice(ctx, cmd.Value)

	if err := e.ttsP.SetVoice(voiceID); err != nil {
		slog.Warn("voice switch failed", "voice", voiceID, "err", err)
		return
	}
	e.sysctx.Add(dialog.KeyTTSConfig, fmt.Sprintf("voice=%s", voiceID))
	slog.Info("voice switched", "voice", voiceID)
}

// resolveVoice maps a spoken voice name onto a catalogue voice ID. On any
// failure — empty name, catalogue unavailable, no match — it returns the
// configured default.
func (e *Executor) resolveVoice(ctx context.Context, name string) string {
	if name == "" {
		return e.defaultVoice
	}

	voices, err := e.ttsP.ListVoices(ctx)
	if err != nil || len(voices) == 0 {
		slog.Warn("voice catalogue unavailable, using default", "err", err)
		return e.defaultVoice
	}

	lower := strings.ToLower(name)
	for _, v := range voices {
		if strings.ToLower(v.Name) == lower || strings.ToLower(v.ID) == lower {
			return v.ID
		}
	}
	for _, v := range voices {
		if strings.Contains(strings.ToLower(v.Name), lower) {
			return v.ID
		}
	}
	return e.defaultVoice
}
