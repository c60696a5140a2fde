// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cortantse/lumina/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Emotion tts.Emotion
	Text    string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the PCM chunk sequence emitted for every Synthesize call.
	// When nil, a single 64-byte zero chunk is emitted.
	Chunks [][]byte

	// ChunkDelay, when non-zero, is slept between chunks so tests can
	// exercise mid-synthesis cancellation.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// SetVoiceErr, if non-nil, is returned by SetVoice.
	SetVoiceErr error

	// --- Call records ---

	SynthesizeCalls []SynthesizeCall
	ActiveVoice     string
}

// Compile-time check that *Provider satisfies [tts.Provider].
var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, emotion tts.Emotion, text string) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Emotion: emotion, Text: text})
	chunks := p.Chunks
	delay := p.ChunkDelay
	err := p.SynthesizeErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = [][]byte{make([]byte, 64)}
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// SetVoice implements tts.Provider.
func (p *Provider) SetVoice(voiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetVoiceErr != nil {
		return p.SetVoiceErr
	}
	p.ActiveVoice = voiceID
	return nil
}

// SetSynthesizeErr swaps the injected synthesis error mid-test.
func (p *Provider) SetSynthesizeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeErr = err
}

// Calls returns a copy of all recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}
