// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// A mock Session lets tests inject partial and final transcripts at precise
// moments and inspect the audio the orchestrator forwarded.
package mock

import (
	"context"
	"sync"

	"github.com/cortantse/lumina/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider. It hands out a single
// pre-constructed Session.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a fresh Session is created
	// on first call and reused afterwards.
	Session *Session

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// StartCalls counts StartStream invocations.
	StartCalls int

	// LastConfig records the StreamConfig of the most recent StartStream call.
	LastConfig stt.StreamConfig
}

// Compile-time checks.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.StartCalls++
	p.LastConfig = cfg
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Session is a scriptable stt.SessionHandle.
type Session struct {
	mu     sync.Mutex
	audio  [][]byte
	closed bool

	partials chan stt.Transcript
	finals   chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error
}

// NewSession creates a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// SendAudio records the chunk for later inspection.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close implements stt.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	return nil
}

// EmitPartial injects an interim transcript as if the vendor produced it.
func (s *Session) EmitPartial(text string) {
	s.partials <- stt.Transcript{Text: text, IsFinal: false}
}

// EmitFinal injects a final transcript as if the vendor produced it.
func (s *Session) EmitFinal(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1.0}
}

// AudioChunks returns a copy of every chunk passed to SendAudio.
func (s *Session) AudioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}
