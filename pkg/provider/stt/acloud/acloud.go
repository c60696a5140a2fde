// Package acloud provides an AliCloud NLS-backed STT provider using the
// vendor's streaming WebSocket API. It implements the stt.Provider interface.
//
// The adapter owns the connection lifecycle: transient read/write failures
// trigger an in-place redial with exponential backoff (no audio is replayed),
// and sessions that stay idle longer than the configured keep-alive window are
// proactively reconnected to dodge server-side idle disconnects. Both paths
// preserve the Partials/Finals channels handed to the caller, so the
// orchestrator never observes a reconnect.
package acloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/cortantse/lumina/pkg/provider/stt"
)

const (
	endpointFmt = "wss://nls-gateway-%s.aliyuncs.com/ws/v1"

	defaultRegion     = "cn-shanghai"
	defaultSampleRate = 16000
	defaultLanguage   = "zh-CN"

	// defaultIdleReconnect is how long a session may go without audio before
	// the adapter proactively re-dials.
	defaultIdleReconnect = 20 * time.Second

	// reconnectBase and reconnectMax bound the redial backoff.
	reconnectBase = 100 * time.Millisecond
	reconnectMax  = 5 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithRegion sets the vendor region used to build the gateway endpoint
// (e.g., "cn-shanghai"). Default: "cn-shanghai".
func WithRegion(region string) Option {
	return func(p *Provider) { p.region = region }
}

// WithIdleReconnect sets the idle window after which the adapter proactively
// re-dials the vendor. Zero disables proactive reconnects.
func WithIdleReconnect(d time.Duration) Option {
	return func(p *Provider) { p.idleReconnect = d }
}

// Provider implements stt.Provider backed by the AliCloud NLS streaming API.
type Provider struct {
	appKey        string
	token         string
	region        string
	idleReconnect time.Duration
}

// Compile-time check that *Provider satisfies [stt.Provider].
var _ stt.Provider = (*Provider)(nil)

// New creates a new Provider. appKey and token must be non-empty.
func New(appKey, token string, opts ...Option) (*Provider, error) {
	if appKey == "" {
		return nil, errors.New("acloud: appKey must not be empty")
	}
	if token == "" {
		return nil, errors.New("acloud: token must not be empty")
	}
	p := &Provider{
		appKey:        appKey,
		token:         token,
		region:        defaultRegion,
		idleReconnect: defaultIdleReconnect,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}

	s := &session{
		provider: p,
		cfg:      cfg,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	conn, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// dial establishes a WebSocket connection and performs the
// StartTranscription handshake.
func (p *Provider) dial(ctx context.Context, cfg stt.StreamConfig) (*websocket.Conn, error) {
	u, err := url.Parse(fmt.Sprintf(endpointFmt, p.region))
	if err != nil {
		return nil, fmt.Errorf("acloud: endpoint: %w", err)
	}

	headers := http.Header{}
	headers.Set("X-NLS-Token", p.token)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("acloud: dial: %w", err)
	}

	start := startMessage{}
	start.Header.Namespace = "SpeechTranscriber"
	start.Header.Name = "StartTranscription"
	start.Header.AppKey = p.appKey
	start.Header.MessageID = uuid.NewString()
	start.Header.TaskID = uuid.NewString()
	start.Payload.Format = "pcm"
	start.Payload.SampleRate = cfg.SampleRate
	start.Payload.EnableIntermediateResult = true
	start.Payload.EnablePunctuation = true
	if cfg.MaxSentenceSilenceMs > 0 {
		start.Payload.MaxSentenceSilence = cfg.MaxSentenceSilenceMs
	}

	msg, err := json.Marshal(start)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal handshake")
		return nil, fmt.Errorf("acloud: marshal handshake: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake write")
		return nil, fmt.Errorf("acloud: handshake: %w", err)
	}

	return conn, nil
}

// ---- wire types ----

// startMessage is the StartTranscription handshake payload.
type startMessage struct {
	Header struct {
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
		AppKey    string `json:"appkey"`
		MessageID string `json:"message_id"`
		TaskID    string `json:"task_id"`
	} `json:"header"`
	Payload struct {
		Format                   string `json:"format"`
		SampleRate               int    `json:"sample_rate"`
		EnableIntermediateResult bool   `json:"enable_intermediate_result"`
		EnablePunctuation        bool   `json:"enable_punctuation_prediction"`
		MaxSentenceSilence       int    `json:"max_sentence_silence,omitempty"`
	} `json:"payload"`
}

// resultMessage is the JSON structure returned by the gateway for recognition
// events.
type resultMessage struct {
	Header struct {
		Name   string `json:"name"`
		Status int    `json:"status"`
	} `json:"header"`
	Payload struct {
		Result     string  `json:"result"`
		Confidence float64 `json:"confidence"`
		Time       int64   `json:"time"` // ms offset from session start
	} `json:"payload"`
}

// ---- session ----

// session is a live streaming session. It implements stt.SessionHandle and
// survives vendor reconnects transparently.
type session struct {
	provider *Provider
	cfg      stt.StreamConfig

	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	connMu sync.Mutex
	conn   *websocket.Conn

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) setConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// SendAudio queues a PCM audio chunk for delivery to the vendor.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		if c := s.currentConn(); c != nil {
			// Ask the vendor to flush pending audio into a final result.
			stop := `{"header":{"namespace":"SpeechTranscriber","name":"StopTranscription"}}`
			_ = c.Write(context.Background(), websocket.MessageText, []byte(stop))
		}
		s.wg.Wait()
		if c := s.currentConn(); c != nil {
			c.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// run supervises one connection at a time: it spawns read/write pumps for the
// current connection, and when either fails it redials with exponential
// backoff. Audio buffered while disconnected is dropped — the vendor cannot
// transcribe what it never heard, and replay would desynchronise timestamps.
func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	backoff := reconnectBase
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn := s.currentConn()
		if conn == nil {
			redialed, err := s.provider.dial(ctx, s.cfg)
			if err != nil {
				select {
				case <-time.After(backoff):
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
				backoff = min(backoff*2, reconnectMax)
				continue
			}
			backoff = reconnectBase
			s.setConn(redialed)
			conn = redialed
		}

		s.pump(ctx, conn)

		// The pump returned: either we are closing, or the connection broke
		// (or idled out) and must be replaced.
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		conn.Close(websocket.StatusGoingAway, "reconnecting")
		s.setConn(nil)
	}
}

// pump drives one connection until it fails, the idle window expires, or the
// session closes.
func (s *session) pump(ctx context.Context, conn *websocket.Conn) {
	readErr := make(chan struct{})

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		defer close(readErr)
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			s.dispatch(msg)
		}
	}()

	idle := time.NewTimer(s.idleWindow())
	defer idle.Stop()

loop:
	for {
		select {
		case chunk := <-s.audio:
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				break loop
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleWindow())
		case <-idle.C:
			// Proactive reconnect before the vendor drops us server-side.
			break loop
		case <-readErr:
			break loop
		case <-s.done:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	conn.Close(websocket.StatusGoingAway, "pump exit")
	pumpWG.Wait()
}

func (s *session) idleWindow() time.Duration {
	if s.provider.idleReconnect <= 0 {
		return 24 * time.Hour
	}
	return s.provider.idleReconnect
}

// dispatch parses a gateway message and forwards it to the matching channel.
func (s *session) dispatch(msg []byte) {
	t, final, ok := parseResult(msg)
	if !ok {
		return
	}
	ch := s.partials
	if final {
		ch = s.finals
	}
	select {
	case ch <- t:
	case <-s.done:
	}
}

// parseResult parses a raw gateway message into a Transcript. Returns
// (zero, false, false) for non-result events (Started, Completed, …).
func parseResult(data []byte) (stt.Transcript, bool, bool) {
	var resp resultMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false, false
	}

	var final bool
	switch resp.Header.Name {
	case "TranscriptionResultChanged":
		final = false
	case "SentenceEnd":
		final = true
	default:
		return stt.Transcript{}, false, false
	}
	if resp.Payload.Result == "" {
		return stt.Transcript{}, false, false
	}

	return stt.Transcript{
		Text:       resp.Payload.Result,
		IsFinal:    final,
		Confidence: resp.Payload.Confidence,
		Timestamp:  time.Duration(resp.Payload.Time) * time.Millisecond,
	}, final, true
}
