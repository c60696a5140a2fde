// Package minimax provides a MiniMax-backed TTS provider using the vendor's
// streaming WebSocket API. It implements the tts.Provider interface.
package minimax

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/cortantse/lumina/pkg/provider/tts"
)

const (
	wsEndpoint     = "wss://api.minimax.chat/ws/v1/t2a_v2"
	defaultModel   = "speech-02-turbo"
	defaultVoiceID = "female-shaonv"

	// outputSampleRate is the PCM rate requested from the vendor; it matches
	// the egress WAV format.
	outputSampleRate = 32000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the MiniMax speech model (e.g., "speech-02-turbo").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the initial voice ID.
func WithVoice(voiceID string) Option {
	return func(p *Provider) { p.voiceID = voiceID }
}

// WithSpeed sets the speaking rate factor (0.5–2.0).
func WithSpeed(speed float64) Option {
	return func(p *Provider) { p.speed = speed }
}

// Provider implements tts.Provider backed by the MiniMax streaming API.
type Provider struct {
	apiKey string
	model  string
	speed  float64

	mu      sync.RWMutex
	voiceID string
}

// Compile-time check that *Provider satisfies [tts.Provider].
var _ tts.Provider = (*Provider)(nil)

// New creates a new MiniMax Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("minimax: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		voiceID: defaultVoiceID,
		speed:   1.0,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

// taskRequest is the JSON payload for one synthesis task.
type taskRequest struct {
	Event        string `json:"event"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	VoiceSetting struct {
		VoiceID string  `json:"voice_id"`
		Speed   float64 `json:"speed"`
		Emotion string  `json:"emotion,omitempty"`
	} `json:"voice_setting"`
	AudioSetting struct {
		Format     string `json:"format"`
		SampleRate int    `json:"sample_rate"`
		Channel    int    `json:"channel"`
	} `json:"audio_setting"`
}

// taskResponse is a message received from the vendor during synthesis.
type taskResponse struct {
	Event string `json:"event"` // "task_continued", "task_finished", "task_failed"
	Data  struct {
		Audio string `json:"audio"` // hex- or base64-encoded PCM
	} `json:"data"`
	BaseResp struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// ---- Provider interface ----

// Synthesize implements tts.Provider. Each call opens a dedicated WebSocket,
// sends one task, and streams decoded PCM chunks until the vendor reports
// task_finished.
func (p *Provider) Synthesize(ctx context.Context, emotion tts.Emotion, text string) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New("minimax: text must not be empty")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsEndpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("minimax: dial: %w", err)
	}

	req := taskRequest{Event: "task_start", Model: p.model, Text: text}
	p.mu.RLock()
	req.VoiceSetting.VoiceID = p.voiceID
	p.mu.RUnlock()
	req.VoiceSetting.Speed = p.speed
	req.VoiceSetting.Emotion = vendorEmotion(emotion)
	req.AudioSetting.Format = "pcm"
	req.AudioSetting.SampleRate = outputSampleRate
	req.AudioSetting.Channel = 1

	msg, err := json.Marshal(req)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal task")
		return nil, fmt.Errorf("minimax: marshal task: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		conn.Close(websocket.StatusInternalError, "task write")
		return nil, fmt.Errorf("minimax: send task: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "task done")

		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}

			var resp taskResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			if resp.Event == "task_failed" || resp.BaseResp.StatusCode != 0 {
				return
			}

			if resp.Data.Audio != "" {
				pcm, ok := decodeAudio(resp.Data.Audio)
				if ok {
					select {
					case out <- pcm:
					case <-ctx.Done():
						return
					}
				}
			}

			if resp.Event == "task_finished" {
				return
			}
		}
	}()

	return out, nil
}

// ListVoices implements tts.Provider. The streaming gateway has no voice
// catalogue endpoint; the known system voices are returned statically.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	return []tts.VoiceProfile{
		{ID: "female-shaonv", Name: "少女", SpeedFactor: 1.0, Metadata: map[string]string{"gender": "female"}},
		{ID: "female-yujie", Name: "御姐", SpeedFactor: 1.0, Metadata: map[string]string{"gender": "female"}},
		{ID: "male-qn-qingse", Name: "青涩青年", SpeedFactor: 1.0, Metadata: map[string]string{"gender": "male"}},
		{ID: "male-qn-jingying", Name: "精英青年", SpeedFactor: 1.0, Metadata: map[string]string{"gender": "male"}},
	}, nil
}

// SetVoice implements tts.Provider.
func (p *Provider) SetVoice(voiceID string) error {
	if voiceID == "" {
		return errors.New("minimax: voiceID must not be empty")
	}
	p.mu.Lock()
	p.voiceID = voiceID
	p.mu.Unlock()
	return nil
}

// vendorEmotion maps Lumina emotions onto the vendor's emotion vocabulary.
func vendorEmotion(e tts.Emotion) string {
	switch e {
	case tts.EmotionHappy:
		return "happy"
	case tts.EmotionSad:
		return "sad"
	case tts.EmotionAngry:
		return "angry"
	case tts.EmotionFearful:
		return "fearful"
	case tts.EmotionDisgusted:
		return "disgusted"
	case tts.EmotionSurprised:
		return "surprised"
	default:
		return "neutral"
	}
}

// decodeAudio decodes a vendor audio payload. The gateway hex-encodes PCM in
// streaming mode but some deployments return base64; try both.
func decodeAudio(s string) ([]byte, bool) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}
