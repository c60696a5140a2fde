package command

import (
	"context"
	"testing"

	"github.com/cortantse/lumina/internal/dialog"
	memmock "github.com/cortantse/lumina/pkg/memory/mock"
	"github.com/cortantse/lumina/pkg/provider/llm"
	llmmock "github.com/cortantse/lumina/pkg/provider/llm/mock"
	"github.com/cortantse/lumina/pkg/provider/tts"
	ttsmock "github.com/cortantse/lumina/pkg/provider/tts/mock"
)

func TestDetectRuleTier(t *testing.T) {
	t.Parallel()

	d := NewDetector(nil) // rule tier only

	cases := []struct {
		name string
		in   string
		want Kind
	}{
		{"voice switch", "帮我换个声音吧", KindVoice},
		{"memory store", "记住我下周二有牙医预约", KindMemoryStore},
		{"memory query", "你还记得我喜欢什么音乐吗", KindMemoryQuery},
		{"english preference", "please speak english from now on", KindPreference},
		{"plain conversation", "今天天气怎么样", KindNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := d.Detect(context.Background(), tc.in); got.Kind != tc.want {
				t.Fatalf("Detect(%q).Kind = %s, want %s", tc.in, got.Kind, tc.want)
			}
		})
	}

	t.Run("store payload extracted", func(t *testing.T) {
		t.Parallel()
		cmd := d.Detect(context.Background(), "帮我记住：猫粮在柜子上")
		if cmd.Payload != "猫粮在柜子上" {
			t.Fatalf("payload = %q", cmd.Payload)
		}
	})
}

func TestDetectLLMTier(t *testing.T) {
	t.Parallel()

	t.Run("classifier result honoured", func(t *testing.T) {
		t.Parallel()
		d := NewDetector(&llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: `{"kind":"PREFERENCE","key":"tone","value":"formal"}`},
		})
		cmd := d.Detect(context.Background(), "以后正式一点")
		if cmd.Kind != KindPreference || cmd.Key != "tone" || cmd.Value != "formal" {
			t.Fatalf("cmd = %+v", cmd)
		}
	})

	t.Run("garbage classified as conversation", func(t *testing.T) {
		t.Parallel()
		d := NewDetector(&llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "这不是指令"},
		})
		if got := d.Detect(context.Background(), "随便聊聊"); got.Kind != KindNone {
			t.Fatalf("kind = %s, want NONE", got.Kind)
		}
	})
}

func TestExecutor(t *testing.T) {
	t.Parallel()

	t.Run("voice falls back to configured default", func(t *testing.T) {
		t.Parallel()
		ttsP := &ttsmock.Provider{Voices: []tts.VoiceProfile{{ID: "v1", Name: "御姐"}}}
		sysctx := dialog.NewSystemContext()
		e := NewExecutor(sysctx, ttsP, nil, "default-voice")

		e.Execute(context.Background(), Command{Kind: KindVoice, Value: "不存在的音色"})
		if ttsP.ActiveVoice != "default-voice" {
			t.Fatalf("active voice = %q, want default-voice", ttsP.ActiveVoice)
		}
		if v, ok := sysctx.Latest(dialog.KeyTTSConfig); !ok || v != "voice=default-voice" {
			t.Fatalf("tts_config directive = %q, %v", v, ok)
		}
	})

	t.Run("voice resolves by name", func(t *testing.T) {
		t.Parallel()
		ttsP := &ttsmock.Provider{Voices: []tts.VoiceProfile{{ID: "v1", Name: "御姐"}}}
		e := NewExecutor(dialog.NewSystemContext(), ttsP, nil, "default-voice")

		e.Execute(context.Background(), Command{Kind: KindVoice, Value: "御姐"})
		if ttsP.ActiveVoice != "v1" {
			t.Fatalf("active voice = %q, want v1", ttsP.ActiveVoice)
		}
	})

	t.Run("preference lands on system context", func(t *testing.T) {
		t.Parallel()
		sysctx := dialog.NewSystemContext()
		e := NewExecutor(sysctx, &ttsmock.Provider{}, nil, "")

		e.Execute(context.Background(), Command{Kind: KindPreference, Key: "language", Value: "zh"})
		if v, ok := sysctx.Latest("language"); !ok || v != "zh" {
			t.Fatalf("language = %q, %v", v, ok)
		}
	})

	t.Run("memory round trip", func(t *testing.T) {
		t.Parallel()
		store := &memmock.Store{}
		e := NewExecutor(dialog.NewSystemContext(), &ttsmock.Provider{}, store, "")

		e.Execute(context.Background(), Command{Kind: KindMemoryStore, Payload: "猫粮在柜子上"})
		if len(store.Items()) != 1 {
			t.Fatalf("stored %d items, want 1", len(store.Items()))
		}

		got := e.Execute(context.Background(), Command{Kind: KindMemoryQuery, Payload: "猫粮在哪"})
		if len(got) != 1 {
			t.Fatalf("retrieved %d memories, want 1", len(got))
		}
		if got[0].Text != "猫粮在柜子上" {
			t.Fatalf("memory text = %q", got[0].Text)
		}
	})

	t.Run("unused kind returns nil", func(t *testing.T) {
		t.Parallel()
		e := NewExecutor(dialog.NewSystemContext(), &ttsmock.Provider{}, nil, "")
		if got := e.Execute(context.Background(), Command{Kind: KindNone}); got != nil {
			t.Fatalf("got %v, want nil", got)
		}
	})
}
