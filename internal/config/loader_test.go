package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader(t *testing.T) {
	t.Run("defaults applied on empty config", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Turn.CriticalThresholdMs != DefaultCriticalThresholdMs {
			t.Errorf("critical threshold = %d, want %d", cfg.Turn.CriticalThresholdMs, DefaultCriticalThresholdMs)
		}
		if cfg.Turn.MidWaitMs != DefaultMidWaitMs {
			t.Errorf("mid wait = %d, want %d", cfg.Turn.MidWaitMs, DefaultMidWaitMs)
		}
		if cfg.Turn.JudgeHistoryDepth != DefaultJudgeHistoryDepth {
			t.Errorf("judge history depth = %d, want %d", cfg.Turn.JudgeHistoryDepth, DefaultJudgeHistoryDepth)
		}
		if cfg.Memory.ChunkSize != DefaultChunkSize || cfg.Memory.ChunkOverlap != DefaultChunkOverlap {
			t.Errorf("chunking = (%d,%d), want (%d,%d)",
				cfg.Memory.ChunkSize, cfg.Memory.ChunkOverlap, DefaultChunkSize, DefaultChunkOverlap)
		}
		if cfg.Server.AudioSocket == "" || cfg.Server.TTSSocket == "" {
			t.Error("socket defaults not applied")
		}
	})

	t.Run("yaml overrides", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(`
server:
  log_level: debug
turn:
  mid_wait_ms: 200
`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Server.LogLevel != "debug" {
			t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
		}
		if cfg.Turn.MidWaitMs != 200 {
			t.Errorf("mid wait = %d, want 200", cfg.Turn.MidWaitMs)
		}
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		_, err := LoadFromReader(strings.NewReader("bogus_section:\n  x: 1\n"))
		if err == nil {
			t.Fatal("want error for unknown field, got nil")
		}
	})

	t.Run("invalid log level rejected", func(t *testing.T) {
		_, err := LoadFromReader(strings.NewReader("server:\n  log_level: loud\n"))
		if err == nil {
			t.Fatal("want error for invalid log level, got nil")
		}
	})

	t.Run("non-monotonic wait tiers rejected", func(t *testing.T) {
		_, err := LoadFromReader(strings.NewReader(`
turn:
  short_wait_ms: 400
  mid_wait_ms: 150
`))
		if err == nil {
			t.Fatal("want error for non-monotonic tiers, got nil")
		}
	})
}

func TestSeedFromEnv(t *testing.T) {
	t.Setenv(EnvSTTAppKey, "app-from-env")
	t.Setenv(EnvTTSAPIKey, "tts-from-env")

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.AppKey != "app-from-env" {
		t.Errorf("stt app key = %q, want app-from-env", cfg.Providers.STT.AppKey)
	}
	if cfg.Providers.TTS.APIKey != "tts-from-env" {
		t.Errorf("tts api key = %q, want tts-from-env", cfg.Providers.TTS.APIKey)
	}

	t.Run("yaml wins over env", func(t *testing.T) {
		cfg, err := LoadFromReader(strings.NewReader(`
providers:
  tts:
    api_key: from-yaml
`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Providers.TTS.APIKey != "from-yaml" {
			t.Errorf("tts api key = %q, want from-yaml", cfg.Providers.TTS.APIKey)
		}
	})
}
