package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Environment variables that seed vendor credentials. YAML values win when
// both are present.
const (
	EnvSTTAppKey = "LUMINA_STT_APP_KEY"
	EnvSTTToken  = "LUMINA_STT_TOKEN"
	EnvSTTRegion = "LUMINA_STT_REGION"
	EnvTTSAPIKey = "LUMINA_TTS_API_KEY"
	EnvLLMAPIKey = "OPENAI_API_KEY"
)

// validLogLevels enumerates accepted server.log_level values.
var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Load reads the YAML configuration file at path, seeds credentials from the
// environment, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, seeds credentials from the
// environment, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg.SeedFromEnv()
	cfg.Turn.ApplyDefaults()
	cfg.Memory.ApplyDefaults()
	applySocketDefaults(&cfg.Server)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SeedFromEnv fills empty credential fields from the environment.
func (c *Config) SeedFromEnv() {
	seed := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	seed(&c.Providers.STT.AppKey, EnvSTTAppKey)
	seed(&c.Providers.STT.APIKey, EnvSTTToken)
	seed(&c.Providers.STT.Region, EnvSTTRegion)
	seed(&c.Providers.TTS.APIKey, EnvTTSAPIKey)
	seed(&c.Providers.FastLLM.APIKey, EnvLLMAPIKey)
	seed(&c.Providers.MainLLM.APIKey, EnvLLMAPIKey)
	seed(&c.Providers.Embeddings.APIKey, EnvLLMAPIKey)
}

// applySocketDefaults fills empty socket addresses with the platform
// defaults: Unix domain sockets in /tmp on POSIX, loopback TCP on Windows.
func applySocketDefaults(s *ServerConfig) {
	if runtime.GOOS == "windows" {
		if s.AudioSocket == "" {
			s.AudioSocket = "127.0.0.1:8765"
		}
		if s.ResultSocket == "" {
			s.ResultSocket = "127.0.0.1:8766"
		}
		if s.TTSSocket == "" {
			s.TTSSocket = "127.0.0.1:8767"
		}
		return
	}
	if s.AudioSocket == "" {
		s.AudioSocket = "/tmp/lumina_stt.sock"
	}
	if s.ResultSocket == "" {
		s.ResultSocket = "/tmp/lumina_stt_result.sock"
	}
	if s.TTSSocket == "" {
		s.TTSSocket = "/tmp/lumina_tts.sock"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.Server.LogLevel] {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Turn.ShortWaitMs > cfg.Turn.MidWaitMs ||
		cfg.Turn.MidWaitMs > cfg.Turn.LongWaitMs ||
		cfg.Turn.LongWaitMs > cfg.Turn.LongerWaitMs ||
		cfg.Turn.LongerWaitMs > cfg.Turn.ExtraWaitMs {
		errs = append(errs, fmt.Errorf("turn wait tiers must be non-decreasing: %d ≤ %d ≤ %d ≤ %d ≤ %d",
			cfg.Turn.ShortWaitMs, cfg.Turn.MidWaitMs, cfg.Turn.LongWaitMs, cfg.Turn.LongerWaitMs, cfg.Turn.ExtraWaitMs))
	}
	if cfg.Turn.ExtraWaitMs > cfg.Turn.CriticalThresholdMs {
		errs = append(errs, fmt.Errorf("turn.extra_wait_ms %d exceeds turn.critical_threshold_ms %d",
			cfg.Turn.ExtraWaitMs, cfg.Turn.CriticalThresholdMs))
	}

	if cfg.Memory.ChunkOverlap >= cfg.Memory.ChunkSize {
		errs = append(errs, fmt.Errorf("memory.chunk_overlap %d must be smaller than memory.chunk_size %d",
			cfg.Memory.ChunkOverlap, cfg.Memory.ChunkSize))
	}

	return errors.Join(errs...)
}
