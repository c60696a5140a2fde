// Package config provides the configuration schema, loader, and tuning
// constants for the Lumina conversational core.
package config

// Config is the root configuration structure for Lumina.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// vendor credentials are seeded from the environment afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
	Turn      TurnConfig      `yaml:"turn"`
}

// ServerConfig holds socket and logging settings for the Lumina server.
type ServerConfig struct {
	// AudioSocket is the ingress socket address: a filesystem path for a Unix
	// domain socket, or "host:port" for TCP (Windows).
	AudioSocket string `yaml:"audio_socket"`

	// ResultSocket is the egress socket for newline-delimited STT results.
	ResultSocket string `yaml:"result_socket"`

	// TTSSocket is the egress socket for length-prefixed WAV blobs.
	TTSSocket string `yaml:"tts_socket"`

	// MetricsAddr is the address of the Prometheus /metrics listener.
	// Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	// FastLLM serves the latency-critical roles: the dialogue turn judge and
	// the pre-reply generator.
	FastLLM ProviderEntry `yaml:"fast_llm"`

	// MainLLM serves the main reply stream and the state classifier.
	MainLLM ProviderEntry `yaml:"main_llm"`

	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Credential fields left empty in YAML are seeded from environment
// variables by [SeedFromEnv].
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "acloud",
	// "minimax").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// AppKey is the vendor application key (AliCloud STT).
	AppKey string `yaml:"app_key"`

	// Region is the vendor region (AliCloud STT).
	Region string `yaml:"region"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Voice is the default TTS voice ID. Voice-change commands that fail to
	// parse fall back to this value.
	Voice string `yaml:"voice"`
}

// MemoryConfig holds settings for the vector-memory layer.
type MemoryConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector store.
	// Empty disables memory retrieval (turns carry no retrieved memories).
	PostgresDSN string `yaml:"postgres_dsn"`

	// RetrievalLimit is the number of memories fetched per query. Default: 3.
	RetrievalLimit int `yaml:"retrieval_limit"`

	// SimilarityThreshold drops retrieval results scoring below it.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// ChunkSize is the maximum stored-chunk length in runes.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the overlap between neighbouring chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// TurnConfig holds every tunable duration and depth of the turn machinery.
// Zero values are replaced with the package defaults by [TurnConfig.ApplyDefaults].
type TurnConfig struct {
	// CriticalThresholdMs is the window after a reply was scheduled within
	// which resumed user speech counts as an interruption of the judge's
	// prediction. Default: 800.
	CriticalThresholdMs int `yaml:"critical_threshold_ms"`

	// ShortWaitMs..ExtraWaitMs are the judge's confidence-tier wait times.
	ShortWaitMs  int `yaml:"short_wait_ms"`
	MidWaitMs    int `yaml:"mid_wait_ms"`
	LongWaitMs   int `yaml:"long_wait_ms"`
	LongerWaitMs int `yaml:"longer_wait_ms"`
	ExtraWaitMs  int `yaml:"extra_wait_ms"`

	// JudgeHistoryDepth is the size of the turn-judge feedback ring. Default: 14.
	JudgeHistoryDepth int `yaml:"judge_history_depth"`

	// StateHistoryDepth is how many (state, event) rounds the state
	// classifier sees. Default: 7.
	StateHistoryDepth int `yaml:"state_history_depth"`

	// PreReplyRounds is how many history rounds feed the pre-reply prompt.
	// Default: 6.
	PreReplyRounds int `yaml:"pre_reply_rounds"`

	// MidSilenceTimeoutMs is the silence after which the listening prompt may
	// play while turns are buffered. Default: 500.
	MidSilenceTimeoutMs int `yaml:"mid_silence_timeout_ms"`

	// LongSilenceTimeoutMs is the silence after which the STT session is
	// flushed and re-opened. Default: 5000.
	LongSilenceTimeoutMs int `yaml:"long_silence_timeout_ms"`

	// NoInterruptToleranceMs is how long after the critical threshold the
	// user must stay silent before a judgement counts as interrupt-free.
	// Default: 2000.
	NoInterruptToleranceMs int `yaml:"no_interrupt_tolerance_ms"`
}

// Default tuning values. These mirror the behaviour the system was calibrated
// with; YAML overrides exist for experimentation, not for production drift.
const (
	DefaultCriticalThresholdMs = 800

	DefaultShortWaitMs  = 50
	DefaultMidWaitMs    = 150
	DefaultLongWaitMs   = 350
	DefaultLongerWaitMs = 500
	DefaultExtraWaitMs  = 800

	DefaultJudgeHistoryDepth = 14
	DefaultStateHistoryDepth = 7
	DefaultPreReplyRounds    = 6

	DefaultMidSilenceTimeoutMs  = 500
	DefaultLongSilenceTimeoutMs = 5000

	DefaultNoInterruptToleranceMs = 2000

	DefaultRetrievalLimit      = 3
	DefaultSimilarityThreshold = 0.78
	DefaultChunkSize           = 100
	DefaultChunkOverlap        = 15

	// Conservative-judgement ratios relative to the critical threshold.
	ConservativeRatioMild   = 1.0 / 3.0
	ConservativeRatioSevere = 2.0 / 3.0

	// ConsecutiveMildConservative is how many mild over-waits in a row flag a
	// judgement as too conservative.
	ConsecutiveMildConservative = 3

	// ActualInterruptRatio marks a judgement severely conservative when the
	// user resumed within this fraction of the predicted window.
	ActualInterruptRatio = 0.3
)

// ApplyDefaults fills zero-valued fields with the package defaults.
func (t *TurnConfig) ApplyDefaults() {
	if t.CriticalThresholdMs <= 0 {
		t.CriticalThresholdMs = DefaultCriticalThresholdMs
	}
	if t.ShortWaitMs <= 0 {
		t.ShortWaitMs = DefaultShortWaitMs
	}
	if t.MidWaitMs <= 0 {
		t.MidWaitMs = DefaultMidWaitMs
	}
	if t.LongWaitMs <= 0 {
		t.LongWaitMs = DefaultLongWaitMs
	}
	if t.LongerWaitMs <= 0 {
		t.LongerWaitMs = DefaultLongerWaitMs
	}
	if t.ExtraWaitMs <= 0 {
		t.ExtraWaitMs = DefaultExtraWaitMs
	}
	if t.JudgeHistoryDepth <= 0 {
		t.JudgeHistoryDepth = DefaultJudgeHistoryDepth
	}
	if t.StateHistoryDepth <= 0 {
		t.StateHistoryDepth = DefaultStateHistoryDepth
	}
	if t.PreReplyRounds <= 0 {
		t.PreReplyRounds = DefaultPreReplyRounds
	}
	if t.MidSilenceTimeoutMs <= 0 {
		t.MidSilenceTimeoutMs = DefaultMidSilenceTimeoutMs
	}
	if t.LongSilenceTimeoutMs <= 0 {
		t.LongSilenceTimeoutMs = DefaultLongSilenceTimeoutMs
	}
	if t.NoInterruptToleranceMs <= 0 {
		t.NoInterruptToleranceMs = DefaultNoInterruptToleranceMs
	}
}

// ApplyDefaults fills zero-valued memory fields with the package defaults.
func (m *MemoryConfig) ApplyDefaults() {
	if m.RetrievalLimit <= 0 {
		m.RetrievalLimit = DefaultRetrievalLimit
	}
	if m.SimilarityThreshold <= 0 {
		m.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if m.ChunkSize <= 0 {
		m.ChunkSize = DefaultChunkSize
	}
	if m.ChunkOverlap <= 0 {
		m.ChunkOverlap = DefaultChunkOverlap
	}
}
