// Package command detects spoken control commands inside user transcripts and
// executes their side effects: preference updates on the system context,
// TTS voice switching, and explicit memory operations.
//
// Detection runs in two tiers. A rule tier matches known command phrases with
// Double Metaphone phonetic codes plus Jaro-Winkler similarity, so STT
// mis-hearings ("换个声阴" for "换个声音") still trigger. Transcripts the
// rule tier is unsure about fall through to an LLM classifier.
package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/cortantse/lumina/pkg/provider/llm"
)

// Kind classifies a detected command.
type Kind string

const (
	// KindNone means the transcript is ordinary conversation.
	KindNone Kind = "NONE"

	// KindPreference updates a persistent user preference (persona, tone,
	// reply length, language).
	KindPreference Kind = "PREFERENCE"

	// KindVoice switches the TTS voice.
	KindVoice Kind = "VOICE"

	// KindMemoryStore explicitly stores a memory ("记住…").
	KindMemoryStore Kind = "MEMORY_STORE"

	// KindMemoryQuery explicitly queries memories ("你还记得…").
	KindMemoryQuery Kind = "MEMORY_QUERY"
)

// Command is one detected command with its extracted payload.
type Command struct {
	Kind Kind

	// Key/Value carry the preference pair for KindPreference and the voice
	// name for KindVoice.
	Key   string
	Value string

	// Payload is the free text for memory operations.
	Payload string
}

// rulePhrase is one trigger phrase with its command kind.
type rulePhrase struct {
	phrase string
	kind   Kind
}

// rulePhrases are the spoken triggers the phonetic tier matches against.
var rulePhrases = []rulePhrase{
	{"换个声音", KindVoice},
	{"换一个声音", KindVoice},
	{"切换语音", KindVoice},
	{"用这个声音说话", KindVoice},
	{"记住", KindMemoryStore},
	{"帮我记住", KindMemoryStore},
	{"记一下", KindMemoryStore},
	{"你还记得", KindMemoryQuery},
	{"我之前说过", KindMemoryQuery},
	{"说话简短一点", KindPreference},
	{"回答详细一点", KindPreference},
	{"说中文", KindPreference},
	{"speak english", KindPreference},
}

const (
	// phoneticThreshold is the minimum Jaro-Winkler score for a phonetic
	// candidate to be accepted.
	phoneticThreshold = 0.70

	// fuzzyThreshold is the minimum score on the pure-similarity fallback.
	fuzzyThreshold = 0.85
)

// classifierPrompt drives the LLM tier.
const classifierPrompt = `你是指令识别模块。判断用户转写文本是否包含下列指令之一，输出 JSON。

指令类型：
- PREFERENCE：用户设置偏好（语言、语气、回答长度、人设），输出 {"kind":"PREFERENCE","key":"...","value":"..."}
- VOICE：用户要求更换语音音色，输出 {"kind":"VOICE","value":"音色名，没有则为空"}
- MEMORY_STORE：用户要求记住某件事，输出 {"kind":"MEMORY_STORE","payload":"要记住的内容"}
- MEMORY_QUERY：用户询问之前记过的内容，输出 {"kind":"MEMORY_QUERY","payload":"查询内容"}
- NONE：普通对话，输出 {"kind":"NONE"}

只输出 JSON，不要解释。`

// Detector is the two-tier command detector.
type Detector struct {
	provider llm.Provider
}

// NewDetector creates a Detector. provider may be nil, disabling the LLM tier.
func NewDetector(provider llm.Provider) *Detector {
	return &Detector{provider: provider}
}

// Detect classifies transcript. The rule tier answers instantly for clear
// phonetic matches; otherwise the LLM tier decides. Detection failures return
// KindNone — a mis-read command is ordinary conversation, never an error.
func (d *Detector) Detect(ctx context.Context, transcript string) Command {
	if kind, ok := matchRule(transcript); ok {
		cmd := Command{Kind: kind}
		fillPayload(&cmd, transcript)
		slog.Debug("command rule tier hit", "kind", kind, "transcript", transcript)
		return cmd
	}

	if d.provider == nil {
		return Command{Kind: KindNone}
	}

	resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifierPrompt,
		Messages:     []llm.Message{{Role: "user", Content: transcript}},
		Temperature:  0.1,
		MaxTokens:    64,
	})
	if err != nil {
		slog.Warn("command classifier failed, treating as conversation", "err", err)
		return Command{Kind: KindNone}
	}
	return parseCommandJSON(resp.Content)
}

// matchRule runs the phonetic tier: Double Metaphone candidate filtering,
// then Jaro-Winkler ranking. CJK phrases have no useful metaphone codes, so
// they go straight to similarity scoring.
func matchRule(transcript string) (Kind, bool) {
	lower := strings.ToLower(transcript)

	best := Kind("")
	bestScore := 0.0
	for _, rp := range rulePhrases {
		score := phraseScore(lower, strings.ToLower(rp.phrase))
		if score > bestScore {
			bestScore = score
			best = rp.kind
		}
	}

	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return KindNone, false
}

// phraseScore scores how strongly phrase appears in text: containment wins
// outright; otherwise the best windowed similarity, boosted by phonetic
// agreement for Latin-script phrases.
func phraseScore(text, phrase string) float64 {
	if strings.Contains(text, phrase) {
		return 1.0
	}

	runes := []rune(text)
	plen := len([]rune(phrase))
	if plen == 0 || len(runes) < plen {
		return jaroWinklerWithPhonetic(text, phrase)
	}

	best := 0.0
	for i := 0; i+plen <= len(runes); i++ {
		window := string(runes[i : i+plen])
		if s := jaroWinklerWithPhonetic(window, phrase); s > best {
			best = s
		}
	}
	return best
}

// jaroWinklerWithPhonetic combines string similarity with a Double Metaphone
// agreement bonus for phrases that have phonetic codes at all.
func jaroWinklerWithPhonetic(a, b string) float64 {
	score := matchr.JaroWinkler(a, b, true)

	ca1, ca2 := matchr.DoubleMetaphone(a)
	cb1, cb2 := matchr.DoubleMetaphone(b)
	if ca1 != "" && cb1 != "" {
		if ca1 == cb1 || ca1 == cb2 || ca2 == cb1 || (ca2 != "" && ca2 == cb2) {
			if score < phoneticThreshold {
				score = phoneticThreshold
			}
			score += (1 - score) / 2
		}
	}
	return score
}

// fillPayload extracts the free-text payload following a matched trigger.
func fillPayload(cmd *Command, transcript string) {
	switch cmd.Kind {
	case KindMemoryStore:
		for _, trigger := range []string{"帮我记住", "记住", "记一下"} {
			if _, after, ok := strings.Cut(transcript, trigger); ok {
				cmd.Payload = strings.TrimLeft(after, "，,：: ")
				return
			}
		}
		cmd.Payload = transcript
	case KindMemoryQuery:
		cmd.Payload = transcript
	case KindVoice:
		cmd.Value = extractQuoted(transcript)
	}
}

// extractQuoted pulls a voice name out of quotes, if any.
func extractQuoted(s string) string {
	for _, pair := range [][2]string{{"“", "”"}, {"‘", "’"}, {`"`, `"`}, {"「", "」"}} {
		if _, after, ok := strings.Cut(s, pair[0]); ok {
			if name, _, ok := strings.Cut(after, pair[1]); ok {
				return strings.TrimSpace(name)
			}
		}
	}
	return ""
}

// parseCommandJSON decodes the classifier output, tolerating fences.
func parseCommandJSON(raw string) Command {
	text := strings.TrimSpace(raw)
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			text = text[start : end+1]
		}
	}

	var payload struct {
		Kind    string `json:"kind"`
		Key     string `json:"key"`
		Value   string `json:"value"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		slog.Warn("command classifier output unparseable", "output", raw)
		return Command{Kind: KindNone}
	}

	kind := Kind(strings.ToUpper(strings.TrimSpace(payload.Kind)))
	switch kind {
	case KindPreference, KindVoice, KindMemoryStore, KindMemoryQuery:
		return Command{Kind: kind, Key: payload.Key, Value: payload.Value, Payload: payload.Payload}
	default:
		return Command{Kind: KindNone}
	}
}
