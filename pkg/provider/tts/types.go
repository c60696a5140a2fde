package tts

import "strings"

// Emotion is the synthesis colouring requested for one sentence. The main
// reply model tags sentences with bracketed emotion markers; the TTS worker
// strips the marker and passes the parsed Emotion here.
type Emotion string

// The seven emotions the reply models are allowed to emit.
const (
	EmotionNeutral   Emotion = "NEUTRAL"
	EmotionHappy     Emotion = "HAPPY"
	EmotionSad       Emotion = "SAD"
	EmotionAngry     Emotion = "ANGRY"
	EmotionFearful   Emotion = "FEARFUL"
	EmotionDisgusted Emotion = "DISGUSTED"
	EmotionSurprised Emotion = "SURPRISED"
)

// allEmotions is the lookup set used by ParseEmotion.
var allEmotions = map[Emotion]bool{
	EmotionNeutral:   true,
	EmotionHappy:     true,
	EmotionSad:       true,
	EmotionAngry:     true,
	EmotionFearful:   true,
	EmotionDisgusted: true,
	EmotionSurprised: true,
}

// ParseEmotion maps a marker body (without brackets) onto an Emotion.
// Unknown values return (EmotionNeutral, false).
func ParseEmotion(s string) (Emotion, bool) {
	e := Emotion(strings.ToUpper(strings.TrimSpace(s)))
	if allEmotions[e] {
		return e, true
	}
	return EmotionNeutral, false
}

// StripMarker splits a leading "[EMOTION]" marker off text. It returns the
// emotion (carrying prev forward when no marker is present or the marker is
// unknown) and the remaining text with the marker and surrounding whitespace
// removed.
func StripMarker(text string, prev Emotion) (Emotion, string) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, "[") {
		return prev, text
	}
	end := strings.IndexByte(trimmed, ']')
	if end < 0 {
		return prev, text
	}
	e, ok := ParseEmotion(trimmed[1:end])
	if !ok {
		return prev, text
	}
	return e, strings.TrimLeft(trimmed[end+1:], " \t\r\n")
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent).
	Metadata map[string]string
}
