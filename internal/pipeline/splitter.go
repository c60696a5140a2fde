// Package pipeline connects the streaming stages of the Lumina core:
// finalised transcripts in, turn detection, pre-reply and main-reply
// generation, sentence splitting, and TTS dispatch out.
package pipeline

import "strings"

const (
	// maxSentenceLen is the rune count past which an unterminated sentence is
	// force-broken at a comma-class character.
	maxSentenceLen = 100

	// minBreakPos is the minimum rune offset for a forced comma-class break.
	minBreakPos = 30
)

// commaClass are the characters eligible for forced long-sentence breaks.
const commaClass = "，；、,;"

// Splitter buffers streamed tokens and emits maximal prefixes ending at a
// sentence terminator. Terminators are 。！？…!? unconditionally, and '.'
// unless it reads as a decimal point, an abbreviation dot, or the start of a
// not-yet-complete "..." ellipsis. Concatenating everything emitted plus the
// final Flush always reproduces the input exactly.
//
// Splitter is not safe for concurrent use; it lives on the single main-reply
// goroutine.
type Splitter struct {
	buf []rune
}

// NewSplitter creates an empty Splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Push appends a streamed token and returns the complete sentences it
// released, in order. Most pushes return nil.
func (s *Splitter) Push(token string) []string {
	if token == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(token)...)

	var out []string
	for {
		cut, ok := scanTerminator(s.buf)
		if !ok {
			break
		}
		out = append(out, string(s.buf[:cut]))
		s.buf = s.buf[cut:]
	}

	// Overlong remainder: break at the rightmost comma-class rune that is
	// far enough in to leave a speakable clause.
	if len(s.buf) > maxSentenceLen {
		if pos := rightmostCommaBreak(s.buf); pos > 0 {
			out = append(out, string(s.buf[:pos+1]))
			s.buf = s.buf[pos+1:]
		}
	}

	return out
}

// Flush returns any buffered remainder as a final sentence. The splitter is
// empty afterwards.
func (s *Splitter) Flush() string {
	if len(s.buf) == 0 {
		return ""
	}
	out := string(s.buf)
	s.buf = nil
	return out
}

// Pending reports the number of buffered runes.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

// scanTerminator finds the first sentence terminator in buf and returns the
// rune index just past it. A '.' too close to the end of the buffer to be
// classified (possible decimal, abbreviation, or partial ellipsis) defers
// until more input arrives.
func scanTerminator(buf []rune) (int, bool) {
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '。', '！', '？', '…', '!', '?':
			return i + 1, true

		case '.':
			// Everything below needs lookahead; wait for the stream.
			if i+1 >= len(buf) {
				return 0, false
			}

			// "..." terminates as one ellipsis.
			if buf[i+1] == '.' {
				if i+2 >= len(buf) {
					return 0, false
				}
				if buf[i+2] == '.' {
					return i + 3, true
				}
				return i + 1, true
			}

			// Decimal point: digits on both sides.
			if i > 0 && isDigit(buf[i-1]) && isDigit(buf[i+1]) {
				continue
			}

			// Abbreviation dot: letters on both sides, no following space.
			if i > 0 && isAlpha(buf[i-1]) && isAlpha(buf[i+1]) {
				continue
			}

			return i + 1, true
		}
	}
	return 0, false
}

// rightmostCommaBreak returns the index of the rightmost comma-class rune
// beyond minBreakPos, or -1.
func rightmostCommaBreak(buf []rune) int {
	for i := len(buf) - 1; i > minBreakPos; i-- {
		if strings.ContainsRune(commaClass, buf[i]) {
			return i
		}
	}
	return -1
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
