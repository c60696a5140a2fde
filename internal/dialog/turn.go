// Package dialog holds the conversation data model of the Lumina core: user
// turns, assistant replies, the append-only conversation history, and the
// global system context injected into every main-model prompt.
//
// The design favours high-fidelity recall (turns carry their retrieved
// memories and attachments) while keeping the working set inside the model
// window via lossy compression of old rounds.
package dialog

import (
	"fmt"
	"strings"
	"time"

	"github.com/cortantse/lumina/pkg/memory"
)

// ImageRef is an opaque descriptor of an uploaded image or screenshot
// attached to a turn. The core never decodes image bytes; it only threads
// descriptions into prompts.
type ImageRef struct {
	// URI locates the stored blob.
	URI string

	// Description is a short caption used in prompts and memory queries.
	Description string
}

// Turn is one user utterance within the current unacknowledged window.
// It is immutable after the turn detector has consumed it.
type Turn struct {
	// Transcript is the verbatim final STT text.
	Transcript string

	// ImageRefs are attachments associated with this utterance.
	ImageRefs []ImageRef

	// RetrievedMemories are populated by the memory service before the turn
	// reaches the main model.
	RetrievedMemories []memory.Memory

	// Timestamp is when the final transcript arrived.
	Timestamp time.Time
}

// NewTurn creates a Turn stamped with the current time.
func NewTurn(transcript string) *Turn {
	return &Turn{Transcript: transcript, Timestamp: time.Now()}
}

// HistoryEntry is one element of the conversation history. Exactly four
// concrete types implement it: [UserTurn], [MultiTurn], [CompressedTurn],
// and [AssistantReply].
type HistoryEntry interface {
	historyEntry()
}

// UserTurn is a single user utterance committed to history.
type UserTurn struct {
	Turn *Turn
}

// MultiTurn groups two or more user turns that collapsed into a single
// assistant response.
type MultiTurn struct {
	Turns []*Turn
}

// CompressedTurn is a lossy summary replacing old full rounds when the
// context approaches the model window.
type CompressedTurn struct {
	Summary   string
	Timestamp time.Time
}

// AssistantReply records one assistant response.
type AssistantReply struct {
	// PreReply is the filler utterance spoken while the main reply was being
	// generated, in "[EMOTION]\ntext" form. Empty when none was played.
	PreReply string

	// Main is the full main-model response text.
	Main string

	// WasInterrupted marks a reply the user barged in on.
	WasInterrupted bool

	Timestamp time.Time
}

func (UserTurn) historyEntry()       {}
func (MultiTurn) historyEntry()      {}
func (CompressedTurn) historyEntry() {}
func (AssistantReply) historyEntry() {}

// renderTurn renders one turn into prompt text: transcript, then attachment
// and memory context in bracketed system framing.
func renderTurn(t *Turn) string {
	var sb strings.Builder
	sb.WriteString(t.Transcript)

	if len(t.ImageRefs) > 0 {
		descs := make([]string, 0, len(t.ImageRefs))
		for i, img := range t.ImageRefs {
			d := img.Description
			if d == "" {
				d = "an image"
			}
			descs = append(descs, fmt.Sprintf("image %d: %s", i+1, d))
		}
		sb.WriteString("\n\n[user provided images: ")
		sb.WriteString(strings.Join(descs, ", "))
		sb.WriteString("]")
	}

	if len(t.RetrievedMemories) > 0 {
		texts := make([]string, 0, len(t.RetrievedMemories))
		for _, m := range t.RetrievedMemories {
			texts = append(texts, m.Text)
		}
		sb.WriteString("\n\n[related memories: ")
		sb.WriteString(strings.Join(texts, "; "))
		sb.WriteString("]")
	}

	return sb.String()
}

// renderMultiTurn joins collapsed turns with a separator so the model sees
// them as one user round with internal structure.
func renderMultiTurn(turns []*Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = renderTurn(t)
	}
	return strings.Join(parts, "\n---\n")
}
