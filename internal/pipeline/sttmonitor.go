package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cortantse/lumina/pkg/provider/stt"
)

// drainInterval is how often the monitor polls the completed-sentence buffer.
const drainInterval = 3 * time.Millisecond

// STTMonitor is the worker that polls the STT adapter's completed-sentence
// buffer and hands drained text to the orchestrator. Draining is one atomic
// get-and-clear inside the buffer, so a sentence can never be consumed twice
// or lost between get and clear.
type STTMonitor struct {
	sentences *stt.SentenceBuffer
	service   *Service
}

// NewSTTMonitor creates a monitor draining sentences into service.
func NewSTTMonitor(sentences *stt.SentenceBuffer, service *Service) *STTMonitor {
	return &STTMonitor{sentences: sentences, service: service}
}

// Run polls until ctx is cancelled. Multiple sentences finalised within one
// tick merge into a single turn, joined with a pause comma — they were one
// breath group the vendor happened to split.
func (m *STTMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		drained := m.sentences.Drain()
		if len(drained) == 0 {
			continue
		}
		text := strings.Join(drained, "，")

		// Each turn runs its own decision loop; the monitor must keep
		// draining while earlier turns wait out their cooldowns.
		go m.service.HandleUserText(ctx, text)
	}
}
