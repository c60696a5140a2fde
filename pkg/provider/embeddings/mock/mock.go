// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/cortantse/lumina/pkg/provider/embeddings"
)

// Provider is a mock embeddings.Provider that returns deterministic vectors
// derived from the input's runes, so similarity queries are reproducible in
// tests without a live backend.
type Provider struct {
	mu sync.Mutex

	// Dim is the dimensionality of generated vectors. Defaults to 8 when zero.
	Dim int

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// EmbedCalls records every text passed to Embed or EmbedBatch, in order.
	EmbedCalls []string
}

// Compile-time check that *Provider satisfies [embeddings.Provider].
var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dim == 0 {
		return 8
	}
	return p.Dim
}

// vector derives a stable pseudo-embedding from the text content.
func (p *Provider) vector(text string) []float32 {
	dim := p.Dim
	if dim == 0 {
		dim = 8
	}
	v := make([]float32, dim)
	for i, r := range text {
		v[i%dim] += float32(r%97) / 97
	}
	return v
}
