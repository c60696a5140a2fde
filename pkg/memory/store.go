// Package memory defines the vector-memory service the Turn Orchestrator
// consumes. It is deliberately narrow: store a piece of text, retrieve the
// most similar pieces later. The orchestrator treats it as opaque — retrieval
// results are attached to the current turn and surface to the main LLM as
// bracketed context.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Type classifies what a memory was derived from.
type Type string

const (
	// TypeText is a plain conversational memory.
	TypeText Type = "TEXT"

	// TypeImage is a memory describing an uploaded image or screenshot.
	TypeImage Type = "IMAGE"

	// TypeFile is a memory extracted from an uploaded document.
	TypeFile Type = "FILE"
)

// Memory is a single stored item returned by retrieval.
type Memory struct {
	// ID is the store-assigned identifier of the parent document.
	ID string

	// Text is the original text of the memory (the parent document, not the
	// retrieval chunk that matched).
	Text string

	// Type classifies the memory source.
	Type Type

	// Metadata carries opaque provenance (dialogue id, blob URI, …).
	Metadata map[string]string

	// CreatedAt is when the memory was stored.
	CreatedAt time.Time
}

// Scored pairs a retrieved Memory with its similarity score in [0, 1].
type Scored struct {
	Memory Memory
	Score  float64
}

// Store is the opaque retrieve/store service.
type Store interface {
	// Store persists text as a new memory and returns its assigned ID. The
	// implementation chunks and embeds the text internally.
	Store(ctx context.Context, text string, typ Type, metadata map[string]string) (string, error)

	// Retrieve returns up to limit memories most similar to query, ordered by
	// descending score. Implementations dedup to parent documents: two chunks
	// of the same stored text yield one result.
	Retrieve(ctx context.Context, query string, limit int) ([]Scored, error)

	// Close releases the underlying resources.
	Close() error
}
