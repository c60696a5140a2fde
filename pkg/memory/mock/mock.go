// Package mock provides an in-memory test double for the memory.Store
// interface with naive substring scoring.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortantse/lumina/pkg/memory"
)

// Store is a mock memory.Store. Retrieval scores by shared rune bigrams, so
// tests get deterministic, roughly similarity-shaped behaviour without a
// database.
type Store struct {
	mu     sync.Mutex
	nextID int
	items  []memory.Memory

	// StoreErr, if non-nil, is returned by Store.
	StoreErr error

	// RetrieveErr, if non-nil, is returned by Retrieve.
	RetrieveErr error

	// RetrieveCalls records every query passed to Retrieve.
	RetrieveCalls []string
}

// Compile-time check that *Store satisfies [memory.Store].
var _ memory.Store = (*Store)(nil)

// Store implements memory.Store.
func (s *Store) Store(_ context.Context, text string, typ memory.Type, metadata map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StoreErr != nil {
		return "", s.StoreErr
	}
	s.nextID++
	id := fmt.Sprintf("mem-%d", s.nextID)
	s.items = append(s.items, memory.Memory{
		ID:        id,
		Text:      text,
		Type:      typ,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	return id, nil
}

// Retrieve implements memory.Store.
func (s *Store) Retrieve(_ context.Context, query string, limit int) ([]memory.Scored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RetrieveCalls = append(s.RetrieveCalls, query)
	if s.RetrieveErr != nil {
		return nil, s.RetrieveErr
	}
	if limit <= 0 {
		limit = 3
	}

	scored := make([]memory.Scored, 0, len(s.items))
	for _, m := range s.items {
		if sc := bigramScore(query, m.Text); sc > 0 {
			scored = append(scored, memory.Scored{Memory: m, Score: sc})
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Close implements memory.Store.
func (s *Store) Close() error { return nil }

// Items returns a copy of everything stored so far.
func (s *Store) Items() []memory.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Memory, len(s.items))
	copy(out, s.items)
	return out
}

// bigramScore is the fraction of query rune bigrams present in text.
func bigramScore(query, text string) float64 {
	q := []rune(strings.ToLower(query))
	if len(q) < 2 {
		if len(q) == 1 && strings.ContainsRune(strings.ToLower(text), q[0]) {
			return 1
		}
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for i := 0; i+1 < len(q); i++ {
		if strings.Contains(lower, string(q[i:i+2])) {
			hits++
		}
	}
	return float64(hits) / float64(len(q)-1)
}
