package dialog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxDirectiveDepth is how many historical values each directive key retains.
const maxDirectiveDepth = 5

// KeyTTSConfig is the directive key whose updates replace rather than stack:
// only the latest voice configuration is ever relevant.
const KeyTTSConfig = "tts_config"

// TimedValue is one directive value with its arrival time.
type TimedValue struct {
	Value     string
	Timestamp time.Time
}

// SystemContext holds global directives that steer the main model: persona,
// user preferences, TTS voice/style. Each key keeps a bounded stack of past
// values, newest first, so the model can see how guidance evolved.
//
// All methods are safe for concurrent use.
type SystemContext struct {
	mu         sync.RWMutex
	directives map[string][]TimedValue
}

// NewSystemContext creates an empty SystemContext.
func NewSystemContext() *SystemContext {
	return &SystemContext{directives: make(map[string][]TimedValue)}
}

// Add pushes a value for key. The stack is capped at five entries; the
// tts_config key replaces instead of stacking.
func (sc *SystemContext) Add(key, value string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	item := TimedValue{Value: value, Timestamp: time.Now()}

	if key == KeyTTSConfig {
		sc.directives[key] = []TimedValue{item}
		return
	}

	stack := append([]TimedValue{item}, sc.directives[key]...)
	if len(stack) > maxDirectiveDepth {
		stack = stack[:maxDirectiveDepth]
	}
	sc.directives[key] = stack
}

// Latest returns the newest value for key and whether one exists.
func (sc *SystemContext) Latest(key string) (string, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	stack := sc.directives[key]
	if len(stack) == 0 {
		return "", false
	}
	return stack[0].Value, true
}

// Format renders all directives as prompt text, keys sorted for stable
// output, values newest first. Returns "" when empty.
func (sc *SystemContext) Format() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if len(sc.directives) == 0 {
		return ""
	}

	keys := make([]string, 0, len(sc.directives))
	for k := range sc.directives {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("[system directives]")
	for _, k := range keys {
		values := sc.directives[k]
		rendered := make([]string, len(values))
		for i, v := range values {
			rendered[i] = v.Value
		}
		fmt.Fprintf(&sb, "\n%s: %s", k, strings.Join(rendered, " | "))
	}
	return sb.String()
}

// Snapshot returns a deep copy, used by Timer context snapshots.
func (sc *SystemContext) Snapshot() *SystemContext {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	cp := NewSystemContext()
	for k, stack := range sc.directives {
		s := make([]TimedValue, len(stack))
		copy(s, stack)
		cp.directives[k] = s
	}
	return cp
}

// Reset drops all directives.
func (sc *SystemContext) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.directives = make(map[string][]TimedValue)
}
