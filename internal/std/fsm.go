// Package std implements the Semantic Turn Detector: the subsystem that
// decides, for every finalised transcript, how long the assistant should wait
// before speaking and which conversational mode governs the reply.
//
// Two classifiers run concurrently per transcript. The dialogue judge
// ([Judge]) prompts a fast model with its own recent track record and emits a
// wait in milliseconds. The stateful agent ([Agent]) classifies the
// transcript into an event and drives a finite state machine over
// {Dialogue, Silence, AnswerOnce, Proactive}. The [Detector] merges both into
// a [Timer] bound to the current silence epoch.
package std

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is one conversational mode of the assistant.
type State int

const (
	// StateDialogue is the default turn-taking mode: the assistant replies
	// whenever the judge decides the user has yielded the floor.
	StateDialogue State = iota

	// StateSilence keeps the assistant listening without ever speaking,
	// until an explicit trigger.
	StateSilence

	// StateAnswerOnce produces exactly one reply, then falls back to
	// Silence.
	StateAnswerOnce

	// StateProactive lets the assistant hold the initiative, interjecting
	// on its own schedule.
	StateProactive
)

// String returns the canonical state name used in prompts and logs.
func (s State) String() string {
	switch s {
	case StateDialogue:
		return "DialogueState"
	case StateSilence:
		return "SilenceState"
	case StateAnswerOnce:
		return "AnswerOnceState"
	case StateProactive:
		return "ProactiveState"
	default:
		return "UnknownState"
	}
}

// Event is a state-machine trigger recognised by the classifier.
type Event int

const (
	// EventNone means no transition should occur.
	EventNone Event = iota

	// EventTriggerDialogue requests turn-taking mode.
	EventTriggerDialogue

	// EventTriggerSilence requests listen-only mode.
	EventTriggerSilence

	// EventTriggerAnswerOnce requests a single reply from within Silence.
	EventTriggerAnswerOnce

	// EventTriggerProactive requests assistant-led mode.
	EventTriggerProactive

	// EventResponseComplete reports that the one-shot reply finished.
	EventResponseComplete
)

// String returns the canonical event name used in prompts and logs.
func (e Event) String() string {
	switch e {
	case EventTriggerDialogue:
		return "TRIGGER_DIALOGUE"
	case EventTriggerSilence:
		return "TRIGGER_SILENCE"
	case EventTriggerAnswerOnce:
		return "TRIGGER_ANSWER_ONCE"
	case EventTriggerProactive:
		return "TRIGGER_PROACTIVE"
	case EventResponseComplete:
		return "RESPONSE_COMPLETE"
	default:
		return "NO_EVENT"
	}
}

// EventFromString parses a classifier output token into an Event.
// Unknown tokens return (EventNone, false).
func EventFromString(s string) (Event, bool) {
	switch s {
	case "TRIGGER_DIALOGUE":
		return EventTriggerDialogue, true
	case "TRIGGER_SILENCE":
		return EventTriggerSilence, true
	case "TRIGGER_ANSWER_ONCE":
		return EventTriggerAnswerOnce, true
	case "TRIGGER_PROACTIVE":
		return EventTriggerProactive, true
	case "RESPONSE_COMPLETE":
		return EventResponseComplete, true
	case "NO_EVENT":
		return EventNone, true
	default:
		return EventNone, false
	}
}

// transitions is the valid-transition table. Absent entries are invalid: the
// machine stays put and the attempt is recorded as classifier feedback.
var transitions = map[State]map[Event]State{
	StateDialogue: {
		EventTriggerDialogue:  StateDialogue,
		EventTriggerSilence:   StateSilence,
		EventTriggerProactive: StateProactive,
	},
	StateSilence: {
		EventTriggerDialogue:   StateDialogue,
		EventTriggerSilence:    StateSilence,
		EventTriggerAnswerOnce: StateAnswerOnce,
		EventTriggerProactive:  StateProactive,
	},
	StateAnswerOnce: {
		EventResponseComplete: StateSilence,
	},
	StateProactive: {
		EventTriggerDialogue:  StateDialogue,
		EventTriggerSilence:   StateSilence,
		EventTriggerProactive: StateProactive,
	},
}

// maxFeedback bounds the invalid-transition feedback included in the next
// classifier prompt.
const maxFeedback = 3

// Machine is the conversational-mode state machine. All methods are safe for
// concurrent use.
type Machine struct {
	mu       sync.Mutex
	state    State
	feedback []string

	// onTransition, when set, observes every applied state change.
	onTransition func(from, to State, event Event)
}

// NewMachine creates a Machine in the Dialogue state.
func NewMachine() *Machine {
	return &Machine{state: StateDialogue}
}

// SetTransitionHook registers fn to observe applied transitions (metrics).
func (m *Machine) SetTransitionHook(fn func(from, to State, event Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnEvent applies event to the machine. Invalid transitions are not applied;
// they are logged into the feedback buffer so the classifier can self-correct
// on its next invocation. EventNone is always a valid no-op.
func (m *Machine) OnEvent(event Event) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event == EventNone {
		return m.state
	}

	next, ok := transitions[m.state][event]
	if !ok {
		msg := fmt.Sprintf("invalid transition: event %s in state %s", event, m.state)
		slog.Warn("state machine rejected event", "state", m.state.String(), "event", event.String())
		m.feedback = append(m.feedback, msg)
		if len(m.feedback) > maxFeedback {
			m.feedback = m.feedback[len(m.feedback)-maxFeedback:]
		}
		return m.state
	}

	if next != m.state {
		slog.Debug("state transition", "from", m.state.String(), "to", next.String(), "event", event.String())
		if m.onTransition != nil {
			m.onTransition(m.state, next, event)
		}
	}
	m.state = next
	return next
}

// Reset returns the machine to Dialogue and clears feedback.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDialogue
	m.feedback = nil
}

// Feedback drains the accumulated invalid-transition messages.
func (m *Machine) Feedback() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.feedback
	m.feedback = nil
	return out
}
