package editor

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/webdocs/emulator/internal/docerr"
)

// State is the lifecycle state of the orchestrator. Exactly one state is
// current at a time; Disposed is terminal.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Saving
	Exporting
	Errored
	Disposed
)

var stateNames = map[State]string{
	Idle:      "idle",
	Loading:   "loading",
	Ready:     "ready",
	Saving:    "saving",
	Exporting: "exporting",
	Errored:   "error",
	Disposed:  "disposed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// transitions is the single source of truth for legality.
var transitions = map[State][]State{
	Idle:      {Loading, Disposed},
	Loading:   {Ready, Errored, Disposed},
	Ready:     {Saving, Exporting, Loading, Errored, Disposed},
	Saving:    {Ready, Errored, Disposed},
	Exporting: {Ready, Errored, Disposed},
	Errored:   {Loading, Disposed},
	Disposed:  {},
}

// Listener observes completed transitions.
type Listener func(from, to State)

// Machine serializes state transitions and fans them out to listeners.
type Machine struct {
	mu        sync.Mutex
	state     State
	listeners []Listener
}

func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe adds a transition listener. Listener exceptions neither
// abort the transition nor affect other listeners.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves to next. A same-state transition is a silent no-op;
// any transition not in the table fails with an invalid-transition
// error and leaves the state unchanged.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	from := m.state
	if from == next {
		m.mu.Unlock()
		return nil
	}
	legal := false
	for _, s := range transitions[from] {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		return docerr.Op("editor.Transition", docerr.ErrInvalidStateTransition,
			fmt.Errorf("%s -> %s", from, next))
	}
	m.state = next
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		notify(l, from, next)
	}
	return nil
}

func notify(l Listener, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("editor: transition listener panicked: %v", r)
		}
	}()
	l(from, to)
}
