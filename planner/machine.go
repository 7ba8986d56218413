package planner

import (
	"fmt"
	"log/slog"
	"sync"
)

type State string

const (
	StateReceived         State = "Received"
	StateParsing          State = "Parsing"
	StateParsedStructured State = "ParsedStructured"
	StateParsedFallback   State = "ParsedFallback"
	StateEmbedding        State = "Embedding"
	StateRetrieving       State = "Retrieving"
	StateAssembling       State = "Assembling"
	StateCompleted        State = "Completed"
	StateFailed           State = "Failed"
)

var transitions = map[State][]State{
	StateReceived:         {StateParsing},
	StateParsing:          {StateParsedStructured, StateParsedFallback},
	StateParsedStructured: {StateEmbedding, StateRetrieving},
	StateParsedFallback:   {StateEmbedding, StateRetrieving},
	StateEmbedding:        {StateRetrieving},
	StateRetrieving:       {StateAssembling},
	StateAssembling:       {StateCompleted},
}

// Machine tracks the lifecycle of one query. Failed is reachable from every
// non-terminal state.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []State
	logger  *slog.Logger
}

func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{state: StateReceived, history: []State{StateReceived}, logger: logger}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// To moves to next, rejecting transitions the lifecycle does not allow.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next == StateFailed {
		if m.terminal() {
			return fmt.Errorf("query already %s", m.state)
		}
		m.set(next)
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.set(next)
			return nil
		}
	}
	return fmt.Errorf("invalid query state transition %s -> %s", m.state, next)
}

// Fail moves to Failed and logs err.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal() {
		return
	}
	m.logger.Debug("query state", "from", m.state, "to", StateFailed, "err", err)
	m.state = StateFailed
	m.history = append(m.history, StateFailed)
}

func (m *Machine) set(next State) {
	m.logger.Debug("query state", "from", m.state, "to", next)
	m.state = next
	m.history = append(m.history, next)
}

func (m *Machine) terminal() bool {
	return m.state == StateCompleted || m.state == StateFailed
}
