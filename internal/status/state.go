// Package status tracks gateway connectivity as a validated state machine.
package status

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
)

type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

var validTransitions = map[State][]State{
	Offline:      {Connecting},
	Connecting:   {Online, Failed, Offline},
	Online:       {Reconnecting, Offline},
	Reconnecting: {Online, Failed, Offline},
	Failed:       {Connecting, Offline},
}

// Change is the payload published on connectivity transitions.
type Change struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Machine holds the current connectivity state and publishes every valid
// transition on the bus.
type Machine struct {
	mu    sync.RWMutex
	state State
	bus   *bus.Bus
	log   *zap.Logger
}

func NewMachine(b *bus.Bus, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{state: Offline, bus: b, log: log}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the socket is usable for sends.
func (m *Machine) Connected() bool {
	return m.Current() == Online
}

// Transition moves to the target state, rejecting moves the table does
// not allow. A self-transition is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid connectivity transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	m.log.Info("connectivity changed",
		zap.String("from", string(from)), zap.String("to", string(to)))
	if m.bus != nil {
		m.bus.Emit(bus.KindConnectivity, Change{From: from, To: to})
	}
	return nil
}
