// Package trigger implements the gate that decides whether a detection may run,
// based on a fresh read of the PLC trigger word.
package trigger

import (
	"errors"
	"sync/atomic"

	"visiongate/logging"
	"visiongate/plcman"
	"visiongate/register"
)

// Default handshake values.
const (
	ArmValue int16 = 1 // written by the PLC to request a detection
	AckValue int16 = 2 // written back after a successful detection
)

// State is the gate state.
type State int32

const (
	StateBypassed State = iota
	StateIdle
	StateArmed
	StateExecuting
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateBypassed:
		return "Bypassed"
	case StateIdle:
		return "Idle"
	case StateArmed:
		return "Armed"
	case StateExecuting:
		return "Executing"
	case StateCooldown:
		return "Cooldown"
	default:
		return "Unknown"
	}
}

// EventKind identifies a gate input.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRead
	EventAccept
	EventWriteBack
	EventAbort
)

// Event is a gate input. Value is only meaningful for EventRead.
type Event struct {
	Kind  EventKind
	Value int16
}

// Read returns the event for a fresh trigger read of v.
func Read(v int16) Event {
	return Event{Kind: EventRead, Value: v}
}

// Values holds the handshake word values.
type Values struct {
	Arm int16
	Ack int16
}

// DefaultValues is arm = 1, ack = 2.
var DefaultValues = Values{Arm: ArmValue, Ack: AckValue}

// Transition applies e to s using the default handshake values.
func Transition(s State, e Event) State {
	return DefaultValues.Transition(s, e)
}

// Transition is the pure gate transition function.
//
// Bypassed is left only on EventConnected. Reads never force Cooldown to Idle;
// the PLC resetting its word is observed as a read of something other than ack.
func (v Values) Transition(s State, e Event) State {
	switch e.Kind {
	case EventDisconnected:
		return StateBypassed
	case EventConnected:
		if s == StateBypassed {
			return StateIdle
		}
		return s
	case EventRead:
		switch s {
		case StateBypassed, StateExecuting:
			return s
		}
		if e.Value == v.Arm {
			return StateArmed
		}
		if s == StateCooldown && e.Value == v.Ack {
			return StateCooldown
		}
		return StateIdle
	case EventAccept:
		if s == StateArmed {
			return StateExecuting
		}
	case EventWriteBack:
		if s == StateExecuting {
			return StateCooldown
		}
	case EventAbort:
		if s == StateExecuting {
			return StateArmed
		}
	}
	return s
}

// Source is the connection the gate reads through. *plcman.Manager implements it.
type Source interface {
	Status() plcman.ConnectionStatus
	Params() plcman.Params
	Do(fn func(p *register.Protocol) error) error
}

// Check is the outcome of one gate evaluation.
type Check struct {
	Allowed  bool
	Bypassed bool
	Trigger  int16 // fresh value; zero when bypassed
	State    State
}

// Gate tracks the handshake state for one trigger word.
type Gate struct {
	src    Source
	offset int
	values Values

	state    atomic.Int32
	last     atomic.Int32
	haveLast atomic.Bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithValues overrides the arm and ack values.
func WithValues(v Values) GateOption {
	return func(g *Gate) { g.values = v }
}

// NewGate creates a gate over the trigger word at byte offset within the
// connection's data block.
func NewGate(src Source, offset int, opts ...GateOption) *Gate {
	g := &Gate{src: src, offset: offset, values: DefaultValues}
	for _, opt := range opts {
		opt(g)
	}
	g.state.Store(int32(StateBypassed))
	return g
}

// Values returns the handshake values in use.
func (g *Gate) Values() Values {
	return g.values
}

// Offset returns the trigger word byte offset.
func (g *Gate) Offset() int {
	return g.offset
}

// State returns the current state without blocking.
func (g *Gate) State() State {
	return State(g.state.Load())
}

// Apply feeds e to the state machine and returns the new state.
func (g *Gate) Apply(e Event) State {
	for {
		old := State(g.state.Load())
		next := g.values.Transition(old, e)
		if g.state.CompareAndSwap(int32(old), int32(next)) {
			if next != old {
				logging.DebugLog("gate", "%s -> %s", old, next)
			}
			return next
		}
	}
}

// LastTrigger returns the most recent trigger value read by the gate.
func (g *Gate) LastTrigger() (int16, bool) {
	return int16(g.last.Load()), g.haveLast.Load()
}

// syncStatus applies the connection status and reports whether the gate is bypassed.
func (g *Gate) syncStatus() bool {
	if g.src.Status() != plcman.StatusConnected {
		g.Apply(Event{Kind: EventDisconnected})
		return true
	}
	g.Apply(Event{Kind: EventConnected})
	return false
}

// Observe reads the trigger word and feeds it to the state machine. It
// returns bypassed = true without any I/O when no connection is active.
func (g *Gate) Observe() (v int16, bypassed bool, err error) {
	if g.syncStatus() {
		return 0, true, nil
	}

	db := g.src.Params().DB
	err = g.src.Do(func(p *register.Protocol) error {
		var rerr error
		v, rerr = p.ReadWord(db, g.offset)
		return rerr
	})
	if errors.Is(err, register.ErrNotConnected) {
		g.Apply(Event{Kind: EventDisconnected})
		return 0, true, nil
	}
	if err != nil {
		g.syncStatus()
		return 0, false, err
	}

	g.last.Store(int32(v))
	g.haveLast.Store(true)
	g.Apply(Read(v))
	return v, false, nil
}

// Allow performs a fresh trigger read and reports whether a detection may
// start: always when bypassed, otherwise iff the trigger equals the arm value.
func (g *Gate) Allow() (Check, error) {
	v, bypassed, err := g.Observe()
	if err != nil {
		return Check{State: g.State()}, err
	}
	if bypassed {
		return Check{Allowed: true, Bypassed: true, State: StateBypassed}, nil
	}
	return Check{Allowed: v == g.values.Arm, Trigger: v, State: g.State()}, nil
}
