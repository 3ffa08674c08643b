package trigger

import (
	"context"
	"errors"
	"testing"

	"visiongate/plcman"
	"visiongate/plcsim"
	"visiongate/register"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateBypassed, "Bypassed"},
		{StateIdle, "Idle"},
		{StateArmed, "Armed"},
		{StateExecuting, "Executing"},
		{StateCooldown, "Cooldown"},
		{State(99), "Unknown"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.expected {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.expected)
		}
	}
}

func TestTransition(t *testing.T) {
	connected := Event{Kind: EventConnected}
	disconnected := Event{Kind: EventDisconnected}
	accept := Event{Kind: EventAccept}
	writeBack := Event{Kind: EventWriteBack}
	abort := Event{Kind: EventAbort}

	tests := []struct {
		name string
		from State
		ev   Event
		want State
	}{
		{"connect leaves bypass", StateBypassed, connected, StateIdle},
		{"connect keeps armed", StateArmed, connected, StateArmed},
		{"reads ignored while bypassed", StateBypassed, Read(1), StateBypassed},
		{"disconnect from armed", StateArmed, disconnected, StateBypassed},
		{"disconnect from executing", StateExecuting, disconnected, StateBypassed},
		{"idle arms on 1", StateIdle, Read(1), StateArmed},
		{"idle stays idle on 0", StateIdle, Read(0), StateIdle},
		{"idle stays idle on 2", StateIdle, Read(2), StateIdle},
		{"armed drops to idle", StateArmed, Read(0), StateIdle},
		{"accept armed", StateArmed, accept, StateExecuting},
		{"accept ignored when idle", StateIdle, accept, StateIdle},
		{"reads ignored while executing", StateExecuting, Read(0), StateExecuting},
		{"write-back", StateExecuting, writeBack, StateCooldown},
		{"write-back ignored when armed", StateArmed, writeBack, StateArmed},
		{"abort returns to armed", StateExecuting, abort, StateArmed},
		{"cooldown holds on ack", StateCooldown, Read(2), StateCooldown},
		{"cooldown ends on plc reset", StateCooldown, Read(0), StateIdle},
		{"cooldown re-armed", StateCooldown, Read(1), StateArmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transition(tt.from, tt.ev); got != tt.want {
				t.Errorf("Transition(%s, %+v) = %s, want %s", tt.from, tt.ev, got, tt.want)
			}
		})
	}
}

func TestTransition_CustomValues(t *testing.T) {
	v := Values{Arm: 10, Ack: 20}
	if got := v.Transition(StateIdle, Read(10)); got != StateArmed {
		t.Errorf("custom arm: got %s", got)
	}
	if got := v.Transition(StateIdle, Read(1)); got != StateIdle {
		t.Errorf("default arm with custom values: got %s", got)
	}
	if got := v.Transition(StateCooldown, Read(20)); got != StateCooldown {
		t.Errorf("custom ack: got %s", got)
	}
}

func connectedGate(t *testing.T) (*Gate, *plcsim.PLC, *plcman.Manager) {
	t.Helper()
	plc := plcsim.New()
	m := plcman.NewManager(plcman.WithDialer(func(ctx context.Context, p plcman.Params) (register.Transport, error) {
		return plc.Open(), nil
	}))
	if err := m.Connect(context.Background(), plcman.Params{IP: "192.168.0.17", DB: 4, Slot: 1, ConnType: 2}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return NewGate(m, 0), plc, m
}

func TestGate_Bypassed(t *testing.T) {
	plc := plcsim.New()
	m := plcman.NewManager(plcman.WithDialer(func(ctx context.Context, p plcman.Params) (register.Transport, error) {
		return plc, nil
	}))
	g := NewGate(m, 0)

	check, err := g.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !check.Allowed || !check.Bypassed || check.State != StateBypassed {
		t.Errorf("unexpected check: %+v", check)
	}
	if plc.Reads() != 0 {
		t.Error("bypassed gate must not read")
	}
}

func TestGate_FreshReadEveryCall(t *testing.T) {
	g, plc, _ := connectedGate(t)

	check, err := g.Allow()
	if err != nil {
		t.Fatal(err)
	}
	if check.Allowed || check.Trigger != 0 || check.State != StateIdle {
		t.Errorf("trigger 0: %+v", check)
	}

	plc.SetWord(4, 0, 1)
	check, _ = g.Allow()
	if !check.Allowed || check.State != StateArmed {
		t.Errorf("trigger 1: %+v", check)
	}

	plc.SetWord(4, 0, 0)
	check, _ = g.Allow()
	if check.Allowed {
		t.Errorf("trigger reset to 0 still allowed: %+v", check)
	}
	if plc.Reads() != 3 {
		t.Errorf("reads = %d, want 3", plc.Reads())
	}
	if v, ok := g.LastTrigger(); !ok || v != 0 {
		t.Errorf("LastTrigger = %d, %v", v, ok)
	}
	if plc.Writes() != 0 {
		t.Error("gate must never write")
	}
}

func TestGate_CooldownUntilPLCReset(t *testing.T) {
	g, plc, _ := connectedGate(t)

	plc.SetWord(4, 0, 1)
	g.Allow()
	g.Apply(Event{Kind: EventAccept})
	g.Apply(Event{Kind: EventWriteBack})
	plc.SetWord(4, 0, 2)

	check, _ := g.Allow()
	if check.Allowed || check.State != StateCooldown {
		t.Errorf("after ack: %+v", check)
	}
	plc.SetWord(4, 0, 0)
	if check, _ = g.Allow(); check.State != StateIdle {
		t.Errorf("after plc reset: %+v", check)
	}
}

func TestGate_ReadFault(t *testing.T) {
	g, plc, m := connectedGate(t)

	plc.FailReads(errors.New("read: connection reset by peer"))
	_, err := g.Allow()
	var perr *register.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if m.Status() != plcman.StatusError {
		t.Errorf("status = %v, want Error", m.Status())
	}
	if g.State() != StateBypassed {
		t.Errorf("state = %s after fault, want Bypassed", g.State())
	}

	// Degraded connection stays degraded: gate is bypassed, no I/O.
	plc.FailReads(nil)
	reads := plc.Reads()
	check, err := g.Allow()
	if err != nil || !check.Bypassed {
		t.Errorf("after fault: %+v, %v", check, err)
	}
	if plc.Reads() != reads {
		t.Error("bypassed gate performed I/O")
	}
}
