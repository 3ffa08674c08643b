package engine

import (
	"context"
	"sync"
	"time"

	"visiongate/logging"
	"visiongate/register"
)

// DefaultPollInterval is the status poll period used by the operator page.
const DefaultPollInterval = 500 * time.Millisecond

// Poller produces status snapshots for the UI. It never writes registers and
// never waits behind a running detection.
type Poller struct {
	o     *Orchestrator
	bus   *EventBus
	logFn LogFunc

	mu       sync.Mutex
	last     Status
	haveLast bool
	lastLog  time.Time
	logState string
	logTrig  *int16
}

// NewPoller creates a poller over the orchestrator's connection and gate.
func NewPoller(o *Orchestrator, bus *EventBus, logFn LogFunc) *Poller {
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Poller{o: o, bus: bus, logFn: logFn}
}

// Poll returns the current status. When a detection holds the channel, the
// last trigger value seen by the gate is reported without any I/O.
func (p *Poller) Poll() Status {
	trig := p.readTrigger()
	s := buildStatus(p.o.plc, p.o.counter, p.o.gate, trig)
	p.logStatus(s)
	return s
}

func (p *Poller) readTrigger() *int16 {
	if !p.o.tryAcquire() {
		if v, ok := p.o.gate.LastTrigger(); ok {
			return &v
		}
		return nil
	}
	defer p.o.release()

	v, bypassed, err := p.o.gate.Observe()
	if err != nil {
		logging.DebugLog("poller", "trigger read failed: %v", err)
		return nil
	}
	if bypassed {
		return nil
	}
	return &v
}

// logStatus writes an operator line when the state or trigger changes, and
// otherwise at most once a second.
func (p *Poller) logStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.o.now()
	same := s.State == p.logState && sameTrigger(s.Trigger, p.logTrig)
	if same && now.Sub(p.lastLog) <= time.Second {
		return
	}
	p.lastLog = now
	p.logState = s.State
	p.logTrig = s.Trigger

	addr := register.FormatAddress(s.DB, p.o.gate.Offset())
	switch {
	case !s.Connected:
		p.logFn("[PLC] not connected, cannot read %s", addr)
	case s.Trigger == nil:
		p.logFn("[PLC] %s busy, detection in progress", addr)
	case *s.Trigger == p.o.gate.Values().Arm:
		p.logFn("[PLC] %s=%d, waiting for frame", addr, *s.Trigger)
	default:
		p.logFn("[PLC] %s=%d, detection not requested", addr, *s.Trigger)
	}
}

// Run polls every interval until ctx is done and emits EventStatus whenever
// the status changes.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(p.Poll())
		}
	}
}

func (p *Poller) publish(s Status) {
	p.mu.Lock()
	changed := !p.haveLast || s.changed(p.last)
	p.last = s
	p.haveLast = true
	p.mu.Unlock()

	if changed {
		p.bus.Emit(Event{Type: EventStatus, Payload: s})
	}
}

func sameTrigger(a, b *int16) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
