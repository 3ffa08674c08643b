// Package plcman owns the single PLC connection and serializes all register I/O on it.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"visiongate/logging"
	"visiongate/register"
)

// ConnectionStatus represents the state of the PLC connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrConnectInProgress is returned when Connect is called while another attempt is running.
var ErrConnectInProgress = errors.New("plc connect already in progress")

// ErrConnectAborted is wrapped in the ConnectionError returned when
// Disconnect runs while a connect attempt is still dialing.
var ErrConnectAborted = errors.New("connect aborted by disconnect")

// ConnectionError reports an unreachable or failing PLC. It wraps the dial
// error or the register.ProtocolError that broke the link.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("plc %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Snapshot is an immutable copy of the connection state.
type Snapshot struct {
	Status      ConnectionStatus `json:"-"`
	State       string           `json:"status"`
	Connected   bool             `json:"connected"`
	IP          string           `json:"ip"`
	DB          int              `json:"db"`
	Rack        int              `json:"rack"`
	Slot        int              `json:"slot"`
	ConnType    int              `json:"connection_type"`
	Transport   string           `json:"transport"`
	LastError   string           `json:"last_error,omitempty"`
	ConnectedAt *time.Time       `json:"connected_at,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the transport dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns one PLC connection. At most one connect attempt and at most one
// register operation run at any time.
type Manager struct {
	dial Dialer
	now  func() time.Time

	connecting atomic.Bool

	// chMu is the channel mutex: held for every register operation and
	// for every handle swap.
	chMu sync.Mutex

	mu          sync.RWMutex
	params      Params
	tr          register.Transport
	proto       *register.Protocol
	status      ConnectionStatus
	lastErr     error
	connectedAt time.Time
	gen         uint64 // bumped by Disconnect

	onChange atomic.Value // func(Snapshot)
}

// NewManager creates a disconnected Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dial: DialTransport,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnChange sets a callback invoked after every status change.
func (m *Manager) SetOnChange(fn func(Snapshot)) {
	m.onChange.Store(fn)
}

func (m *Manager) notify() {
	if fn, ok := m.onChange.Load().(func(Snapshot)); ok && fn != nil {
		fn(m.Snapshot())
	}
}

// Connect establishes the connection described by p. It is a no-op when
// already connected with identical parameters; otherwise any existing handle
// is closed first. A failed attempt leaves the manager in StatusError.
func (m *Manager) Connect(ctx context.Context, p Params) error {
	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer m.connecting.Store(false)

	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	same := m.status == StatusConnected && m.params == p
	m.mu.RUnlock()
	if same {
		return nil
	}

	m.chMu.Lock()
	m.closeLocked("reconnect")
	m.mu.Lock()
	m.params = p
	gen := m.gen
	m.mu.Unlock()
	m.chMu.Unlock()

	logging.DebugLog("plc", "Connecting to %s via %s (db %d, rack %d, slot %d, type %d)",
		p.Address(), p.Transport, p.DB, p.Rack, p.Slot, p.ConnType)

	tr, err := m.dialContext(ctx, p)
	if err != nil {
		cerr := &ConnectionError{Address: p.Address(), Err: err}
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return &ConnectionError{Address: p.Address(), Err: ErrConnectAborted}
		}
		m.status = StatusError
		m.lastErr = cerr
		m.mu.Unlock()
		logging.DebugConnectError("plc", p.Address(), err)
		m.notify()
		return cerr
	}

	m.chMu.Lock()
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.chMu.Unlock()
		tr.Close()
		logging.DebugDisconnect("plc", p.Address(), "disconnected while dialing")
		return &ConnectionError{Address: p.Address(), Err: ErrConnectAborted}
	}
	m.tr = tr
	m.proto = register.New(tr, m.isConnected)
	m.status = StatusConnected
	m.lastErr = nil
	m.connectedAt = m.now()
	m.mu.Unlock()
	m.chMu.Unlock()

	logging.DebugLog("plc", "Connected to %s", p.Address())
	m.notify()
	return nil
}

// dialContext runs the dialer and abandons it when ctx ends first. A handle
// that arrives after cancellation is closed.
func (m *Manager) dialContext(ctx context.Context, p Params) (register.Transport, error) {
	type result struct {
		tr  register.Transport
		err error
	}
	done := make(chan result, 1)
	go func() {
		tr, err := m.dial(ctx, p)
		done <- result{tr, err}
	}()

	select {
	case r := <-done:
		return r.tr, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.tr != nil {
				r.tr.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Disconnect closes the handle and resets the status to Disconnected.
func (m *Manager) Disconnect() {
	m.chMu.Lock()
	changed := m.closeLocked("operator request")
	m.mu.Lock()
	m.gen++
	if m.status != StatusDisconnected || m.lastErr != nil {
		changed = true
	}
	m.status = StatusDisconnected
	m.lastErr = nil
	m.mu.Unlock()
	m.chMu.Unlock()

	if changed {
		m.notify()
	}
}

// closeLocked releases the current handle. Must be called with chMu held.
func (m *Manager) closeLocked(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tr == nil {
		return false
	}
	if err := m.tr.Close(); err != nil {
		logging.DebugError("plc", "close", err)
	}
	logging.DebugDisconnect("plc", m.params.Address(), reason)
	m.tr = nil
	m.proto = nil
	m.status = StatusDisconnected
	m.connectedAt = time.Time{}
	return true
}

func (m *Manager) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status == StatusConnected
}

// Status returns the current connection status.
func (m *Manager) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Params returns the parameters of the current or last connection.
func (m *Manager) Params() Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

// Snapshot returns the connection state. It performs no I/O.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Status:    m.status,
		State:     m.status.String(),
		Connected: m.status == StatusConnected,
		IP:        m.params.IP,
		DB:        m.params.DB,
		Rack:      m.params.Rack,
		Slot:      m.params.Slot,
		ConnType:  m.params.ConnType,
		Transport: m.params.Transport,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if !m.connectedAt.IsZero() {
		t := m.connectedAt
		s.ConnectedAt = &t
	}
	return s
}

// Do runs fn with exclusive use of the PLC channel. It fails with
// register.ErrNotConnected unless the status is Connected. A register fault
// inside fn moves the manager to StatusError and is returned as a
// ConnectionError wrapping the register.ProtocolError; the handle stays
// open until Disconnect or Connect.
func (m *Manager) Do(fn func(p *register.Protocol) error) error {
	m.chMu.Lock()

	m.mu.RLock()
	proto, status, addr := m.proto, m.status, m.params.Address()
	m.mu.RUnlock()

	if status != StatusConnected || proto == nil {
		m.chMu.Unlock()
		return register.ErrNotConnected
	}

	err := fn(proto)
	var perr *register.ProtocolError
	if err == nil || !errors.As(err, &perr) {
		m.chMu.Unlock()
		return err
	}

	cerr := &ConnectionError{Address: addr, Err: err}
	m.mu.Lock()
	m.status = StatusError
	m.lastErr = cerr
	m.mu.Unlock()
	m.chMu.Unlock()

	logging.DebugError("plc", perr.Op+" "+perr.Address, perr.Err)
	m.notify()
	return cerr
}
