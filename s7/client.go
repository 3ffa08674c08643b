// Package s7 provides the Siemens S7 data block transport used by the register protocol.
package s7

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"visiongate/logging"
)

// DefaultPort is the ISO-on-TCP port used by S7 CPUs.
const DefaultPort = 102

// Client is a data block word transport over a single S7 connection.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	connType  int
	connected bool
	mu        sync.Mutex
}

type options struct {
	rack     int
	slot     int
	connType int
	timeout  time.Duration
}

// Option is a functional option for Dial.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// S7-1200/1500 CPUs usually answer on rack 0, slot 1; S7-300/400 on slot 2.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithConnectType selects the ISO connection type (1 = PG, 2 = OP, 3 = S7 basic).
// Zero keeps the library default.
func WithConnectType(t int) Option {
	return func(o *options) {
		o.connType = t
	}
}

// WithTimeout configures the connect and request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Dial connects to an S7 PLC. address may omit the port.
func Dial(address string, opts ...Option) (*Client, error) {
	cfg := &options{
		rack:    0,
		slot:    1,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	address = withDefaultPort(address)
	logging.DebugConnect("s7", address)

	var handler *gos7.TCPClientHandler
	if cfg.connType > 0 {
		handler = gos7.NewTCPClientHandlerWithConnectType(address, cfg.rack, cfg.slot, cfg.connType)
	} else {
		handler = gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	}
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = 0

	if err := handler.Connect(); err != nil {
		logging.DebugConnectError("s7", address, err)
		return nil, fmt.Errorf("s7 connect %s (rack %d, slot %d): %w", address, cfg.rack, cfg.slot, err)
	}

	logging.DebugLog("s7", "CONNECTED to %s (rack %d, slot %d, type %d)", address, cfg.rack, cfg.slot, cfg.connType)
	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		rack:      cfg.rack,
		slot:      cfg.slot,
		connType:  cfg.connType,
		connected: true,
	}, nil
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(DefaultPort))
}

// ReadArea reads len(buf) bytes from data block db starting at offset.
func (c *Client) ReadArea(db, offset int, buf []byte) error {
	if c == nil {
		return fmt.Errorf("ReadArea: nil client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("ReadArea: connection closed")
	}
	if err := c.client.AGReadDB(db, offset, len(buf), buf); err != nil {
		c.noteError(err)
		return err
	}
	return nil
}

// WriteArea writes data to data block db starting at offset.
func (c *Client) WriteArea(db, offset int, data []byte) error {
	if c == nil {
		return fmt.Errorf("WriteArea: nil client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("WriteArea: connection closed")
	}
	if err := c.client.AGWriteDB(db, offset, len(data), data); err != nil {
		c.noteError(err)
		return err
	}
	return nil
}

// noteError marks the link dead when err looks like a broken connection.
// Must be called with c.mu held.
func (c *Client) noteError(err error) {
	if isConnectionError(err) {
		c.connected = false
		logging.DebugDisconnect("s7", c.address, err.Error())
	}
}

// isConnectionError checks if an error indicates the TCP connection is broken.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed")
}

// IsConnected reports whether the last operation left the link usable.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionMode returns a human-readable description of the link.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Sprintf("S7 %s (Rack %d, Slot %d, Type %d)", c.address, c.rack, c.slot, c.connType)
	}
	return "Disconnected"
}

// Close releases the underlying TCP connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
