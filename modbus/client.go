// Package modbus provides a Modbus TCP word transport for PLCs or gateways that
// expose the handshake data block as holding registers.
//
// Data block numbers map to the unit id and byte offsets map to holding
// register addresses (offset / 2), so DB4.DBW2 becomes unit 4, register 1.
package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"visiongate/logging"
)

// DefaultPort is the standard Modbus TCP port.
const DefaultPort = 502

// Config is minimal transport config.
type Config struct {
	Endpoint string // host:port
	Timeout  time.Duration
	// BaseRegister is added to every computed register address.
	BaseRegister uint16
}

// Client is a single Modbus TCP connection. It serializes requests because it
// mutates SlaveId per data block.
type Client struct {
	mu       sync.Mutex
	handler  *modbus.TCPClientHandler
	client   modbus.Client
	endpoint string
	base     uint16
}

// Dial connects to a Modbus TCP endpoint.
func Dial(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	logging.DebugConnect("modbus", cfg.Endpoint)

	if err := h.Connect(); err != nil {
		logging.DebugConnectError("modbus", cfg.Endpoint, err)
		return nil, fmt.Errorf("modbus connect %s: %w", cfg.Endpoint, err)
	}

	return &Client{
		handler:  h,
		client:   modbus.NewClient(h),
		endpoint: cfg.Endpoint,
		base:     cfg.BaseRegister,
	}, nil
}

// span maps a data block byte range onto a unit id, start register and quantity.
func span(db, offset, size int, base uint16) (unit byte, reg, qty uint16, err error) {
	if db < 0 || db > 247 {
		return 0, 0, 0, fmt.Errorf("modbus: data block %d outside unit id range 0-247", db)
	}
	if offset < 0 || offset%2 != 0 {
		return 0, 0, 0, fmt.Errorf("modbus: byte offset %d is not word aligned", offset)
	}
	if size <= 0 || size%2 != 0 {
		return 0, 0, 0, fmt.Errorf("modbus: length %d is not a whole number of words", size)
	}
	start := int(base) + offset/2
	if start+size/2 > 0x10000 {
		return 0, 0, 0, fmt.Errorf("modbus: register range exceeds 65535")
	}
	return byte(db), uint16(start), uint16(size / 2), nil
}

// ReadArea reads len(buf) bytes of holding registers. Modbus registers are
// big-endian on the wire, matching the data block word layout.
func (c *Client) ReadArea(db, offset int, buf []byte) error {
	unit, reg, qty, err := span(db, offset, len(buf), c.base)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unit
	data, err := c.client.ReadHoldingRegisters(reg, qty)
	if err != nil {
		return err
	}
	if len(data) != len(buf) {
		return fmt.Errorf("modbus: short read: got %d bytes, want %d", len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

// WriteArea writes data as consecutive holding registers.
func (c *Client) WriteArea(db, offset int, data []byte) error {
	unit, reg, qty, err := span(db, offset, len(data), c.base)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unit
	_, err = c.client.WriteMultipleRegisters(reg, qty, data)
	return err
}

// Close closes the TCP connection.
func (c *Client) Close() error {
	if c == nil || c.handler == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	logging.DebugDisconnect("modbus", c.endpoint, "closed")
	return c.handler.Close()
}
