package plcman

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"visiongate/config"
	"visiongate/modbus"
	"visiongate/register"
	"visiongate/s7"
)

// Supported transports.
const (
	TransportS7     = "s7"
	TransportModbus = "modbus"
	TransportSim    = "sim"
)

// DefaultTimeout applies when Params.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Params identifies one PLC connection.
type Params struct {
	IP        string        `json:"ip"`
	Port      int           `json:"port,omitempty"`
	DB        int           `json:"db"`
	Rack      int           `json:"rack"`
	Slot      int           `json:"slot"`
	ConnType  int           `json:"connection_type"`
	Transport string        `json:"transport,omitempty"`
	Timeout   time.Duration `json:"-"`
}

// ParamsFromConfig builds connection parameters from the plc config section.
func ParamsFromConfig(c config.PLCConfig) Params {
	return Params{
		IP:        c.IP,
		Port:      c.Port,
		DB:        c.DB,
		Rack:      c.Rack,
		Slot:      c.Slot,
		ConnType:  c.ConnType,
		Transport: c.Transport,
		Timeout:   c.Timeout,
	}
}

func (p Params) withDefaults() Params {
	p.IP = strings.TrimSpace(p.IP)
	if p.Transport == "" {
		p.Transport = TransportS7
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Validate checks that p can be dialed.
func (p Params) Validate() error {
	if p.IP == "" {
		return fmt.Errorf("plc ip is required")
	}
	if p.DB < 0 {
		return fmt.Errorf("data block number must not be negative, got %d", p.DB)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	switch p.Transport {
	case "", TransportS7, TransportModbus, TransportSim:
	default:
		return fmt.Errorf("unknown transport %q", p.Transport)
	}
	return nil
}

// Address returns host:port, filling in the transport's default port.
func (p Params) Address() string {
	if p.IP == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(p.IP); err == nil {
		return p.IP
	}
	port := p.Port
	if port == 0 {
		port = s7.DefaultPort
		if p.Transport == TransportModbus {
			port = modbus.DefaultPort
		}
	}
	return net.JoinHostPort(p.IP, strconv.Itoa(port))
}

// Dialer opens a register transport for p.
type Dialer func(ctx context.Context, p Params) (register.Transport, error)

// DialTransport is the default Dialer. It selects the S7 or Modbus transport.
func DialTransport(ctx context.Context, p Params) (register.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch p.Transport {
	case "", TransportS7:
		c, err := s7.Dial(p.Address(),
			s7.WithRackSlot(p.Rack, p.Slot),
			s7.WithConnectType(p.ConnType),
			s7.WithTimeout(p.Timeout),
		)
		if err != nil {
			return nil, err
		}
		return c, nil
	case TransportModbus:
		c, err := modbus.Dial(modbus.Config{Endpoint: p.Address(), Timeout: p.Timeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	case TransportSim:
		return nil, fmt.Errorf("sim transport needs a simulator dialer")
	default:
		return nil, fmt.Errorf("unknown transport %q", p.Transport)
	}
}
