// Package register encodes 16-bit word reads and writes against a PLC data block.
package register

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"visiongate/logging"
)

// WordSize is the size in bytes of a data block word (DBW).
const WordSize = 2

// ErrNotConnected is returned when register I/O is attempted without an active connection.
var ErrNotConnected = errors.New("plc not connected")

// Transport supplies the physical byte-level primitives for one PLC connection.
// Offsets are byte offsets within the data block.
type Transport interface {
	ReadArea(db, offset int, buf []byte) error
	WriteArea(db, offset int, data []byte) error
	Close() error
}

// ProtocolError describes a failed or malformed register operation.
type ProtocolError struct {
	Op      string // "read" or "write"
	Address string // e.g. DB4.DBW0
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Address, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FormatAddress returns the S7-style word address, e.g. "DB4.DBW2".
func FormatAddress(db, offset int) string {
	return fmt.Sprintf("DB%d.DBW%d", db, offset)
}

// Protocol is a word codec over an active transport. It performs no gating
// and never retries.
type Protocol struct {
	tr        Transport
	connected func() bool
}

// New creates a Protocol. connected reports whether the owning connection is
// currently usable; a nil func means always connected.
func New(tr Transport, connected func() bool) *Protocol {
	return &Protocol{tr: tr, connected: connected}
}

func (p *Protocol) usable() bool {
	if p == nil || p.tr == nil {
		return false
	}
	return p.connected == nil || p.connected()
}

// ReadWord reads the signed 16-bit word at db/offset.
func (p *Protocol) ReadWord(db, offset int) (int16, error) {
	addr := FormatAddress(db, offset)
	if !p.usable() {
		return 0, &ProtocolError{Op: "read", Address: addr, Err: ErrNotConnected}
	}

	buf := make([]byte, WordSize)
	if err := p.tr.ReadArea(db, offset, buf); err != nil {
		return 0, &ProtocolError{Op: "read", Address: addr, Err: err}
	}
	logging.DebugRX("plc", buf)
	return DecodeWord(buf), nil
}

// WriteWord writes a signed 16-bit word to db/offset.
func (p *Protocol) WriteWord(db, offset int, value int) error {
	return p.WriteWords(db, offset, value)
}

// WriteWords writes consecutive words starting at db/offset in a single
// transport call. Values are clamped to the int16 range.
func (p *Protocol) WriteWords(db, offset int, values ...int) error {
	addr := FormatAddress(db, offset)
	if len(values) == 0 {
		return nil
	}
	if !p.usable() {
		return &ProtocolError{Op: "write", Address: addr, Err: ErrNotConnected}
	}

	data := make([]byte, 0, len(values)*WordSize)
	for _, v := range values {
		data = append(data, EncodeWord(Clamp(v))...)
	}
	logging.DebugTX("plc", data)
	if err := p.tr.WriteArea(db, offset, data); err != nil {
		return &ProtocolError{Op: "write", Address: addr, Err: err}
	}
	return nil
}

// Clamp limits v to the int16 range.
func Clamp(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// EncodeWord returns the big-endian encoding of v.
func EncodeWord(v int16) []byte {
	buf := make([]byte, WordSize)
	binary.BigEndian.PutUint16(buf, uint16(v))
	return buf
}

// DecodeWord decodes a big-endian signed word. buf must hold at least two bytes.
func DecodeWord(buf []byte) int16 {
	return int16(binary.BigEndian.Uint16(buf))
}
