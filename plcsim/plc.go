// Package plcsim is an in-memory PLC with data block storage. It backs the
// "sim" transport and the connection tests.
package plcsim

import (
	"errors"
	"sync"
	"time"

	"visiongate/register"
)

// ErrClosed is returned for I/O on a closed simulator handle.
var ErrClosed = errors.New("plcsim: connection closed")

const blockSize = 256

// PLC simulates the data blocks of one controller. It implements register.Transport.
type PLC struct {
	mu       sync.Mutex
	blocks   map[int][]byte
	closed   bool
	readErr  error
	writeErr error
	reads    int
	writes   int
	onWrite  []func(db, offset int, data []byte)
}

// New creates a PLC with zeroed data blocks.
func New() *PLC {
	return &PLC{blocks: make(map[int][]byte)}
}

func (p *PLC) block(db int) []byte {
	b, ok := p.blocks[db]
	if !ok {
		b = make([]byte, blockSize)
		p.blocks[db] = b
	}
	return b
}

func inRange(offset, n int) bool {
	return offset >= 0 && offset+n <= blockSize
}

// Open reopens a closed handle, as a fresh connection would.
func (p *PLC) Open() *PLC {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	return p
}

// ReadArea implements register.Transport.
func (p *PLC) ReadArea(db, offset int, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.readErr != nil {
		return p.readErr
	}
	if !inRange(offset, len(buf)) {
		return errors.New("plcsim: address out of range")
	}
	p.reads++
	copy(buf, p.block(db)[offset:])
	return nil
}

// WriteArea implements register.Transport.
func (p *PLC) WriteArea(db, offset int, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.writeErr != nil {
		p.mu.Unlock()
		return p.writeErr
	}
	if !inRange(offset, len(data)) {
		p.mu.Unlock()
		return errors.New("plcsim: address out of range")
	}
	p.writes++
	copy(p.block(db)[offset:], data)
	hooks := p.onWrite
	p.mu.Unlock()

	for _, fn := range hooks {
		fn(db, offset, append([]byte(nil), data...))
	}
	return nil
}

// Close implements register.Transport.
func (p *PLC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Word returns the word at db/offset.
func (p *PLC) Word(db, offset int) int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return register.DecodeWord(p.block(db)[offset:])
}

// SetWord stores v at db/offset, as PLC logic would. It is not counted as a write.
func (p *PLC) SetWord(db, offset int, v int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.block(db)[offset:], register.EncodeWord(v))
}

// FailReads makes every following read return err. nil clears the fault.
func (p *PLC) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// FailWrites makes every following write return err. nil clears the fault.
func (p *PLC) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Reads returns the number of successful reads.
func (p *PLC) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

// Writes returns the number of successful writes.
func (p *PLC) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// OnWrite registers a hook called after each successful write.
func (p *PLC) OnWrite(fn func(db, offset int, data []byte)) {
	p.mu.Lock()
	p.onWrite = append(p.onWrite, fn)
	p.mu.Unlock()
}

// AutoRearm emulates PLC logic that requests the next detection: whenever the
// trigger word is written with ack, it is set back to arm after delay.
func (p *PLC) AutoRearm(db, triggerOffset int, arm, ack int16, delay time.Duration) {
	p.OnWrite(func(wdb, offset int, data []byte) {
		if wdb != db || triggerOffset < offset || triggerOffset+2 > offset+len(data) {
			return
		}
		if register.DecodeWord(data[triggerOffset-offset:]) != ack {
			return
		}
		if delay <= 0 {
			p.SetWord(db, triggerOffset, arm)
			return
		}
		time.AfterFunc(delay, func() { p.SetWord(db, triggerOffset, arm) })
	})
}
