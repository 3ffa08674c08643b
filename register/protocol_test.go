package register

import (
	"errors"
	"math"
	"testing"
)

type fakeTransport struct {
	mem      map[int][]byte
	readErr  error
	writeErr error
	writes   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{mem: make(map[int][]byte)}
}

func (f *fakeTransport) block(db int) []byte {
	b, ok := f.mem[db]
	if !ok {
		b = make([]byte, 64)
		f.mem[db] = b
	}
	return b
}

func (f *fakeTransport) ReadArea(db, offset int, buf []byte) error {
	if f.readErr != nil {
		return f.readErr
	}
	copy(buf, f.block(db)[offset:])
	return nil
}

func (f *fakeTransport) WriteArea(db, offset int, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	copy(f.block(db)[offset:], data)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func TestReadWriteWord(t *testing.T) {
	tr := newFakeTransport()
	p := New(tr, nil)

	tests := []int{0, 1, 2, -1, 32767, -32768}
	for _, v := range tests {
		if err := p.WriteWord(4, 2, v); err != nil {
			t.Fatalf("WriteWord(%d) error: %v", v, err)
		}
		got, err := p.ReadWord(4, 2)
		if err != nil {
			t.Fatalf("ReadWord error: %v", err)
		}
		if int(got) != v {
			t.Errorf("ReadWord = %d, want %d", got, v)
		}
	}
}

func TestWriteWords_SingleTransportCall(t *testing.T) {
	tr := newFakeTransport()
	p := New(tr, nil)

	if err := p.WriteWords(4, 0, 2, 3); err != nil {
		t.Fatalf("WriteWords error: %v", err)
	}
	if tr.writes != 1 {
		t.Errorf("expected 1 transport write, got %d", tr.writes)
	}

	trig, _ := p.ReadWord(4, 0)
	res, _ := p.ReadWord(4, 2)
	if trig != 2 || res != 3 {
		t.Errorf("got DBW0=%d DBW2=%d, want 2 and 3", trig, res)
	}
}

func TestBigEndianEncoding(t *testing.T) {
	buf := EncodeWord(0x0102)
	if buf[0] != 0x01 || buf[1] != 0x02 {
		t.Errorf("EncodeWord(0x0102) = % X, want 01 02", buf)
	}
	if v := DecodeWord([]byte{0xFF, 0xFE}); v != -2 {
		t.Errorf("DecodeWord(FF FE) = %d, want -2", v)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in   int
		want int16
	}{
		{0, 0},
		{40000, math.MaxInt16},
		{-40000, math.MinInt16},
		{123, 123},
	}
	for _, tc := range tests {
		if got := Clamp(tc.in); got != tc.want {
			t.Errorf("Clamp(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNotConnected(t *testing.T) {
	tr := newFakeTransport()
	p := New(tr, func() bool { return false })

	_, err := p.ReadWord(4, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadWord error = %v, want ErrNotConnected", err)
	}
	err = p.WriteWord(4, 0, 1)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteWord error = %v, want ErrNotConnected", err)
	}
	if tr.writes != 0 {
		t.Error("no transport write expected while disconnected")
	}

	var nilProto *Protocol
	if _, err := nilProto.ReadWord(1, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("nil protocol read error = %v, want ErrNotConnected", err)
	}
}

func TestTransportFault(t *testing.T) {
	tr := newFakeTransport()
	tr.readErr = errors.New("connection reset by peer")
	p := New(tr, nil)

	_, err := p.ReadWord(4, 0)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %T", err)
	}
	if pe.Op != "read" || pe.Address != "DB4.DBW0" {
		t.Errorf("unexpected ProtocolError fields: %+v", pe)
	}
	if !errors.Is(err, tr.readErr) {
		t.Error("ProtocolError should unwrap to the transport error")
	}
}

func TestFormatAddress(t *testing.T) {
	if got := FormatAddress(4, 2); got != "DB4.DBW2" {
		t.Errorf("FormatAddress(4, 2) = %q", got)
	}
}
