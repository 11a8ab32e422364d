package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// tests and for feeding recorded board output into a SerialMux.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set
	WriteError error
	// CloseError is returned by Close if set
	CloseError error

	closed   bool
	eof      bool
	readCond *sync.Cond
}

// NewTestableSerialPort creates a port whose reads block until data is added
// or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered board output, blocking while none is available.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && !p.eof && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.readBuf.Len() == 0 && p.eof {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

// Write records a command sent to the board.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(b)
}

// Close marks the port as closed and wakes any blocked reader.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddReadData queues board output for subsequent reads.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.readCond.Broadcast()
}

// EndOfData makes reads return io.EOF once the queued data is drained.
func (p *TestableSerialPort) EndOfData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.readCond.Broadcast()
}

// Written returns everything written to the port so far.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}
