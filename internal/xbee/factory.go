package xbee

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/robolink/internal/timeutil"
)

// readPoll bounds each blocking read so the reader goroutine can observe
// shutdown.
const readPoll = 100 * time.Millisecond

// OpenSerialPort opens a real serial port with go.bug.st/serial.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// NewSerialTransport opens path with open and wraps it in a Transport.
// A nil open uses OpenSerialPort.
func NewSerialTransport(path string, opts PortOptions, open SerialPortOpener, clock timeutil.Clock) (*Transport, error) {
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(readPoll); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	return NewTransport(port, clock), nil
}
