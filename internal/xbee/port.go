package xbee

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for the module's
// serial line. Real ports, the UDP module emulator and test doubles all
// satisfy it.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports whose blocking reads can be
// bounded. The reader goroutine uses it to notice shutdown promptly.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortOpener opens a serial port. Tests replace it to avoid real
// hardware.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
