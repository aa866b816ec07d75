package protocol

import "errors"

var (
	// ErrTimeout is returned by a transport when nothing arrived in time.
	// It is the expected outcome of most loop iterations.
	ErrTimeout              = errors.New("receive timed out")
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrUnrecognizedCommand  = errors.New("unrecognized command")
	ErrHandshakeTimeout     = errors.New("module did not answer command mode")
	ErrNetworkMisconfigured = errors.New("module reports no network configured")
	ErrBufferOverflow       = errors.New("frame buffer full")
)
