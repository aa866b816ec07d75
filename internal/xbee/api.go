// Package xbee talks to an XBee Wi-Fi radio module in API mode. It frames
// and unframes API packets on the module's serial line, switches to the
// module's text command mode on request, and can emulate the module over
// a plain UDP socket for development without hardware.
package xbee

import (
	"encoding/binary"
	"errors"
)

const (
	apiStart = 0x7E

	// maxAPIFrame bounds the length field. Anything larger means the
	// decoder is out of sync.
	maxAPIFrame = 2048
)

var errFrameTooLarge = errors.New("api frame too large")

// EncodeAPI wraps frame data in the module's API envelope: start delimiter,
// big-endian length, data, checksum.
func EncodeAPI(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > maxAPIFrame {
		return nil, errFrameTooLarge
	}
	out := make([]byte, 3, len(data)+4)
	out[0] = apiStart
	binary.BigEndian.PutUint16(out[1:3], uint16(len(data)))
	out = append(out, data...)
	return append(out, checksum(data)), nil
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return 0xFF - sum
}

// Decoder reassembles API frames from an arbitrary byte stream. Bytes
// outside a frame are skipped and frames with a bad checksum are
// dropped.
type Decoder struct {
	buf    []byte
	frames [][]byte

	Skipped     uint64 // bytes discarded while hunting for a start delimiter
	BadChecksum uint64
}

// Feed appends stream bytes and extracts any complete frames.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
	for {
		i := 0
		for i < len(d.buf) && d.buf[i] != apiStart {
			i++
		}
		d.Skipped += uint64(i)
		d.buf = d.buf[i:]

		if len(d.buf) < 3 {
			return
		}
		n := int(binary.BigEndian.Uint16(d.buf[1:3]))
		if n == 0 || n > maxAPIFrame {
			// Not a real delimiter; resync past it.
			d.Skipped++
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < n+4 {
			return
		}
		data := d.buf[3 : 3+n]
		if checksum(data) != d.buf[3+n] {
			d.BadChecksum++
			d.buf = d.buf[1:]
			continue
		}
		d.frames = append(d.frames, append([]byte(nil), data...))
		d.buf = d.buf[n+4:]
	}
}

// Next pops the oldest complete frame.
func (d *Decoder) Next() ([]byte, bool) {
	if len(d.frames) == 0 {
		return nil, false
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f, true
}

// Reset discards buffered bytes and frames.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.frames = nil
}
