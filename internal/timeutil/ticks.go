package timeutil

import (
	"fmt"
	"time"
)

// DefaultTickFrequency is the system counter rate of the reference
// controller board (80 MHz). The 32-bit counter wraps roughly every 53.7s.
const DefaultTickFrequency = 80_000_000

// TickCounter is a free-running 32-bit hardware counter.
type TickCounter interface {
	// Ticks returns the current counter value. It wraps modulo 2^32.
	Ticks() uint32
	// Frequency returns the number of ticks per second.
	Frequency() uint32
}

// ClockCounter derives a wrapping tick counter from a Clock.
type ClockCounter struct {
	clock   Clock
	freq    uint32
	start   time.Time
	initial uint32
}

// NewClockCounter returns a counter that reads 0 at the current instant.
func NewClockCounter(c Clock, freq uint32) *ClockCounter {
	return NewClockCounterAt(c, freq, 0)
}

// NewClockCounterAt returns a counter that reads initial at the current
// instant. Tests use it to place the counter just short of a wrap.
func NewClockCounterAt(c Clock, freq uint32, initial uint32) *ClockCounter {
	return &ClockCounter{clock: c, freq: freq, start: c.Now(), initial: initial}
}

// Ticks implements TickCounter.
func (cc *ClockCounter) Ticks() uint32 {
	elapsed := cc.clock.Since(cc.start)
	if elapsed < 0 {
		elapsed = 0
	}
	secs := uint64(elapsed / time.Second)
	rem := uint64(elapsed % time.Second)
	n := secs*uint64(cc.freq) + rem*uint64(cc.freq)/uint64(time.Second)
	return cc.initial + uint32(n)
}

// Frequency implements TickCounter.
func (cc *ClockCounter) Frequency() uint32 { return cc.freq }

// Millis is a monotonic millisecond clock over a TickCounter. Whole
// seconds are folded into a reference value as they elapse, so the
// result stays correct across counter wraps as long as NowMs is called
// at least once per wrap period. It is not safe for concurrent use.
type Millis struct {
	counter TickCounter
	last    uint32
	ref     int32
}

// NewMillis starts a millisecond clock at 0 from the counter's current
// value. It panics if the counter runs slower than 1 kHz.
func NewMillis(counter TickCounter) *Millis {
	freq := counter.Frequency()
	if freq < 1000 {
		panic(fmt.Sprintf("timeutil: tick frequency %d below 1 kHz", freq))
	}
	return &Millis{counter: counter, last: counter.Ticks()}
}

// NowMs returns milliseconds since the clock was started.
func (m *Millis) NowMs() int32 {
	freq := m.counter.Frequency()
	elapsed := m.counter.Ticks() - m.last
	for elapsed >= freq {
		elapsed -= freq
		m.last += freq
		m.ref += 1000
	}
	return m.ref + int32(uint64(elapsed)*1000/uint64(freq))
}
