package firmware

import (
	"github.com/banshee-data/robolink/internal/hal"
	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
)

// heartbeat counts consecutive receive timeouts. When the count reaches
// the threshold the module's address is queried again and an 'I' frame
// tells the server the robot is alive.
func (d *Device) heartbeat() {
	d.timeouts++
	if d.timeouts < d.opts.HeartbeatThreshold {
		return
	}
	d.timeouts = 0
	d.counters.Heartbeats++
	d.sendAT(protocol.FrameIDAddress, "MY", nil)
	d.beginFrame(protocol.EventHeartbeat)
	d.sendBuffer()
}

// pollSensors samples whiskers, button and infrared in that order and
// reports each one that changed. It returns the button level for the hold
// detector.
func (d *Device) pollSensors() hal.Level {
	pins := d.opts.Pins
	read := func(pin int) byte { return byte(d.hw.Input(pin) & 1) }

	whiskers := read(pins.WhiskerLeft)<<1 | read(pins.WhiskerRight)
	d.reportChange(protocol.EventWhiskers, &d.whiskers, whiskers)

	button := read(pins.Button)
	d.reportChange(protocol.EventButton, &d.button, button)

	infrared := read(pins.InfraredLeft)<<1 | read(pins.InfraredRight)
	d.reportChange(protocol.EventInfrared, &d.infrared, infrared)

	return hal.Level(button)
}

func (d *Device) reportChange(code byte, last *byte, value byte) {
	if value == *last {
		return
	}
	*last = value
	d.counters.Events++
	monitoring.Debugf("firmware: event %c=%d", code, value)
	d.beginFrame(code)
	if err := d.buf.AppendByte(value); err != nil {
		monitoring.Logf("firmware: %c event: %v", code, err)
		return
	}
	d.sendBuffer()
}
