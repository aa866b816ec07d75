package firmware

import (
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/robolink/internal/hal"
	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
)

// ButtonPressed is the active level of the user button.
const ButtonPressed = hal.Low

// SetupTune is played when setup mode starts: C5 E5 G5 C6.
var SetupTune = []Note{
	{Hz: 523, Ms: 150},
	{Hz: 659, Ms: 150},
	{Hz: 784, Ms: 150},
	{Hz: 1047, Ms: 150},
}

// Note is one tone of a tune.
type Note struct {
	Hz int
	Ms int
}

// buttonTracker times presses. Times are loop milliseconds.
type buttonTracker struct {
	last     hal.Level
	pressed  int32
	released int32
	idle     int32
	hold     int32
}

// trackButton detects press and release edges. A release after a hold of
// at least LongHold enters setup mode.
func (d *Device) trackButton(level hal.Level) error {
	b := &d.btn
	if level == b.last {
		return nil
	}
	b.last = level
	now := d.millis.NowMs()

	if level == ButtonPressed {
		b.pressed = now
		b.idle = now - b.released
		monitoring.Debugf("firmware: button pressed after %d ms idle", b.idle)
		return nil
	}

	b.released = now
	b.hold = now - b.pressed
	monitoring.Debugf("firmware: button held %d ms", b.hold)
	if b.hold < int32(d.opts.LongHold.Milliseconds()) {
		return nil
	}
	return d.setupMode()
}

// setupMode plays the tune and puts the module into command mode, then
// asks it to reset its network. The loop resumes either way; only a closed
// transport is returned.
func (d *Device) setupMode() error {
	d.counters.SetupModes++
	d.event("setup", fmt.Sprintf("hold %d ms", d.btn.hold))
	for _, n := range SetupTune {
		d.hw.FreqOut(d.opts.Pins.Speaker, n.Ms, n.Hz)
	}

	reply, err := d.tr.Command("+++", commandReplyMax, d.opts.SetupAckTimeout)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		d.counters.SetupTimeouts++
		monitoring.Logf("Timeout error: %v", fmt.Errorf("%w: %w", protocol.ErrHandshakeTimeout, err))
		d.event("setup", "timeout")
		return nil
	}
	monitoring.Logf("command mode: %q", reply)

	reply, err = d.tr.Command("ATNR\r", commandReplyMax, resetAckWindow)
	switch {
	case err == nil:
		monitoring.Logf("network reset: %q", reply)
	case errors.Is(err, io.EOF):
		return err
	default:
		monitoring.Debugf("firmware: network reset reply: %v", err)
	}
	d.clock.Sleep(setupPause)
	return nil
}
