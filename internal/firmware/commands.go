package firmware

import (
	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
)

// IRCarrierHz is the infrared carrier used by the flash command.
const IRCarrierHz = 38000

type command struct {
	name string
	run  func(*Device)
}

// commands maps each server command code to its handler. Handlers read
// their arguments before the reply header overwrites the shared buffer.
var commands = map[byte]command{
	protocol.CmdBeep:     {"beep", (*Device).beep},
	protocol.CmdIRFlash:  {"ir-flash", (*Device).irFlash},
	protocol.CmdSetSpeed: {"set-speed", (*Device).setSpeed},
	protocol.CmdRange:    {"range", (*Device).rangeCM},
	protocol.CmdTicks:    {"ticks", (*Device).ticks},
	protocol.CmdDrive:    {"drive", (*Device).drive},
	protocol.CmdLED:      {"led", (*Device).led},
}

func (d *Device) runCommand(code byte) {
	c, ok := commands[code]
	if !ok {
		d.counters.Unknown++
		monitoring.Logf("%s", protocol.Dump(d.buf.Bytes()))
		return
	}
	d.byCommand[c.name]++
	monitoring.Debugf("firmware: command %s", c.name)
	c.run(d)
}

// arg16 reads the index'th signed 16-bit argument of the payload.
func (d *Device) arg16(index int) int {
	return int(int16(d.buf.LE16(protocol.PayloadOffset + 2*index)))
}

func (d *Device) arg8(index int) byte {
	return d.buf.Byte(protocol.PayloadOffset + index)
}

// reply builds and sends the response frame for code.
func (d *Device) reply(code byte, fill func(b *protocol.Buffer) error) {
	d.beginFrame(code)
	if err := fill(&d.buf); err != nil {
		monitoring.Logf("firmware: %c reply: %v", code, err)
		return
	}
	d.sendBuffer()
}

func le16s(values ...int) func(*protocol.Buffer) error {
	return func(b *protocol.Buffer) error {
		for _, v := range values {
			if err := b.AppendLE16(uint16(v)); err != nil {
				return err
			}
		}
		return nil
	}
}

// beep plays a tone on the speaker, then echoes duration and frequency.
func (d *Device) beep() {
	ms, hz := d.arg16(0), d.arg16(1)
	d.hw.FreqOut(d.opts.Pins.Speaker, ms, hz)
	d.reply(protocol.CmdBeep, le16s(ms, hz))
}

// irFlash drives the IR light at the carrier frequency. LED0 glows at the
// requested power for the duration and is then restored.
func (d *Device) irFlash() {
	ms, power := d.arg16(0), d.arg8(2)
	pins := d.opts.Pins

	saved := d.hw.Output(pins.LED0)
	d.hw.DACStart(pins.LED0, 0, int(power))
	d.hw.FreqOut(pins.IRLight, ms, IRCarrierHz)
	d.hw.DACStop()
	d.hw.SetOutput(pins.LED0, saved)

	d.reply(protocol.CmdIRFlash, func(b *protocol.Buffer) error {
		if err := b.AppendLE16(uint16(ms)); err != nil {
			return err
		}
		return b.AppendByte(power)
	})
}

func (d *Device) setSpeed() {
	left, right := d.arg16(0), d.arg16(1)
	d.hw.DriveSpeed(left, right)
	d.reply(protocol.CmdSetSpeed, le16s(left, right))
}

func (d *Device) rangeCM() {
	cm := d.hw.PingCM(d.opts.Pins.Ping)
	d.reply(protocol.CmdRange, le16s(cm))
}

// ticks reports both encoder totals with the right one negated so that
// forward motion counts up on both wheels.
func (d *Device) ticks() {
	left, right := d.hw.DriveTicks()
	d.reply(protocol.CmdTicks, func(b *protocol.Buffer) error {
		if err := b.AppendLE32(uint32(left)); err != nil {
			return err
		}
		return b.AppendLE32(uint32(-right))
	})
}

// drive acknowledges before moving since the move blocks until done.
func (d *Device) drive() {
	left, right := d.arg16(0), d.arg16(1)
	d.reply(protocol.CmdDrive, le16s(left, right))
	d.hw.DriveGoto(left, right)
}

// led sets one of the two LEDs: state 0 is off, 1 is on, anything else
// toggles. The raw bytes are echoed.
func (d *Device) led() {
	led, state := d.arg8(0), d.arg8(1)
	pin := d.opts.Pins.LED1
	if led == 0 {
		pin = d.opts.Pins.LED0
	}
	switch state {
	case 0:
		d.hw.Low(pin)
	case 1:
		d.hw.High(pin)
	default:
		d.hw.Toggle(pin)
	}
	d.reply(protocol.CmdLED, func(b *protocol.Buffer) error {
		if err := b.AppendByte(led); err != nil {
			return err
		}
		return b.AppendByte(state)
	})
}
