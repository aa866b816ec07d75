// Package hal defines the robot hardware the control loop drives. Every
// call may block the calling goroutine for as long as the physical action
// takes.
package hal

import (
	"fmt"
	"slices"
	"strings"
)

// Level is a digital pin level.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// DigitalIO reads and drives general purpose pins.
type DigitalIO interface {
	// Input reads a pin, making it an input.
	Input(pin int) Level
	High(pin int)
	Low(pin int)
	Toggle(pin int)
	// Output reports the level last driven on an output pin.
	Output(pin int) Level
	SetOutput(pin int, level Level)
}

// Sound drives square-wave outputs.
type Sound interface {
	// FreqOut drives pin at hz for ms milliseconds. It blocks.
	FreqOut(pin int, ms int, hz int)
}

// DAC drives an analog level from a counter module.
type DAC interface {
	// DACStart holds pin at value/256 of full scale on channel ch.
	DACStart(pin int, ch int, value int)
	DACStop()
}

// Drive controls the wheel servos.
type Drive interface {
	// DriveSpeed sets wheel speeds in encoder ticks per second and returns
	// immediately.
	DriveSpeed(left, right int)
	// DriveGoto moves each wheel by the given ticks and blocks until done.
	DriveGoto(left, right int)
	// DriveTicks returns encoder totals. The right total is reported as
	// the encoder counts it, which is opposite to the left.
	DriveTicks() (left, right int32)
}

// Ranger is an ultrasonic distance sensor.
type Ranger interface {
	// PingCM measures distance in centimetres. It blocks.
	PingCM(pin int) int
}

// Robot is the full hardware surface.
type Robot interface {
	DigitalIO
	Sound
	DAC
	Drive
	Ranger
}

// PinMap assigns the robot's functions to pins.
type PinMap struct {
	RadioDO       int `json:"radio_do"`
	RadioDI       int `json:"radio_di"`
	WhiskerLeft   int `json:"whisker_left"`
	WhiskerRight  int `json:"whisker_right"`
	Speaker       int `json:"speaker"`
	Ping          int `json:"ping"`
	Button        int `json:"button"`
	LED0          int `json:"led0"`
	LED1          int `json:"led1"`
	IRLight       int `json:"ir_light"`
	InfraredLeft  int `json:"infrared_left"`
	InfraredRight int `json:"infrared_right"`
}

// DefaultPins is the reference board wiring.
func DefaultPins() PinMap {
	return PinMap{
		RadioDO:       4,
		RadioDI:       3,
		WhiskerLeft:   8,
		WhiskerRight:  9,
		Speaker:       2,
		Ping:          6,
		Button:        7,
		LED0:          26,
		LED1:          27,
		IRLight:       5,
		InfraredLeft:  11,
		InfraredRight: 10,
	}
}

func (p *PinMap) fields() map[string]*int {
	return map[string]*int{
		"radio_do":       &p.RadioDO,
		"radio_di":       &p.RadioDI,
		"whisker_left":   &p.WhiskerLeft,
		"whisker_right":  &p.WhiskerRight,
		"speaker":        &p.Speaker,
		"ping":           &p.Ping,
		"button":         &p.Button,
		"led0":           &p.LED0,
		"led1":           &p.LED1,
		"ir_light":       &p.IRLight,
		"infrared_left":  &p.InfraredLeft,
		"infrared_right": &p.InfraredRight,
	}
}

// Apply overrides pins by name. Unknown names are an error.
func (p *PinMap) Apply(overrides map[string]int) error {
	fields := p.fields()
	for name, pin := range overrides {
		f, ok := fields[strings.ToLower(name)]
		if !ok {
			names := make([]string, 0, len(fields))
			for n := range fields {
				names = append(names, n)
			}
			slices.Sort(names)
			return fmt.Errorf("unknown pin %q (known: %s)", name, strings.Join(names, ", "))
		}
		*f = pin
	}
	return nil
}
