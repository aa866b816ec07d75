// Package firmware is the robot's protocol engine. A single loop receives
// frames from the radio module, dispatches server commands to the
// hardware, and reports sensor changes, liveness and identity back to the
// server.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/robolink/internal/hal"
	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
	"github.com/banshee-data/robolink/internal/timeutil"
)

// Transport is the radio module as the loop sees it.
type Transport interface {
	// Send transmits one API frame.
	Send(frame []byte) error
	// Receive waits up to timeout for one frame and copies it into buf.
	// It returns protocol.ErrTimeout when nothing arrived.
	Receive(buf []byte, timeout time.Duration) (int, error)
	// Command writes raw text to the module's command interface and reads
	// a carriage-return terminated reply of at most limit bytes.
	Command(text string, limit int, timeout time.Duration) (string, error)
}

// Recorder receives a copy of traffic and notable events. Frames are only
// valid for the duration of the call.
type Recorder interface {
	RecordFrame(dir string, ms int32, frame []byte)
	RecordEvent(ms int32, kind, detail string)
}

// Frame directions passed to Recorder.
const (
	DirRx = "rx"
	DirTx = "tx"
)

// Network is written to the module when it reports no association.
type Network struct {
	SSID       string
	Passphrase string
	Encryption byte
}

// Options configures a Device. Zero fields take the defaults from
// DefaultOptions.
type Options struct {
	Peer    protocol.Peer
	Pins    hal.PinMap
	Network Network

	PollTimeout        time.Duration
	HeartbeatThreshold int
	LongHold           time.Duration
	SetupAckTimeout    time.Duration

	Recorder Recorder
}

// DefaultOptions returns the reference configuration.
func DefaultOptions() Options {
	return Options{
		Peer: protocol.Peer{Addr: [4]byte{52, 73, 65, 98}, Port: [2]byte{0x07, 0xb5}},
		Pins: hal.DefaultPins(),
		Network: Network{
			SSID:       "robonet",
			Passphrase: "cybercamp",
			Encryption: 2,
		},
		PollTimeout:        10 * time.Millisecond,
		HeartbeatThreshold: 100,
		LongHold:           3000 * time.Millisecond,
		SetupAckTimeout:    2000 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Peer == (protocol.Peer{}) {
		o.Peer = def.Peer
	}
	if o.Pins == (hal.PinMap{}) {
		o.Pins = def.Pins
	}
	if o.Network.SSID == "" {
		o.Network = def.Network
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.HeartbeatThreshold <= 0 {
		o.HeartbeatThreshold = def.HeartbeatThreshold
	}
	if o.LongHold <= 0 {
		o.LongHold = def.LongHold
	}
	if o.SetupAckTimeout <= 0 {
		o.SetupAckTimeout = def.SetupAckTimeout
	}
	return o
}

// Fixed delays of the module handshake and command sequences.
const (
	settleDelay     = 500 * time.Millisecond
	handshakePause  = 500 * time.Millisecond
	recoveryShort   = 500 * time.Millisecond
	recoveryLong    = 1000 * time.Millisecond
	setupPause      = 500 * time.Millisecond
	resetAckWindow  = 20 * time.Millisecond
	commandReplyMax = 10
)

// Device is the robot's state. All fields are owned by the goroutine
// running Start, Step and Run.
type Device struct {
	tr     Transport
	hw     hal.Robot
	clock  timeutil.Clock
	millis *timeutil.Millis
	opts   Options

	buf protocol.Buffer
	id  protocol.Identity

	whiskers, button, infrared byte

	timeouts int
	btn      buttonTracker

	association byte
	counters    Counters
	byCommand   map[string]uint64

	board statusBoard
}

// New builds a Device. counter supplies the hardware tick counter for
// frame timestamps; nil derives one from clock at the reference 80 MHz.
func New(tr Transport, hw hal.Robot, clock timeutil.Clock, counter timeutil.TickCounter, opts Options) *Device {
	if counter == nil {
		counter = timeutil.NewClockCounter(clock, timeutil.DefaultTickFrequency)
	}
	return &Device{
		tr:          tr,
		hw:          hw,
		clock:       clock,
		millis:      timeutil.NewMillis(counter),
		opts:        opts.withDefaults(),
		btn:         buttonTracker{last: hal.High},
		association: 0xFF,
		byCommand:   make(map[string]uint64),
	}
}

// Identity returns what the module has reported so far.
func (d *Device) Identity() protocol.Identity { return d.id }

// Start performs the startup handshake: let the module settle, query its
// identity, then ask for its association status. Replies are handled by
// the loop.
func (d *Device) Start() {
	d.event("start", fmt.Sprintf("peer %s", d.opts.Peer))
	d.clock.Sleep(settleDelay)

	d.sendAT(protocol.FrameIDSerialLow, "SL", nil)
	d.sendAT(protocol.FrameIDSerialHigh, "SH", nil)
	d.sendAT(protocol.FrameIDLocalPort, "C0", nil)
	d.sendAT(protocol.FrameIDAddress, "MY", nil)
	d.clock.Sleep(handshakePause)
	d.sendAT(protocol.FrameIDAssociation, "AI", nil)
	d.publish()
}

// Run performs Start and then steps the loop until ctx is cancelled or the
// transport closes. A started hardware action always completes.
func (d *Device) Run(ctx context.Context) error {
	d.Start()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Step(); err != nil {
			return err
		}
	}
}

// Step runs one loop iteration: one receive attempt, at most one dispatch,
// then the sensors and the button. It only fails when the transport has
// closed.
func (d *Device) Step() error {
	d.counters.Iterations++

	n, err := d.tr.Receive(d.buf.Raw(), d.opts.PollTimeout)
	timedOut := errors.Is(err, protocol.ErrTimeout)
	switch {
	case err == nil:
		d.buf.SetLen(n)
		d.dispatch(protocol.Classify(d.buf.Bytes(), false))
	case timedOut:
		d.buf.SetLen(0)
		d.dispatch(protocol.Classify(nil, true))
	case errors.Is(err, io.EOF):
		d.publish()
		return err
	default:
		// Neither idle nor traffic; the heartbeat count is left as is.
		d.counters.ReceiveErrors++
		monitoring.Logf("firmware: receive: %v", err)
	}

	button := d.pollSensors()
	if err := d.trackButton(button); err != nil {
		d.publish()
		return err
	}
	d.publish()
	return nil
}

func (d *Device) dispatch(cls protocol.Class) {
	if cls.Kind == protocol.KindTimeout {
		d.heartbeat()
		return
	}
	d.timeouts = 0
	d.record(DirRx, d.buf.Bytes())

	switch cls.Kind {
	case protocol.KindEmpty:
	case protocol.KindConfigReply:
		d.counters.ConfigReplies++
		d.configReply(cls.Tag)
	case protocol.KindCommand:
		d.counters.Commands++
		d.runCommand(cls.Code)
	default:
		d.counters.Unknown++
		monitoring.Logf("%s", protocol.Dump(d.buf.Bytes()))
		if cls.Err != nil {
			monitoring.Debugf("firmware: rejected frame: %v", cls.Err)
		}
	}
}

// beginFrame starts an outbound frame for cmd in the shared buffer.
func (d *Device) beginFrame(cmd byte) {
	d.buf.EncodeHeader(protocol.Header{
		Peer:      d.opts.Peer,
		Local:     d.id,
		Timestamp: d.millis.NowMs(),
		Command:   cmd,
	})
}

func (d *Device) sendBuffer() { d.send(d.buf.Bytes()) }

func (d *Device) sendAT(id byte, cmd string, param []byte) {
	d.send(protocol.ATFrame(id, cmd, param))
}

func (d *Device) send(frame []byte) {
	d.record(DirTx, frame)
	if err := d.tr.Send(frame); err != nil {
		d.counters.SendErrors++
		monitoring.Logf("firmware: send failed: %v", err)
	}
}

func (d *Device) record(dir string, frame []byte) {
	if d.opts.Recorder != nil {
		d.opts.Recorder.RecordFrame(dir, d.millis.NowMs(), frame)
	}
}

func (d *Device) event(kind, detail string) {
	if d.opts.Recorder != nil {
		d.opts.Recorder.RecordEvent(d.millis.NowMs(), kind, detail)
	}
}
