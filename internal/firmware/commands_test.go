package firmware

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robolink/internal/hal/sim"
	"github.com/banshee-data/robolink/internal/protocol"
)

func TestCommands(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *rig)
		frame   []byte
		payload []byte
		actions []sim.Action
	}{
		{
			name:    "beep",
			frame:   inbound(protocol.CmdBeep, 0xfa, 0x00, 0xb8, 0x0b),
			payload: []byte{0xfa, 0x00, 0xb8, 0x0b},
			actions: []sim.Action{{Name: "freqout", Args: []int{2, 250, 3000}}},
		},
		{
			name:    "ir flash restores led0",
			setup:   func(r *rig) { r.robot.High(26) },
			frame:   inbound(protocol.CmdIRFlash, 0x64, 0x00, 0x80),
			payload: []byte{0x64, 0x00, 0x80},
			actions: []sim.Action{
				{Name: "dac", Args: []int{26, 0, 128}},
				{Name: "freqout", Args: []int{5, 100, IRCarrierHz}},
				{Name: "dac-stop"},
				{Name: "set-output", Args: []int{26, 1}},
			},
		},
		{
			name:    "set speed",
			frame:   inbound(protocol.CmdSetSpeed, 0x64, 0x00, 0x9c, 0xff),
			payload: []byte{0x64, 0x00, 0x9c, 0xff},
			actions: []sim.Action{{Name: "drive-speed", Args: []int{100, -100}}},
		},
		{
			name:    "range",
			setup:   func(r *rig) { r.robot.SetDistance(42) },
			frame:   inbound(protocol.CmdRange),
			payload: []byte{0x2a, 0x00},
			actions: []sim.Action{{Name: "ping", Args: []int{6}}},
		},
		{
			name: "ticks",
			setup: func(r *rig) {
				r.robot.DriveSpeed(32, 32)
				r.clock.Advance(2 * time.Second)
			},
			frame:   inbound(protocol.CmdTicks),
			payload: []byte{0x40, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00},
		},
		{
			name: "ticks reverse",
			setup: func(r *rig) {
				r.robot.DriveGoto(-5, -5)
			},
			frame:   inbound(protocol.CmdTicks),
			payload: []byte{0xfb, 0xff, 0xff, 0xff, 0xfb, 0xff, 0xff, 0xff},
		},
		{
			name:    "drive",
			frame:   inbound(protocol.CmdDrive, 0x80, 0x00, 0x40, 0x00),
			payload: []byte{0x80, 0x00, 0x40, 0x00},
			actions: []sim.Action{{Name: "drive-goto", Args: []int{128, 64}}},
		},
		{
			name:    "led0 on",
			frame:   inbound(protocol.CmdLED, 0, 1),
			payload: []byte{0, 1},
			actions: []sim.Action{{Name: "high", Args: []int{26}}},
		},
		{
			name:    "led1 off",
			frame:   inbound(protocol.CmdLED, 1, 0),
			payload: []byte{1, 0},
			actions: []sim.Action{{Name: "low", Args: []int{27}}},
		},
		{
			name:    "any other led index is led1",
			frame:   inbound(protocol.CmdLED, 9, 1),
			payload: []byte{9, 1},
			actions: []sim.Action{{Name: "high", Args: []int{27}}},
		},
		{
			name:    "led toggle",
			frame:   inbound(protocol.CmdLED, 0, 7),
			payload: []byte{0, 7},
			actions: []sim.Action{{Name: "toggle", Args: []int{26}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, Options{})
			r.settle(t)
			if tt.setup != nil {
				tt.setup(r)
				r.robot.ClearActions()
			}

			code := tt.frame[protocol.CommandOffset]
			r.tr.push(tt.frame)
			require.NoError(t, r.dev.Step())

			replies := r.tr.txFrames(t)
			require.Len(t, replies, 1)
			h := replies[0].Header
			assert.Equal(t, code, h.Command)
			assert.Equal(t, serverPeer, h.Peer)
			if diff := cmp.Diff(tt.payload, replies[0].Payload); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.actions, r.robot.Actions(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("actions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommands_BeepEndToEnd(t *testing.T) {
	r := newRig(t, Options{})
	r.settle(t)

	r.tr.push(inbound(protocol.CmdBeep, 0xf4, 0x01, 0xe8, 0x03))
	require.NoError(t, r.dev.Step())

	require.Len(t, r.tr.sent, 1)
	got := r.tr.sent[0]
	want := []byte{
		0x20, 0x10, // transmit, frame id
		52, 73, 65, 98, // peer
		0x07, 0xb5, // peer port 1973
		0x00, 0x00, // local port, not yet reported
		0x00, 0x00,
		0, 0, 0, 0, 0, 0, // mac, not yet reported
		0xf4, 0x01, 0x00, 0x00, // timestamp 500 ms, the tone blocked for its duration
		'B',
		0xf4, 0x01, 0xe8, 0x03,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestCommands_LEDToggleTwice(t *testing.T) {
	r := newRig(t, Options{})
	r.settle(t)

	r.tr.push(inbound(protocol.CmdLED, 1, 2), inbound(protocol.CmdLED, 1, 2))
	require.NoError(t, r.dev.Step())
	assert.Equal(t, 1, int(r.robot.Output(27)))
	require.NoError(t, r.dev.Step())
	assert.Equal(t, 0, int(r.robot.Output(27)))
	assert.Len(t, r.tr.framesFor(t, protocol.CmdLED), 2)
}

func TestCommands_DriveRepliesBeforeMoving(t *testing.T) {
	r := newRig(t, Options{})
	r.settle(t)

	var actionsAtReply []sim.Action
	r.tr.onSend = func([]byte) { actionsAtReply = r.robot.Actions() }

	r.tr.push(inbound(protocol.CmdDrive, 0x80, 0x00, 0x80, 0x00))
	require.NoError(t, r.dev.Step())

	assert.Empty(t, actionsAtReply, "reply sent before the move started")
	assert.Equal(t, []sim.Action{{Name: "drive-goto", Args: []int{128, 128}}}, r.robot.Actions())
	assert.Equal(t, []time.Duration{2 * time.Second}, r.clock.Sleeps(), "loop blocked until the move finished")
}

func TestCommands_SpeedRepliesAfterStarting(t *testing.T) {
	r := newRig(t, Options{})
	r.settle(t)

	var actionsAtReply []sim.Action
	r.tr.onSend = func([]byte) { actionsAtReply = r.robot.Actions() }

	r.tr.push(inbound(protocol.CmdSetSpeed, 0x10, 0x00, 0x10, 0x00))
	require.NoError(t, r.dev.Step())

	assert.Equal(t, []sim.Action{{Name: "drive-speed", Args: []int{16, 16}}}, actionsAtReply)
	assert.Empty(t, r.clock.Sleeps())
}

func TestCommands_CountedByName(t *testing.T) {
	r := newRig(t, Options{})
	r.tr.push(
		inbound(protocol.CmdRange),
		inbound(protocol.CmdRange),
		inbound(protocol.CmdTicks),
	)
	for range 3 {
		require.NoError(t, r.dev.Step())
	}
	s := r.dev.Status()
	assert.Equal(t, map[string]uint64{"range": 2, "ticks": 1}, s.ByCommand)
	assert.Equal(t, uint64(3), s.Counters.Commands)
}

func TestCommands_EveryCodeHasHandler(t *testing.T) {
	for _, code := range []byte("BGSRTDL") {
		_, ok := commands[code]
		assert.True(t, ok, "no handler for %c", code)
		_, ok = protocol.CommandLength(code)
		assert.True(t, ok, "no length for %c", code)
	}
}
