package xbee

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robolink/internal/protocol"
	"github.com/banshee-data/robolink/internal/timeutil"
)

type emulatorRig struct {
	module *UDPModule
	tr     *Transport
	server *net.UDPConn
	buf    []byte
}

func newEmulatorRig(t *testing.T, ssid string) *emulatorRig {
	t.Helper()
	quietLogs(t)

	module, err := NewUDPModule(UDPModuleOptions{Listen: "127.0.0.1:0", SSID: ssid})
	require.NoError(t, err)
	tr := NewTransport(module, timeutil.RealClock{})

	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go module.Serve(ctx)
	go tr.Monitor(ctx)
	t.Cleanup(func() {
		cancel()
		tr.Close()
		server.Close()
	})
	return &emulatorRig{module: module, tr: tr, server: server, buf: make([]byte, protocol.BufferSize)}
}

func (r *emulatorRig) receive(t *testing.T) []byte {
	t.Helper()
	n, err := r.tr.Receive(r.buf, 2*time.Second)
	require.NoError(t, err)
	return r.buf[:n]
}

func TestUDPModule_IdentityQueries(t *testing.T) {
	rig := newEmulatorRig(t, "robonet")
	local := rig.module.LocalAddr()

	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDSerialLow, "SL", nil)))
	got := rig.receive(t)
	assert.Equal(t, protocol.TagSerialLow, protocol.Classify(got, false).Tag)
	assert.Equal(t, DefaultEmulatorMAC[2:6], got[5:9])

	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDSerialHigh, "SH", nil)))
	got = rig.receive(t)
	assert.Equal(t, protocol.TagSerialHigh, protocol.Classify(got, false).Tag)
	assert.Equal(t, DefaultEmulatorMAC[0:2], got[5:7])

	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDLocalPort, "C0", nil)))
	got = rig.receive(t)
	assert.Equal(t, protocol.TagLocalPort, protocol.Classify(got, false).Tag)
	assert.Equal(t, []byte{byte(local.Port() >> 8), byte(local.Port())}, got[5:7])

	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDAddress, "MY", nil)))
	got = rig.receive(t)
	assert.Equal(t, protocol.TagAddress, protocol.Classify(got, false).Tag)
	assert.Equal(t, []byte{127, 0, 0, 1}, got[5:9])

	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDAssociation, "AI", nil)))
	got = rig.receive(t)
	assert.Equal(t, protocol.TagAssociation, protocol.Classify(got, false).Tag)
	assert.Equal(t, byte(0), got[5])
}

func TestUDPModule_AssociationFollowsSSID(t *testing.T) {
	rig := newEmulatorRig(t, "")

	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDAssociation, "AI", nil)))
	assert.Equal(t, byte(protocol.AssociationNoSSID), rig.receive(t)[5])

	// Frame id 0 writes are silent.
	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDNone, "ID", []byte("robonet"))))
	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDAssociation, "AI", nil)))
	assert.Equal(t, byte(0), rig.receive(t)[5])
}

func TestUDPModule_UnknownATCommand(t *testing.T) {
	rig := newEmulatorRig(t, "robonet")

	require.NoError(t, rig.tr.Send(protocol.ATFrame(7, "ZZ", nil)))
	got := rig.receive(t)
	assert.Equal(t, []byte{0x88, 7, 'Z', 'Z', atStatusInvalid}, got)
	assert.Equal(t, protocol.KindUnknown, protocol.Classify(got, false).Kind)
}

func TestUDPModule_TransmitToPeer(t *testing.T) {
	rig := newEmulatorRig(t, "robonet")
	serverAddr := rig.server.LocalAddr().(*net.UDPAddr).AddrPort()

	var b protocol.Buffer
	b.EncodeHeader(protocol.Header{
		Peer:      protocol.NewPeer(serverAddr.Addr().Unmap(), serverAddr.Port()),
		Local:     protocol.Identity{MAC: DefaultEmulatorMAC},
		Timestamp: 1234,
		Command:   'W',
	})
	require.NoError(t, b.AppendByte(2))
	require.NoError(t, rig.tr.Send(b.Bytes()))

	require.NoError(t, rig.server.SetReadDeadline(time.Now().Add(2*time.Second)))
	dgram := make([]byte, 64)
	n, _, err := rig.server.ReadFromUDP(dgram)
	require.NoError(t, err)
	assert.Equal(t, b.Bytes()[protocol.RFDataOffset:], dgram[:n])

	// The module acknowledges transmit frames that carry a frame id.
	assert.Equal(t, []byte{txStatus, protocol.TxFrameID, 0}, rig.receive(t))
}

func TestUDPModule_DatagramToFrame(t *testing.T) {
	rig := newEmulatorRig(t, "robonet")
	local := rig.module.LocalAddr()

	_, err := rig.server.WriteToUDPAddrPort([]byte{'L', 0, 2}, local)
	require.NoError(t, err)

	got := rig.receive(t)
	assert.Equal(t, protocol.Class{Kind: protocol.KindCommand, Code: 'L'}, protocol.Classify(got, false))

	serverAddr := rig.server.LocalAddr().(*net.UDPAddr).AddrPort()
	want := protocol.InboundFrame(protocol.NewPeer(netip.MustParseAddr("127.0.0.1"), serverAddr.Port()), local.Port(), []byte{'L', 0, 2})
	assert.Equal(t, want, got)
}

func TestUDPModule_CommandMode(t *testing.T) {
	rig := newEmulatorRig(t, "robonet")

	reply, err := rig.tr.Command("+++", 10, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK\r", reply)

	reply, err = rig.tr.Command("ATVR\r", 10, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK\r", reply)

	reply, err = rig.tr.Command("ATNR\r", 10, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK\r", reply)

	// Back in API mode.
	require.NoError(t, rig.tr.Send(protocol.ATFrame(protocol.FrameIDAssociation, "AI", nil)))
	assert.Equal(t, protocol.TagAssociation, protocol.Classify(rig.receive(t), false).Tag)
}

func TestUDPModule_CloseUnblocksRead(t *testing.T) {
	module, err := NewUDPModule(UDPModuleOptions{Listen: "127.0.0.1:0"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := module.Read(make([]byte, 8))
		done <- err
	}()
	require.NoError(t, module.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock")
	}
	_, err = module.Write([]byte("+++"))
	assert.Error(t, err)
}
