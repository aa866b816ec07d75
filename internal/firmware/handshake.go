package firmware

import (
	"fmt"

	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
)

// AT reply data starts after type, frame id, command name and status.
const atDataOffset = 5

// configReply stores identity fields reported by the module. An AI reply
// saying no network is configured triggers recovery.
func (d *Device) configReply(tag protocol.ConfigTag) {
	data := d.buf.Bytes()[atDataOffset:]
	switch tag {
	case protocol.TagSerialLow:
		copy(d.id.MAC[2:], data[:4])
	case protocol.TagSerialHigh:
		copy(d.id.MAC[:2], data[:2])
		monitoring.Logf("mac address: %s", d.id.MACString())
		d.event("identity", "mac "+d.id.MACString())
	case protocol.TagLocalPort:
		copy(d.id.Port[:], data[:2])
	case protocol.TagAddress:
		copy(d.id.Addr[:], data[:4])
		port := uint16(d.id.Port[0])<<8 | uint16(d.id.Port[1])
		monitoring.Logf("ip address: %s port: %d", d.id.AddrString(), port)
		d.event("identity", fmt.Sprintf("addr %s:%d", d.id.AddrString(), port))
	case protocol.TagAssociation:
		d.association = data[0]
		monitoring.Logf("association status: 0x%02x", d.association)
		if d.association == protocol.AssociationNoSSID {
			d.recoverNetwork()
		}
	}
}

// recoverNetwork writes the configured network to the module, restarts it
// and queries the local port and address again.
func (d *Device) recoverNetwork() {
	d.counters.Recoveries++
	nw := d.opts.Network
	monitoring.Logf("%v, joining %q", protocol.ErrNetworkMisconfigured, nw.SSID)
	d.event("recovery", "ssid "+nw.SSID)

	d.sendAT(protocol.FrameIDNone, "NR", nil)
	d.clock.Sleep(recoveryShort)
	d.sendAT(protocol.FrameIDNone, "ID", []byte(nw.SSID))
	d.sendAT(protocol.FrameIDNone, "EE", []byte{nw.Encryption})
	d.sendAT(protocol.FrameIDNone, "PK", []byte(nw.Passphrase))
	d.sendAT(protocol.FrameIDNone, "WR", nil)
	d.clock.Sleep(recoveryLong)
	d.sendAT(protocol.FrameIDNone, "FR", nil)
	d.clock.Sleep(recoveryLong)
	d.sendAT(protocol.FrameIDLocalPort, "C0", nil)
	d.sendAT(protocol.FrameIDAddress, "MY", nil)
}
