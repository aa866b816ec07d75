// Package protocol implements the robot's wire format: the outbound frame
// header, little-endian payload appends and classification of frames
// received from the radio module.
package protocol

// BufferSize is the capacity of the shared frame buffer.
const BufferSize = 200

// Outbound (transmit IPv4) frame layout.
const (
	TxMarker   = 0x20
	TxFrameID  = 0x10
	HeaderSize = 23

	txPeerAddrOffset  = 2
	txPeerPortOffset  = 6
	txLocalPortOffset = 8
	txMACOffset       = 12
	txTimeOffset      = 18
	txCommandOffset   = 22

	// RFDataOffset is where the datagram body starts in a transmit frame.
	RFDataOffset = 12
)

// Inbound (receive IPv4) frame layout.
const (
	RxMarker      = 0xB0
	CommandOffset = 11
	PayloadOffset = 12
)

// AT command frames.
const (
	ATRequest  = 0x08
	ATResponse = 0x88

	atStatusOK = 0x00
)

// Frame ids used for AT queries. Replies are matched on them.
const (
	FrameIDNone        byte = 0
	FrameIDSerialLow   byte = 1
	FrameIDSerialHigh  byte = 2
	FrameIDLocalPort   byte = 3
	FrameIDAddress     byte = 4
	FrameIDAssociation byte = 5
)

// AssociationNoSSID is the AI status reported when the module has no
// network name configured.
const AssociationNoSSID = 0x23

// Command codes received from the server.
const (
	CmdBeep     byte = 'B'
	CmdIRFlash  byte = 'G'
	CmdSetSpeed byte = 'S'
	CmdRange    byte = 'R'
	CmdTicks    byte = 'T'
	CmdDrive    byte = 'D'
	CmdLED      byte = 'L'
)

// Event codes sent unsolicited by the robot.
const (
	EventWhiskers  byte = 'W'
	EventButton    byte = 'P'
	EventInfrared  byte = 'F'
	EventHeartbeat byte = 'I'
)
