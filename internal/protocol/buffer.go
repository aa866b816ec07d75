package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Peer is the remote server a frame is addressed to.
type Peer struct {
	Addr [4]byte
	Port [2]byte // big-endian
}

// NewPeer builds a Peer from an IPv4 address and port.
func NewPeer(addr netip.Addr, port uint16) Peer {
	var p Peer
	p.Addr = addr.As4()
	binary.BigEndian.PutUint16(p.Port[:], port)
	return p
}

// AddrPort returns the peer as a socket address.
func (p Peer) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(p.Addr), binary.BigEndian.Uint16(p.Port[:]))
}

func (p Peer) String() string { return p.AddrPort().String() }

// Identity is what the radio module reports about itself. Fields stay
// zero until the matching query is answered.
type Identity struct {
	MAC  [6]byte
	Port [2]byte // local port, byte order as reported
	Addr [4]byte // local IPv4
}

// MACString formats the MAC as colon-separated hex.
func (id Identity) MACString() string {
	m := id.MAC
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// AddrString formats the local address.
func (id Identity) AddrString() string {
	return netip.AddrFrom4(id.Addr).String()
}

// Header is the fixed prefix of every outbound frame.
type Header struct {
	Peer      Peer
	Local     Identity
	Timestamp int32 // ms since start
	Command   byte
}

// Buffer is the fixed-capacity frame buffer shared by receive and send.
// Appends never write past BufferSize. The zero value is an empty buffer.
type Buffer struct {
	data [BufferSize]byte
	n    int
}

// Raw exposes the full backing array for a transport to fill; call SetLen
// with the number of bytes written.
func (b *Buffer) Raw() []byte { return b.data[:] }

// SetLen sets the frame length, clamped to the capacity.
func (b *Buffer) SetLen(n int) {
	b.n = max(0, min(n, BufferSize))
}

// Bytes returns the current frame.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Len returns the current frame length.
func (b *Buffer) Len() int { return b.n }

// EncodeHeader overwrites the buffer with an outbound header and leaves
// the cursor after it.
func (b *Buffer) EncodeHeader(h Header) {
	d := b.data[:]
	d[0] = TxMarker
	d[1] = TxFrameID
	copy(d[txPeerAddrOffset:], h.Peer.Addr[:])
	copy(d[txPeerPortOffset:], h.Peer.Port[:])
	copy(d[txLocalPortOffset:], h.Local.Port[:])
	d[10] = 0 // protocol: UDP
	d[11] = 0 // transmit options
	copy(d[txMACOffset:], h.Local.MAC[:])
	binary.LittleEndian.PutUint32(d[txTimeOffset:], uint32(h.Timestamp))
	d[txCommandOffset] = h.Command
	b.n = HeaderSize
}

// AppendByte appends one byte.
func (b *Buffer) AppendByte(v byte) error {
	if b.n+1 > BufferSize {
		return ErrBufferOverflow
	}
	b.data[b.n] = v
	b.n++
	return nil
}

// AppendLE16 appends v little-endian.
func (b *Buffer) AppendLE16(v uint16) error {
	if b.n+2 > BufferSize {
		return ErrBufferOverflow
	}
	binary.LittleEndian.PutUint16(b.data[b.n:], v)
	b.n += 2
	return nil
}

// AppendLE32 appends v little-endian.
func (b *Buffer) AppendLE32(v uint32) error {
	if b.n+4 > BufferSize {
		return ErrBufferOverflow
	}
	binary.LittleEndian.PutUint32(b.data[b.n:], v)
	b.n += 4
	return nil
}

// Byte reads the byte at off of the current frame.
func (b *Buffer) Byte(off int) byte { return b.data[off] }

// LE16 reads a little-endian 16-bit value at off.
func (b *Buffer) LE16(off int) uint16 {
	return binary.LittleEndian.Uint16(b.data[off:])
}

// DecodeHeader parses an outbound frame back into its header and payload.
func DecodeHeader(frame []byte) (Header, []byte, error) {
	var h Header
	if len(frame) < HeaderSize || frame[0] != TxMarker {
		return h, nil, fmt.Errorf("%w: not a transmit frame (%d bytes)", ErrMalformedFrame, len(frame))
	}
	copy(h.Peer.Addr[:], frame[txPeerAddrOffset:])
	copy(h.Peer.Port[:], frame[txPeerPortOffset:])
	copy(h.Local.Port[:], frame[txLocalPortOffset:])
	copy(h.Local.MAC[:], frame[txMACOffset:])
	h.Timestamp = int32(binary.LittleEndian.Uint32(frame[txTimeOffset:]))
	h.Command = frame[txCommandOffset]
	return h, frame[HeaderSize:], nil
}
