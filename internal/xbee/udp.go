package xbee

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
)

const (
	txStatus = 0x89

	atStatusOK      = 0x00
	atStatusInvalid = 0x02
)

// DefaultEmulatorMAC is the MAC reported by the emulator unless overridden.
var DefaultEmulatorMAC = [6]byte{0x00, 0x13, 0xa2, 0x00, 0x00, 0x01}

// UDPModuleOptions configures the module emulator.
type UDPModuleOptions struct {
	// Listen is the local UDP socket, e.g. "0.0.0.0:2616".
	Listen string
	MAC    [6]byte
	// SSID is the network name the emulated module starts with. An empty
	// SSID makes the association query report no network, which drives
	// the robot through its recovery sequence.
	SSID string
}

// UDPModule emulates the radio module's serial side on top of a UDP
// socket. The robot's Transport talks to it exactly as it would to the
// real module: API frames in and out, and text command mode after "+++".
// Datagrams arriving on the socket become receive frames; transmit frames
// become datagrams to the peer named in their header.
type UDPModule struct {
	conn  *net.UDPConn
	local netip.AddrPort
	mac   [6]byte

	out       chan []byte // bytes for the robot to Read
	rest      []byte      // unread remainder, touched only by Read
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex // guards the fields below, taken by Write
	dec     Decoder
	cmdMode bool
	line    []byte
	ssid    string
}

// NewUDPModule binds the emulator's socket.
func NewUDPModule(opts UDPModuleOptions) (*UDPModule, error) {
	addr, err := net.ResolveUDPAddr("udp4", opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", opts.Listen, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", opts.Listen, err)
	}
	mac := opts.MAC
	if mac == ([6]byte{}) {
		mac = DefaultEmulatorMAC
	}
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	localAddr := local.Addr().Unmap()
	if !localAddr.Is4() {
		localAddr = netip.IPv4Unspecified()
	}
	return &UDPModule{
		conn:   conn,
		local:  netip.AddrPortFrom(localAddr, local.Port()),
		mac:    mac,
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
		ssid:   opts.SSID,
	}, nil
}

// LocalAddr returns the bound socket address.
func (m *UDPModule) LocalAddr() netip.AddrPort { return m.local }

// Serve receives datagrams until ctx is cancelled or the module is closed.
func (m *UDPModule) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			m.Close()
		case <-m.closed:
		}
	}()

	buf := make([]byte, 1500)
	for {
		n, src, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-m.closed:
				return ctx.Err()
			default:
			}
			return fmt.Errorf("udp read: %w", err)
		}
		if n == 0 {
			continue
		}
		src4 := netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
		if !src4.Addr().Is4() {
			continue
		}
		peer := protocol.NewPeer(src4.Addr(), src4.Port())
		out, err := EncodeAPI(protocol.InboundFrame(peer, m.local.Port(), buf[:n]))
		if err != nil {
			monitoring.Logf("xbee emulator: dropping %d byte datagram from %s: %v", n, src4, err)
			continue
		}
		select {
		case m.out <- out:
		case <-m.closed:
			return ctx.Err()
		}
	}
}

// emit API-frames a module response and queues it for Read.
func (m *UDPModule) emit(data []byte) {
	out, err := EncodeAPI(data)
	if err != nil {
		monitoring.Logf("xbee emulator: dropping %d byte frame: %v", len(data), err)
		return
	}
	m.queue(out)
}

// queue drops rather than blocks; it runs inside Write.
func (m *UDPModule) queue(p []byte) {
	select {
	case m.out <- p:
	default:
		monitoring.Logf("xbee emulator: read queue full, dropping %d bytes", len(p))
	}
}

// Read implements io.Reader for the robot side.
func (m *UDPModule) Read(p []byte) (int, error) {
	if len(m.rest) == 0 {
		select {
		case b := <-m.out:
			m.rest = b
		case <-m.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, m.rest)
	m.rest = m.rest[n:]
	return n, nil
}

// Write implements io.Writer for the robot side.
func (m *UDPModule) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, errors.New("xbee emulator: closed")
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmdMode {
		m.commandText(p)
		return len(p), nil
	}
	if string(p) == "+++" {
		m.cmdMode = true
		m.line = m.line[:0]
		m.queue([]byte("OK\r"))
		return len(p), nil
	}

	m.dec.Feed(p)
	for {
		frame, ok := m.dec.Next()
		if !ok {
			break
		}
		m.handleFrame(frame)
	}
	return len(p), nil
}

// Close releases the socket and unblocks readers.
func (m *UDPModule) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.conn.Close()
	})
	return err
}

func (m *UDPModule) commandText(p []byte) {
	m.line = append(m.line, p...)
	for {
		i := strings.IndexByte(string(m.line), '\r')
		if i < 0 {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(string(m.line[:i])))
		m.line = m.line[i+1:]

		switch {
		case cmd == "ATCN", cmd == "ATNR":
			// Leaving command mode after a network reset matches what the
			// robot expects: it resumes API traffic straight away.
			m.cmdMode = false
			m.queue([]byte("OK\r"))
		case strings.HasPrefix(cmd, "AT"):
			m.queue([]byte("OK\r"))
		default:
			m.queue([]byte("ERROR\r"))
		}
		if !m.cmdMode {
			m.line = m.line[:0]
			return
		}
	}
}

func (m *UDPModule) handleFrame(frame []byte) {
	switch frame[0] {
	case protocol.ATRequest:
		req, err := protocol.ParseATRequest(frame)
		if err != nil {
			monitoring.Logf("xbee emulator: %v", err)
			return
		}
		status, data := m.atCommand(req)
		if req.ID != protocol.FrameIDNone {
			m.emit(protocol.ATReplyFrame(req.ID, req.Cmd, status, data))
		}

	case protocol.TxMarker:
		h, _, err := protocol.DecodeHeader(frame)
		if err != nil {
			monitoring.Logf("xbee emulator: %v", err)
			return
		}
		dst := h.Peer.AddrPort()
		if _, err := m.conn.WriteToUDPAddrPort(frame[protocol.RFDataOffset:], dst); err != nil {
			monitoring.Logf("xbee emulator: send to %s: %v", dst, err)
		}
		if id := frame[1]; id != protocol.FrameIDNone {
			m.emit([]byte{txStatus, id, atStatusOK})
		}

	default:
		monitoring.Logf("xbee emulator: ignoring frame type 0x%02x", frame[0])
	}
}

// atCommand answers one AT request.
func (m *UDPModule) atCommand(req protocol.ATRequestFrame) (byte, []byte) {
	switch req.Cmd {
	case "SL":
		return atStatusOK, append([]byte(nil), m.mac[2:6]...)
	case "SH":
		return atStatusOK, append([]byte(nil), m.mac[0:2]...)
	case "C0":
		port := make([]byte, 2)
		binary.BigEndian.PutUint16(port, m.local.Port())
		return atStatusOK, port
	case "MY":
		a := m.local.Addr().As4()
		return atStatusOK, a[:]
	case "AI":
		if m.ssid == "" {
			return atStatusOK, []byte{protocol.AssociationNoSSID}
		}
		return atStatusOK, []byte{0x00}
	case "ID":
		m.ssid = string(req.Param)
		return atStatusOK, nil
	case "NR", "EE", "PK", "WR", "FR", "CN", "AC":
		return atStatusOK, nil
	default:
		return atStatusInvalid, nil
	}
}
