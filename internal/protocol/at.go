package protocol

import (
	"encoding/binary"
	"fmt"
)

// ATFrame builds a local AT command request. Frame id 0 asks the module
// not to reply.
func ATFrame(id byte, cmd string, param []byte) []byte {
	if len(cmd) != 2 {
		panic(fmt.Sprintf("protocol: AT command %q must be two characters", cmd))
	}
	f := make([]byte, 0, 4+len(param))
	f = append(f, ATRequest, id, cmd[0], cmd[1])
	return append(f, param...)
}

// ATRequestFrame is a decoded AT command request.
type ATRequestFrame struct {
	ID    byte
	Cmd   string
	Param []byte
}

// ParseATRequest decodes a frame built by ATFrame.
func ParseATRequest(frame []byte) (ATRequestFrame, error) {
	if len(frame) < 4 || frame[0] != ATRequest {
		return ATRequestFrame{}, fmt.Errorf("%w: not an AT request", ErrMalformedFrame)
	}
	return ATRequestFrame{ID: frame[1], Cmd: string(frame[2:4]), Param: frame[4:]}, nil
}

// ATReplyFrame builds an AT command response as the module sends it.
func ATReplyFrame(id byte, cmd string, status byte, data []byte) []byte {
	f := make([]byte, 0, 5+len(data))
	f = append(f, ATResponse, id, cmd[0], cmd[1], status)
	return append(f, data...)
}

// InboundFrame builds a receive frame carrying a datagram from src to the
// module's dstPort.
func InboundFrame(src Peer, dstPort uint16, data []byte) []byte {
	f := make([]byte, PayloadOffset-1, PayloadOffset-1+len(data))
	f[0] = RxMarker
	copy(f[1:5], src.Addr[:])
	binary.BigEndian.PutUint16(f[5:7], dstPort)
	copy(f[7:9], src.Port[:])
	f[9] = 0  // protocol: UDP
	f[10] = 0 // status
	return append(f, data...)
}
