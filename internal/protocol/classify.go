package protocol

import (
	"fmt"
	"strings"
)

// Kind is the outcome of classifying a received frame.
type Kind int

const (
	KindTimeout Kind = iota
	KindEmpty
	KindConfigReply
	KindCommand
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindEmpty:
		return "empty"
	case KindConfigReply:
		return "config-reply"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// ConfigTag identifies which AT query a reply answers.
type ConfigTag int

const (
	TagNone        ConfigTag = iota
	TagSerialLow             // SL: low four MAC bytes
	TagSerialHigh            // SH: high two MAC bytes
	TagLocalPort             // C0: local UDP port
	TagAddress               // MY: local IPv4
	TagAssociation           // AI: association status
)

var tagNames = [...]string{"", "SL", "SH", "C0", "MY", "AI"}

func (t ConfigTag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("ConfigTag(%d)", int(t))
}

// Class is a classified frame.
type Class struct {
	Kind Kind
	Tag  ConfigTag // for KindConfigReply
	Code byte      // for KindCommand, and for KindUnknown when a command marker was seen
	Err  error     // for KindUnknown: why it was rejected
}

type replyShape struct {
	tag    ConfigTag
	length int
	prefix [5]byte
}

// configReplies are matched on exact length plus the response type,
// frame id, command name and an OK status.
var configReplies = []replyShape{
	{TagSerialLow, 9, [5]byte{ATResponse, FrameIDSerialLow, 'S', 'L', atStatusOK}},
	{TagSerialHigh, 7, [5]byte{ATResponse, FrameIDSerialHigh, 'S', 'H', atStatusOK}},
	{TagLocalPort, 7, [5]byte{ATResponse, FrameIDLocalPort, 'C', '0', atStatusOK}},
	{TagAddress, 9, [5]byte{ATResponse, FrameIDAddress, 'M', 'Y', atStatusOK}},
	{TagAssociation, 6, [5]byte{ATResponse, FrameIDAssociation, 'A', 'I', atStatusOK}},
}

// commandLengths is the exact frame length of each inbound command.
var commandLengths = map[byte]int{
	CmdBeep:     16,
	CmdIRFlash:  15,
	CmdSetSpeed: 16,
	CmdRange:    12,
	CmdTicks:    12,
	CmdDrive:    16,
	CmdLED:      14,
}

// CommandLength returns the exact frame length expected for code.
func CommandLength(code byte) (int, bool) {
	n, ok := commandLengths[code]
	return n, ok
}

// Classify inspects a received frame. timedOut reports that the transport
// returned ErrTimeout, in which case frame is ignored. Config replies are
// checked before commands.
func Classify(frame []byte, timedOut bool) Class {
	if timedOut {
		return Class{Kind: KindTimeout}
	}
	if len(frame) == 0 {
		return Class{Kind: KindEmpty}
	}

	for _, r := range configReplies {
		if len(frame) == r.length && [5]byte(frame[:5]) == r.prefix {
			return Class{Kind: KindConfigReply, Tag: r.tag}
		}
	}

	if frame[0] != RxMarker || len(frame) <= CommandOffset {
		return Class{Kind: KindUnknown, Err: ErrMalformedFrame}
	}
	code := frame[CommandOffset]
	want, ok := commandLengths[code]
	if !ok {
		return Class{Kind: KindUnknown, Code: code, Err: ErrUnrecognizedCommand}
	}
	if len(frame) != want {
		return Class{
			Kind: KindUnknown,
			Code: code,
			Err:  fmt.Errorf("%w: %q frame is %d bytes, want %d", ErrMalformedFrame, code, len(frame), want),
		}
	}
	return Class{Kind: KindCommand, Code: code}
}

// Dump formats a frame as "buffer N: xx xx ..." for logging.
func Dump(frame []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "buffer %d:", len(frame))
	for _, b := range frame {
		fmt.Fprintf(&sb, " %02x", b)
	}
	return sb.String()
}
