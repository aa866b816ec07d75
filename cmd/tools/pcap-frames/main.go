// pcap-frames summarises robot traffic in a packet capture. Datagrams from
// the server are rebuilt into the receive frames the radio module would
// hand the robot and classified exactly as the robot would; datagrams
// from the robot are tallied by command code.
//
// Usage:
//
//	pcap-frames -file capture.pcap [-port 1973] [-v]
package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"slices"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/robolink/internal/protocol"
)

var (
	pcapFile   = flag.String("file", "", "pcap or pcapng capture to read")
	serverPort = flag.Uint("port", 1973, "UDP port of the server")
	verbose    = flag.Bool("v", false, "print every frame")
)

// pcapngMagic is the section header block type that opens a pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// robotHeader is the datagram prefix the robot sends: MAC then timestamp.
const robotHeader = 10

// Summary tallies the frames in a capture.
type Summary struct {
	Packets  int
	Skipped  int
	ToRobot  map[string]int // by classification
	ToServer map[string]int // by command code
	Unknown  []string       // rejected inbound frames with the reason
	Lines    []string       // per-frame lines, when verbose
}

func newSummary() *Summary {
	return &Summary{ToRobot: map[string]int{}, ToServer: map[string]int{}}
}

// Analyse reads a capture and classifies every UDP datagram to or from
// port.
func Analyse(r io.Reader, port uint16, verbose bool) (*Summary, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var source gopacket.PacketDataSource
	var linkType layers.LinkType
	if slices.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		source, linkType = ng, ng.LinkType()
	} else {
		rd, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open pcap: %w", err)
		}
		source, linkType = rd, rd.LinkType()
	}

	s := newSummary()
	packets := gopacket.NewPacketSource(source, linkType)
	for {
		packet, err := packets.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s, fmt.Errorf("read packet %d: %w", s.Packets+1, err)
		}
		s.Packets++
		s.add(packet, port, verbose)
	}
	return s, nil
}

func (s *Summary) add(packet gopacket.Packet, port uint16, verbose bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if udpLayer == nil || ipLayer == nil {
		s.Skipped++
		return
	}
	udp := udpLayer.(*layers.UDP)
	ip := ipLayer.(*layers.IPv4)
	payload := udp.Payload

	switch {
	case uint16(udp.SrcPort) == port:
		src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
		frame := protocol.InboundFrame(protocol.NewPeer(src, port), uint16(udp.DstPort), payload)
		cls := protocol.Classify(frame, false)
		key := cls.Kind.String()
		if cls.Kind == protocol.KindCommand {
			key = string(cls.Code)
		}
		s.ToRobot[key]++
		if cls.Kind == protocol.KindUnknown {
			s.Unknown = append(s.Unknown, fmt.Sprintf("%s: %v", protocol.Dump(frame), cls.Err))
		}
		if verbose {
			s.Lines = append(s.Lines, fmt.Sprintf("server> %-8s %s", key, protocol.Dump(frame)))
		}

	case uint16(udp.DstPort) == port:
		key := "short"
		if len(payload) > robotHeader {
			key = string(payload[robotHeader])
		}
		s.ToServer[key]++
		if verbose {
			var ms int32
			if len(payload) >= robotHeader {
				ms = int32(binary.LittleEndian.Uint32(payload[6:robotHeader]))
			}
			s.Lines = append(s.Lines, fmt.Sprintf("robot>  %-8s t=%dms %s", key, ms, protocol.Dump(payload)))
		}

	default:
		s.Skipped++
	}
}

// Print writes the summary.
func (s *Summary) Print(w io.Writer) {
	for _, l := range s.Lines {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintf(w, "packets: %d (skipped %d)\n", s.Packets, s.Skipped)
	printCounts(w, "server -> robot", s.ToRobot)
	printCounts(w, "robot -> server", s.ToServer)
	if len(s.Unknown) > 0 {
		fmt.Fprintf(w, "rejected frames:\n")
		for _, u := range s.Unknown {
			fmt.Fprintf(w, "  %s\n", u)
		}
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	fmt.Fprintf(w, "%s:\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %d\n", k, counts[k])
	}
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-file is required")
	}
	if *serverPort == 0 || *serverPort > 65535 {
		log.Fatalf("invalid port %d", *serverPort)
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	s, err := Analyse(f, uint16(*serverPort), *verbose)
	if err != nil {
		log.Fatalf("failed to analyse %s: %v", *pcapFile, err)
	}
	s.Print(os.Stdout)
}
