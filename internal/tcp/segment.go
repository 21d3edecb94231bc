package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/lirlia/tcpendpoint/internal/ipstack"
)

// segment is a transient TCP protocol data unit: header fields plus an
// opaque payload. It owns no resources beyond its own buffer (spec.md §3).
type segment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
}

// buildSegment encodes seg into a 20-byte header (no options) followed by
// its payload, with the checksum computed over the pseudo-header and the
// segment itself (spec.md §4.1, §6).
func buildSegment(srcIP, dstIP ipstack.Addr, seg segment) []byte {
	buf := make([]byte, headerLengthBytes+len(seg.payload))
	binary.BigEndian.PutUint16(buf[0:2], seg.srcPort)
	binary.BigEndian.PutUint16(buf[2:4], seg.dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seg.seq)
	binary.BigEndian.PutUint32(buf[8:12], seg.ack)
	buf[12] = 5 << 4
	buf[13] = seg.flags
	binary.BigEndian.PutUint16(buf[14:16], seg.window)
	// checksum (16:18) filled in below
	binary.BigEndian.PutUint16(buf[18:20], 0)
	copy(buf[headerLengthBytes:], seg.payload)

	checksum := tcpChecksum(srcIP, dstIP, buf)
	binary.BigEndian.PutUint16(buf[16:18], checksum)
	return buf
}

// parseSegment decodes raw into a segment, validating the checksum over
// the pseudo-header formed from srcIP/dstIP. It returns an error on any
// malformed or corrupt input (spec.md §4.1).
func parseSegment(srcIP, dstIP ipstack.Addr, raw []byte) (segment, error) {
	var seg segment
	if len(raw) < headerLengthBytes {
		return seg, fmt.Errorf("tcp: segment shorter than header: %d bytes", len(raw))
	}
	if tcpChecksum(srcIP, dstIP, raw) != 0 {
		return seg, fmt.Errorf("tcp: checksum mismatch")
	}

	seg.srcPort = binary.BigEndian.Uint16(raw[0:2])
	seg.dstPort = binary.BigEndian.Uint16(raw[2:4])
	seg.seq = binary.BigEndian.Uint32(raw[4:8])
	seg.ack = binary.BigEndian.Uint32(raw[8:12])
	dataOffset := int(raw[12]>>4) * 4
	seg.flags = raw[13]
	seg.window = binary.BigEndian.Uint16(raw[14:16])
	if dataOffset < headerLengthBytes || dataOffset > len(raw) {
		return seg, fmt.Errorf("tcp: invalid data offset %d for %d-byte segment", dataOffset, len(raw))
	}
	seg.payload = append([]byte(nil), raw[dataOffset:]...)
	return seg, nil
}

// tcpChecksum computes the 16-bit one's-complement sum over the 12-byte
// pseudo-header {src, dst, 0, IP_PROTO_TCP, length} followed by segment.
// A receiver recomputes this with the checksum field populated; the
// expected result is zero (spec.md §4.1).
func tcpChecksum(src, dst ipstack.Addr, segmentBytes []byte) uint16 {
	pseudo := make([]byte, 12+len(segmentBytes))
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[8] = 0
	pseudo[9] = ipstack.ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segmentBytes)))
	copy(pseudo[12:], segmentBytes)
	return ipstack.Checksum(pseudo)
}

func flagsString(flags uint8) string {
	names := []struct {
		bit  uint8
		name string
	}{
		{flagFIN, "FIN"}, {flagSYN, "SYN"}, {flagRST, "RST"},
		{flagPSH, "PSH"}, {flagACK, "ACK"}, {flagURG, "URG"},
	}
	s := ""
	for _, n := range names {
		if flags&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}
