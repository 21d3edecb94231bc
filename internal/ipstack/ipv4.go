package ipstack

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
)

// IP protocol numbers, per RFC 790.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	ipv4Version        = 4
	ipv4HeaderMinBytes = 20
)

// ipv4Header is the subset of RFC 791 fields this stack builds and parses.
// There is no options support: buildIPv4 always writes IHL 5, and
// parseIPv4 skips over any options a received header declares.
type ipv4Header struct {
	TOS         uint8
	TotalLength uint16
	ID          uint16
	Flags       uint8
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	SrcIP       Addr
	DstIP       Addr
}

// buildIPv4 constructs an IPv4 header (no options) for a payload of
// protocol proto and returns header-plus-payload ready to hand to the
// link layer.
func buildIPv4(src, dst Addr, proto uint8, payload []byte) []byte {
	header := make([]byte, ipv4HeaderMinBytes)
	header[0] = (ipv4Version << 4) | 5
	header[1] = 0 // TOS
	binary.BigEndian.PutUint16(header[2:4], uint16(ipv4HeaderMinBytes+len(payload)))
	binary.BigEndian.PutUint16(header[4:6], uint16(mrand.Intn(65536)))
	binary.BigEndian.PutUint16(header[6:8], 0x4000) // DF, no fragment offset
	header[8] = 64                                  // TTL
	header[9] = proto
	// checksum (10:12) filled below
	copy(header[12:16], src[:])
	copy(header[16:20], dst[:])

	binary.BigEndian.PutUint16(header[10:12], Checksum(header))

	packet := make([]byte, 0, len(header)+len(payload))
	packet = append(packet, header...)
	packet = append(packet, payload...)
	return packet
}

// parseIPv4 parses packet into a header and its payload, honoring the
// header's declared IHL and TotalLength the way the reference's
// parseIPv4Header does, including truncating a payload that runs past
// TotalLength.
func parseIPv4(packet []byte) (ipv4Header, []byte, error) {
	var h ipv4Header
	if len(packet) < ipv4HeaderMinBytes {
		return h, nil, fmt.Errorf("ipstack: packet too short for IPv4 header: %d bytes", len(packet))
	}

	version := packet[0] >> 4
	ihl := packet[0] & 0x0F
	if version != ipv4Version {
		return h, nil, fmt.Errorf("ipstack: not IPv4 (version %d)", version)
	}

	headerLen := int(ihl) * 4
	if len(packet) < headerLen {
		return h, nil, fmt.Errorf("ipstack: packet too short for declared IHL: need %d, got %d", headerLen, len(packet))
	}

	h.TOS = packet[1]
	h.TotalLength = binary.BigEndian.Uint16(packet[2:4])
	h.ID = binary.BigEndian.Uint16(packet[4:6])
	flagsAndOffset := binary.BigEndian.Uint16(packet[6:8])
	h.Flags = uint8(flagsAndOffset >> 13)
	h.TTL = packet[8]
	h.Protocol = packet[9]
	h.Checksum = binary.BigEndian.Uint16(packet[10:12])
	copy(h.SrcIP[:], packet[12:16])
	copy(h.DstIP[:], packet[16:20])

	if int(h.TotalLength) < headerLen {
		return h, nil, fmt.Errorf("ipstack: TotalLength %d shorter than header %d", h.TotalLength, headerLen)
	}
	payloadLen := int(h.TotalLength) - headerLen
	payload := packet[headerLen:]
	if payloadLen > len(payload) {
		payloadLen = len(payload)
	}
	return h, payload[:payloadLen], nil
}

func protocolName(proto uint8) string {
	switch proto {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("unknown(%d)", proto)
	}
}
