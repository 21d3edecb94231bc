package ipstack

import (
	"encoding/binary"
	"log"

	"github.com/lirlia/tcpendpoint/internal/logx"
)

const icmpHeaderBytes = 8

const (
	icmpEchoRequest = 8
	icmpEchoReply   = 0
)

// handleICMP answers Echo Requests in place; nothing above the IP layer
// ever sees an ICMP packet. This is ambient IP-layer housekeeping, not
// part of the TCP core's narrow ip_send/ip_receive contract.
func (t *TunConn) handleICMP(hdr ipv4Header, payload []byte) {
	if len(payload) < icmpHeaderBytes || payload[0] != icmpEchoRequest {
		return
	}
	id := binary.BigEndian.Uint16(payload[4:6])
	seq := binary.BigEndian.Uint16(payload[6:8])
	data := payload[icmpHeaderBytes:]

	reply := make([]byte, icmpHeaderBytes+len(data))
	reply[0] = icmpEchoReply
	binary.BigEndian.PutUint16(reply[4:6], id)
	binary.BigEndian.PutUint16(reply[6:8], seq)
	copy(reply[icmpHeaderBytes:], data)
	binary.BigEndian.PutUint16(reply[2:4], Checksum(reply))

	if _, err := t.Send(hdr.SrcIP, ProtoICMP, reply); err != nil {
		log.Printf("%s%sfailed to send ICMP echo reply to %s: %v%s", logx.Gray, logx.PrefixIP, hdr.SrcIP, err, logx.Reset)
	}
}
