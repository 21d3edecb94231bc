package tcp

import (
	"log"

	"github.com/google/gopacket/layers"
	"github.com/lirlia/tcpendpoint/internal/ipstack"
	"github.com/lirlia/tcpendpoint/internal/logx"
)

// doPacket receives one segment and runs it through the protocol
// handlers in order: ack, data, syn, fin (spec.md §4.3, do_packet in the
// reference). It returns as soon as the caller's read deadline passes
// with nothing queued, which is what lets the retransmission timer
// regain control of a caller's polling loop.
func (ep *Endpoint) doPacket() {
	src, _, proto, payload, err := ep.conn.Receive()
	if err != nil || proto != ipstack.ProtoTCP {
		return
	}

	seg, err := parseSegment(src, ep.ourIP, payload)
	if err != nil {
		log.Printf("%s[tcp]%s dropping malformed segment from %s: %v", logx.PrefixWarn, logx.Reset, src, err)
		return
	}
	log.Printf("%s[tcp]%s %s:%s -> %s:%s flags=%s seq=%d ack=%d len=%d", logx.PrefixTCP, logx.Reset,
		src, layers.TCPPort(seg.srcPort), ep.ourIP, layers.TCPPort(seg.dstPort),
		flagsString(seg.flags), seg.seq, seg.ack, len(seg.payload))

	// Only a listening socket learns its peer's port from an inbound
	// connection attempt; every other state already knows it.
	if ep.state == StateListen && seg.flags&flagSYN != 0 && seg.flags&flagACK == 0 {
		ep.theirPort = seg.srcPort
	}

	if !ep.packetIsValid(seg) {
		return
	}

	if seg.dstPort == ep.ourPort && seg.srcPort == ep.theirPort {
		ep.handleAck(seg.flags, seg.ack)
		ep.handleData(seg.flags, seg.seq, seg.payload)
		ep.handleSyn(seg.flags, seg.seq, src)
		ep.handleFin(seg.flags, seg.seq)

		ep.prevSeq = seg.seq
		ep.prevFlags = seg.flags
	}
}

// packetIsValid checks port ownership, per-state flag expectations, and
// ack-number plausibility before a segment is allowed to reach the
// handlers (spec.md §4.4, packet_is_valid in the reference).
func (ep *Endpoint) packetIsValid(seg segment) bool {
	if seg.dstPort != ep.ourPort || seg.srcPort != ep.theirPort {
		return false
	}

	if ep.state == StateListen {
		if seg.flags&flagSYN == 0 || seg.flags&flagACK != 0 {
			return false
		}
	}

	if ep.state == StateSynSent {
		if seg.flags&flagACK == 0 || seg.flags&flagSYN == 0 {
			return false
		}
		if ep.expectedAck-seg.ack > maxTCPData {
			return false
		}
	}

	if seg.flags&flagSYN == 0 {
		if seg.flags&flagACK == 0 {
			return false
		}
		if ep.expectedAck-seg.ack > maxTCPData {
			return false
		}
	}

	if seg.flags&(flagSYN|flagFIN) != 0 && len(seg.payload) > 0 {
		return false
	}

	if len(seg.payload) > maxTCPData {
		return false
	}

	return true
}

// handleAck advances our sequence number once the peer confirms receipt
// of our last outstanding send, and feeds the FSM when the ack itself
// completes a handshake or teardown step (spec.md §4.5).
func (ep *Endpoint) handleAck(flags uint8, ackNr uint32) {
	if flags&flagACK == 0 {
		return
	}
	if ackNr != ep.expectedAck {
		return
	}

	ep.ourSeq = ackNr
	ep.unackedDataLen = 0

	if ep.state == StateEstablished {
		return
	}

	switch ep.state {
	case StateSynAckSent, StateFinWait1, StateLastAck, StateClosing:
		ep.declareEvent(eventAckReceived)
	}
}

// handleData folds freshly-arrived payload bytes into the circular
// receive buffer, acking as it goes, and re-acks duplicates so a peer
// whose ack was lost doesn't stall forever (spec.md §4.7, handle_data in
// the reference). Fresh data begins at offset ep.theirSeq-seqNr; a segment
// whose seqNr is ahead of ep.theirSeq makes that offset wrap past
// maxTCPData and is dropped without an ack.
func (ep *Endpoint) handleData(flags uint8, seqNr uint32, data []byte) {
	freeSpace := bufferSize - ep.rcvSize
	if len(data) > 0 && freeSpace > 0 {
		freshStart := ep.theirSeq - seqNr
		freshSize := uint32(len(data)) - freshStart

		if freshSize > 0 && freshSize <= maxTCPData && freshStart <= maxTCPData {
			size := min(freeSpace, int(freshSize))

			ep.ackNr += uint32(size)
			if err := ep.sendAck(); err != nil {
				ep.ackNr -= uint32(size)
				return
			}

			ep.pushBytes(data[freshStart : freshStart+uint32(size)])
			ep.theirSeq += uint32(size)
			ep.bytesReceived += uint64(size)

			if flags&flagPSH != 0 {
				ep.rcvPsh = ep.rcvSize
			}
		} else if ep.prevSeq == seqNr {
			ep.sendAck()
		}
	}
}

// handleSyn drives the passive-open and active-open halves of the
// handshake and re-acks a duplicate SYN once established (spec.md §4.8,
// handle_syn in the reference).
func (ep *Endpoint) handleSyn(flags uint8, seqNr uint32, theirIP ipstack.Addr) {
	if flags&flagSYN == 0 {
		return
	}

	switch ep.state {
	case StateListen:
		if flags&flagACK == 0 {
			ep.theirIP = theirIP
			ep.theirSeq = seqNr + 1
			ep.ackNr = seqNr + 1
			ep.declareEvent(eventSynReceived)
		}
	case StateSynSent:
		if ep.allAcksReceived() {
			ep.declareEvent(eventSynAckReceived)
			ep.theirSeq = seqNr + 1
			ep.ackNr = seqNr + 1
			ep.sendAck()
		}
	case StateEstablished:
		if ep.prevSeq == seqNr && ep.prevFlags&flagSYN != 0 {
			ep.sendAck()
		}
	}
}

// handleFin moves the connection into its teardown states once the peer
// signals it has no more data, re-acking a duplicate FIN (spec.md §4.9,
// handle_fin in the reference).
func (ep *Endpoint) handleFin(flags uint8, seqNr uint32) {
	if flags&flagFIN == 0 {
		return
	}

	switch ep.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		ep.theirSeq = seqNr + 1
		ep.ackNr = seqNr + 1
		ep.sendAck()
		ep.declareEvent(eventFinReceived)
	case StateCloseWait, StateLastAck:
		if ep.prevSeq == seqNr && ep.prevFlags&flagFIN != 0 {
			ep.sendAck()
		}
	}
}
