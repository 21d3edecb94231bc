package tcp

import (
	"time"

	"github.com/lirlia/tcpendpoint/internal/ipstack"
)

// sendSegment builds and transmits one segment carrying flags and
// payload, using the TCB's current sequence/ack numbers, and returns the
// number of payload bytes actually sent (spec.md §4.1, send_tcp_packet
// in the reference).
func (ep *Endpoint) sendSegment(flags uint8, payload []byte) (int, error) {
	seg := segment{
		srcPort: ep.ourPort,
		dstPort: ep.theirPort,
		seq:     ep.ourSeq,
		ack:     ep.ackNr,
		flags:   flags,
		window:  windowSize,
		payload: payload,
	}
	raw := buildSegment(ep.ourIP, ep.theirIP, seg)
	n, err := ep.conn.Send(ep.theirIP, ipstack.ProtoTCP, raw)
	if err != nil {
		return -1, err
	}
	if ep.metrics != nil {
		ep.metrics.observeSend(flags)
	}
	return n - headerLengthBytes, nil
}

// sendAck transmits a bare PSH|ACK carrying no payload (spec.md §4.1,
// send_ack in the reference).
func (ep *Endpoint) sendAck() error {
	_, err := ep.sendSegment(flagPSH|flagACK, nil)
	return err
}

// sendData sends buf as a single PSH|ACK segment, retrying up to
// maxRetransmission times until the peer acks it (spec.md §4.6, send_data
// in the reference). len(buf) must not exceed maxTCPData; callers are
// responsible for chunking.
func (ep *Endpoint) sendData(buf []byte) (int, error) {
	attempts := maxRetransmission
	for attempts > 0 {
		attempts--

		bytesSent, err := ep.sendSegment(flagPSH|flagACK, buf)
		if err != nil {
			return -1, err
		}
		ep.expectedAck = ep.ourSeq + uint32(bytesSent)
		ep.unackedDataLen = bytesSent

		if ep.waitForAck() {
			ep.bytesSent += uint64(bytesSent)
			return bytesSent, nil
		}
		if attempts > 0 {
			ep.retransmitCount++
		}
	}
	return -1, errPartnerDead
}

// sendSyn transmits a SYN (or SYN|ACK when called on the passive side,
// i.e. from any state other than CONNECTING) and waits for it to be acked, retrying up to maxRetransmission times
// before declaring the peer dead (spec.md §4.8, send_syn in the
// reference).
func (ep *Endpoint) sendSyn() error {
	flags := uint8(flagPSH | flagSYN)
	if ep.state != StateConnecting {
		flags |= flagACK
	}

	attempts := maxRetransmission
	for attempts > 0 {
		attempts--

		if _, err := ep.sendSegment(flags, nil); err != nil {
			return err
		}
		ep.expectedAck = ep.ourSeq + 1

		if flags&flagACK != 0 {
			ep.declareEvent(eventSynAckSent)
		} else {
			ep.declareEvent(eventSynSent)
		}

		if ep.waitForAck() && ep.state == StateEstablished {
			return nil
		}
		ep.declareEvent(eventAckTimeout)
	}
	ep.declareEvent(eventPartnerDead)
	return errPartnerDead
}

// sendFin transmits a FIN|ACK and waits for it to be acked, retrying up
// to maxRetransmission times before declaring the peer dead (spec.md
// §4.9, send_fin in the reference).
func (ep *Endpoint) sendFin() error {
	attempts := maxRetransmission
	for attempts > 0 {
		attempts--

		if _, err := ep.sendSegment(flagPSH|flagFIN|flagACK, nil); err != nil {
			return err
		}
		ep.expectedAck = ep.ourSeq + 1

		if ep.waitForAck() && ep.state != StateFinWait1 {
			return nil
		}
	}
	ep.declareEvent(eventPartnerDead)
	return errPartnerDead
}

// waitForAck polls incoming segments via doPacket until either our
// outstanding send is fully acked or the retransmission timer fires
// (spec.md §4.6, wait_for_ack in the reference, using internal/alarm in
// place of SIGALRM).
func (ep *Endpoint) waitForAck() bool {
	ep.clock.Arm(rtt)
	defer ep.clock.Disarm()

	ep.conn.SetReadDeadline(time.Now().Add(rtt))
	defer ep.conn.SetReadDeadline(time.Time{})

	for !ep.clock.Fired() && !ep.allAcksReceived() {
		ep.doPacket()
	}
	return ep.allAcksReceived()
}
