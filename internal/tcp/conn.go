package tcp

import (
	"errors"
	"log"
	"time"

	"github.com/lirlia/tcpendpoint/internal/alarm"
	"github.com/lirlia/tcpendpoint/internal/ipstack"
	"github.com/lirlia/tcpendpoint/internal/logx"
)

// errPartnerDead is returned once a reliable send exhausts its
// retransmission budget without an ack (spec.md §4.6/§4.8/§4.9).
var errPartnerDead = errors.New("tcp: partner dead: exhausted retransmissions")

// errNotEstablished and errNotReadable reject operations the FSM state
// doesn't permit, mirroring the -1 returns of tcp_connect/tcp_write/
// tcp_read's state guards in the reference.
var (
	errNotClosed      = errors.New("tcp: endpoint must be closed for this operation")
	errNotEstablished = errors.New("tcp: endpoint is not established")
	errNotReadable    = errors.New("tcp: endpoint is not in a readable state")
	errNotClosable    = errors.New("tcp: endpoint is not established or closing")
)

// errEmptyWrite rejects a Write of zero bytes.
var errEmptyWrite = errors.New("tcp: write of zero bytes")

// Endpoint is a single TCP connection: the state machine (tcb), the
// datagram service it rides on, and the retransmission clock that drives
// its stop-and-wait loop (spec.md §3, §9). Only one connection may be
// open on an Endpoint at a time.
type Endpoint struct {
	tcb
	conn    ipstack.Conn
	clock   *alarm.Clock
	metrics *Metrics
}

// Open prepares a fresh Endpoint bound to conn's local address. It is
// the Go analogue of tcp_socket: idempotent state reset, no network
// activity (spec.md §4.1).
func Open(conn ipstack.Conn) *Endpoint {
	ep := &Endpoint{conn: conn, clock: alarm.New()}
	ep.ourIP = conn.LocalAddr()
	ep.declareEvent(eventSocketOpen)
	return ep
}

// WithMetrics attaches a Prometheus collector that mirrors this
// endpoint's TCB. Optional; a nil metrics handle is never populated.
func (ep *Endpoint) WithMetrics(m *Metrics) *Endpoint {
	ep.metrics = m
	return ep
}

// Connect actively opens a connection to dst:port, blocking until the
// handshake completes or the peer is declared dead (spec.md §4.8,
// tcp_connect in the reference).
func (ep *Endpoint) Connect(dst ipstack.Addr, port uint16) error {
	if ep.state != StateClosed {
		return errNotClosed
	}

	ep.declareEvent(eventConnect)
	ep.ourPort = clientPort
	ep.theirIP = dst
	ep.theirPort = port

	log.Printf("%s[tcp]%s connecting to %s:%d", logx.PrefixTCP, logx.Reset, dst, port)
	return ep.sendSyn()
}

// Listen passively waits for an inbound connection on port, blocking
// until established or its own listen deadline (maxRetransmission * rtt,
// independent of the retransmission clock) passes (spec.md §4.8,
// tcp_listen in the reference).
func (ep *Endpoint) Listen(port uint16) (ipstack.Addr, error) {
	if ep.state != StateClosed {
		return ipstack.Addr{}, errNotClosed
	}

	ep.ourPort = port
	ep.theirPort = 0

	// Unlike a data or SYN retransmission, there is no fixed retry budget
	// for "a SYN eventually arrives"; bound it generously instead of
	// blocking forever, which the reference's own listen loop can do if a
	// handshake is abandoned before its one retransmitting call to
	// sendSyn is reached.
	deadline := time.Now().Add(maxRetransmission * rtt)
	defer ep.conn.SetReadDeadline(time.Time{})

	ep.declareEvent(eventListen)
	for ep.state != StateEstablished {
		if time.Now().After(deadline) {
			return ipstack.Addr{}, errPartnerDead
		}

		ep.conn.SetReadDeadline(time.Now().Add(rtt))
		ep.doPacket()

		if ep.state == StateSynReceived {
			if err := ep.sendSyn(); err != nil {
				return ipstack.Addr{}, err
			}
			if ep.state != StateEstablished {
				return ipstack.Addr{}, errPartnerDead
			}
		}
	}

	return ep.theirIP, nil
}

// Close gracefully tears down an established (or passively half-closed)
// connection, blocking until the peer acks the final FIN or the peer is
// declared dead (spec.md §4.9, tcp_close in the reference).
func (ep *Endpoint) Close() error {
	if ep.state != StateEstablished && ep.state != StateCloseWait {
		return errNotClosable
	}
	ep.declareEvent(eventClose)
	return ep.sendFin()
}

// Read copies up to maxlen bytes of received application data into buf,
// pulling fresh segments off the wire while none is available and no FIN
// has been seen, and returns 0 once the peer has closed with no more
// data pending (spec.md §4.7, tcp_read in the reference).
func (ep *Endpoint) Read(buf []byte) (int, error) {
	maxlen := len(buf)
	switch ep.state {
	case StateEstablished, StateFinWait1, StateFinWait2,
		StateClosing, StateCloseWait, StateLastAck, StateClosed:
	default:
		return 0, errNotReadable
	}

	if ep.rcvSize == 0 {
		switch ep.state {
		case StateClosing, StateCloseWait, StateLastAck:
			return 0, nil
		case StateClosed:
			return 0, errNotReadable
		}
	}

	if ep.state == StateEstablished || ep.state == StateFinWait1 || ep.state == StateFinWait2 {
		ep.receiveNewData(maxlen)
	}

	return ep.popBytes(buf), nil
}

// receiveNewData polls incoming segments until PSH-flagged data is
// available, the buffer holds enough to satisfy maxlen, the peer's FIN
// arrives, or the retransmission clock expires (spec.md §4.7,
// receive_new_data in the reference).
func (ep *Endpoint) receiveNewData(maxlen int) {
	bytesToRead := min(maxlen, bufferSize)

	ep.clock.Arm(rtt)
	defer ep.clock.Disarm()
	ep.conn.SetReadDeadline(time.Now().Add(rtt))
	defer ep.conn.SetReadDeadline(time.Time{})

	for !ep.clock.Fired() &&
		ep.rcvPsh == 0 &&
		ep.rcvSize < bytesToRead &&
		ep.state != StateClosed &&
		ep.state != StateClosing &&
		ep.state != StateCloseWait &&
		ep.state != StateLastAck {

		ep.doPacket()
	}
}

// Write sends len(buf) bytes of application data, chunked into segments
// of at most maxTCPData bytes each and transmitted reliably via
// sendData, returning the number of bytes actually sent before any
// failure (spec.md §4.6, tcp_write in the reference).
func (ep *Endpoint) Write(buf []byte) (int, error) {
	if ep.state != StateEstablished {
		return 0, errNotEstablished
	}
	if len(buf) == 0 {
		return 0, errEmptyWrite
	}

	sent := 0
	for sent < len(buf) {
		end := min(sent+maxTCPData, len(buf))
		n, err := ep.sendData(buf[sent:end])
		if err != nil {
			break
		}
		sent += n
	}

	if sent == 0 {
		return 0, errPartnerDead
	}
	return sent, nil
}

// State reports the endpoint's current connection state.
func (ep *Endpoint) State() State {
	return ep.state
}
