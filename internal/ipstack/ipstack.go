// Package ipstack provides the unreliable datagram service the TCP core
// is layered on: "send one packet, receive one packet", with everything
// below that narrow contract (IPv4 framing, checksums, the TUN device, a
// stray ICMP responder) kept out of the TCP core's sight, exactly as
// spec.md §1 describes it as an external collaborator "consumed only
// through narrow interfaces".
package ipstack

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lirlia/tcpendpoint/internal/logx"
	"github.com/songgao/water"
)

// Conn is the narrow interface the TCP core consumes: ip_init (via Open),
// ip_send and ip_receive from spec.md §6.
type Conn interface {
	// LocalAddr returns this endpoint's own IPv4 address (my_ipaddr).
	LocalAddr() Addr
	// Send transmits one datagram of the given protocol to dst and
	// returns the number of payload bytes written, or an error if the
	// lower layer refused the write outright.
	Send(dst Addr, proto uint8, payload []byte) (int, error)
	// Receive blocks for the next datagram addressed to this endpoint,
	// returning its source, destination, protocol, and payload, or
	// returns an error once the deadline set by SetReadDeadline passes.
	// The underlying medium may drop, duplicate, or reorder datagrams
	// but never delivers a corrupted one undetected.
	Receive() (src, dst Addr, proto uint8, payload []byte, err error)
	// SetReadDeadline bounds how long the next Receive calls may block,
	// the same way net.Conn's deadline works; a zero Time disables the
	// deadline. This is what lets the protocol's retransmission timer
	// regain control of a blocking receive loop, playing the role SIGALRM
	// interrupting a blocking read() plays in the reference.
	SetReadDeadline(t time.Time) error
	Close() error
}

var errReadDeadlineExceeded = fmt.Errorf("ipstack: read deadline exceeded")

type ipPacket struct {
	src, dst Addr
	proto    uint8
	payload  []byte
}

// TunConn is a Conn backed by a real TUN device.
type TunConn struct {
	ifce  *water.Interface
	local Addr
	mtu   int

	queue chan ipPacket
	errs  chan error
	done  chan struct{}

	mu       sync.Mutex
	deadline time.Time
}

// Open brings up a TUN device per cfg and starts demultiplexing inbound
// traffic: ICMP Echo Requests are answered in place, TCP datagrams are
// queued for Receive, everything else is logged and dropped.
func Open(cfg Config) (*TunConn, error) {
	ifce, err := setupTUN(cfg)
	if err != nil {
		return nil, err
	}
	local, err := ParseAddr(cfg.LocalIP)
	if err != nil {
		ifce.Close()
		return nil, err
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}

	t := &TunConn{
		ifce:  ifce,
		local: local,
		mtu:   mtu,
		queue: make(chan ipPacket, 64),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *TunConn) LocalAddr() Addr { return t.local }

func (t *TunConn) Send(dst Addr, proto uint8, payload []byte) (int, error) {
	packet := buildIPv4(t.local, dst, proto, payload)
	log.Printf("%s%sSND: %s -> %s proto=%s len=%d%s", logx.Purple, logx.PrefixIP, t.local, dst, protocolName(proto), len(payload), logx.Reset)
	n, err := t.ifce.Write(packet)
	if err != nil {
		return 0, fmt.Errorf("ipstack: write TUN device: %w", err)
	}
	if n != len(packet) {
		return 0, fmt.Errorf("ipstack: short write: wrote %d of %d bytes", n, len(packet))
	}
	return len(payload), nil
}

func (t *TunConn) Receive() (src, dst Addr, proto uint8, payload []byte, err error) {
	timeoutCh, stop := t.deadlineChan()
	defer stop()

	select {
	case p := <-t.queue:
		return p.src, p.dst, p.proto, p.payload, nil
	case err := <-t.errs:
		return Addr{}, Addr{}, 0, nil, err
	case <-timeoutCh:
		return Addr{}, Addr{}, 0, nil, errReadDeadlineExceeded
	}
}

func (t *TunConn) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = deadline
	return nil
}

func (t *TunConn) deadlineChan() (<-chan time.Time, func()) {
	t.mu.Lock()
	dl := t.deadline
	t.mu.Unlock()
	if dl.IsZero() {
		return nil, func() {}
	}
	timer := time.NewTimer(time.Until(dl))
	return timer.C, func() { timer.Stop() }
}

func (t *TunConn) Close() error {
	close(t.done)
	return t.ifce.Close()
}

func (t *TunConn) readLoop() {
	buf := make([]byte, t.mtu+4)
	for {
		n, err := t.ifce.Read(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.errs <- fmt.Errorf("ipstack: read TUN device: %w", err)
			return
		}
		if n == 0 {
			continue
		}

		ipPacketData := stripLinkHeader(buf[:n])
		if len(ipPacketData) == 0 {
			continue
		}

		hdr, payload, err := parseIPv4(ipPacketData)
		if err != nil {
			log.Printf("%s%sdropping malformed packet: %v%s", logx.Gray, logx.PrefixIP, err, logx.Reset)
			continue
		}
		log.Printf("%s%sRCV: %s -> %s proto=%s len=%d%s", logx.Cyan, logx.PrefixIP, hdr.SrcIP, hdr.DstIP, protocolName(hdr.Protocol), len(payload), logx.Reset)

		switch hdr.Protocol {
		case ProtoICMP:
			t.handleICMP(hdr, payload)
		case ProtoTCP:
			cp := make([]byte, len(payload))
			copy(cp, payload)
			select {
			case t.queue <- ipPacket{src: hdr.SrcIP, dst: hdr.DstIP, proto: ProtoTCP, payload: cp}:
			default:
				log.Printf("%s%sTCP receive queue full, dropping datagram from %s%s", logx.Gray, logx.PrefixIP, hdr.SrcIP, logx.Reset)
			}
		default:
			log.Printf("%s%signoring unhandled protocol %s from %s%s", logx.Gray, logx.PrefixIP, protocolName(hdr.Protocol), hdr.SrcIP, logx.Reset)
		}
	}
}
