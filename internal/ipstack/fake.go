package ipstack

import (
	"fmt"
	"sync"
	"time"
)

// NewFakeLink returns two Conns, addrA and addrB, wired directly to each
// other in memory. It stands in for the real, unreliable datagram service
// spec.md keeps out of the TCP core's scope, so the core's loss- and
// duplication-handling logic can be exercised deterministically in tests
// without a TUN device or root privileges.
func NewFakeLink(addrA, addrB Addr) (*FakeConn, *FakeConn) {
	a := &FakeConn{local: addrA, in: make(chan ipPacket, 64), closed: make(chan struct{})}
	b := &FakeConn{local: addrB, in: make(chan ipPacket, 64), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// FakeConn is one end of a NewFakeLink pair.
type FakeConn struct {
	local  Addr
	peer   *FakeConn
	in     chan ipPacket
	closed chan struct{}

	mu       sync.Mutex
	deadline time.Time

	// Drop, when set, is consulted for every datagram this conn sends;
	// returning true silently discards it before the peer ever sees it.
	Drop func(proto uint8, payload []byte) bool
}

func (f *FakeConn) LocalAddr() Addr { return f.local }

func (f *FakeConn) Send(dst Addr, proto uint8, payload []byte) (int, error) {
	if f.Drop != nil && f.Drop(proto, payload) {
		return len(payload), nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case f.peer.in <- ipPacket{src: f.local, dst: dst, proto: proto, payload: cp}:
	case <-f.peer.closed:
	default:
		// peer's queue is full: the medium drops it, same as a real link under load.
	}
	return len(payload), nil
}

func (f *FakeConn) Receive() (src, dst Addr, proto uint8, payload []byte, err error) {
	timeoutCh, stop := f.deadlineChan()
	defer stop()

	select {
	case p := <-f.in:
		return p.src, p.dst, p.proto, p.payload, nil
	case <-f.closed:
		return Addr{}, Addr{}, 0, nil, fmt.Errorf("ipstack: fake conn closed")
	case <-timeoutCh:
		return Addr{}, Addr{}, 0, nil, errReadDeadlineExceeded
	}
}

func (f *FakeConn) SetReadDeadline(deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = deadline
	return nil
}

func (f *FakeConn) deadlineChan() (<-chan time.Time, func()) {
	f.mu.Lock()
	dl := f.deadline
	f.mu.Unlock()
	if dl.IsZero() {
		return nil, func() {}
	}
	timer := time.NewTimer(time.Until(dl))
	return timer.C, func() { timer.Stop() }
}

func (f *FakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
