package tcp

import "github.com/lirlia/tcpendpoint/internal/ipstack"

// tcb is the Transmission Control Block: the single, process-wide
// connection record this package drives (spec.md §3). Only one logical
// connection is supported at a time; there is no locking because the
// endpoint is single-threaded and cooperatively blocking (spec.md §5).
type tcb struct {
	ourIP, theirIP   ipstack.Addr
	ourPort          uint16
	theirPort        uint16
	ourSeq           uint32
	theirSeq         uint32
	ackNr            uint32
	expectedAck      uint32
	rcvData          [bufferSize]byte
	rcvStart         int
	rcvSize          int
	rcvPsh           int
	unackedDataLen   int
	state            State
	prevSeq          uint32
	prevFlags        uint8
	retransmitCount  uint64
	bytesSent        uint64
	bytesReceived    uint64
}

// allAcksReceived reports whether the peer has acknowledged our most
// recent outstanding transmission (spec.md §4.6).
func (c *tcb) allAcksReceived() bool {
	return c.ourSeq == c.expectedAck
}

// clear resets the TCB to a clean state on entry to CLOSED, mirroring
// clear_tcb() in the reference: a dirty unacknowledged send is fast
// forwarded past rather than silently dropped from the sequence space.
//
// The reference leaves rcvd_data_psh untouched here, which can strand it
// above the now-zeroed rcvd_data_size and violate the rcv_psh <= rcv_size
// invariant spec.md §3/§8 states unconditionally; this implementation
// zeroes it too so the invariant holds at every quiescent point, not just
// the ones the reference happens to exercise.
func (c *tcb) clear() {
	c.ourSeq += uint32(c.unackedDataLen)
	c.theirSeq = 0
	c.theirIP = ipstack.Addr{}
	c.theirPort = 0
	c.rcvStart = 0
	c.rcvSize = 0
	c.rcvPsh = 0
	c.unackedDataLen = 0
}

// pushBytes copies data into the circular receive buffer starting at the
// current tail (rcvStart+rcvSize mod bufferSize), wrapping in up to two
// chunks, and advances rcvSize. The caller guarantees len(data) does not
// exceed the free space in the buffer.
func (c *tcb) pushBytes(data []byte) {
	end := (c.rcvStart + c.rcvSize) % bufferSize
	firstChunk := min(len(data), bufferSize-end)
	copy(c.rcvData[end:], data[:firstChunk])
	if firstChunk < len(data) {
		copy(c.rcvData[0:], data[firstChunk:])
	}
	c.rcvSize += len(data)
}

// popBytes copies up to len(buf) bytes (capped at rcvSize) out of the
// circular buffer into buf, in up to two chunks, and advances rcvStart,
// rcvSize, and rcvPsh (spec.md §4.7, deliver_received_bytes in the
// reference).
func (c *tcb) popBytes(buf []byte) int {
	n := min(len(buf), c.rcvSize)
	firstChunk := min(n, bufferSize-c.rcvStart)
	copy(buf, c.rcvData[c.rcvStart:c.rcvStart+firstChunk])
	if n > firstChunk {
		copy(buf[firstChunk:], c.rcvData[0:n-firstChunk])
	}
	c.rcvSize -= n
	c.rcvPsh = max(c.rcvPsh-n, 0)
	c.rcvStart = (c.rcvStart + n) % bufferSize
	return n
}
