package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/lirlia/tcpendpoint/internal/ipstack"
	"github.com/stretchr/testify/require"
)

// concurrently runs fns in parallel and waits for all of them to return.
// Both sides of a connection are not thread-safe, but a client call that
// blocks waiting for a peer's reaction and the peer's call that produces
// that reaction are two different Endpoints and safe to run side by side.
func concurrently(fns ...func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		go func(fn func()) {
			defer wg.Done()
			fn()
		}(fn)
	}
	wg.Wait()
}

// newConnectedPair brings up a client and server Endpoint over an
// in-memory link and drives Connect/Listen concurrently until both sides
// report ESTABLISHED, mirroring the opening half of the reference's
// end-to-end test scenarios (spec.md §8).
func newConnectedPair(t *testing.T) (client, server *Endpoint) {
	t.Helper()
	withFastRTT(t)

	clientAddr := ipstack.Addr{10, 0, 0, 1}
	serverAddr := ipstack.Addr{10, 0, 0, 2}
	clientConn, serverConn := ipstack.NewFakeLink(clientAddr, serverAddr)

	client = Open(clientConn)
	server = Open(serverConn)

	var listenErr, connectErr error
	concurrently(
		func() { _, listenErr = server.Listen(7) },
		func() {
			time.Sleep(2 * time.Millisecond)
			connectErr = client.Connect(serverAddr, 7)
		},
	)
	require.NoError(t, listenErr)
	require.NoError(t, connectErr)

	require.Equal(t, StateEstablished, client.state)
	require.Equal(t, StateEstablished, server.state)

	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	return client, server
}

func TestEndpoint_HappyPath_ConnectWriteReadClose(t *testing.T) {
	client, server := newConnectedPair(t)

	var writeN int
	var writeErr, readErr error
	buf := make([]byte, 64)
	var readN int
	concurrently(
		func() { writeN, writeErr = client.Write([]byte("hello, server")) },
		func() { readN, readErr = server.Read(buf) },
	)
	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	require.Equal(t, 13, writeN)
	require.Equal(t, "hello, server", string(buf[:readN]))

	var closeErr error
	concurrently(
		func() { closeErr = client.Close() },
		func() { readN, readErr = server.Read(buf) },
	)
	require.NoError(t, closeErr)
	require.NoError(t, readErr)
	require.Zero(t, readN)
	require.Equal(t, StateFinWait2, client.state)
	require.Equal(t, StateCloseWait, server.state)

	concurrently(
		func() { closeErr = server.Close() },
		func() { readN, readErr = client.Read(buf) },
	)
	require.NoError(t, closeErr)
	require.NoError(t, readErr)
	require.Equal(t, StateClosed, client.state)
	require.Equal(t, StateClosed, server.state)
}

func TestEndpoint_LargeTransferSpansMultipleSegments(t *testing.T) {
	client, server := newConnectedPair(t)

	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i%8) + '0'
	}

	var writeErr error
	received := make([]byte, 0, len(payload))
	concurrently(
		func() {
			_, writeErr = client.Write(payload)
		},
		func() {
			buf := make([]byte, maxTCPData)
			for len(received) < len(payload) {
				n, err := server.Read(buf)
				require.NoError(t, err)
				received = append(received, buf[:n]...)
			}
		},
	)

	require.NoError(t, writeErr)
	require.Equal(t, payload, received)
}

func TestEndpoint_DuplicateSynWhileEstablishedLeavesStateUnchanged(t *testing.T) {
	client, server := newConnectedPair(t)

	dupSyn := segment{
		srcPort: client.ourPort,
		dstPort: server.ourPort,
		seq:     999,
		ack:     server.ackNr,
		flags:   flagSYN,
		window:  windowSize,
	}
	raw := buildSegment(client.ourIP, server.ourIP, dupSyn)
	_, err := client.conn.Send(server.ourIP, ipstack.ProtoTCP, raw)
	require.NoError(t, err)

	server.doPacket()
	require.Equal(t, StateEstablished, server.state, "a stray SYN must not disturb an established connection")
}

func TestEndpoint_LostDataAckTriggersRetransmission(t *testing.T) {
	client, server := newConnectedPair(t)

	dropOnce := true
	serverFake := server.conn.(*ipstack.FakeConn)
	serverFake.Drop = func(proto uint8, payload []byte) bool {
		if !dropOnce {
			return false
		}
		seg, err := parseSegment(server.ourIP, client.ourIP, payload)
		if err == nil && seg.flags&flagACK != 0 && len(seg.payload) == 0 {
			dropOnce = false
			return true
		}
		return false
	}

	var writeN int
	var writeErr, readErr error
	buf := make([]byte, 64)
	var readN int
	writeDone := make(chan struct{})
	concurrently(
		func() {
			defer close(writeDone)
			writeN, writeErr = client.Write([]byte("retry me"))
		},
		func() {
			readN, readErr = server.Read(buf)
			// Keep servicing the link so the client's retransmitted
			// segment reaches the server and gets re-acked.
			for {
				select {
				case <-writeDone:
					return
				default:
				}
				server.conn.SetReadDeadline(time.Now().Add(rtt))
				server.doPacket()
			}
		},
	)

	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	require.Equal(t, 8, writeN)
	require.Equal(t, "retry me", string(buf[:readN]))
	require.GreaterOrEqual(t, client.retransmitCount, uint64(1))
}

func TestEndpoint_PeerDeadDuringHandshakeReturnsError(t *testing.T) {
	withFastRTT(t)
	clientConn, serverConn := ipstack.NewFakeLink(ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	serverConn.Close() // nothing will ever answer the SYN

	client := Open(clientConn)
	err := client.Connect(ipstack.Addr{10, 0, 0, 2}, 7)
	require.ErrorIs(t, err, errPartnerDead)
	require.Equal(t, StateClosed, client.state)
}

func TestEndpoint_OrderlyCloseInitiatedByReceiver(t *testing.T) {
	client, server := newConnectedPair(t)

	buf := make([]byte, 8)
	var closeErr, readErr error
	var readN int
	concurrently(
		func() { closeErr = server.Close() },
		func() { readN, readErr = client.Read(buf) },
	)
	require.NoError(t, closeErr)
	require.NoError(t, readErr)
	require.Zero(t, readN)
	require.Equal(t, StateCloseWait, client.state)

	concurrently(
		func() { closeErr = client.Close() },
		func() { readN, readErr = server.Read(buf) },
	)
	require.NoError(t, closeErr)
	require.NoError(t, readErr)
	require.Equal(t, StateClosed, server.state)
	require.Equal(t, StateClosed, client.state)
}

func TestEndpoint_WriteRejectedOutsideEstablished(t *testing.T) {
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	defer peer.Close()

	_, err := ep.Write([]byte("nope"))
	require.ErrorIs(t, err, errNotEstablished)
}
