package tcp

import (
	"testing"
	"time"

	"github.com/lirlia/tcpendpoint/internal/ipstack"
	"github.com/stretchr/testify/require"
)

// withFastRTT shrinks the retransmission timeout for the duration of a test
// so retry/timeout scenarios don't take multiple seconds each to exercise.
func withFastRTT(t *testing.T) {
	t.Helper()
	old := rtt
	rtt = 20 * time.Millisecond
	t.Cleanup(func() { rtt = old })
}

func TestSendSegment_RoundTripsThroughFakeLink(t *testing.T) {
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	ep.ourPort, ep.theirPort = 1111, 2222
	ep.theirIP = peer.LocalAddr()
	ep.ourSeq, ep.ackNr = 5, 9

	n, err := ep.sendSegment(flagPSH|flagACK, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, _, _, payload, err := peer.Receive()
	require.NoError(t, err)
	seg, err := parseSegment(ep.ourIP, peer.LocalAddr(), payload)
	require.NoError(t, err)
	require.EqualValues(t, 1111, seg.srcPort)
	require.EqualValues(t, 2222, seg.dstPort)
	require.EqualValues(t, 5, seg.seq)
	require.EqualValues(t, 9, seg.ack)
	require.Equal(t, "hi", string(seg.payload))
}

// echoAck makes peer answer every segment it receives with an ack for
// whatever the sender claims it will end up expecting, modeling an
// always-responsive partner without needing a second full Endpoint.
func echoAck(t *testing.T, peer *ipstack.FakeConn, ep *Endpoint) {
	t.Helper()
	go func() {
		for {
			src, _, proto, payload, err := peer.Receive()
			if err != nil {
				return
			}
			if proto != ipstack.ProtoTCP {
				continue
			}
			seg, err := parseSegment(src, peer.LocalAddr(), payload)
			if err != nil {
				continue
			}
			reply := segment{
				srcPort: seg.dstPort,
				dstPort: seg.srcPort,
				seq:     seg.ack,
				ack:     ep.expectedAck,
				flags:   flagACK,
				window:  windowSize,
			}
			raw := buildSegment(peer.LocalAddr(), src, reply)
			peer.Send(src, ipstack.ProtoTCP, raw)
		}
	}()
}

func TestSendData_SucceedsWhenPeerAcksPromptly(t *testing.T) {
	withFastRTT(t)
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	ep.ourPort, ep.theirPort = 1111, 2222
	ep.theirIP = peer.LocalAddr()
	ep.state = StateEstablished

	echoAck(t, peer, ep)
	defer peer.Close()

	n, err := ep.sendData([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Zero(t, ep.unackedDataLen)
}

func TestSendData_FailsAfterExhaustingRetransmissions(t *testing.T) {
	withFastRTT(t)
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	ep.ourPort, ep.theirPort = 1111, 2222
	ep.theirIP = peer.LocalAddr()
	ep.state = StateEstablished
	defer peer.Close()

	_, err := ep.sendData([]byte("payload"))
	require.ErrorIs(t, err, errPartnerDead)
}

func TestSendSyn_CompletesHandshakeOverFakeLink(t *testing.T) {
	withFastRTT(t)
	client, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	server := Open(peer)
	server.ourPort, server.theirPort = 2222, 1111
	server.theirIP = client.ourIP
	server.declareEvent(eventListen)

	client.declareEvent(eventConnect)
	client.ourPort, client.theirPort = 1111, 2222
	client.theirIP = peer.LocalAddr()

	done := make(chan error, 1)
	go func() { done <- client.sendSyn() }()

	for server.state != StateEstablished {
		server.doPacket()
		if server.state == StateSynReceived {
			require.NoError(t, server.sendSyn())
		}
	}

	require.NoError(t, <-done)
	require.Equal(t, StateEstablished, client.state)
	require.Equal(t, StateEstablished, server.state)
}

func TestWaitForAck_ReturnsFalseOnTimeoutWithNoTraffic(t *testing.T) {
	withFastRTT(t)
	ep, peer := newTestEndpoint(t, ipstack.Addr{10, 0, 0, 1}, ipstack.Addr{10, 0, 0, 2})
	defer peer.Close()
	ep.ourSeq, ep.expectedAck = 0, 5

	require.False(t, ep.waitForAck())
}
