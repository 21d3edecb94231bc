package tcp

import (
	"log"

	"github.com/lirlia/tcpendpoint/internal/logx"
)

// declareEvent drives the connection state machine. It is the Go
// transcription of the reference's declare_event switch table (spec.md
// §4.2): a flat, explicit list of (current state, event) -> next state
// rules, checked in order, including two wildcard rules matched on event
// alone: eventSocketOpen, checked right after the START rule, and
// eventPartnerDead, checked last. An event/state pair with no matching rule is
// logged and otherwise ignored, exactly as the reference's "unsupported
// transition" debug path does nothing to tcb.state.
func (c *tcb) declareEvent(e event) {
	from := c.state

	switch {
	case from == StateStart && e == eventSocketOpen:
		c.state = StateClosed

	case e == eventSocketOpen:
		c.state = StateClosed
		c.clear()

	case from == StateClosed && e == eventConnect:
		c.state = StateConnecting

	case from == StateClosed && e == eventListen:
		c.state = StateListen

	case from == StateConnecting && e == eventSynSent:
		c.state = StateSynSent

	case from == StateSynSent && e == eventSynAckReceived:
		c.state = StateEstablished

	case from == StateSynSent && e == eventAckTimeout:
		c.state = StateConnecting

	case from == StateListen && e == eventSynReceived:
		c.state = StateSynReceived

	case from == StateSynReceived && e == eventSynAckSent:
		c.state = StateSynAckSent

	case from == StateSynAckSent && e == eventAckReceived:
		c.state = StateEstablished

	case from == StateSynAckSent && e == eventAckTimeout:
		c.state = StateSynReceived

	case from == StateEstablished && e == eventClose:
		c.state = StateFinWait1

	case from == StateFinWait1 && e == eventFinReceived:
		c.state = StateClosing

	case from == StateFinWait1 && e == eventAckReceived:
		c.state = StateFinWait2

	case from == StateFinWait2 && e == eventFinReceived:
		c.state = StateClosed
		c.clear()

	case from == StateEstablished && e == eventFinReceived:
		c.state = StateCloseWait

	case from == StateClosing && e == eventAckReceived:
		c.state = StateClosed
		c.clear()

	case from == StateCloseWait && e == eventClose:
		c.state = StateLastAck

	case from == StateLastAck && e == eventAckReceived:
		c.state = StateClosed
		c.clear()

	case e == eventPartnerDead:
		c.state = StateClosed
		c.clear()

	default:
		log.Printf("%s[fsm]%s unsupported transition: state=%s event=%d", logx.PrefixState, logx.Reset, from, e)
	}
}
