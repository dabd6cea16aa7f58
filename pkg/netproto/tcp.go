package netproto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/protoscope/protoscope/pkg/classify"
)

// TCPFlag is a bitmask of TCP header control bits.
type TCPFlag uint8

const (
	FlagFIN TCPFlag = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

func (f TCPFlag) Has(bit TCPFlag) bool { return f&bit == bit }

func flagsOf(tcp *layers.TCP) TCPFlag {
	var f TCPFlag
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	if tcp.ECE {
		f |= FlagECE
	}
	if tcp.CWR {
		f |= FlagCWR
	}
	return f
}

// tcpState is the handshake/teardown state machine tracked per TCP flow,
// mirroring classifiers/internet's tcp.rs StateTransition.
type tcpState int

const (
	stateListen tcpState = iota
	stateSynSent
	stateSynRecv
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateClosing
	stateTimeWait
)

type packetStatus int

const (
	statusExpected packetStatus = iota
	statusRetransmission
)

// TCPFlow is the per-connection state a TCP flow accumulates: handshake and
// teardown progress, and whether the most recent packet looked like an
// in-order segment or a retransmission.
type TCPFlow struct {
	prevState tcpState
	state     tcpState

	ulSeq, dlSeq uint32
	lastStatus   packetStatus

	// seenHTTPStartLine is set once an HTTP start line has been parsed for
	// this connection. HTTPStartLineAnalyzer reads and writes it via the
	// TCPFlow it receives as predecessor flow, to decide whether malformed
	// start-line data should abort (first packet) or be treated as
	// continuation data from a split segment (later packets) — the same
	// distinction classifiers/internet's http.rs makes from its own flow's
	// State::Unknown.
	seenHTTPStartLine bool
}

func (f *TCPFlow) updateStateTransition(direction classify.Direction, flags TCPFlag) {
	uplink := direction == classify.Uplink
	f.prevState = f.state
	switch f.state {
	case stateListen:
		if uplink && flags == FlagSYN {
			f.state = stateSynSent
		}
	case stateSynSent:
		if !uplink && flags == FlagSYN|FlagACK {
			f.state = stateSynRecv
		}
	case stateSynRecv:
		if uplink && flags == FlagACK {
			f.state = stateEstablished
		}
	case stateEstablished:
		if flags == FlagFIN|FlagACK {
			f.state = stateFinWait1
		}
	case stateFinWait1:
		if flags == FlagACK {
			f.state = stateFinWait2
		} else if flags == FlagFIN|FlagACK {
			f.state = stateClosing
		}
	case stateFinWait2:
		if flags == FlagFIN|FlagACK {
			f.state = stateTimeWait
		}
	case stateClosing:
		if flags == FlagACK {
			f.state = stateTimeWait
		}
	}
}

func (f *TCPFlow) updateSeqNums(direction classify.Direction, seq, ack uint32, payloadLen uint16, flags TCPFlag) {
	syn := flags.Has(FlagSYN)
	length := uint32(payloadLen)
	if syn || flags.Has(FlagFIN) {
		length = 1
	}

	switch direction {
	case classify.Uplink:
		if (f.ulSeq == seq && f.dlSeq == ack) || syn {
			if length > 0 {
				f.ulSeq = seq + length
				f.dlSeq = ack
			}
			f.lastStatus = statusExpected
			return
		}
	case classify.Downlink:
		if f.ulSeq == ack && (f.dlSeq == seq || syn) {
			if length > 0 {
				f.ulSeq = ack
				f.dlSeq = seq + length
			}
			f.lastStatus = statusExpected
			return
		}
	}
	f.lastStatus = statusRetransmission
}

// IsEstablished reports whether the three-way handshake has completed.
func (f *TCPFlow) IsEstablished() bool { return f.state == stateEstablished }

// IsHandshake reports whether this packet is part of the SYN/SYN-ACK/ACK
// exchange, including the final ACK that lands on Established.
func (f *TCPFlow) IsHandshake() bool {
	switch f.state {
	case stateSynSent, stateSynRecv:
		return true
	case stateEstablished:
		return f.prevState == stateSynRecv
	default:
		return false
	}
}

// IsTeardown reports whether the connection is in any FIN/ACK teardown
// state.
func (f *TCPFlow) IsTeardown() bool {
	switch f.state {
	case stateFinWait1, stateFinWait2, stateClosing, stateTimeWait:
		return true
	default:
		return false
	}
}

// IsRetransmission reports whether the most recently built packet's
// sequence numbers didn't match the flow's expected next sequence, the
// signal classifiers/internet's tcp.rs calls PacketStatus::Retransmission.
func (f *TCPFlow) IsRetransmission() bool { return f.lastStatus == statusRetransmission }

// TCPAnalyzer is the classify.Analyzer for TCP. Like IPAnalyzer, one
// instance is registered and its fields are overwritten per packet by
// decoding with gopacket/layers, the same decoder pkg/agent's capture loop
// uses.
type TCPAnalyzer struct {
	tcp       layers.TCP
	direction classify.Direction
}

func (a *TCPAnalyzer) SourcePort() uint16 { return uint16(a.tcp.SrcPort) }
func (a *TCPAnalyzer) DestPort() uint16   { return uint16(a.tcp.DstPort) }
func (a *TCPAnalyzer) SeqNum() uint32     { return a.tcp.Seq }
func (a *TCPAnalyzer) AckNum() uint32     { return a.tcp.Ack }
func (a *TCPAnalyzer) PayloadLen() uint16 { return uint16(len(a.tcp.Payload)) }
func (a *TCPAnalyzer) Flags() TCPFlag     { return flagsOf(&a.tcp) }

// ServerPort is whichever port sits on the side that didn't initiate this
// packet's direction: dest port uplink, source port downlink.
func (a *TCPAnalyzer) ServerPort() uint16 {
	if a.direction == classify.Uplink {
		return a.DestPort()
	}
	return a.SourcePort()
}

func expectedL7Protocol(serverPort uint16) classify.ProtocolId {
	switch serverPort {
	case 80, 8080:
		return HTTPStartLine
	default:
		return classify.None
	}
}

func (*TCPAnalyzer) ProtocolID() classify.ProtocolId    { return TCP }
func (*TCPAnalyzer) PredecessorID() classify.ProtocolId { return IP }

func (*TCPAnalyzer) NewFlow() classify.Flow { return &TCPFlow{} }

func (a *TCPAnalyzer) UpdateFlowID(sig *classify.FlowSignature, packet *classify.Packet) classify.FlowDecision {
	source, dest := a.SourcePort(), a.DestPort()
	first, second := source, dest
	if packet.Direction == classify.Downlink {
		first, second = second, first
	}
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], first)
	binary.BigEndian.PutUint16(portBuf[2:4], second)
	sig.Write(portBuf[:])
	return classify.FlowYes
}

func (a *TCPAnalyzer) UpdateFlow(config any, flow classify.Flow, direction classify.Direction) {
	tf := flow.(*TCPFlow)
	tf.updateSeqNums(direction, a.SeqNum(), a.AckNum(), a.PayloadLen(), a.Flags())
	if tf.lastStatus == statusExpected {
		tf.updateStateTransition(direction, a.Flags())
	}
}

func (a *TCPAnalyzer) Build(config any, packet *classify.Packet, predecessorFlow classify.Flow) (classify.ProtocolId, int, error) {
	data := packet.Data
	if err := a.tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return classify.None, 0, fmt.Errorf("netproto: decode tcp: %w", err)
	}
	a.direction = packet.Direction
	headerLen := len(a.tcp.Contents)

	if a.PayloadLen() == 0 {
		return classify.None, headerLen, nil
	}
	return expectedL7Protocol(a.ServerPort()), headerLen, nil
}
