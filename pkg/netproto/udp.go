package netproto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/protoscope/protoscope/pkg/classify"
)

// udpFlow is the zero-sized flow for UDP: flow identity is its (ports, dir)
// signature only, no sequence or state tracking.
type udpFlow struct{ classify.NoFlow }

// UDPAnalyzer is the classify.Analyzer for UDP, grounded on
// classifiers/internet's udp.rs and decoded with gopacket/layers. It has no
// application-layer dispatch of its own (the reference implementation's
// UdpClassifier never routes to a deeper layer either).
type UDPAnalyzer struct {
	udp layers.UDP
}

func (a *UDPAnalyzer) SourcePort() uint16 { return uint16(a.udp.SrcPort) }
func (a *UDPAnalyzer) DestPort() uint16   { return uint16(a.udp.DstPort) }
func (a *UDPAnalyzer) PayloadLen() uint16 { return uint16(len(a.udp.Payload)) }

func (*UDPAnalyzer) ProtocolID() classify.ProtocolId    { return UDP }
func (*UDPAnalyzer) PredecessorID() classify.ProtocolId { return IP }

func (*UDPAnalyzer) NewFlow() classify.Flow { return udpFlow{} }

func (a *UDPAnalyzer) UpdateFlowID(sig *classify.FlowSignature, packet *classify.Packet) classify.FlowDecision {
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

func (*UDPAnalyzer) UpdateFlow(config any, flow classify.Flow, direction classify.Direction) {}

func (a *UDPAnalyzer) Build(config any, packet *classify.Packet, predecessorFlow classify.Flow) (classify.ProtocolId, int, error) {
	if err := a.udp.DecodeFromBytes(packet.Data, gopacket.NilDecodeFeedback); err != nil {
		return classify.None, 0, fmt.Errorf("netproto: decode udp: %w", err)
	}
	return classify.None, len(a.udp.Contents), nil
}
