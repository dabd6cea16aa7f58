package netproto

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/protoscope/protoscope/pkg/classify"
)

// IPVersion distinguishes IPv4 from IPv6 headers.
type IPVersion int

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// ipFlow is the zero-sized flow for IP: the layer doesn't track state beyond
// the signature it contributes to identify a (src, dst) pair.
type ipFlow struct{ classify.NoFlow }

// IPAnalyzer is the classify.Analyzer for the IP layer. One instance is
// registered with a Loader; Build decodes the header in place with
// gopacket/layers for every packet that reaches this layer, the same
// decoder the capture pipeline already uses in pkg/agent.
type IPAnalyzer struct {
	version   IPVersion
	v4        layers.IPv4
	v6        layers.IPv6
	headerLen int
}

func (a *IPAnalyzer) Version() IPVersion { return a.version }

func (a *IPAnalyzer) Source() net.IP {
	if a.version == IPv4 {
		return a.v4.SrcIP
	}
	return a.v6.SrcIP
}

func (a *IPAnalyzer) Dest() net.IP {
	if a.version == IPv4 {
		return a.v4.DstIP
	}
	return a.v6.DstIP
}

// ProtocolNumber is the upper-layer protocol number: IPv4's Protocol field,
// or IPv6's (first) NextHeader.
func (a *IPAnalyzer) ProtocolNumber() uint8 {
	if a.version == IPv4 {
		return uint8(a.v4.Protocol)
	}
	return uint8(a.v6.NextHeader)
}

func (*IPAnalyzer) ProtocolID() classify.ProtocolId    { return IP }
func (*IPAnalyzer) PredecessorID() classify.ProtocolId { return classify.None }

func (*IPAnalyzer) NewFlow() classify.Flow { return ipFlow{} }

// UpdateFlowID writes the canonicalized (first, second) address pair: the
// uplink source first, so the same flow hashes identically from either
// direction. It runs after Build, so it reads the already-decoded header.
func (a *IPAnalyzer) UpdateFlowID(sig *classify.FlowSignature, packet *classify.Packet) classify.FlowDecision {
	source, dest := a.Source(), a.Dest()
	first, second := source, dest
	if packet.Direction == classify.Downlink {
		first, second = second, first
	}
	sig.Write(first)
	sig.Write(second)
	return classify.FlowYes
}

func (*IPAnalyzer) UpdateFlow(config any, flow classify.Flow, direction classify.Direction) {}

// Build decodes the IP header and dispatches to TCP or UDP by protocol
// number, matching classifiers/internet's ip.rs.
func (a *IPAnalyzer) Build(config any, packet *classify.Packet, predecessorFlow classify.Flow) (classify.ProtocolId, int, error) {
	data := packet.Data
	if len(data) < 1 {
		return classify.None, 0, fmt.Errorf("netproto: ip header truncated")
	}

	switch data[0] >> 4 {
	case 4:
		if err := a.v4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return classify.None, 0, fmt.Errorf("netproto: decode ipv4: %w", err)
		}
		a.version = IPv4
		a.headerLen = int(a.v4.IHL) * 4
	case 6:
		if err := a.v6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return classify.None, 0, fmt.Errorf("netproto: decode ipv6: %w", err)
		}
		a.version = IPv6
		a.headerLen = 40
	default:
		return classify.None, 0, fmt.Errorf("netproto: ip version %d not valid", data[0]>>4)
	}

	switch a.ProtocolNumber() {
	case uint8(layers.IPProtocolTCP):
		return TCP, a.headerLen, nil
	case uint8(layers.IPProtocolUDP):
		return UDP, a.headerLen, nil
	default:
		return classify.None, a.headerLen, nil
	}
}
