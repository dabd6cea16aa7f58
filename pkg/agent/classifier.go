package agent

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/protoscope/protoscope/pkg/classify"
	"github.com/protoscope/protoscope/pkg/rules"
)

// PacketClassifier drives a classify.Engine over the packets Capturer sees,
// translating gopacket's decoded layers into the engine's byte-slice-plus-
// direction Packet view. One engine instance classifies one packet at a
// time, matching classify's single-threaded design; Capturer's capture loop
// already processes packets sequentially, so no locking is needed here.
type PacketClassifier struct {
	engine     *classify.Engine[string]
	agentPodIP string
}

// NewPacketClassifier parses ruleSpec (the tap --rule DSL; empty means the
// built-in default rule set) and wires a classify.Engine over every
// netproto analyzer. agentPodIP resolves packet Direction: a packet whose
// source matches it is Uplink, everything else Downlink, per spec.md §9.4's
// direction policy (decided at the capture layer).
func NewPacketClassifier(ruleSpec, agentPodIP string) (*PacketClassifier, error) {
	ruleSet, err := rules.Parse(ruleSpec)
	if err != nil {
		return nil, err
	}
	return &PacketClassifier{
		engine:     rules.NewEngine(nil, ruleSet),
		agentPodIP: agentPodIP,
	}, nil
}

// Classify returns the rule tag for packet, or "" if no rule matched or
// classification aborted. It expects packet to have a decoded network
// layer; packets without one (e.g. ARP) are not classifiable and return "".
func (c *PacketClassifier) Classify(packet gopacket.Packet) string {
	networkLayer := packet.NetworkLayer()
	if networkLayer == nil {
		return ""
	}

	data := networkLayerBytes(networkLayer)
	if data == nil {
		return ""
	}

	direction := classify.Downlink
	if c.agentPodIP != "" && networkSourceIP(networkLayer) == c.agentPodIP {
		direction = classify.Uplink
	}

	result := c.engine.ClassifyPacket(data, direction)
	return result.Tag
}

// networkLayerBytes reconstructs the packet bytes from the start of the
// network layer onward (header plus everything it carries), which is what
// netproto.IPAnalyzer.Build expects as its pipeline's first Packet.Data.
// gopacket's NoCopy decoding means LayerContents/LayerPayload point into
// the original capture buffer; classify.Engine never retains what it's
// handed past one ClassifyPacket call, so this slice's lifetime is safe to
// tie to the calling packet's.
func networkLayerBytes(nl gopacket.NetworkLayer) []byte {
	header := nl.LayerContents()
	payload := nl.LayerPayload()
	if len(payload) == 0 {
		return header
	}
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf
}

func networkSourceIP(nl gopacket.NetworkLayer) string {
	switch l := nl.(type) {
	case *layers.IPv4:
		return l.SrcIP.String()
	case *layers.IPv6:
		return l.SrcIP.String()
	default:
		return ""
	}
}
