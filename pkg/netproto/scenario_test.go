package netproto_test

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/protoscope/protoscope/pkg/classify"
	"github.com/protoscope/protoscope/pkg/netproto"
	"github.com/protoscope/protoscope/pkg/netproto/expr"
)

// fullLoader registers the complete IP/TCP/UDP/HTTP analyzer pipeline in
// dependency order, the pipeline every scenario below classifies against.
func fullLoader() *classify.Loader {
	return classify.NewLoader().
		With(&netproto.IPAnalyzer{}).
		With(&netproto.TCPAnalyzer{}).
		With(&netproto.UDPAnalyzer{}).
		With(&netproto.HTTPStartLineAnalyzer{}).
		With(&netproto.HTTPHeaderAnalyzer{})
}

func buildTCPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, seq, ack uint32, syn, ackFlag, fin bool, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(srcPort),
		DstPort:    layers.TCPPort(dstPort),
		Seq:        seq,
		Ack:        ack,
		DataOffset: 5,
		SYN:        syn,
		ACK:        ackFlag,
		FIN:        fin,
		Window:     65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer for checksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize tcp packet: %v", err)
	}
	return buf.Bytes()
}

func buildUDPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer for checksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize udp packet: %v", err)
	}
	return buf.Bytes()
}

// TestScenario_S1_TCPPortMatch is S1: rules ("D80", TcpDestPort(80)) then
// ("S80", TcpSourcePort(80)) against a 10-packet exchange where uplink
// packets target port 80 and downlink packets source port 80.
func TestScenario_S1_TCPPortMatch(t *testing.T) {
	loader := fullLoader()
	rules := []classify.Rule[string]{
		classify.NewRule("D80", classify.Value(expr.TCPDestPort(80))),
		classify.NewRule("S80", classify.Value(expr.TCPSourcePort(80))),
	}
	engine := classify.New[string](nil, rules, loader)

	directions := []classify.Direction{
		classify.Uplink, classify.Downlink, classify.Uplink, classify.Uplink, classify.Downlink,
		classify.Downlink, classify.Uplink, classify.Uplink, classify.Downlink, classify.Uplink,
	}
	want := []string{"D80", "S80", "D80", "D80", "S80", "S80", "D80", "D80", "S80", "D80"}

	const clientPort = uint16(50000)
	for i, dir := range directions {
		var data []byte
		if dir == classify.Uplink {
			data = buildTCPPacket(t, "10.0.0.1", "10.0.0.2", clientPort, 80, uint32(1000+i), uint32(2000+i), false, true, false, nil)
		} else {
			data = buildTCPPacket(t, "10.0.0.2", "10.0.0.1", 80, clientPort, uint32(2000+i), uint32(1000+i), false, true, false, nil)
		}
		got := engine.ClassifyPacket(data, dir).Tag
		if got != want[i] {
			t.Fatalf("packet %d (%s): got tag %q, want %q", i, dir, got, want[i])
		}
	}
}

// TestScenario_S2_HTTPBasics is a scenario-representative check of S2: a
// plain TCP packet falls through to the catch-all rule, a GET request
// classifies as "Get", and a 200 response classifies as "200OK", with Get
// and 200OK taking priority over the Tcp catch-all wherever they apply.
func TestScenario_S2_HTTPBasics(t *testing.T) {
	loader := fullLoader()
	rules := []classify.Rule[string]{
		classify.NewRule("Get", classify.Value(expr.HTTPMethod(netproto.MethodGet))),
		classify.NewRule("200OK", classify.Value(expr.HTTPCode("200"))),
		classify.NewRule("Tcp", classify.Value(expr.IPProto(6))),
	}
	engine := classify.New[string](nil, rules, loader)

	syn := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1, 0, true, false, false, nil)
	if tag := engine.ClassifyPacket(syn, classify.Uplink).Tag; tag != "Tcp" {
		t.Fatalf("plain SYN packet should fall through to Tcp, got %q", tag)
	}

	request := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	get := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1, 1, false, true, false, request)
	if tag := engine.ClassifyPacket(get, classify.Uplink).Tag; tag != "Get" {
		t.Fatalf("GET request packet should classify as Get, got %q", tag)
	}

	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	resp := buildTCPPacket(t, "10.0.0.2", "10.0.0.1", 80, 40000, 1, uint32(1+len(request)), false, true, false, response)
	if tag := engine.ClassifyPacket(resp, classify.Downlink).Tag; tag != "200OK" {
		t.Fatalf("200 response packet should classify as 200OK, got %q", tag)
	}
}

// TestScenario_S3_AbortOnMalformedIP is S3: a packet whose first nibble is
// an invalid IP version forces the default tag.
func TestScenario_S3_AbortOnMalformedIP(t *testing.T) {
	loader := classify.NewLoader().With(&netproto.IPAnalyzer{})
	rules := []classify.Rule[string]{classify.NewRule("Any", classify.Value(expr.IP()))}
	engine := classify.New[string](nil, rules, loader)

	data := []byte{0x51, 0x00, 0x00, 0x00}
	result := engine.ClassifyPacket(data, classify.Uplink)
	if result.Tag != "" {
		t.Fatalf("expected default tag on malformed IP version, got %q", result.Tag)
	}
}

// TestScenario_S4_UnreachableProtocol is S4: an HTTP-only rule set against a
// UDP packet is NoPath, not an Abort, and yields the default tag.
func TestScenario_S4_UnreachableProtocol(t *testing.T) {
	loader := fullLoader()
	rules := []classify.Rule[string]{classify.NewRule("Http", classify.Value(expr.HTTP()))}
	engine := classify.New[string](nil, rules, loader)

	data := buildUDPPacket(t, "10.0.0.1", "10.0.0.2", 53000, 53, []byte("query"))
	result := engine.ClassifyPacket(data, classify.Uplink)
	if result.Tag != "" {
		t.Fatalf("expected default tag for a UDP packet against an HTTP-only rule set, got %q", result.Tag)
	}
}

// TestScenario_S5_FlowEstablishment is S5: a canonical SYN, SYN/ACK, ACK
// exchange only classifies as "Est" from the third packet on.
func TestScenario_S5_FlowEstablishment(t *testing.T) {
	loader := fullLoader()
	rules := []classify.Rule[string]{classify.NewRule("Est", classify.Value(expr.TCPEstablished()))}
	engine := classify.New[string](nil, rules, loader)

	syn := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1000, 0, true, false, false, nil)
	synAck := buildTCPPacket(t, "10.0.0.2", "10.0.0.1", 80, 40000, 5000, 1001, true, true, false, nil)
	ack := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1001, 5001, false, true, false, nil)
	follow := buildTCPPacket(t, "10.0.0.2", "10.0.0.1", 80, 40000, 5001, 1001, false, true, false, []byte("x"))

	if tag := engine.ClassifyPacket(syn, classify.Uplink).Tag; tag != "" {
		t.Fatalf("SYN packet should not classify as Est, got %q", tag)
	}
	if tag := engine.ClassifyPacket(synAck, classify.Downlink).Tag; tag != "" {
		t.Fatalf("SYN/ACK packet should not classify as Est, got %q", tag)
	}
	if tag := engine.ClassifyPacket(ack, classify.Uplink).Tag; tag != "Est" {
		t.Fatalf("final ACK should classify as Est, got %q", tag)
	}
	if tag := engine.ClassifyPacket(follow, classify.Downlink).Tag; tag != "Est" {
		t.Fatalf("packet after handshake completes should still classify as Est, got %q", tag)
	}
}

// TestScenario_S6_FirstMatchWins is S6: a port-80 TCP packet tags "A" (the
// earlier, broader rule) rather than "B".
func TestScenario_S6_FirstMatchWins(t *testing.T) {
	loader := fullLoader()
	rules := []classify.Rule[string]{
		classify.NewRule("A", classify.Value(expr.IPProto(6))),
		classify.NewRule("B", classify.Value(expr.TCPDestPort(80))),
	}
	engine := classify.New[string](nil, rules, loader)

	data := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1, 0, false, true, false, nil)
	result := engine.ClassifyPacket(data, classify.Uplink)
	if result.Tag != "A" {
		t.Fatalf("expected first-match tag %q, got %q", "A", result.Tag)
	}
}

// TestScenario_S7_TCPRetransmission exercises TCPRetransmission against a
// downlink SYN/ACK whose ack number doesn't match the uplink SYN's sequence
// number: per classifiers/internet's tcp.rs, a downlink packet is only
// "expected" when ul_seq_num == ack_num unconditionally, with syn only
// relaxing the dl_seq_num comparison. A mismatched ack must not be forgiven
// just because SYN is set.
func TestScenario_S7_TCPRetransmission(t *testing.T) {
	loader := fullLoader()
	rules := []classify.Rule[string]{classify.NewRule("Retrans", classify.Value(expr.TCPRetransmission()))}
	engine := classify.New[string](nil, rules, loader)

	syn := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 40000, 80, 1000, 0, true, false, false, nil)
	if tag := engine.ClassifyPacket(syn, classify.Uplink).Tag; tag != "" {
		t.Fatalf("initial SYN should not classify as Retrans, got %q", tag)
	}

	synAck := buildTCPPacket(t, "10.0.0.2", "10.0.0.1", 80, 40000, 5000, 1001, true, true, false, nil)
	if tag := engine.ClassifyPacket(synAck, classify.Downlink).Tag; tag != "" {
		t.Fatalf("SYN/ACK with a matching ack should not classify as Retrans, got %q", tag)
	}

	badSynAck := buildTCPPacket(t, "10.0.0.2", "10.0.0.1", 80, 40000, 6000, 9999, true, true, false, nil)
	if tag := engine.ClassifyPacket(badSynAck, classify.Downlink).Tag; tag != "Retrans" {
		t.Fatalf("SYN/ACK with a mismatched ack should classify as Retrans, got %q", tag)
	}
}
