// Package expr exposes classify.Leaf constructors for every protocol
// attribute netproto's analyzers expose, so rule sets can be built as plain
// classify.Expr trees (see SPEC_FULL.md's domain stack section) without
// reaching into netproto's concrete analyzer types directly.
package expr

import (
	"net"
	"strings"

	"github.com/protoscope/protoscope/pkg/classify"
	"github.com/protoscope/protoscope/pkg/netproto"
)

func ip(check func(a *netproto.IPAnalyzer) bool) classify.Leaf {
	return classify.Leaf{
		Protocol: netproto.IP,
		Check: func(analyzer classify.Analyzer, flow classify.Flow) bool {
			return check(analyzer.(*netproto.IPAnalyzer))
		},
	}
}

// IP matches every IP packet; it exists so rules can anchor a dissection
// without asserting anything about the header itself.
func IP() classify.Leaf { return ip(func(*netproto.IPAnalyzer) bool { return true }) }

// IPVersion matches packets of the given IP version (netproto.IPv4 or
// netproto.IPv6).
func IPVersion(version netproto.IPVersion) classify.Leaf {
	return ip(func(a *netproto.IPAnalyzer) bool { return a.Version() == version })
}

// IPSource matches packets whose source address equals addr.
func IPSource(addr net.IP) classify.Leaf {
	return ip(func(a *netproto.IPAnalyzer) bool { return a.Source().Equal(addr) })
}

// IPDest matches packets whose destination address equals addr.
func IPDest(addr net.IP) classify.Leaf {
	return ip(func(a *netproto.IPAnalyzer) bool { return a.Dest().Equal(addr) })
}

// IPProto matches packets whose IP next-header protocol number equals
// proto (6 for TCP, 17 for UDP).
func IPProto(proto uint8) classify.Leaf {
	return ip(func(a *netproto.IPAnalyzer) bool { return a.ProtocolNumber() == proto })
}

func tcp(check func(a *netproto.TCPAnalyzer, f *netproto.TCPFlow) bool) classify.Leaf {
	return classify.Leaf{
		Protocol: netproto.TCP,
		Check: func(analyzer classify.Analyzer, flow classify.Flow) bool {
			f, _ := flow.(*netproto.TCPFlow)
			return check(analyzer.(*netproto.TCPAnalyzer), f)
		},
	}
}

// TCP matches every TCP packet; like IP, it exists so rules can anchor a
// dissection without asserting anything about the header itself.
func TCP() classify.Leaf { return tcp(func(*netproto.TCPAnalyzer, *netproto.TCPFlow) bool { return true }) }

// TCPSourcePort matches packets whose TCP source port equals port.
func TCPSourcePort(port uint16) classify.Leaf {
	return tcp(func(a *netproto.TCPAnalyzer, _ *netproto.TCPFlow) bool { return a.SourcePort() == port })
}

// TCPDestPort matches packets whose TCP destination port equals port.
func TCPDestPort(port uint16) classify.Leaf {
	return tcp(func(a *netproto.TCPAnalyzer, _ *netproto.TCPFlow) bool { return a.DestPort() == port })
}

// TCPServerPort matches packets whose inferred server-side port equals
// port, regardless of which direction this particular packet travels.
func TCPServerPort(port uint16) classify.Leaf {
	return tcp(func(a *netproto.TCPAnalyzer, _ *netproto.TCPFlow) bool { return a.ServerPort() == port })
}

// TCPPayloadLen matches packets whose TCP payload length satisfies fn.
func TCPPayloadLen(fn func(uint16) bool) classify.Leaf {
	return tcp(func(a *netproto.TCPAnalyzer, _ *netproto.TCPFlow) bool { return fn(a.PayloadLen()) })
}

// TCPEstablished matches packets on a flow whose handshake has completed.
func TCPEstablished() classify.Leaf {
	return tcp(func(_ *netproto.TCPAnalyzer, f *netproto.TCPFlow) bool {
		return f != nil && f.IsEstablished()
	})
}

// TCPHandshake matches packets that are part of the SYN/SYN-ACK/ACK
// exchange.
func TCPHandshake() classify.Leaf {
	return tcp(func(_ *netproto.TCPAnalyzer, f *netproto.TCPFlow) bool {
		return f != nil && f.IsHandshake()
	})
}

// TCPTeardown matches packets that are part of the FIN/ACK teardown.
func TCPTeardown() classify.Leaf {
	return tcp(func(_ *netproto.TCPAnalyzer, f *netproto.TCPFlow) bool {
		return f != nil && f.IsTeardown()
	})
}

// TCPFlag matches packets whose flags contain every bit in flag.
func TCPFlag(flag netproto.TCPFlag) classify.Leaf {
	return tcp(func(a *netproto.TCPAnalyzer, _ *netproto.TCPFlow) bool { return a.Flags().Has(flag) })
}

// TCPRetransmission matches packets the flow's sequence tracking flagged as
// out of order relative to what it expected next.
func TCPRetransmission() classify.Leaf {
	return tcp(func(_ *netproto.TCPAnalyzer, f *netproto.TCPFlow) bool {
		return f != nil && f.IsRetransmission()
	})
}

func udp(check func(a *netproto.UDPAnalyzer) bool) classify.Leaf {
	return classify.Leaf{
		Protocol: netproto.UDP,
		Check: func(analyzer classify.Analyzer, flow classify.Flow) bool {
			return check(analyzer.(*netproto.UDPAnalyzer))
		},
	}
}

// UDP matches every UDP packet, anchoring dissection the same way IP and
// TCP do.
func UDP() classify.Leaf { return udp(func(*netproto.UDPAnalyzer) bool { return true }) }

// UDPSourcePort matches packets whose UDP source port equals port.
func UDPSourcePort(port uint16) classify.Leaf {
	return udp(func(a *netproto.UDPAnalyzer) bool { return a.SourcePort() == port })
}

// UDPDestPort matches packets whose UDP destination port equals port.
func UDPDestPort(port uint16) classify.Leaf {
	return udp(func(a *netproto.UDPAnalyzer) bool { return a.DestPort() == port })
}

// UDPPayloadLen matches packets whose UDP payload length satisfies fn.
func UDPPayloadLen(fn func(uint16) bool) classify.Leaf {
	return udp(func(a *netproto.UDPAnalyzer) bool { return fn(a.PayloadLen()) })
}

func httpStart(shouldGrant bool, breakGrant func(a *netproto.HTTPStartLineAnalyzer) bool, check func(a *netproto.HTTPStartLineAnalyzer, f *netproto.HTTPFlow) bool) classify.Leaf {
	leaf := classify.Leaf{
		Protocol: netproto.HTTPStartLine,
		Check: func(analyzer classify.Analyzer, flow classify.Flow) bool {
			f, _ := flow.(*netproto.HTTPFlow)
			return check(analyzer.(*netproto.HTTPStartLineAnalyzer), f)
		},
		ShouldGrantByFlow: shouldGrant,
	}
	if breakGrant != nil {
		leaf.ShouldBreakGrant = func(analyzer classify.Analyzer) bool {
			return breakGrant(analyzer.(*netproto.HTTPStartLineAnalyzer))
		}
	}
	return leaf
}

// HTTP matches any packet that reaches the HTTP start-line layer. It grants
// by flow: once true for a connection, later packets on it skip
// re-dissection (the same sticky behavior http.rs's Http value declares via
// SHOULD_GRANT_BY_FLOW).
func HTTP() classify.Leaf {
	return httpStart(true, nil, func(*netproto.HTTPStartLineAnalyzer, *netproto.HTTPFlow) bool { return true })
}

// HTTPRequest matches packets belonging to the request half of an HTTP
// exchange. The grant breaks as soon as a new start line (request or
// response) is parsed, so it re-evaluates across a request/response
// ping-pong instead of sticking forever.
func HTTPRequest() classify.Leaf {
	return httpStart(true,
		func(a *netproto.HTTPStartLineAnalyzer) bool { return a.IsResponse() || a.IsRequest() },
		func(_ *netproto.HTTPStartLineAnalyzer, f *netproto.HTTPFlow) bool { return f != nil && f.IsRequestState() },
	)
}

// HTTPResponse matches packets belonging to the response half of an HTTP
// exchange, with the same break-on-new-start-line grant as HTTPRequest.
func HTTPResponse() classify.Leaf {
	return httpStart(true,
		func(a *netproto.HTTPStartLineAnalyzer) bool { return a.IsRequest() || a.IsResponse() },
		func(_ *netproto.HTTPStartLineAnalyzer, f *netproto.HTTPFlow) bool { return f != nil && f.IsResponseState() },
	)
}

// HTTPMethod matches request packets using the given method.
func HTTPMethod(method netproto.HTTPMethod) classify.Leaf {
	return httpStart(false, nil, func(a *netproto.HTTPStartLineAnalyzer, _ *netproto.HTTPFlow) bool {
		m, ok := a.Method()
		return ok && m == method
	})
}

// HTTPCode matches response packets whose status code text equals code
// (e.g. "200", "404").
func HTTPCode(code string) classify.Leaf {
	return httpStart(false, nil, func(a *netproto.HTTPStartLineAnalyzer, _ *netproto.HTTPFlow) bool {
		c, ok := a.Code()
		return ok && c == code
	})
}

// HTTPHeaderName matches packets whose header block contains a header
// named key, regardless of value.
func HTTPHeaderName(key string) classify.Leaf {
	return classify.Leaf{
		Protocol: netproto.HTTPHeader,
		Check: func(analyzer classify.Analyzer, flow classify.Flow) bool {
			_, ok := analyzer.(*netproto.HTTPHeaderAnalyzer).FindHeader(key)
			return ok
		},
	}
}

// HTTPHeader matches packets whose header block contains a header named
// key whose value contains substr.
func HTTPHeader(key, substr string) classify.Leaf {
	return classify.Leaf{
		Protocol: netproto.HTTPHeader,
		Check: func(analyzer classify.Analyzer, flow classify.Flow) bool {
			value, ok := analyzer.(*netproto.HTTPHeaderAnalyzer).FindHeader(key)
			return ok && strings.Contains(value, substr)
		},
	}
}
