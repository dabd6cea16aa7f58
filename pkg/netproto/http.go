package netproto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/protoscope/protoscope/pkg/classify"
)

// HTTPMethod is a recognized HTTP/1.1 request method.
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodHead    HTTPMethod = "HEAD"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodDelete  HTTPMethod = "DELETE"
	MethodConnect HTTPMethod = "CONNECT"
	MethodOptions HTTPMethod = "OPTIONS"
	MethodTrace   HTTPMethod = "TRACE"
	MethodPatch   HTTPMethod = "PATCH"
)

var knownMethods = map[string]HTTPMethod{
	"GET": MethodGet, "HEAD": MethodHead, "POST": MethodPost, "PUT": MethodPut,
	"DELETE": MethodDelete, "CONNECT": MethodConnect, "OPTIONS": MethodOptions,
	"TRACE": MethodTrace, "PATCH": MethodPatch,
}

type httpStartLineKind int

const (
	startLineUnknown httpStartLineKind = iota
	startLineRequest
	startLineResponse
)

// HTTPFlow is the per-connection state HTTPStartLineAnalyzer tracks: whether
// the last parsed start line belonged to a request or a response, so leaves
// like HTTPRequest/HTTPResponse can answer without re-parsing.
type HTTPFlow struct {
	state httpStartLineKind
}

// IsRequestState reports whether the most recently parsed start line on
// this connection was a request.
func (f *HTTPFlow) IsRequestState() bool { return f.state == startLineRequest }

// IsResponseState reports whether the most recently parsed start line on
// this connection was a response.
func (f *HTTPFlow) IsResponseState() bool { return f.state == startLineResponse }

// HTTPStartLineAnalyzer parses the first line of one HTTP/1.1 message
// (request or response), grounded on classifiers/internet's http.rs.
type HTTPStartLineAnalyzer struct {
	kind    httpStartLineKind
	method  string
	uri     string
	code    string
	text    string
	version string
}

func (a *HTTPStartLineAnalyzer) IsRequest() bool  { return a.kind == startLineRequest }
func (a *HTTPStartLineAnalyzer) IsResponse() bool { return a.kind == startLineResponse }

func (a *HTTPStartLineAnalyzer) Method() (HTTPMethod, bool) {
	if a.kind != startLineRequest {
		return "", false
	}
	m, ok := knownMethods[a.method]
	return m, ok
}

func (a *HTTPStartLineAnalyzer) URI() (string, bool) {
	if a.kind != startLineRequest {
		return "", false
	}
	return a.uri, true
}

func (a *HTTPStartLineAnalyzer) Code() (string, bool) {
	if a.kind != startLineResponse {
		return "", false
	}
	return a.code, true
}

func (*HTTPStartLineAnalyzer) ProtocolID() classify.ProtocolId    { return HTTPStartLine }
func (*HTTPStartLineAnalyzer) PredecessorID() classify.ProtocolId { return TCP }

func (*HTTPStartLineAnalyzer) NewFlow() classify.Flow { return &HTTPFlow{} }

// UpdateFlowID always reports FlowYes without writing anything: HTTP flows
// reuse whichever (src, dst, ports) signature TCP already wrote this packet,
// since a TCP flow and the HTTP conversation riding on it are the same
// connection.
func (*HTTPStartLineAnalyzer) UpdateFlowID(sig *classify.FlowSignature, packet *classify.Packet) classify.FlowDecision {
	return classify.FlowYes
}

func (a *HTTPStartLineAnalyzer) UpdateFlow(config any, flow classify.Flow, direction classify.Direction) {
	hf := flow.(*HTTPFlow)
	if a.kind != startLineUnknown {
		hf.state = a.kind
	}
}

// Build parses "METHOD URI VERSION\r\n" or "VERSION CODE TEXT\r\n". A
// malformed start line aborts the packet unless this TCP flow has already
// parsed a valid start line before (predecessorFlow, a *TCPFlow): then the
// whole buffer but its last byte is treated as unrecognized continuation
// data and handed past, leaving one byte for the header layer to chew on,
// matching classifiers/internet's fallback for its own State::Unknown check.
func (a *HTTPStartLineAnalyzer) Build(config any, packet *classify.Packet, predecessorFlow classify.Flow) (classify.ProtocolId, int, error) {
	data := packet.Data
	tcpFlow, _ := predecessorFlow.(*TCPFlow)

	first, second, third, consumed, ok := parseStartLine(data)
	if !ok {
		if tcpFlow == nil || !tcpFlow.seenHTTPStartLine || len(data) == 0 {
			return classify.None, 0, fmt.Errorf("netproto: http start line malformed")
		}
		*a = HTTPStartLineAnalyzer{kind: startLineUnknown}
		return HTTPHeader, len(data) - 1, nil
	}

	if tcpFlow != nil {
		tcpFlow.seenHTTPStartLine = true
	}

	if packet.Direction == classify.Uplink {
		*a = HTTPStartLineAnalyzer{kind: startLineRequest, method: first, uri: second, version: third}
	} else {
		*a = HTTPStartLineAnalyzer{kind: startLineResponse, version: first, code: second, text: third}
	}
	return HTTPHeader, consumed, nil
}

// parseStartLine splits "A B C\r\n" into its three tokens and returns the
// byte count consumed including the trailing CRLF.
func parseStartLine(data []byte) (first, second, third string, consumed int, ok bool) {
	parts := bytes.SplitN(data, []byte(" "), 3)
	if len(parts) != 3 {
		return "", "", "", 0, false
	}
	rest := parts[2]
	idx := bytes.Index(rest, []byte("\r\n"))
	if idx < 0 {
		return "", "", "", 0, false
	}

	consumed = len(parts[0]) + 1 + len(parts[1]) + 1 + idx + 2
	return string(parts[0]), string(parts[1]), string(rest[:idx]), consumed, true
}

// httpHeaderFlow is the flow HTTPHeaderAnalyzer is handed; the reference
// implementation's own header analyzer never reads or writes it either.
type httpHeaderFlow struct{ classify.NoFlow }

// HTTPHeaderAnalyzer exposes lookup over the header block following an
// HTTP start line.
type HTTPHeaderAnalyzer struct {
	headers string
}

// FindHeader returns the value of the first header line matching key
// (case-sensitive, matching the reference implementation), or false if
// absent.
func (a *HTTPHeaderAnalyzer) FindHeader(key string) (string, bool) {
	content := a.headers
	for {
		line, next, found := strings.Cut(content, "\r\n")
		if !found {
			return "", false
		}
		if k, v, found := strings.Cut(line, ": "); found {
			if k == key {
				return v, true
			}
		} else {
			return "", false
		}
		content = next
	}
}

func (*HTTPHeaderAnalyzer) ProtocolID() classify.ProtocolId    { return HTTPHeader }
func (*HTTPHeaderAnalyzer) PredecessorID() classify.ProtocolId { return HTTPStartLine }

func (*HTTPHeaderAnalyzer) NewFlow() classify.Flow { return httpHeaderFlow{} }

func (*HTTPHeaderAnalyzer) UpdateFlowID(sig *classify.FlowSignature, packet *classify.Packet) classify.FlowDecision {
	return classify.FlowYes
}

func (*HTTPHeaderAnalyzer) UpdateFlow(config any, flow classify.Flow, direction classify.Direction) {}

func (a *HTTPHeaderAnalyzer) Build(config any, packet *classify.Packet, predecessorFlow classify.Flow) (classify.ProtocolId, int, error) {
	data := packet.Data
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return classify.None, 0, fmt.Errorf("netproto: malformed http header block")
	}
	headerLen := idx + 4

	a.headers = string(data[:headerLen])
	return classify.None, headerLen, nil
}
