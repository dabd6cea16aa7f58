package classify

// FlowDecision is the three-valued answer an analyzer gives when asked
// whether flow tracking applies to the current packet at its layer.
type FlowDecision int

const (
	// FlowNo means this packet carries no flow-relevant signature at this
	// layer (e.g. a fragment, or a layer that doesn't participate in flow
	// tracking for this packet).
	FlowNo FlowDecision = iota
	// FlowYes means the analyzer appended bytes to the in-progress flow
	// signature and flow tracking applies.
	FlowYes
	// FlowAbort means classification of the whole packet must stop here.
	FlowAbort
)

// FlowSignature accumulates the bytes analyzers contribute to identify a
// flow as dissection proceeds down the layers. It is reset once per packet
// and is shared across every layer visited for that packet, so a layer's
// contribution is appended after any predecessor's.
type FlowSignature struct {
	buf []byte
}

// Write appends bytes to the signature. It implements io.Writer so
// analyzers can use binary.Write or fmt.Fprintf against it directly.
func (s *FlowSignature) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *FlowSignature) reset() {
	s.buf = s.buf[:0]
}

// snapshot returns a copy of the accumulated bytes suitable for use as a map
// key (a string, since []byte isn't comparable/hashable).
func (s *FlowSignature) snapshot() string {
	return string(s.buf)
}

// Flow is per-layer, per-connection state. Implementations are plain
// structs; the zero value (via a type's zero value or a NoFlow stand-in)
// represents "no state" for stateless layers.
type Flow interface{}

// Analyzer is a per-packet, per-protocol parsed view. One Analyzer instance
// per registered ProtocolId lives in the engine's cache and is overwritten
// in place by Build on every packet that reaches its layer; it must not
// retain borrowed packet bytes beyond the call in which they were handed to
// it.
type Analyzer interface {
	// ProtocolID returns this analyzer's own protocol ID.
	ProtocolID() ProtocolId
	// PredecessorID returns the ID of the layer that must be dissected
	// immediately before this one, or None if this is the initial layer.
	PredecessorID() ProtocolId

	// Build consumes the current packet slice and parses this layer,
	// overwriting the analyzer's own fields. It returns the protocol ID of
	// the next layer to dissect (None if the pipeline ends here) and the
	// number of bytes this layer consumed. predecessorFlow is the flow
	// state of the immediately preceding layer for this packet, or nil if
	// that layer has none or isn't tracked for this packet; it is supplied
	// so application-layer analyzers (e.g. HTTP) can see TCP-adjacent
	// context if they need it. A non-nil error aborts classification of the
	// whole packet.
	Build(config any, packet *Packet, predecessorFlow Flow) (nextProtocolId ProtocolId, bytesConsumed int, err error)

	// NewFlow returns the zero-value flow state for a brand new flow at
	// this layer. Stateless layers return a stand-in value (see NoFlow)
	// that later UpdateFlow calls ignore.
	NewFlow() Flow

	// UpdateFlowID may append bytes to sig identifying the flow this packet
	// belongs to at this layer, and decides whether flow tracking applies.
	UpdateFlowID(sig *FlowSignature, packet *Packet) FlowDecision

	// UpdateFlow mutates flow (freshly created or previously stored) using
	// the analyzer's just-built state.
	UpdateFlow(config any, flow Flow, direction Direction)
}

// NoFlow is the flow stand-in for protocols that don't track per-connection
// state. It implements Flow so analyzers can use it (directly or embedded) as
// NewFlow's return value; such a layer may still return FlowYes from
// UpdateFlowID, in which case its UpdateFlow is called and leaves the flow
// untouched.
type NoFlow struct{}
