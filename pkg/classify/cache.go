package classify

// noneAnalyzer is the placeholder occupying the None slot and any
// unregistered slot; it is never built against a real packet.
type noneAnalyzer struct{}

func (noneAnalyzer) ProtocolID() ProtocolId      { return None }
func (noneAnalyzer) PredecessorID() ProtocolId   { return None }
func (noneAnalyzer) NewFlow() Flow               { return NoFlow{} }
func (noneAnalyzer) UpdateFlowID(*FlowSignature, *Packet) FlowDecision {
	return FlowNo
}
func (noneAnalyzer) UpdateFlow(any, Flow, Direction) {}
func (noneAnalyzer) Build(any, *Packet, Flow) (ProtocolId, int, error) {
	return None, 0, nil
}

// AnalyzerCache owns one slot per ProtocolId, each holding either the empty
// placeholder or the most recently built analyzer instance for the packet in
// flight. Build overwrites a slot in place; Get reads the slot's current
// contents.
//
// A slot's contents are only meaningful for protocols the DependencyChecker
// has already proven reachable from the current packet's dissection
// frontier — buildAnalyzer is only ever called for those, so a caller
// following that discipline never observes a stale slot from a previous
// packet.
type AnalyzerCache struct {
	slots []Analyzer
}

func newAnalyzerCache(analyzers []Analyzer, total int) *AnalyzerCache {
	slots := make([]Analyzer, total)
	for i := range slots {
		slots[i] = noneAnalyzer{}
	}
	for _, a := range analyzers {
		slots[a.ProtocolID()] = a
	}
	return &AnalyzerCache{slots: slots}
}

// beginFrame is a no-op hook kept for symmetry with FlowPool.prepareForPacket
// at each ClassifyPacket call site; the cache itself needs no per-packet
// reset since slots are only ever read after being freshly built.
func (c *AnalyzerCache) beginFrame() {}

// buildAnalyzer builds the analyzer at id against the given packet and
// predecessor flow.
func (c *AnalyzerCache) buildAnalyzer(id ProtocolId, config any, packet *Packet, predecessorFlow Flow) (next ProtocolId, consumed int, err error) {
	return c.slots[id].Build(config, packet, predecessorFlow)
}

// get returns the analyzer currently occupying id's slot. Callers must only
// call this for protocols the current packet's frame actually built (or
// None, whose placeholder is always safe to read).
func (c *AnalyzerCache) get(id ProtocolId) Analyzer {
	return c.slots[id]
}
