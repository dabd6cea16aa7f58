package classify

// FlowPool maintains one map per ProtocolId from a flow signature to its
// FlowRecord. Between packets the pool holds accumulated flow state; entries
// are never evicted during the engine's lifetime (see the package-level
// eviction note below). Per packet, prepareForPacket resets the scratch
// "current signature" that each successful analyzer build appends to.
//
// Eviction policy: none. Flow records accumulate for the lifetime of the
// FlowPool, same as the reference implementation. A production deployment
// with long-lived processes needs an LRU or per-protocol TTL layered on top;
// this package intentionally leaves that choice to the caller (see
// DESIGN.md).
type FlowPool struct {
	flows             []map[string]Flow
	currentFlowCache  []Flow
	currentSignature  FlowSignature
}

func newFlowPool(total int) *FlowPool {
	flows := make([]map[string]Flow, total)
	for i := range flows {
		flows[i] = make(map[string]Flow)
	}
	return &FlowPool{
		flows:            flows,
		currentFlowCache: make([]Flow, total),
	}
}

// prepareForPacket resets the in-progress flow signature for a new packet.
// The current_flow_cache from the previous packet is left untouched until
// each layer's update call below either refreshes or clears its own slot, so
// a layer this packet never reaches simply keeps stale cache data that the
// engine must not read (the engine only reads cache slots for layers it
// actually visited this packet).
func (p *FlowPool) prepareForPacket() {
	p.currentSignature.reset()
}

// update is called once per successfully built analyzer. If the analyzer
// reports flow tracking applies (FlowYes), the pool looks up or creates the
// flow record for the signature accumulated so far and refreshes the
// per-layer cache; otherwise it clears the cache entry, meaning "this packet
// has no flow at this layer".
func (p *FlowPool) update(analyzer Analyzer, config any, packet *Packet) FlowDecision {
	id := analyzer.ProtocolID()
	decision := analyzer.UpdateFlowID(&p.currentSignature, packet)

	switch decision {
	case FlowAbort:
		return FlowAbort
	case FlowNo:
		p.currentFlowCache[id] = nil
		return FlowNo
	}

	key := p.currentSignature.snapshot()
	flows := p.flows[id]
	if flow, ok := flows[key]; ok {
		analyzer.UpdateFlow(config, flow, packet.Direction)
		p.currentFlowCache[id] = flow
	} else {
		flow := analyzer.NewFlow()
		analyzer.UpdateFlow(config, flow, packet.Direction)
		flows[key] = flow
		p.currentFlowCache[id] = flow
	}
	return FlowYes
}

// currentFlow returns the flow cached for id during the packet in flight, or
// nil if this packet has no tracked flow at that layer.
func (p *FlowPool) currentFlow(id ProtocolId) Flow {
	return p.currentFlowCache[id]
}
