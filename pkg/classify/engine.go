package classify

import (
	"fmt"
	"log"
)

// Trace enables the classify package's trace-level logging (flow
// create/update, dependency advance, rule match/abort). It mirrors the
// reference implementation's log::trace! call sites and is off by default so
// tests and normal operation stay quiet.
var Trace = false

func trace(format string, args ...any) {
	if Trace {
		log.Printf("classify: "+format, args...)
	}
}

// Result is the outcome of classifying one packet.
type Result[T comparable] struct {
	Tag   T
	Bytes int
}

// grantKey identifies a (flow, rule) pair for the optional grant-flag
// extension (spec §4.5, §9 Open Question 2).
type grantKey[T comparable] struct {
	flow Flow
	rule int
}

// Engine drives per-packet classification: it walks layers on demand,
// updates flows, and evaluates the boolean expression tree of each rule in
// priority order, returning the first match or the zero tag.
//
// One Engine instance classifies one packet at a time; it owns its analyzer
// cache and flow pool exclusively and has no internal concurrency. Callers
// needing parallelism must shard traffic by flow across separate Engine
// instances (see spec §5).
type Engine[T comparable] struct {
	config            any
	rules             []Rule[T]
	analyzerCache     *AnalyzerCache
	dependencyChecker *DependencyChecker
	flowPool          *FlowPool
	grants            map[grantKey[T]]struct{}
}

// New builds a frozen Engine from a configuration value, an ordered rule
// list, and a Loader describing the analyzer pipeline. It panics if any rule
// uses the zero tag value (reserved for "no rule matched") or if any leaf
// references a ProtocolId the loader never registered — both are
// configuration errors, not runtime conditions.
func New[T comparable](config any, rules []Rule[T], loader *Loader) *Engine[T] {
	if err := validateDefaultTag(rules); err != nil {
		panic(err)
	}

	analyzers, total := loader.list()
	registered := make(map[ProtocolId]bool, len(analyzers))
	for _, a := range analyzers {
		registered[a.ProtocolID()] = true
	}
	for _, r := range rules {
		r.Expr.leaves(func(leaf Leaf) {
			if leaf.Protocol != None && !registered[leaf.Protocol] {
				panic(fmt.Sprintf("classify: rule %v references unregistered protocol %v", r.Tag, leaf.Protocol))
			}
		})
	}

	return &Engine[T]{
		config:            config,
		rules:             rules,
		analyzerCache:     newAnalyzerCache(analyzers, total),
		dependencyChecker: newDependencyChecker(loader.dependencyPairs(), total),
		flowPool:          newFlowPool(total),
		grants:            make(map[grantKey[T]]struct{}),
	}
}

// RuleTags returns the registered tags in declaration order.
func (e *Engine[T]) RuleTags() []T {
	tags := make([]T, len(e.rules))
	for i, r := range e.rules {
		tags[i] = r.Tag
	}
	return tags
}

// classificationStatus is the leaf evaluator's view of whether a protocol is
// ready to be checked against.
type classificationStatus int

const (
	statusNotClassify classificationStatus = iota
	statusCanClassify
	statusAbort
)

// packetState tracks the engine's progress dissecting one packet across the
// rules it evaluates; analyzers built for an earlier rule are reused for
// later rules within the same packet.
type packetState struct {
	packet   Packet
	frontier ProtocolId
	finished bool
}

// ClassifyPacket labels one packet with the first rule whose expression
// evaluates Classified, or the zero tag if no rule matches or an analyzer
// aborts.
func (e *Engine[T]) ClassifyPacket(data []byte, direction Direction) Result[T] {
	e.analyzerCache.beginFrame()
	e.flowPool.prepareForPacket()

	state := &packetState{
		packet:   Packet{Data: data, Direction: direction},
		frontier: initialProtocol(e.analyzerCache),
	}

	trace("start %d byte %s packet classification", len(data), direction)

	for ruleIndex, rule := range e.rules {
		trace("check rule %d: %v", ruleIndex, rule.Tag)
		verdict := rule.Expr.evaluate(func(leaf Leaf) verdict {
			return e.evalLeaf(state, ruleIndex, leaf)
		})

		switch verdict {
		case verdictClassified:
			trace("classified: rule %v", rule.Tag)
			return Result[T]{Tag: rule.Tag, Bytes: state.packet.Len()}
		case verdictAbort:
			trace("abort: not classified")
			var zero T
			return Result[T]{Tag: zero, Bytes: state.packet.Len()}
		}
	}

	trace("not classified: no rule matched")
	var zero T
	return Result[T]{Tag: zero, Bytes: state.packet.Len()}
}

// initialProtocol finds the smallest registered protocol ID above None,
// which by the loader's strict-monotonic invariant is the first layer every
// packet's dissection starts at.
func initialProtocol(cache *AnalyzerCache) ProtocolId {
	for id := ProtocolId(1); int(id) < len(cache.slots); id++ {
		if _, isNone := cache.slots[id].(noneAnalyzer); !isNone {
			return id
		}
	}
	return None
}

// evalLeaf is the per-leaf callback driving the pipeline-advance loop and
// the optional grant-flag extension.
func (e *Engine[T]) evalLeaf(state *packetState, ruleIndex int, leaf Leaf) verdict {
	status := e.analyzeFor(state, leaf.Protocol)

	switch status {
	case statusAbort:
		return verdictAbort
	case statusNotClassify:
		return verdictNotClassified
	}

	analyzer := e.analyzerCache.get(leaf.Protocol)
	flow := e.currentFlowOrSynthetic(analyzer, leaf.Protocol)

	if leaf.ShouldGrantByFlow && flow != nil {
		key := grantKey[T]{flow: flow, rule: ruleIndex}
		if leaf.ShouldBreakGrant != nil && leaf.ShouldBreakGrant(analyzer) {
			delete(e.grants, key)
		} else if _, granted := e.grants[key]; granted {
			return verdictClassified
		}

		answer := leaf.Check(analyzer, flow)
		if answer {
			e.grants[key] = struct{}{}
		}
		trace("expression value at %v = %v", leaf.Protocol, answer)
		return verdictFromBool(answer)
	}

	answer := leaf.Check(analyzer, flow)
	trace("expression value at %v = %v", leaf.Protocol, answer)
	return verdictFromBool(answer)
}

// currentFlowOrSynthetic returns the flow pool's cached flow for id if this
// packet tracked one, or a freshly synthesized zero-value flow otherwise
// (spec §4.5: "if the leaf's protocol has a zero-sized flow type and no flow
// was tracked, synthesize an empty flow view for the call").
func (e *Engine[T]) currentFlowOrSynthetic(analyzer Analyzer, id ProtocolId) Flow {
	if flow := e.flowPool.currentFlow(id); flow != nil {
		return flow
	}
	return analyzer.NewFlow()
}

// analyzeFor implements the leaf evaluator / pipeline-advance loop from
// spec §4.5: it advances dissection just far enough to determine whether
// target is reachable and, if so, ready to be checked against.
func (e *Engine[T]) analyzeFor(state *packetState, target ProtocolId) classificationStatus {
	for {
		switch e.dependencyChecker.Check(state.frontier, target) {
		case Predecessor:
			return statusCanClassify
		case NoPath:
			return statusNotClassify
		case Descendant:
			if state.finished {
				if state.frontier == target {
					return statusCanClassify
				}
				return statusNotClassify
			}

			trace("analyze for: %v", state.frontier)
			predecessorFlow := e.flowPool.currentFlow(e.analyzerCache.get(state.frontier).PredecessorID())

			next, consumed, err := e.analyzerCache.buildAnalyzer(state.frontier, e.config, &state.packet, predecessorFlow)
			if err != nil {
				trace("analysis aborted: %v", err)
				return statusAbort
			}

			analyzer := e.analyzerCache.get(state.frontier)
			if e.flowPool.update(analyzer, e.config, &state.packet) == FlowAbort {
				trace("analysis aborted: flow update")
				return statusAbort
			}

			if next == None {
				state.finished = true
				if state.frontier == target {
					return statusCanClassify
				}
				return statusNotClassify
			}

			state.packet.Data = state.packet.Data[consumed:]
			state.frontier = next
		}
	}
}
