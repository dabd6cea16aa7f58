package classify

// DependencyStatus is the answer to "can I reach protocol target from the
// current dissection frontier?"
type DependencyStatus int

const (
	// NoPath means target is unreachable from frontier for this packet: the
	// protocol is neither an ancestor nor a descendant of the frontier.
	NoPath DependencyStatus = iota
	// Descendant means target lies further down the pipeline than frontier;
	// the engine must advance dissection to reach it.
	Descendant
	// Predecessor means target has already been dissected (or is reachable
	// without advancing further); the leaf can evaluate immediately.
	Predecessor
)

// DependencyChecker pre-computes, for each ProtocolId, the set of
// descendants reachable through predecessor chains, so the per-packet hot
// path only needs a single set-membership test.
type DependencyChecker struct {
	// descendants[p] is {p} union every protocol whose predecessor chain
	// passes through p.
	descendants []map[ProtocolId]struct{}
}

// newDependencyChecker builds the transitive closure from the (id, prevId)
// pairs a Loader collected. Construction is O(N^2); it runs once at engine
// construction time.
func newDependencyChecker(pairs []dependencyPair, total int) *DependencyChecker {
	descendants := make([]map[ProtocolId]struct{}, total)
	for i := range descendants {
		descendants[i] = make(map[ProtocolId]struct{})
	}

	for _, pair := range pairs {
		descendants[pair.id][pair.id] = struct{}{}
		addDescendant(descendants, pair.prev, pair.id)
	}

	return &DependencyChecker{descendants: descendants}
}

// addDescendant records that id is a descendant of ancestor, and propagates
// that fact to every protocol that already counts ancestor as one of its own
// descendants (i.e. every ancestor-of-ancestor).
func addDescendant(descendants []map[ProtocolId]struct{}, ancestor, id ProtocolId) {
	for p := range descendants {
		if ProtocolId(p) == ancestor {
			continue
		}
		if _, ok := descendants[p][ancestor]; ok {
			if _, already := descendants[p][id]; already {
				continue
			}
			descendants[p][id] = struct{}{}
			addDescendant(descendants, ProtocolId(p), id)
		}
	}
	descendants[ancestor][id] = struct{}{}
}

// Check answers whether target is reachable from frontier.
func (c *DependencyChecker) Check(frontier, target ProtocolId) DependencyStatus {
	if _, ok := c.descendants[frontier][target]; ok {
		return Descendant
	}
	if _, ok := c.descendants[target][frontier]; ok {
		return Predecessor
	}
	return NoPath
}
