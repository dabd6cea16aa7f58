package classify

import "fmt"

// Loader is a fluent accumulator of analyzer plug-ins. The caller declares
// layering by insertion order; With asserts each new analyzer's ID is
// strictly greater than the previous one's, which prevents duplicate IDs and
// enforces the layering discipline the rest of the engine relies on.
//
// A misconfigured loader (duplicate or descending ID) is a programming
// error, not a runtime condition, so With panics immediately rather than
// returning an error — the same stance the reference implementation takes
// with its loader assertion.
type Loader struct {
	analyzers []Analyzer
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// With registers an analyzer plug-in and returns the Loader for chaining.
func (l *Loader) With(analyzer Analyzer) *Loader {
	last := None
	if n := len(l.analyzers); n > 0 {
		last = l.analyzers[n-1].ProtocolID()
	}
	if analyzer.ProtocolID() <= last {
		panic(fmt.Sprintf("classify: analyzer %v must have an ID greater than %v", analyzer.ProtocolID(), last))
	}
	l.analyzers = append(l.analyzers, analyzer)
	return l
}

// list returns the registered analyzers and the total size of the dense ID
// space they span (max registered ID + 1).
func (l *Loader) list() ([]Analyzer, int) {
	total := 1 // slot 0 is always None
	for _, a := range l.analyzers {
		if n := int(a.ProtocolID()) + 1; n > total {
			total = n
		}
	}
	return l.analyzers, total
}

// dependencyPairs returns the (id, predecessorId) pairs the DependencyChecker
// needs, in registration order.
func (l *Loader) dependencyPairs() []dependencyPair {
	pairs := make([]dependencyPair, len(l.analyzers))
	for i, a := range l.analyzers {
		pairs[i] = dependencyPair{id: a.ProtocolID(), prev: a.PredecessorID()}
	}
	return pairs
}

type dependencyPair struct {
	id   ProtocolId
	prev ProtocolId
}
