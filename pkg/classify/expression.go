package classify

// verdict is the three-valued result of evaluating an expression against a
// packet: Classified, NotClassified, or Abort. It is unexported because
// callers only ever see its effect through Engine.ClassifyPacket's returned
// tag.
type verdict int

const (
	verdictNotClassified verdict = iota
	verdictClassified
	verdictAbort
)

func verdictFromBool(b bool) verdict {
	if b {
		return verdictClassified
	}
	return verdictNotClassified
}

// Leaf is a predicate over (analyzer, flow) at a specific ProtocolId. Check
// is expected to type-assert analyzer and flow to the concrete types the
// target protocol produces; a mismatched assertion is a configuration bug
// and may panic, the same way the reference implementation's downcast does.
//
// ShouldGrantByFlow and ShouldBreakGrant implement the optional grant-flag
// extension (spec §4.5, §9 Open Question 2): once this leaf matches for a
// flow, the engine may keep matching that flow's subsequent packets without
// re-evaluating, until ShouldBreakGrant fires.
type Leaf struct {
	Protocol          ProtocolId
	Check             func(analyzer Analyzer, flow Flow) bool
	ShouldGrantByFlow bool
	ShouldBreakGrant  func(analyzer Analyzer) bool
}

// Expr is a boolean expression tree over Leaf values. The zero value is not
// valid; build trees with Value, Not, And, Or, All, and Any.
type Expr struct {
	kind     exprKind
	leaf     Leaf
	children []Expr // Not/All/Any: len 1 for Not; And/Or: len 2
}

type exprKind int

const (
	exprValue exprKind = iota
	exprNot
	exprAnd
	exprOr
	exprAll
	exprAny
)

// Value builds a leaf expression.
func Value(leaf Leaf) Expr {
	return Expr{kind: exprValue, leaf: leaf}
}

// Not negates an expression: Classified and NotClassified swap; Abort passes
// through unchanged.
func Not(e Expr) Expr {
	return Expr{kind: exprNot, children: []Expr{e}}
}

// And evaluates a first; if a is Classified, the result is b, otherwise the
// result is a (short-circuiting NotClassified/Abort).
func And(a, b Expr) Expr {
	return Expr{kind: exprAnd, children: []Expr{a, b}}
}

// Or evaluates a first; if a is NotClassified, the result is b, otherwise
// the result is a (short-circuiting Classified/Abort).
func Or(a, b Expr) Expr {
	return Expr{kind: exprOr, children: []Expr{a, b}}
}

// All is Classified only if every sub-expression is Classified; the first
// non-Classified result (NotClassified or Abort) short-circuits the rest. An
// empty list is Classified.
func All(exprs ...Expr) Expr {
	return Expr{kind: exprAll, children: exprs}
}

// Any is Classified as soon as one sub-expression is Classified, propagating
// Abort immediately; if every sub-expression is NotClassified, the result is
// NotClassified. An empty list is NotClassified.
func Any(exprs ...Expr) Expr {
	return Expr{kind: exprAny, children: exprs}
}

// leafEvaluator is the callback the engine supplies to drive dissection on
// demand for each leaf a rule's expression touches.
type leafEvaluator func(Leaf) verdict

func (e Expr) evaluate(eval leafEvaluator) verdict {
	switch e.kind {
	case exprValue:
		return eval(e.leaf)
	case exprNot:
		switch e.children[0].evaluate(eval) {
		case verdictClassified:
			return verdictNotClassified
		case verdictNotClassified:
			return verdictClassified
		default:
			return verdictAbort
		}
	case exprAnd:
		if v := e.children[0].evaluate(eval); v == verdictClassified {
			return e.children[1].evaluate(eval)
		} else {
			return v
		}
	case exprOr:
		if v := e.children[0].evaluate(eval); v == verdictNotClassified {
			return e.children[1].evaluate(eval)
		} else {
			return v
		}
	case exprAll:
		for _, child := range e.children {
			v := child.evaluate(eval)
			if v != verdictClassified {
				return v
			}
		}
		return verdictClassified
	case exprAny:
		for _, child := range e.children {
			v := child.evaluate(eval)
			if v != verdictNotClassified {
				return v
			}
		}
		return verdictNotClassified
	default:
		return verdictNotClassified
	}
}

// leaves calls fn for every Leaf reachable in the expression tree; New uses
// it to check that every leaf references a registered protocol.
func (e Expr) leaves(fn func(Leaf)) {
	switch e.kind {
	case exprValue:
		fn(e.leaf)
	default:
		for _, child := range e.children {
			child.leaves(fn)
		}
	}
}
