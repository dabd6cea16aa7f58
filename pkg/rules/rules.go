// Package rules parses the small text DSL the tap command's --rule flag
// accepts ("tag:expr[,tag:expr...]") into classify.Rule trees built from
// pkg/netproto/expr leaves, and supplies the built-in rule set tap uses
// when no --rule flag is given.
package rules

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/protoscope/protoscope/pkg/classify"
	"github.com/protoscope/protoscope/pkg/netproto"
	"github.com/protoscope/protoscope/pkg/netproto/expr"
)

// Default returns the built-in rule set tap uses when --rule is omitted: it
// tags HTTP request/response traffic, falls back to the IP protocol number
// for everything else, and never matches the zero tag.
func Default() []classify.Rule[string] {
	return []classify.Rule[string]{
		classify.NewRule("HTTP-Request", classify.Value(expr.HTTPRequest())),
		classify.NewRule("HTTP-Response", classify.Value(expr.HTTPResponse())),
		classify.NewRule("TCP", classify.Value(expr.IPProto(6))),
		classify.NewRule("UDP", classify.Value(expr.IPProto(17))),
	}
}

// NewEngine builds a classify.Engine wired with every netproto analyzer, in
// their required dependency order.
func NewEngine(config any, ruleSet []classify.Rule[string]) *classify.Engine[string] {
	loader := classify.NewLoader().
		With(&netproto.IPAnalyzer{}).
		With(&netproto.TCPAnalyzer{}).
		With(&netproto.UDPAnalyzer{}).
		With(&netproto.HTTPStartLineAnalyzer{}).
		With(&netproto.HTTPHeaderAnalyzer{})
	return classify.New(config, ruleSet, loader)
}

// Parse parses a "tag:expr[,tag:expr...]" rule-set string into an ordered
// list of Rules, in declaration order. An empty string yields Default().
func Parse(s string) ([]classify.Rule[string], error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Default(), nil
	}

	parts, err := splitTopLevel(s, ',')
	if err != nil {
		return nil, err
	}

	rules := make([]classify.Rule[string], 0, len(parts))
	for _, part := range parts {
		tag, exprText, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("rules: %q is missing a \"tag:expr\" colon", part)
		}
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, fmt.Errorf("rules: rule %q has an empty tag", part)
		}
		e, err := parseExpr(strings.TrimSpace(exprText))
		if err != nil {
			return nil, fmt.Errorf("rules: rule %q: %w", tag, err)
		}
		rules = append(rules, classify.NewRule(tag, e))
	}
	return rules, nil
}

// splitTopLevel splits s on sep, ignoring any sep found inside balanced
// parentheses, so "all(a,b)" isn't split on the comma between a and b.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("rules: unbalanced ')' in %q", s)
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("rules: unbalanced '(' in %q", s)
	}
	parts = append(parts, s[start:])
	return parts, nil
}

// parseExpr parses one "name" or "name(arg1,arg2,...)" call into a
// classify.Expr, recursing into combinator arguments.
func parseExpr(s string) (classify.Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return classify.Expr{}, fmt.Errorf("empty expression")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		return buildLeaf(s, nil)
	}
	if !strings.HasSuffix(s, ")") {
		return classify.Expr{}, fmt.Errorf("malformed call %q", s)
	}

	name := strings.TrimSpace(s[:open])
	argsText := s[open+1 : len(s)-1]

	var args []string
	if strings.TrimSpace(argsText) != "" {
		var err error
		args, err = splitTopLevel(argsText, ',')
		if err != nil {
			return classify.Expr{}, err
		}
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}

	switch name {
	case "not":
		if len(args) != 1 {
			return classify.Expr{}, fmt.Errorf("not() takes exactly one argument")
		}
		sub, err := parseExpr(args[0])
		if err != nil {
			return classify.Expr{}, err
		}
		return classify.Not(sub), nil
	case "and":
		if len(args) != 2 {
			return classify.Expr{}, fmt.Errorf("and() takes exactly two arguments")
		}
		a, err := parseExpr(args[0])
		if err != nil {
			return classify.Expr{}, err
		}
		b, err := parseExpr(args[1])
		if err != nil {
			return classify.Expr{}, err
		}
		return classify.And(a, b), nil
	case "or":
		if len(args) != 2 {
			return classify.Expr{}, fmt.Errorf("or() takes exactly two arguments")
		}
		a, err := parseExpr(args[0])
		if err != nil {
			return classify.Expr{}, err
		}
		b, err := parseExpr(args[1])
		if err != nil {
			return classify.Expr{}, err
		}
		return classify.Or(a, b), nil
	case "all", "any":
		children := make([]classify.Expr, len(args))
		for i, a := range args {
			child, err := parseExpr(a)
			if err != nil {
				return classify.Expr{}, err
			}
			children[i] = child
		}
		if name == "all" {
			return classify.All(children...), nil
		}
		return classify.Any(children...), nil
	default:
		return buildLeaf(name, args)
	}
}

// buildLeaf resolves a dotted leaf name (e.g. "tcp.dest_port") and its
// literal arguments into a classify.Leaf wrapped as a Value expression.
func buildLeaf(name string, args []string) (classify.Expr, error) {
	builder, ok := leafBuilders[name]
	if !ok {
		return classify.Expr{}, fmt.Errorf("unknown leaf %q", name)
	}
	leaf, err := builder(args)
	if err != nil {
		return classify.Expr{}, fmt.Errorf("%s: %w", name, err)
	}
	return classify.Value(leaf), nil
}

type leafBuilder func(args []string) (classify.Leaf, error)

func noArgs(leaf classify.Leaf) leafBuilder {
	return func(args []string) (classify.Leaf, error) {
		if len(args) != 0 {
			return classify.Leaf{}, fmt.Errorf("takes no arguments")
		}
		return leaf, nil
	}
}

func oneUint16(build func(uint16) classify.Leaf) leafBuilder {
	return func(args []string) (classify.Leaf, error) {
		if len(args) != 1 {
			return classify.Leaf{}, fmt.Errorf("takes exactly one argument")
		}
		n, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return classify.Leaf{}, fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		return build(uint16(n)), nil
	}
}

func oneString(build func(string) classify.Leaf) leafBuilder {
	return func(args []string) (classify.Leaf, error) {
		if len(args) != 1 {
			return classify.Leaf{}, fmt.Errorf("takes exactly one argument")
		}
		return build(args[0]), nil
	}
}

var tcpFlagNames = map[string]netproto.TCPFlag{
	"fin": netproto.FlagFIN, "syn": netproto.FlagSYN, "rst": netproto.FlagRST,
	"psh": netproto.FlagPSH, "ack": netproto.FlagACK, "urg": netproto.FlagURG,
	"ece": netproto.FlagECE, "cwr": netproto.FlagCWR,
}

var leafBuilders = map[string]leafBuilder{
	"ip":         noArgs(expr.IP()),
	"ip.proto":   oneUint16OfUint8(expr.IPProto),
	"ip.source":  oneIP(expr.IPSource),
	"ip.dest":    oneIP(expr.IPDest),
	"ip.version": oneVersion(),

	"tcp":                 noArgs(expr.TCP()),
	"tcp.source_port":     oneUint16(expr.TCPSourcePort),
	"tcp.dest_port":       oneUint16(expr.TCPDestPort),
	"tcp.server_port":     oneUint16(expr.TCPServerPort),
	"tcp.established":     noArgs(expr.TCPEstablished()),
	"tcp.handshake":       noArgs(expr.TCPHandshake()),
	"tcp.teardown":        noArgs(expr.TCPTeardown()),
	"tcp.retransmission":  noArgs(expr.TCPRetransmission()),
	"tcp.flag": func(args []string) (classify.Leaf, error) {
		if len(args) != 1 {
			return classify.Leaf{}, fmt.Errorf("takes exactly one argument")
		}
		flag, ok := tcpFlagNames[strings.ToLower(args[0])]
		if !ok {
			return classify.Leaf{}, fmt.Errorf("unknown tcp flag %q", args[0])
		}
		return expr.TCPFlag(flag), nil
	},

	"udp":             noArgs(expr.UDP()),
	"udp.source_port": oneUint16(expr.UDPSourcePort),
	"udp.dest_port":   oneUint16(expr.UDPDestPort),

	"http":          noArgs(expr.HTTP()),
	"http.request":  noArgs(expr.HTTPRequest()),
	"http.response": noArgs(expr.HTTPResponse()),
	"http.method":   oneString(func(m string) classify.Leaf { return expr.HTTPMethod(netproto.HTTPMethod(strings.ToUpper(m))) }),
	"http.code":     oneString(expr.HTTPCode),
	"http.header_name": oneString(expr.HTTPHeaderName),
	"http.header": func(args []string) (classify.Leaf, error) {
		if len(args) != 2 {
			return classify.Leaf{}, fmt.Errorf("takes exactly two arguments")
		}
		return expr.HTTPHeader(args[0], args[1]), nil
	},
}

func oneUint16OfUint8(build func(uint8) classify.Leaf) leafBuilder {
	return func(args []string) (classify.Leaf, error) {
		if len(args) != 1 {
			return classify.Leaf{}, fmt.Errorf("takes exactly one argument")
		}
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return classify.Leaf{}, fmt.Errorf("invalid protocol number %q: %w", args[0], err)
		}
		return build(uint8(n)), nil
	}
}

func oneIP(build func(net.IP) classify.Leaf) leafBuilder {
	return func(args []string) (classify.Leaf, error) {
		if len(args) != 1 {
			return classify.Leaf{}, fmt.Errorf("takes exactly one argument")
		}
		ip := net.ParseIP(args[0])
		if ip == nil {
			return classify.Leaf{}, fmt.Errorf("invalid IP address %q", args[0])
		}
		return build(ip), nil
	}
}

func oneVersion() leafBuilder {
	return func(args []string) (classify.Leaf, error) {
		if len(args) != 1 {
			return classify.Leaf{}, fmt.Errorf("takes exactly one argument")
		}
		switch args[0] {
		case "4":
			return expr.IPVersion(netproto.IPv4), nil
		case "6":
			return expr.IPVersion(netproto.IPv6), nil
		default:
			return classify.Leaf{}, fmt.Errorf("version must be 4 or 6, got %q", args[0])
		}
	}
}
