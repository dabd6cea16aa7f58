// Package classify implements a protocol-agnostic packet classification
// engine: given a stream of packets and a user-supplied ordered rule list, it
// labels each packet with the first rule whose boolean expression evaluates
// true over the packet's protocol attributes and flow state.
//
// The engine itself knows nothing about IP, TCP, or HTTP. Concrete protocol
// analyzers are supplied by the caller at construction time through a Loader
// and satisfy the Analyzer contract in analyzer.go; see package netproto for
// a companion set of analyzers.
package classify
