// Package netproto implements classify.Analyzer and classify.Flow for the
// IP, TCP, UDP, and HTTP/1.1 layers, so a classify.Engine can dissect raw
// captured packets without the core package knowing anything about any of
// them. Package netproto/expr exposes the matching classify.Leaf
// constructors for writing rules against these layers.
package netproto

import "github.com/protoscope/protoscope/pkg/classify"

// Protocol IDs, in strictly increasing dissection order as classify.Loader
// requires. IP is the pipeline's initial layer; HTTPHeader is deepest.
const (
	IP ProtocolId = iota + 1
	TCP
	UDP
	HTTPStartLine
	HTTPHeader
)

// ProtocolId is a type alias so this package's constants read naturally
// (netproto.IP) while remaining classify.ProtocolId values underneath.
type ProtocolId = classify.ProtocolId
