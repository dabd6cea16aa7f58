package classify

import "fmt"

// ProtocolId is a dense, totally ordered identifier for a protocol (layer)
// in the dissection pipeline. Ordering reflects layering: a predecessor's ID
// is strictly less than its descendant's.
type ProtocolId uint16

// None is the sentinel protocol ID. It never names a real analyzer; it is
// used as PredecessorId for the first layer in the pipeline and as the
// next-protocol value an analyzer returns when the packet's dissection ends
// at that layer.
const None ProtocolId = 0

func (id ProtocolId) String() string {
	if id == None {
		return "None"
	}
	return fmt.Sprintf("Protocol(%d)", uint16(id))
}

// Direction is a packet's direction relative to the monitored endpoint.
type Direction int

const (
	Uplink Direction = iota
	Downlink
)

func (d Direction) String() string {
	if d == Uplink {
		return "uplink"
	}
	return "downlink"
}
