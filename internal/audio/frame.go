package audio

import "time"

// Direction tells which way a frame is travelling relative to the session.
type Direction uint8

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	}
	return "unknown"
}

// Frame is a fixed-duration slice of raw audio. Sequence numbers are
// per-direction, strictly increasing and gap-free from the consumer's point
// of view.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
	Direction  Direction
}
