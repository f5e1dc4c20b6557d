package domain

import "time"

// Reserved property keys written by the tracker into every record.
const (
	PropDeviceID = "device_id"
	PropUserID   = "user_id"
	PropTime     = "time"
)

// Properties are caller-supplied event attributes. Values are expected to be
// strings, numbers or booleans.
type Properties map[string]any

// Clone returns a shallow copy so that later mutation of the caller's map
// does not leak into a queued Event.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Event is one tracked occurrence. Once appended to the queue it is never mutated.
type Event struct {
	SequenceID       uint64     `json:"sequence_id"`
	Name             string     `json:"event"`
	Properties       Properties `json:"properties"`
	DeviceIdentifier string     `json:"device_id"`
	UserIdentifier   string     `json:"user_id"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Batch is a transient, oldest-first view over the queue head.
type Batch struct {
	Events []Event
}

func (b Batch) Len() int {
	return len(b.Events)
}

func (b Batch) IsEmpty() bool {
	return len(b.Events) == 0
}

// SequenceIDs returns the ids covered by the batch, in queue order.
func (b Batch) SequenceIDs() []uint64 {
	ids := make([]uint64, len(b.Events))
	for i := range b.Events {
		ids[i] = b.Events[i].SequenceID
	}
	return ids
}
