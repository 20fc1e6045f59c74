package types

// Direction is the flow direction of a Signal.
type Direction int

const (
	In Direction = iota
	Out
	Both
)

func (d Direction) String() string {
	switch d {
	case In:
		return "input"
	case Out:
		return "output"
	default:
		return "both"
	}
}

// ElementType is the scalar element type of a Signal's vector.
type ElementType string

const (
	Int32Type    ElementType = "i32"
	Float32Type  ElementType = "f32"
	Float64Type  ElementType = "f64"
	StringType   ElementType = "string"
	CharType     ElementType = "char"
	TimetagType  ElementType = "timetag"
)

// Signal is a named typed vector bound to exactly one device (spec.md §3).
// (device_id, name) must be unique globally; that invariant is enforced by
// the Replica Database, not this struct.
type Signal struct {
	DeviceID   uint64
	DeviceName string
	Name       string
	Direction  Direction
	Type       ElementType
	Length     int
	Instances  int

	Minimum *float64
	Maximum *float64
	Unit    string
	Description string
	Rate    float64

	// Version is bumped by the Replica Database each time a stored signal's
	// attributes change. It is not carried in /{name}/signal announcements;
	// each database keeps its own count.
	Version int64
}

// Key returns the (device_name, signal_name) composite identity used for
// global uniqueness and for ordering map source slots.
func (s Signal) Key() SignalKey {
	return SignalKey{Device: s.DeviceName, Name: s.Name}
}

// SignalKey is the (device_name, signal_name) pair identifying a signal.
type SignalKey struct {
	Device string
	Name   string
}

// Less implements the lexicographic ordering required for map source slots
// (spec.md §3, "source slots stored in lexicographic order of
// (device_name, signal_name)").
func (k SignalKey) Less(other SignalKey) bool {
	if k.Device != other.Device {
		return k.Device < other.Device
	}
	return k.Name < other.Name
}
