package types

import "sort"

// MapMode selects the scaling transform applied at the map's source
// endpoint (spec.md §3/§4.6).
type MapMode int

const (
	Raw MapMode = iota
	Linear
	Expression
)

func (m MapMode) String() string {
	switch m {
	case Linear:
		return "linear"
	case Expression:
		return "expression"
	default:
		return "bypass"
	}
}

// BoundAction is the @clipMin/@clipMax out-of-range policy for a slot.
type BoundAction int

const (
	BoundNone BoundAction = iota
	BoundMute
	BoundClamp
	BoundFold
	BoundWrap
)

// ProcessLocation selects which endpoint evaluates the transform.
type ProcessLocation int

const (
	ProcessSource ProcessLocation = iota
	ProcessDest
)

// MapState is the handshake lifecycle state of a Map as seen by one
// endpoint (spec.md §4.6).
type MapState int

const (
	Staged MapState = iota
	Requested
	Ready
	Active
	Removed
)

func (s MapState) String() string {
	switch s {
	case Requested:
		return "REQUESTED"
	case Ready:
		return "READY"
	case Active:
		return "ACTIVE"
	case Removed:
		return "REMOVED"
	default:
		return "STAGED"
	}
}

// Slot is one endpoint of a Map: a reference to a Signal plus per-slot
// range/bound/instance policy (spec.md §3).
type Slot struct {
	// ID is the numeric identifier advertised on the wire for this slot.
	ID int

	Signal SignalKey

	Min, Max           *float64
	BoundMin, BoundMax BoundAction
	Calibrating        bool
	CausesUpdate       bool
	UseAsInstance      bool
}

// Map is a unidirectional transformed route from 1..8 source signals to
// exactly one destination signal (spec.md §3).
type Map struct {
	ID uint64

	Sources     []Slot
	Destination Slot

	Mode       MapMode
	Expression string
	Muted      bool
	Process    ProcessLocation
	// Scope is the set of device ids whose instance events propagate
	// through this map.
	Scope map[uint64]bool

	State   MapState
	Version int64
}

// SortSources orders m.Sources lexicographically by (device_name,
// signal_name) and re-numbers slot ids 0..n-1 in that order, per spec.md §3
// ("source slots stored in lexicographic order...; slot.id is the numeric
// identifier advertised on the wire").
func (m *Map) SortSources() {
	sort.SliceStable(m.Sources, func(i, j int) bool {
		return m.Sources[i].Signal.Less(m.Sources[j].Signal)
	})
	for i := range m.Sources {
		m.Sources[i].ID = i
	}
}

// HashMapID derives a stable map id from the sorted source keys and the
// destination key, so both endpoints of a map agree on the same id without
// a coordinator, mirroring Device's hash-of-name identity scheme.
func HashMapID(sources []SignalKey, destination SignalKey) uint64 {
	sorted := append([]SignalKey(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	name := destination.Device + "/" + destination.Name + "<-"
	for _, s := range sorted {
		name += s.Device + "/" + s.Name + ";"
	}
	return HashName(name)
}
