package types

// SubscribeFlags selects which classes of announcement a subscribed-to
// device should push to the subscriber (spec.md §3).
type SubscribeFlags uint32

const (
	FlagDevice SubscribeFlags = 1 << iota
	FlagSignals
	FlagInputs
	FlagOutputs
	FlagMaps
	FlagIncomingMaps
	FlagOutgoingMaps
)

// FlagAll requests every announcement class.
const FlagAll = FlagDevice | FlagSignals | FlagInputs | FlagOutputs | FlagMaps | FlagIncomingMaps | FlagOutgoingMaps

// Subscription is a lease under which a remote device pushes metadata to
// this one (spec.md §3/§4.5).
type Subscription struct {
	Device string
	Flags  SubscribeFlags
	// LeaseExpirationSec is the wall-clock second at which this lease must
	// be renewed or dropped.
	LeaseExpirationSec float64
}
