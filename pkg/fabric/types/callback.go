package types

// EventKind is the class of change a Replica Database callback fires for.
type EventKind int

const (
	Added EventKind = iota
	Modified
	Removed
	Expired
)

func (e EventKind) String() string {
	switch e {
	case Added:
		return "ADDED"
	case Modified:
		return "MODIFIED"
	case Removed:
		return "REMOVED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Callback is a single (function, context) pair, the idiomatic Go
// replacement for the original's void* user-data callback (spec.md §9).
type Callback struct {
	Fn      func(kind EventKind, object interface{}, context interface{})
	Context interface{}
}

// CallbackList is a per-object-kind list of registered callbacks. Devices,
// Signals and Maps each keep one, fired by the Replica Database on
// add/modify/remove/expire.
type CallbackList struct {
	callbacks []Callback
}

// Add registers a callback and returns its index in the list. CallbackList
// has no removal method.
func (c *CallbackList) Add(fn func(kind EventKind, object interface{}, context interface{}), context interface{}) int {
	c.callbacks = append(c.callbacks, Callback{Fn: fn, Context: context})
	return len(c.callbacks) - 1
}

// Fire invokes every registered callback with the given kind/object.
// Iteration snapshots the slice before invoking any callback, so a callback
// that itself mutates the list (e.g. freeing its own target on REMOVED)
// cannot corrupt an in-progress iteration (spec.md §5).
func (c *CallbackList) Fire(kind EventKind, object interface{}) {
	snapshot := append([]Callback(nil), c.callbacks...)
	for _, cb := range snapshot {
		cb.Fn(kind, object, cb.Context)
	}
}
