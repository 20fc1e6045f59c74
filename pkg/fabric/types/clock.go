package types

import "time"

// Timetag is a fractional-seconds timestamp, matching the wire
// representation used by the signal bus for timekeeping messages (/sync,
// device.synced, subscription leases, allocator collision windows).
type Timetag struct {
	Sec  int64
	Frac uint32
}

// Seconds returns the timetag as a floating point count of seconds.
func (t Timetag) Seconds() float64 {
	return float64(t.Sec) + float64(t.Frac)/1e9
}

// Before reports whether t happens strictly before other.
func (t Timetag) Before(other Timetag) bool {
	return t.Seconds() < other.Seconds()
}

// Add returns t shifted forward by the given number of seconds.
func (t Timetag) Add(seconds float64) Timetag {
	return FromSeconds(t.Seconds() + seconds)
}

// Sub returns the difference t - other in seconds.
func (t Timetag) Sub(other Timetag) float64 {
	return t.Seconds() - other.Seconds()
}

// FromSeconds builds a Timetag from a fractional-seconds value.
func FromSeconds(seconds float64) Timetag {
	sec := int64(seconds)
	frac := uint32((seconds - float64(sec)) * 1e9)
	return Timetag{Sec: sec, Frac: frac}
}

// Clock is the wall-clock source used by every timing decision in the
// control plane: allocator collision windows, database expiry, subscription
// leases. No monotonic guarantee is assumed beyond single-host wall-clock
// correctness; drift across devices is tolerated because every decision is
// local, per spec.
type Clock interface {
	// Now returns fractional seconds since epoch.
	Now() Timetag
}

// WallClock is the default Clock, backed by time.Now.
type WallClock struct{}

func (WallClock) Now() Timetag {
	now := time.Now()
	return Timetag{
		Sec:  now.Unix(),
		Frac: uint32(now.Nanosecond()),
	}
}
