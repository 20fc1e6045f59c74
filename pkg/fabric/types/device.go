package types

import (
	"fmt"
	"hash/fnv"
)

// Device is the identity and metadata record for a peer on the bus
// (spec.md §3). Name/ID are only meaningful once the allocator has locked
// both the ordinal and the port (Device Controller's is_ready()).
type Device struct {
	Identifier string
	Ordinal    int
	// Name is the canonical "/{identifier}.{ordinal}" form, empty until
	// the ordinal locks.
	Name string
	// ID is a stable 64-bit hash of Name.
	ID uint64

	IP         string
	Port       int
	BusAddress string

	LibVersion string
	Host       string
	NumInputs  int
	NumOutputs int
	NumMaps    int

	// Version is bumped on any local change and carried as @rev.
	Version int64

	// Synced is the timetag of the last observed "alive" signal (a
	// /registered or /sync, or a local update of the device's own record)
	// for this device. Must be
	// non-decreasing while the device is present (spec.md §8, invariant 6).
	Synced Timetag
}

// CanonicalName formats the "/identifier.ordinal" name.
func CanonicalName(identifier string, ordinal int) string {
	return fmt.Sprintf("/%s.%d", identifier, ordinal)
}

// HashName computes the stable 64-bit device id from a canonical name, per
// spec.md §3 ("stable 64-bit id = hash of name"). HashMapID uses it for map
// ids as well.
func HashName(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

// Lock finalizes the device's canonical name and id once both the ordinal
// and the port have locked.
func (d *Device) Lock(ordinal int) {
	d.Ordinal = ordinal
	d.Name = CanonicalName(d.Identifier, ordinal)
	d.ID = HashName(d.Name)
}
