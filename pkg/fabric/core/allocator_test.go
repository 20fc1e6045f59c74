package core

import (
	"testing"

	"github.com/sigmap/fabric/pkg/fabric/helper"
	"github.com/sigmap/fabric/pkg/fabric/types"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	now types.Timetag
}

func (f *fakeClock) Now() types.Timetag { return f.now }
func (f *fakeClock) Advance(seconds float64) { f.now = f.now.Add(seconds) }

func TestAllocatedResource_LocksAfterQuietWindow(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(100)}
	var locked int
	var probed int
	ar := NewAllocatedResource(PortResource, "", 9000, clk, helper.NewRand(1),
		func(v int) { probed = v },
		func(v int) {},
		func(v int) { locked = v })
	ar.Start()
	if probed != 9000 {
		t.Fatalf("expected initial probe of 9000, got %d", probed)
	}
	if ar.Locked() {
		t.Fatalf("should not be locked immediately")
	}

	clk.Advance(2.1)
	ar.CheckCollisions()

	if !ar.Locked() {
		t.Fatalf("expected lock after quiet window")
	}
	if locked != 9000 {
		t.Fatalf("expected locked value 9000, got %d", locked)
	}
}

func TestAllocatedResource_BumpsOnCollision(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	var reprobed []int
	ar := NewAllocatedResource(PortResource, "", 9000, clk, helper.NewRand(7),
		func(v int) { reprobed = append(reprobed, v) },
		func(v int) {},
		func(v int) {})
	ar.Start()

	// The loopback echo of our own probe arrives first and, with
	// collision_count starting at -1, does not count; then a peer's probe
	// collides.
	ar.HandleCollision(9000)
	ar.HandleCollision(9000)

	clk.Advance(0.6)
	ar.CheckCollisions()

	if ar.Locked() {
		t.Fatalf("should not lock after a collision within the quiet window")
	}
	if len(reprobed) != 2 {
		t.Fatalf("expected a re-probe after the collision-wait window, got %v", reprobed)
	}
	if reprobed[1] < 9000 {
		t.Fatalf("expected bumped value >= 9000, got %d", reprobed[1])
	}
}

func TestAllocatedResource_OrdinalScopedByIdentifier(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	ar := NewAllocatedResource(OrdinalResource, "a", 3, clk, helper.NewRand(1),
		func(v int) {}, func(v int) {}, func(v int) {})
	ar.Start()

	if ar.Collides(3, "b") {
		t.Fatalf("probe for a different identifier must never collide (spec.md §9)")
	}
	if !ar.Collides(3, "a") {
		t.Fatalf("probe for the same identifier and value must collide")
	}
}

func TestAllocatedResource_LockedRespondsRegisteredOnCollision(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	var registeredSent int
	ar := NewAllocatedResource(PortResource, "", 9000, clk, helper.NewRand(1),
		func(v int) {},
		func(v int) { registeredSent++ },
		func(v int) {})
	ar.Start()
	clk.Advance(2.1)
	ar.CheckCollisions()
	if !ar.Locked() {
		t.Fatalf("expected locked")
	}

	registeredSent = 0
	ar.HandleCollision(9000)
	if registeredSent != 1 {
		t.Fatalf("expected a /registered re-announcement once locked, got %d sends", registeredSent)
	}
}

func TestAllocator_IsReadyRequiresBoth(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	port := NewAllocatedResource(PortResource, "", 9000, clk, helper.NewRand(1), func(int) {}, func(int) {}, func(int) {})
	ordinal := NewAllocatedResource(OrdinalResource, "d", 1, clk, helper.NewRand(2), func(int) {}, func(int) {}, func(int) {})
	alloc := &Allocator{Port: port, Ordinal: ordinal}
	port.Start()
	ordinal.Start()

	if alloc.IsReady() {
		t.Fatalf("should not be ready before either resource locks")
	}

	clk.Advance(2.1)
	alloc.Poll()

	if !alloc.IsReady() {
		t.Fatalf("expected ready once both locked")
	}
}
