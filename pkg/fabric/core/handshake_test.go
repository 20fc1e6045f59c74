package core

import (
	"testing"

	"github.com/sigmap/fabric/pkg/fabric/types"
)

// busHub synchronously fans a broadcast out to every registered dispatcher,
// standing in for the loopback multicast bus in tests.
type busHub struct {
	dispatchers []*Dispatcher
}

func (b *busHub) Broadcast(msg types.Message) error {
	for _, d := range b.dispatchers {
		d.Route(msg, "test")
	}
	return nil
}

func newLinkedPair(t *testing.T) (hub *busHub, coordA, coordB *HandshakeCoordinator, dbA, dbB *Database) {
	t.Helper()
	clk := &fakeClock{now: types.FromSeconds(0)}
	dbA = newTestDatabase(t, clk)
	dbB = newTestDatabase(t, clk)
	dbA.SetLocalDeviceName("/a.1")
	dbB.SetLocalDeviceName("/b.1")

	hub = &busHub{}
	dispA := NewDispatcher()
	dispB := NewDispatcher()
	hub.dispatchers = []*Dispatcher{dispA, dispB}

	coordA = NewHandshakeCoordinator(dbA, hub, clk, testLogger{})
	coordA.BindLocal("/a.1", "127.0.0.1", 9000)
	coordA.Register(dispA)

	coordB = NewHandshakeCoordinator(dbB, hub, clk, testLogger{})
	coordB.BindLocal("/b.1", "127.0.0.1", 9001)
	coordB.Register(dispB)

	return hub, coordA, coordB, dbA, dbB
}

func TestHandshake_MapLinearDefault(t *testing.T) {
	_, coordA, _, dbA, dbB := newLinkedPair(t)

	min0, max127 := 0.0, 127.0
	dbA.AddOrUpdateSignal(types.Signal{DeviceName: "/a.1", Name: "o", Direction: types.Out, Type: types.Int32Type, Minimum: &min0, Maximum: &max127})
	min0f, max1f := 0.0, 1.0
	dbB.AddOrUpdateSignal(types.Signal{DeviceName: "/b.1", Name: "i", Direction: types.In, Type: types.Float32Type, Minimum: &min0f, Maximum: &max1f})

	src := types.SignalKey{Device: "/a.1", Name: "o"}
	dst := types.SignalKey{Device: "/b.1", Name: "i"}
	m, err := coordA.NewMap([]types.SignalKey{src}, dst)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	coordA.Push(m)

	gotA, ok := dbA.MapByID(m.ID)
	if !ok {
		t.Fatalf("expected map present in A's database")
	}
	if gotA.Mode != types.Linear {
		t.Fatalf("expected LINEAR mode, got %v", gotA.Mode)
	}
	if gotA.State != types.Active {
		t.Fatalf("expected ACTIVE state, got %v", gotA.State)
	}

	gotB, ok := dbB.MapByID(m.ID)
	if !ok {
		t.Fatalf("expected map present in B's database")
	}
	if gotB.Mode != types.Linear {
		t.Fatalf("expected both endpoints to agree on LINEAR mode, got %v", gotB.Mode)
	}
	if gotA.Destination.Min == nil || *gotA.Destination.Min != 0 || gotA.Destination.Max == nil || *gotA.Destination.Max != 1 {
		t.Fatalf("expected destination range (0,1) resolved from B's signal, got %+v", gotA.Destination)
	}

	if _, linked := dbA.LinkBetween("/a.1", "/b.1"); !linked {
		t.Fatalf("expected a link record between /a.1 and /b.1")
	}
}

func TestHandshake_PreLinkConvergentMapIsQueuedThenReplayed(t *testing.T) {
	_, coordA, _, dbA, _ := newLinkedPair(t)

	src := types.SignalKey{Device: "/a.1", Name: "o"}
	dst := types.SignalKey{Device: "/b.1", Name: "i"}
	m, err := coordA.NewMap([]types.SignalKey{src}, dst)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	m.State = types.Requested
	coordA.maps[m.ID] = m

	reply := types.NewParamSet()
	reply.Set("min", types.Double(0))
	reply.Set("max", types.Double(1))
	mapToMsg := encodeMapEndpoints("/map_to", []types.SignalKey{src}, dst, reply)

	// B's reply arrives before any link exists: must be cached, not dropped.
	coordA.handleMapTo(mapToMsg, "peer")
	if m.State != types.Requested {
		t.Fatalf("expected map to remain REQUESTED while pending a link, got %v", m.State)
	}
	if len(coordA.pending["/b.1"]) != 1 {
		t.Fatalf("expected the /map_to reply to be queued pending the link")
	}

	dbA.AddOrUpdateLink(types.Link{LocalDevice: "/a.1", RemoteDevice: "/b.1"})
	coordA.flushPending("/b.1")

	if m.State != types.Active {
		t.Fatalf("expected replay to advance the map to ACTIVE, got %v", m.State)
	}
	if len(coordA.pending["/b.1"]) != 0 {
		t.Fatalf("expected the pending queue to be drained")
	}
}

func TestHandshake_ModifyExpression_SuccessThenRejectedOnCompileFailure(t *testing.T) {
	_, coordA, _, dbA, _ := newLinkedPair(t)

	src := types.SignalKey{Device: "/a.1", Name: "o"}
	dst := types.SignalKey{Device: "/b.1", Name: "i"}
	m, _ := coordA.NewMap([]types.SignalKey{src}, dst)
	m.State = types.Active
	m.Mode = types.Linear
	coordA.maps[m.ID] = m
	dbA.AddOrUpdateMap(*m)

	ps := types.NewParamSet()
	ps.Set("expression", types.Str("y=x*2+1"))
	ps.Set("scaling", types.Symbol("expression"))
	okMsg := encodeMapEndpoints("/map/modify", []types.SignalKey{src}, dst, ps)

	// A is the source endpoint (destination is /b.1, A is /a.1), so the
	// destination-authority guard doesn't fire and A applies the change.
	coordA.handleMapModify(okMsg, "peer")

	updated, ok := dbA.MapByID(m.ID)
	if !ok {
		t.Fatalf("expected map to be present after modify")
	}
	if updated.Mode != types.Expression || updated.Expression != "y=x*2+1" {
		t.Fatalf("expected expression mode applied, got %+v", updated)
	}

	badPS := types.NewParamSet()
	badPS.Set("expression", types.Str("y=("))
	badMsg := encodeMapEndpoints("/map/modify", []types.SignalKey{src}, dst, badPS)
	coordA.handleMapModify(badMsg, "peer")

	stillGood, _ := dbA.MapByID(m.ID)
	if stillGood.Expression != "y=x*2+1" {
		t.Fatalf("expected prior expression retained after compile failure, got %q", stillGood.Expression)
	}
}

func TestHandshake_UnmapRemovesFromBothDatabases(t *testing.T) {
	_, coordA, _, dbA, dbB := newLinkedPair(t)

	min0, max127 := 0.0, 127.0
	dbA.AddOrUpdateSignal(types.Signal{DeviceName: "/a.1", Name: "o", Minimum: &min0, Maximum: &max127})
	min0f, max1f := 0.0, 1.0
	dbB.AddOrUpdateSignal(types.Signal{DeviceName: "/b.1", Name: "i", Minimum: &min0f, Maximum: &max1f})

	src := types.SignalKey{Device: "/a.1", Name: "o"}
	dst := types.SignalKey{Device: "/b.1", Name: "i"}
	m, _ := coordA.NewMap([]types.SignalKey{src}, dst)
	coordA.Push(m)

	if _, ok := dbB.MapByID(m.ID); !ok {
		t.Fatalf("expected map active on B before unmap")
	}

	coordA.Unmap(m)

	if _, ok := dbA.MapByID(m.ID); ok {
		t.Fatalf("expected map removed from A after unmap")
	}
	if _, ok := dbB.MapByID(m.ID); ok {
		t.Fatalf("expected map removed from B after unmap")
	}
}

func TestCompileExpression(t *testing.T) {
	if err := compileExpression("y=x*2+1"); err != nil {
		t.Fatalf("expected valid expression to compile, got %v", err)
	}
	if err := compileExpression("y=("); err == nil {
		t.Fatalf("expected unbalanced expression to fail compilation")
	}
	if err := compileExpression("no equals sign"); err == nil {
		t.Fatalf("expected expression without '=' to fail compilation")
	}
}
