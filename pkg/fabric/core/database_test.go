package core

import (
	"testing"

	"github.com/sigmap/fabric/pkg/fabric/types"
)

func newTestDatabase(t *testing.T, clk types.Clock) *Database {
	t.Helper()
	db, err := NewDatabase(clk, 10, testLogger{}, nil)
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testLogger discards everything; only used to satisfy the types.Logger
// interface in tests that don't care about log output.
type testLogger struct{}

func (testLogger) Info(...interface{})           {}
func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Warn(...interface{})           {}
func (testLogger) Warnf(string, ...interface{})  {}
func (testLogger) Error(...interface{})          {}
func (testLogger) Errorf(string, ...interface{}) {}
func (testLogger) Debug(...interface{})          {}
func (testLogger) Debugf(string, ...interface{}) {}
func (testLogger) ToggleDebug(bool) bool          { return false }
func (testLogger) Fatal(...interface{})          {}
func (testLogger) Fatalf(string, ...interface{}) {}

func TestAddOrUpdateDevice_FiresAddedThenModified(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	db := newTestDatabase(t, clk)

	var events []types.EventKind
	db.OnDeviceEvent(func(kind types.EventKind, dev types.Device) {
		events = append(events, kind)
	})

	dev := types.Device{Identifier: "osc", Name: "/osc.1", ID: 1, Port: 9000}
	_, kind := db.AddOrUpdateDevice(dev)
	if kind != types.Added {
		t.Fatalf("expected Added, got %v", kind)
	}

	dev.Port = 9001
	_, kind = db.AddOrUpdateDevice(dev)
	if kind != types.Modified {
		t.Fatalf("expected Modified, got %v", kind)
	}

	// Resending an unchanged device (aside from Synced) must not fire again.
	_, kind = db.AddOrUpdateDevice(dev)
	if kind != noEventKind {
		t.Fatalf("expected no-op sentinel, got %v", kind)
	}

	if len(events) != 2 || events[0] != types.Added || events[1] != types.Modified {
		t.Fatalf("unexpected callback sequence: %v", events)
	}
}

func TestAddOrUpdateDevice_SyncedNonDecreasing(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(100)}
	db := newTestDatabase(t, clk)

	dev := types.Device{Identifier: "a", Name: "/a.0", ID: 1}
	got, _ := db.AddOrUpdateDevice(dev)
	first := got.Synced

	clk.Advance(5)
	got, _ = db.AddOrUpdateDevice(dev)
	if got.Synced.Seconds() <= first.Seconds() {
		t.Fatalf("expected synced to advance, got %v after %v", got.Synced, first)
	}
}

func TestDeviceByID_StopsEarlyWithoutLeaking(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	db := newTestDatabase(t, clk)

	for i := 0; i < 20; i++ {
		name := types.CanonicalName("d", i)
		db.AddOrUpdateDevice(types.Device{Identifier: "d", Name: name, ID: types.HashName(name)})
	}

	target := types.HashName(types.CanonicalName("d", 0))
	dev, ok := db.DeviceByID(target)
	if !ok || dev.ID != target {
		t.Fatalf("expected to find device 0, got %+v ok=%v", dev, ok)
	}
}

func TestRemoveDevice_CascadesSignalsAndMaps(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	db := newTestDatabase(t, clk)
	db.SetLocalDeviceName("/local.0")

	db.AddOrUpdateDevice(types.Device{Identifier: "remote", Name: "/remote.0", ID: 1})
	db.AddOrUpdateDevice(types.Device{Identifier: "local", Name: "/local.0", ID: 2})

	srcKey := types.SignalKey{Device: "/remote.0", Name: "out"}
	dstKeyLocal := types.SignalKey{Device: "/local.0", Name: "in"}
	db.AddOrUpdateSignal(types.Signal{DeviceName: "/remote.0", Name: "out", Direction: types.Out})
	db.AddOrUpdateSignal(types.Signal{DeviceName: "/local.0", Name: "in", Direction: types.In})

	// A map that touches the local device must survive the remote's removal.
	localMap := types.Map{
		ID:          types.HashMapID([]types.SignalKey{srcKey}, dstKeyLocal),
		Sources:     []types.Slot{{Signal: srcKey}},
		Destination: types.Slot{Signal: dstKeyLocal},
	}
	db.AddOrUpdateMap(localMap)

	// A map with no local endpoint must be removed along with the device.
	otherKey := types.SignalKey{Device: "/other.0", Name: "in"}
	purelyRemoteMap := types.Map{
		ID:          types.HashMapID([]types.SignalKey{srcKey}, otherKey),
		Sources:     []types.Slot{{Signal: srcKey}},
		Destination: types.Slot{Signal: otherKey},
	}
	db.AddOrUpdateMap(purelyRemoteMap)

	_, ok := db.RemoveDevice("/remote.0", noEventKind)
	if !ok {
		t.Fatalf("expected remote device to be removed")
	}

	if _, ok := db.SignalByKey(srcKey); ok {
		t.Fatalf("expected remote signal to be removed")
	}
	if _, ok := db.MapByID(localMap.ID); !ok {
		t.Fatalf("expected map with local endpoint to survive cascading removal")
	}
	if _, ok := db.MapByID(purelyRemoteMap.ID); ok {
		t.Fatalf("expected map with no local endpoint to be removed")
	}
}

func TestQuerySignalsByProperty_VectorEquality(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	db := newTestDatabase(t, clk)

	min1, max1 := 0.0, 1.0
	db.AddOrUpdateSignal(types.Signal{DeviceName: "/a.0", Name: "x", Minimum: &min1, Maximum: &max1})

	matches := collectSignals(db.QuerySignalsByProperty(PropertyQuery{
		Key: "minimum", Op: OpEQ, Numeric: []float64{0.0},
	}, nil))
	if len(matches) != 1 {
		t.Fatalf("expected 1 match for minimum==0, got %d", len(matches))
	}

	none := collectSignals(db.QuerySignalsByProperty(PropertyQuery{
		Key: "minimum", Op: OpEQ, Numeric: []float64{5.0},
	}, nil))
	if len(none) != 0 {
		t.Fatalf("expected 0 matches for minimum==5, got %d", len(none))
	}

	exists := collectSignals(db.QuerySignalsByProperty(PropertyQuery{
		Key: "maximum", Op: OpExists,
	}, nil))
	if len(exists) != 1 {
		t.Fatalf("expected 1 match for maximum EXISTS, got %d", len(exists))
	}
}

func TestQuerySignalsByProperty_DirectionFilter(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	db := newTestDatabase(t, clk)

	db.AddOrUpdateSignal(types.Signal{DeviceName: "/a.0", Name: "out1", Direction: types.Out, Rate: 44100})
	db.AddOrUpdateSignal(types.Signal{DeviceName: "/a.0", Name: "in1", Direction: types.In, Rate: 44100})

	out := types.Out
	matches := collectSignals(db.QuerySignalsByProperty(PropertyQuery{
		Key: "rate", Op: OpEQ, Numeric: []float64{44100},
	}, &out))
	if len(matches) != 1 || matches[0].Name != "out1" {
		t.Fatalf("expected only out1 to match, got %v", matches)
	}
}

func TestExpireStale_RemovesPastTimeoutAndSparesLocal(t *testing.T) {
	clk := &fakeClock{now: types.FromSeconds(0)}
	db := newTestDatabase(t, clk)
	db.SetLocalDeviceName("/local.0")

	db.AddOrUpdateDevice(types.Device{Identifier: "local", Name: "/local.0", ID: 1})
	db.AddOrUpdateDevice(types.Device{Identifier: "remote", Name: "/remote.0", ID: 2})

	clk.Advance(DefaultTimeoutSec + 1)

	var expiredEvents []types.EventKind
	db.OnDeviceEvent(func(kind types.EventKind, dev types.Device) {
		expiredEvents = append(expiredEvents, kind)
	})

	expired := db.ExpireStale()
	if len(expired) != 1 || expired[0].Name != "/remote.0" {
		t.Fatalf("expected only /remote.0 to expire, got %v", expired)
	}
	if _, ok := db.DeviceByName("/local.0"); !ok {
		t.Fatalf("local device must never expire itself")
	}
	if len(expiredEvents) != 2 || expiredEvents[0] != types.Expired || expiredEvents[1] != types.Removed {
		t.Fatalf("expected EXPIRED then REMOVED, got %v", expiredEvents)
	}
}

func collectSignals(ch <-chan types.Signal) []types.Signal {
	var out []types.Signal
	for s := range ch {
		out = append(out, s)
	}
	return out
}
