package fuzzy

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sigmap/fabric/pkg/fabric/types"
	"github.com/sigmap/fabric/test"
)

// Test_SingleDeviceBringsUpAlone exercises spec.md §8's first scenario: a
// lone device probing an empty bus locks ordinal 1 on its first try.
func Test_SingleDeviceBringsUpAlone(t *testing.T) {
	cluster := test.CreateCluster(t, 1, "solo")
	defer func() {
		cluster.Off()
		goleak.VerifyNone(t)
	}()

	if !cluster.WaitReady(15 * time.Second) {
		t.Fatal("device never reached ready")
	}
	if got := cluster.Devices[0].Name(); got != "/solo.1" {
		t.Fatalf("expected /solo.1, got %s", got)
	}
}

// Test_OrdinalCollisionResolvesToDistinctNames exercises spec.md §8's
// ordinal-collision scenario: several devices sharing one identifier must
// converge on distinct canonical names.
func Test_OrdinalCollisionResolvesToDistinctNames(t *testing.T) {
	cluster := test.CreateCluster(t, 3, "dup")
	defer func() {
		cluster.Off()
		goleak.VerifyNone(t)
	}()

	if !cluster.WaitReady(20 * time.Second) {
		t.Fatal("cluster never reached ready")
	}

	seen := map[string]bool{}
	for _, dev := range cluster.Devices {
		if seen[dev.Name()] {
			t.Fatalf("two devices locked the same name %s", dev.Name())
		}
		seen[dev.Name()] = true
	}
}

// Test_ClusterConverges exercises database replication across every device
// pair once the bus has been quiet for a few announcement cycles.
func Test_ClusterConverges(t *testing.T) {
	cluster := test.CreateCluster(t, 3, "mesh")
	defer func() {
		cluster.Off()
		goleak.VerifyNone(t)
	}()

	if !cluster.WaitReady(20 * time.Second) {
		t.Fatal("cluster never reached ready")
	}
	if !test.WaitThisOrTimeout(func() {
		for cluster.DevicesConverge() != nil {
			time.Sleep(50 * time.Millisecond)
		}
	}, 15*time.Second) {
		t.Fatalf("cluster did not converge: %v", cluster.DevicesConverge())
	}
}

// Test_SignalAndMapConverge brings up two devices, announces a signal on
// each, maps the source's output to the destination's input and checks the
// map reaches ACTIVE in the destination's database.
func Test_SignalAndMapConverge(t *testing.T) {
	cluster := test.CreateCluster(t, 2, "link")
	defer func() {
		cluster.Off()
		goleak.VerifyNone(t)
	}()

	if !cluster.WaitReady(15 * time.Second) {
		t.Fatal("cluster never reached ready")
	}

	src := cluster.Devices[0]
	dst := cluster.Devices[1]

	min0, max127 := 0.0, 127.0
	if _, err := src.AddSignal(types.Out, "o", 1, types.Int32Type, "", &min0, &max127); err != nil {
		t.Fatalf("AddSignal on source: %v", err)
	}
	min0f, max1f := 0.0, 1.0
	if _, err := dst.AddSignal(types.In, "i", 1, types.Float32Type, "", &min0f, &max1f); err != nil {
		t.Fatalf("AddSignal on destination: %v", err)
	}

	if !test.WaitThisOrTimeout(func() {
		for {
			if _, ok := dst.Database().SignalByKey(types.SignalKey{Device: src.Name(), Name: "o"}); ok {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}, 10*time.Second) {
		t.Fatal("destination never learned source's signal")
	}

	key := types.SignalKey{Device: src.Name(), Name: "o"}
	dstKey := types.SignalKey{Device: dst.Name(), Name: "i"}
	m, err := src.NewMap([]types.SignalKey{key}, dstKey)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	src.Push(m)

	if !test.WaitThisOrTimeout(func() {
		for {
			got, ok := dst.Database().MapByID(m.ID)
			if ok && got.State == types.Active {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}, 10*time.Second) {
		t.Fatal("map never went active on the destination")
	}
}

// Test_DeviceExpiryDropsStaleLogin closes one device cleanly and checks its
// peer drops it from the database once the /logout broadcast is processed.
func Test_DeviceExpiryDropsStaleLogin(t *testing.T) {
	cluster := test.CreateCluster(t, 2, "bye")
	defer func() {
		cluster.Off()
		goleak.VerifyNone(t)
	}()

	if !cluster.WaitReady(15 * time.Second) {
		t.Fatal("cluster never reached ready")
	}

	leaving, staying := cluster.Devices[0], cluster.Devices[1]
	leavingName := leaving.Name()
	if err := leaving.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !test.WaitThisOrTimeout(func() {
		for {
			if _, ok := staying.Database().DeviceByName(leavingName); !ok {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}, 10*time.Second) {
		t.Fatalf("peer never dropped %s after logout", leavingName)
	}
}
