package test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sigmap/fabric/pkg/fabric"
)

// Cluster runs a set of real fabric.Device instances over the loopback
// multicast bus, the same transport production deployments use. Nothing is
// mocked here: every device actually probes, collides and replicates over a
// real (if local) UDP socket.
type Cluster struct {
	T       *testing.T
	Devices []*fabric.Device

	stop chan struct{}
	wg   sync.WaitGroup
}

// CreateCluster brings up size devices sharing the given identifier prefix
// and polls each on its own goroutine until the test tears it down.
func CreateCluster(t *testing.T, size int, identifier string) *Cluster {
	t.Helper()
	c := &Cluster{T: t, stop: make(chan struct{})}
	for i := 0; i < size; i++ {
		dev, err := fabric.NewDevice(fabric.Options{
			Identifier:  identifier,
			InitialPort: 9000 + i,
		})
		if err != nil {
			t.Fatalf("fabric.NewDevice(%s #%d): %v", identifier, i, err)
		}
		c.Devices = append(c.Devices, dev)
	}
	for _, dev := range c.Devices {
		c.run(dev)
	}
	return c
}

// run polls dev on its own goroutine for the life of the cluster. Test
// bodies call other *fabric.Device methods (Name, AddSignal, NewMap, Push,
// Close, ...) directly from the test goroutine while this loop is running;
// that's safe because every exported Device method takes its own internal
// lock, not because of anything this harness does.
func (c *Cluster) run(dev *fabric.Device) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			default:
				dev.Poll(50)
			}
		}
	}()
}

// Off closes every device in the cluster and waits for their poll loops to
// exit.
func (c *Cluster) Off() {
	close(c.stop)
	c.wg.Wait()
	for _, dev := range c.Devices {
		_ = dev.Close()
	}
}

// WaitReady blocks until every device in the cluster reports ready or the
// timeout elapses, returning false in the latter case.
func (c *Cluster) WaitReady(timeout time.Duration) bool {
	return WaitThisOrTimeout(func() {
		for {
			allReady := true
			for _, dev := range c.Devices {
				if !dev.IsReady() {
					allReady = false
				}
			}
			if allReady {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}, timeout)
}

// WaitThisOrTimeout runs f on its own goroutine and reports whether it
// finished before timeout.
func WaitThisOrTimeout(f func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// DevicesConverge reports whether every device's database knows about every
// other device in the cluster by name, the control-plane analogue of the
// data-plane "cluster agrees on a value" check.
func (c *Cluster) DevicesConverge() error {
	for _, self := range c.Devices {
		for _, other := range c.Devices {
			if self == other {
				continue
			}
			if _, ok := self.Database().DeviceByName(other.Name()); !ok {
				return fmt.Errorf("device %s does not yet know about %s", self.Name(), other.Name())
			}
		}
	}
	return nil
}
