package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sigmap/fabric/pkg/fabric/types"
	"github.com/tidwall/buntdb"
)

// DefaultTimeoutSec is the expiry window for a device's liveness, per
// spec.md §4.4.
const DefaultTimeoutSec = 10.0

// noEventKind is a sentinel EventKind meaning "no callback fire needed" for
// add-or-update no-ops, and "ordinary (non-expiry) removal" for the remove
// helpers, which only branch on whether kind == types.Expired.
const noEventKind = types.EventKind(-1)

// PropertyOp is one of the comparison operators the generic by-property
// query supports (spec.md §4.4).
type PropertyOp int

const (
	OpEQ PropertyOp = iota
	OpNE
	OpGT
	OpGE
	OpLE
	OpLT
	OpExists
	OpDoesNotExist
)

func sign(d float64) int {
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	default:
		return 0
	}
}

// compareNumericVectors implements spec.md §4.4's element-wise comparison:
// compare accumulates the per-element sign, difference accumulates the
// per-element |sign|, so EQ (compare==0 && difference==0) requires every
// element to be exactly equal, not merely summed to zero.
func compareNumericVectors(candidate, target []float64) (compare int, difference float64) {
	n := len(candidate)
	if len(target) < n {
		n = len(target)
	}
	for i := 0; i < n; i++ {
		s := sign(candidate[i] - target[i])
		compare += s
		difference += math.Abs(float64(s))
	}
	return
}

func compareStringVectors(candidate, target []string) (compare int, difference float64) {
	n := len(candidate)
	if len(target) < n {
		n = len(target)
	}
	for i := 0; i < n; i++ {
		s := sign(float64(strings.Compare(candidate[i], target[i])))
		compare += s
		difference += math.Abs(float64(s))
	}
	return
}

func evalOp(op PropertyOp, compare int, difference float64, exists bool) bool {
	if op == OpExists {
		return exists
	}
	if op == OpDoesNotExist {
		return !exists
	}
	if !exists {
		return false
	}
	switch op {
	case OpEQ:
		return compare == 0 && difference == 0
	case OpNE:
		return compare != 0 || difference != 0
	case OpGT:
		return compare > 0
	case OpGE:
		return compare >= 0
	case OpLT:
		return compare < 0
	case OpLE:
		return compare <= 0
	default:
		return false
	}
}

// PropertyQuery is the (op, length, type, value, key) tuple from spec.md
// §4.4's generic by-property query.
type PropertyQuery struct {
	Key      string
	Op       PropertyOp
	Numeric  []float64
	Strings  []string
	IsString bool
}

// Database is the Replica Database: in-memory tables of devices, signals
// and maps, with add-or-update semantics, callback lists, queries and
// expiry (spec.md §4.4). Backed by buntdb opened against ":memory:" so no
// state survives a restart, matching the "no persistence" Non-goal.
type Database struct {
	mu sync.RWMutex
	db *buntdb.DB

	clock      types.Clock
	timeoutSec float64
	log        types.Logger
	metrics    *Metrics

	localDevice string

	deviceCB types.CallbackList
	signalCB types.CallbackList
	mapCB    types.CallbackList
	linkCB   types.CallbackList
}

// NewDatabase opens an in-memory replica database.
func NewDatabase(clock types.Clock, timeoutSec float64, log types.Logger, metrics *Metrics) (*Database, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "opening replica database")
	}
	if timeoutSec <= 0 {
		timeoutSec = DefaultTimeoutSec
	}
	return &Database{
		db:         db,
		clock:      clock,
		timeoutSec: timeoutSec,
		log:        log,
		metrics:    metrics,
	}, nil
}

func (d *Database) Close() error { return d.db.Close() }

// SetLocalDeviceName records which device name is "this process", used by
// local-only queries and by the cascading-removal exception that preserves
// maps whose other endpoint is local (spec.md §4.4).
func (d *Database) SetLocalDeviceName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localDevice = name
}

func (d *Database) LocalDeviceName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localDevice
}

// --- callback registration -------------------------------------------------

func (d *Database) OnDeviceEvent(fn func(kind types.EventKind, dev types.Device)) {
	d.deviceCB.Add(func(kind types.EventKind, object interface{}, _ interface{}) {
		fn(kind, object.(types.Device))
	}, nil)
}

func (d *Database) OnSignalEvent(fn func(kind types.EventKind, sig types.Signal)) {
	d.signalCB.Add(func(kind types.EventKind, object interface{}, _ interface{}) {
		fn(kind, object.(types.Signal))
	}, nil)
}

func (d *Database) OnMapEvent(fn func(kind types.EventKind, m types.Map)) {
	d.mapCB.Add(func(kind types.EventKind, object interface{}, _ interface{}) {
		fn(kind, object.(types.Map))
	}, nil)
}

func (d *Database) OnLinkEvent(fn func(kind types.EventKind, l types.Link)) {
	d.linkCB.Add(func(kind types.EventKind, object interface{}, _ interface{}) {
		fn(kind, object.(types.Link))
	}, nil)
}

// --- keys --------------------------------------------------------------

func deviceKey(name string) string       { return "device:" + name }
func signalKey(k types.SignalKey) string { return fmt.Sprintf("signal:%s\x1f%s", k.Device, k.Name) }
func mapKey(id uint64) string            { return fmt.Sprintf("map:%020d", id) }
func linkKey(local, remote string) string {
	return fmt.Sprintf("link:%s\x1f%s", local, remote)
}

// --- devices -------------------------------------------------------------

// AddOrUpdateDevice applies add-or-update semantics keyed by canonical name
// (spec.md §4.4): create and fire ADDED if absent, fire MODIFIED on changed
// attributes, always refresh Synced.
func (d *Database) AddOrUpdateDevice(dev types.Device) (types.Device, types.EventKind) {
	d.mu.Lock()

	dev.Synced = d.clock.Now()
	key := deviceKey(dev.Name)

	var existing types.Device
	var had bool
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == nil {
			had = true
			_ = json.Unmarshal([]byte(v), &existing)
		}
		return nil
	})

	kind := types.Added
	if had {
		unchanged := existing
		unchanged.Synced = dev.Synced
		if unchanged == dev {
			kind = noEventKind // sentinel: no-op, synced-only touch
		} else {
			kind = types.Modified
		}
	}

	data, _ := json.Marshal(dev)
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
	d.mu.Unlock()

	if d.metrics != nil && kind == types.Added {
		d.metrics.DevicesKnown.Inc()
	}
	if kind == types.Added || kind == types.Modified {
		d.deviceCB.Fire(kind, dev)
	}
	return dev, kind
}

func (d *Database) DeviceByName(name string) (types.Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var dev types.Device
	found := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(deviceKey(name))
		if err != nil {
			return nil
		}
		found = json.Unmarshal([]byte(v), &dev) == nil
		return nil
	})
	return dev, found
}

func (d *Database) DeviceByID(id uint64) (types.Device, bool) {
	var found types.Device
	ok := false
	for dev := range d.AllDevices() {
		if dev.ID == id {
			found = dev
			ok = true
			break
		}
	}
	return found, ok
}

// AllDevices returns a cursor over every known device. The snapshot is
// materialized under the read lock and delivered through a
// fully-buffered channel, so a consumer that stops ranging early (as
// DeviceByID does) can never leak the producer: every send has room.
func (d *Database) AllDevices() <-chan types.Device {
	var items []types.Device
	d.mu.RLock()
	_ = d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("device:*", func(key, value string) bool {
			var dev types.Device
			if json.Unmarshal([]byte(value), &dev) == nil {
				items = append(items, dev)
			}
			return true
		})
	})
	d.mu.RUnlock()
	return chanOf(items)
}

// chanOf returns a channel, already closed once drained, carrying exactly
// the given items. Because its capacity equals len(items), every send
// completes without a reader present, so a consumer may stop ranging
// early with no risk of leaking a blocked sender goroutine.
func chanOf[T any](items []T) <-chan T {
	out := make(chan T, len(items))
	for _, it := range items {
		out <- it
	}
	close(out)
	return out
}

// DevicesMatching returns devices whose name contains substr.
func (d *Database) DevicesMatching(substr string) <-chan types.Device {
	var items []types.Device
	for dev := range d.AllDevices() {
		if strings.Contains(dev.Name, substr) {
			items = append(items, dev)
		}
	}
	return chanOf(items)
}

// LocalDevices returns only devices owned by this process (spec.md §4.4,
// "local-only" query kind). For devices, this is at most the one entry for
// the local device name.
func (d *Database) LocalDevices() <-chan types.Device {
	var items []types.Device
	local := d.LocalDeviceName()
	for dev := range d.AllDevices() {
		if dev.Name == local {
			items = append(items, dev)
		}
	}
	return chanOf(items)
}

// RemoveDevice removes a device and cascades to its signals and maps
// (spec.md §4.4): signals are removed; maps referencing those signals are
// removed, except maps whose other endpoint is local, which are preserved
// to keep the local data plane alive. Returns the removed device if it
// existed.
func (d *Database) RemoveDevice(name string, kind types.EventKind) (types.Device, bool) {
	dev, ok := d.DeviceByName(name)
	if !ok {
		return types.Device{}, false
	}

	for sig := range d.SignalsByDevice(name) {
		d.removeSignalRecord(sig.Key(), noEventKind)
	}
	for m := range d.MapsInvolvingDevice(name) {
		if d.mapHasLocalEndpoint(m) && !mapAllEndpointsAre(m, name) {
			continue
		}
		d.removeMapRecord(m.ID, noEventKind)
	}
	for l := range d.AllLinks() {
		if l.LocalDevice == name || l.RemoteDevice == name {
			d.RemoveLink(l.LocalDevice, l.RemoteDevice)
		}
	}

	d.mu.Lock()
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(deviceKey(name))
		return err
	})
	d.mu.Unlock()

	if kind == types.Expired {
		d.deviceCB.Fire(types.Expired, dev)
	}
	d.deviceCB.Fire(types.Removed, dev)
	return dev, true
}

func (d *Database) mapHasLocalEndpoint(m types.Map) bool {
	local := d.LocalDeviceName()
	if local == "" {
		return false
	}
	if m.Destination.Signal.Device == local {
		return true
	}
	for _, s := range m.Sources {
		if s.Signal.Device == local {
			return true
		}
	}
	return false
}

func mapAllEndpointsAre(m types.Map, device string) bool {
	if m.Destination.Signal.Device != device {
		return false
	}
	for _, s := range m.Sources {
		if s.Signal.Device != device {
			return false
		}
	}
	return true
}

// --- signals ---------------------------------------------------------------

func (d *Database) AddOrUpdateSignal(sig types.Signal) (types.Signal, types.EventKind) {
	d.mu.Lock()
	key := signalKey(sig.Key())

	var existing types.Signal
	had := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == nil {
			had = true
			_ = json.Unmarshal([]byte(v), &existing)
		}
		return nil
	})

	kind := types.Added
	if had {
		if signalsEqualIgnoringVersion(existing, sig) {
			sig.Version = existing.Version
			kind = noEventKind
		} else {
			sig.Version = existing.Version + 1
			kind = types.Modified
		}
	}

	data, _ := json.Marshal(sig)
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
	d.mu.Unlock()

	if kind == types.Added || kind == types.Modified {
		d.signalCB.Fire(kind, sig)
	}
	return sig, kind
}

func signalsEqualIgnoringVersion(a, b types.Signal) bool {
	a.Version, b.Version = 0, 0
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func (d *Database) removeSignalRecord(key types.SignalKey, kind types.EventKind) {
	sig, ok := d.SignalByKey(key)
	if !ok {
		return
	}
	d.mu.Lock()
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(signalKey(key))
		return err
	})
	d.mu.Unlock()
	if kind == types.Expired {
		d.signalCB.Fire(types.Expired, sig)
	}
	d.signalCB.Fire(types.Removed, sig)
}

func (d *Database) SignalByKey(key types.SignalKey) (types.Signal, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sig types.Signal
	found := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(signalKey(key))
		if err != nil {
			return nil
		}
		found = json.Unmarshal([]byte(v), &sig) == nil
		return nil
	})
	return sig, found
}

func (d *Database) AllSignals() <-chan types.Signal {
	var items []types.Signal
	d.mu.RLock()
	_ = d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("signal:*", func(key, value string) bool {
			var sig types.Signal
			if json.Unmarshal([]byte(value), &sig) == nil {
				items = append(items, sig)
			}
			return true
		})
	})
	d.mu.RUnlock()
	return chanOf(items)
}

func (d *Database) SignalsByDevice(device string) <-chan types.Signal {
	var items []types.Signal
	for sig := range d.AllSignals() {
		if sig.DeviceName == device {
			items = append(items, sig)
		}
	}
	return chanOf(items)
}

// QuerySignalsByProperty implements spec.md §4.4's generic by-property
// query for signals, with an optional direction filter.
func (d *Database) QuerySignalsByProperty(pq PropertyQuery, direction *types.Direction) <-chan types.Signal {
	var items []types.Signal
	for sig := range d.AllSignals() {
		if direction != nil && sig.Direction != *direction {
			continue
		}
		if signalPropertyMatches(sig, pq) {
			items = append(items, sig)
		}
	}
	return chanOf(items)
}

func signalPropertyMatches(sig types.Signal, pq PropertyQuery) bool {
	switch pq.Key {
	case "minimum":
		return numericMatch(sig.Minimum, pq)
	case "maximum":
		return numericMatch(sig.Maximum, pq)
	case "rate":
		v := sig.Rate
		return evalOp(pq.Op, compareSingle(v, firstOrZero(pq.Numeric)), 0, true)
	case "length":
		v := float64(sig.Length)
		return evalOp(pq.Op, compareSingle(v, firstOrZero(pq.Numeric)), 0, true)
	case "instances":
		v := float64(sig.Instances)
		return evalOp(pq.Op, compareSingle(v, firstOrZero(pq.Numeric)), 0, true)
	case "unit":
		return stringMatch(sig.Unit, sig.Unit != "", pq)
	case "name":
		return stringMatch(sig.Name, true, pq)
	case "type":
		return stringMatch(string(sig.Type), true, pq)
	default:
		return false
	}
}

func compareSingle(a, b float64) int { return sign(a - b) }

func firstOrZero(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

func numericMatch(ptr *float64, pq PropertyQuery) bool {
	exists := ptr != nil
	if pq.Op == OpExists || pq.Op == OpDoesNotExist {
		return evalOp(pq.Op, 0, 0, exists)
	}
	if !exists {
		return false
	}
	compare, difference := compareNumericVectors([]float64{*ptr}, pq.Numeric)
	return evalOp(pq.Op, compare, difference, true)
}

func stringMatch(value string, exists bool, pq PropertyQuery) bool {
	if pq.Op == OpExists || pq.Op == OpDoesNotExist {
		return evalOp(pq.Op, 0, 0, exists)
	}
	if !exists {
		return false
	}
	compare, difference := compareStringVectors([]string{value}, pq.Strings)
	return evalOp(pq.Op, compare, difference, true)
}

// --- maps --------------------------------------------------------------

// AddOrUpdateMap applies add-or-update semantics keyed by the map's 64-bit
// id (spec.md §4.4), maintaining the source-slot ordering invariant.
func (d *Database) AddOrUpdateMap(m types.Map) (types.Map, types.EventKind) {
	m.SortSources()
	d.mu.Lock()
	key := mapKey(m.ID)

	var existing types.Map
	had := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == nil {
			had = true
			_ = json.Unmarshal([]byte(v), &existing)
		}
		return nil
	})

	kind := types.Added
	if had {
		if mapsEqualIgnoringVersion(existing, m) {
			m.Version = existing.Version
			kind = noEventKind
		} else {
			m.Version = existing.Version + 1
			kind = types.Modified
		}
	}

	data, _ := json.Marshal(m)
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
	d.mu.Unlock()

	if d.metrics != nil && kind == types.Added {
		d.metrics.MapsActive.Inc()
	}
	if kind == types.Added || kind == types.Modified {
		d.mapCB.Fire(kind, m)
	}
	return m, kind
}

func mapsEqualIgnoringVersion(a, b types.Map) bool {
	a.Version, b.Version = 0, 0
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func (d *Database) removeMapRecord(id uint64, kind types.EventKind) {
	m, ok := d.MapByID(id)
	if !ok {
		return
	}
	d.mu.Lock()
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(mapKey(id))
		return err
	})
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.MapsActive.Dec()
	}
	if kind == types.Expired {
		d.mapCB.Fire(types.Expired, m)
	}
	d.mapCB.Fire(types.Removed, m)
}

// RemoveMap is the public entry point for a normal (non-expiry) map
// teardown, e.g. processing /unmap or /unmapped.
func (d *Database) RemoveMap(id uint64) {
	d.removeMapRecord(id, noEventKind)
}

func (d *Database) MapByID(id uint64) (types.Map, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var m types.Map
	found := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(mapKey(id))
		if err != nil {
			return nil
		}
		found = json.Unmarshal([]byte(v), &m) == nil
		return nil
	})
	return m, found
}

func (d *Database) AllMaps() <-chan types.Map {
	var items []types.Map
	d.mu.RLock()
	_ = d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("map:*", func(key, value string) bool {
			var m types.Map
			if json.Unmarshal([]byte(value), &m) == nil {
				items = append(items, m)
			}
			return true
		})
	})
	d.mu.RUnlock()
	return chanOf(items)
}

func (d *Database) MapsInvolvingDevice(device string) <-chan types.Map {
	var items []types.Map
	for m := range d.AllMaps() {
		if m.Destination.Signal.Device == device {
			items = append(items, m)
			continue
		}
		for _, s := range m.Sources {
			if s.Signal.Device == device {
				items = append(items, m)
				break
			}
		}
	}
	return chanOf(items)
}

// --- links ---------------------------------------------------------------

// AddOrUpdateLink applies add-or-update semantics keyed by (local, remote)
// device name, per spec.md §9's Open Question resolution: /linked and
// /unlinked must mutate the replica database rather than being observed and
// discarded.
func (d *Database) AddOrUpdateLink(l types.Link) (types.Link, types.EventKind) {
	d.mu.Lock()
	key := linkKey(l.LocalDevice, l.RemoteDevice)

	var existing types.Link
	had := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == nil {
			had = true
			_ = json.Unmarshal([]byte(v), &existing)
		}
		return nil
	})

	kind := types.Added
	if had {
		if existing == l {
			kind = noEventKind
		} else {
			kind = types.Modified
		}
	}

	data, _ := json.Marshal(l)
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
	d.mu.Unlock()

	if kind == types.Added || kind == types.Modified {
		d.linkCB.Fire(kind, l)
	}
	return l, kind
}

// RemoveLink implements the /unlinked mutation: the link record is deleted
// and REMOVED fires for every observer.
func (d *Database) RemoveLink(local, remote string) (types.Link, bool) {
	l, ok := d.LinkBetween(local, remote)
	if !ok {
		return types.Link{}, false
	}
	d.mu.Lock()
	_ = d.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(linkKey(local, remote))
		return err
	})
	d.mu.Unlock()
	d.linkCB.Fire(types.Removed, l)
	return l, true
}

func (d *Database) LinkBetween(local, remote string) (types.Link, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var l types.Link
	found := false
	_ = d.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(linkKey(local, remote))
		if err != nil {
			return nil
		}
		found = json.Unmarshal([]byte(v), &l) == nil
		return nil
	})
	return l, found
}

func (d *Database) AllLinks() <-chan types.Link {
	var items []types.Link
	d.mu.RLock()
	_ = d.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("link:*", func(key, value string) bool {
			var l types.Link
			if json.Unmarshal([]byte(value), &l) == nil {
				items = append(items, l)
			}
			return true
		})
	})
	d.mu.RUnlock()
	return chanOf(items)
}

// --- expiry ------------------------------------------------------------

// ExpireStale implements spec.md §4.4's expiry sweep: on every poll tick,
// devices whose synced.sec predates now-timeout_sec are removed (EXPIRED
// then REMOVED), with cascading signal/map removal and silent subscription
// drop (handled by the caller, which owns the SubscriptionManager).
func (d *Database) ExpireStale() []types.Device {
	now := d.clock.Now()
	var stale []string
	for dev := range d.AllDevices() {
		if dev.Name == d.LocalDeviceName() {
			continue
		}
		if now.Seconds()-float64(dev.Synced.Sec) >= d.timeoutSec {
			stale = append(stale, dev.Name)
		}
	}
	var expired []types.Device
	for _, name := range stale {
		if dev, ok := d.RemoveDevice(name, types.Expired); ok {
			expired = append(expired, dev)
		}
	}
	return expired
}
