package core

import (
	"sync"

	"github.com/sigmap/fabric/pkg/fabric/types"
)

// subscriptionLeaseSeconds is the autorenew lease length; renewal happens
// autorenewMarginSeconds before expiry (spec.md §4.5).
const (
	subscriptionLeaseSeconds = 60.0
	autorenewMarginSeconds   = 10.0
)

// SubscribeSender is the outbound side the SubscriptionManager drives: one
// /subscribe or /unsubscribe emission per call, decoupled from any one
// Transport so it can be exercised with a fake in tests.
type SubscribeSender interface {
	SendSubscribe(device string, flags types.SubscribeFlags, leaseSec float64)
	SendUnsubscribe(device string)
}

// SubscriptionManager implements spec.md §4.5: per-device subscription
// leases with autorenew, a one-shot mode, and an autosubscribe-all toggle
// that piggybacks on the Replica Database's device-added callback.
type SubscriptionManager struct {
	mu sync.Mutex

	clock  types.Clock
	sender SubscribeSender

	// records holds one entry per subscribed-to device. Only autorenew
	// subscriptions stay in this table past their initial send; a
	// one-shot subscribe never gets an entry, since nothing ever
	// resubscribes it.
	records map[string]types.Subscription

	autoAll      bool
	autoAllFlags types.SubscribeFlags
}

// NewSubscriptionManager creates an empty manager. db is used only to
// register the autosubscribe-all device-added callback; it may be nil if
// the host program never calls Subscribe(device="", ...).
func NewSubscriptionManager(clock types.Clock, sender SubscribeSender, db *Database) *SubscriptionManager {
	m := &SubscriptionManager{
		clock:   clock,
		sender:  sender,
		records: make(map[string]types.Subscription),
	}
	if db != nil {
		db.OnDeviceEvent(func(kind types.EventKind, dev types.Device) {
			if kind != types.Added {
				return
			}
			m.mu.Lock()
			auto, flags := m.autoAll, m.autoAllFlags
			m.mu.Unlock()
			if auto {
				m.Subscribe(dev.Name, flags, -1)
			}
		})
	}
	return m
}

// Subscribe implements spec.md §4.5's subscribe(device, flags, timeout):
// timeout == -1 requests autorenew, any other value is a one-shot lease of
// that length. device == "" instead toggles autosubscribe-all.
func (m *SubscriptionManager) Subscribe(device string, flags types.SubscribeFlags, timeoutSec float64) {
	if device == "" {
		m.toggleAutosubscribeAll(flags)
		return
	}

	if timeoutSec == -1 {
		m.mu.Lock()
		m.records[device] = types.Subscription{
			Device:             device,
			Flags:              flags,
			LeaseExpirationSec: m.clock.Now().Seconds() + subscriptionLeaseSeconds - autorenewMarginSeconds,
		}
		m.mu.Unlock()
		m.sender.SendSubscribe(device, flags, subscriptionLeaseSeconds)
		return
	}

	m.sender.SendSubscribe(device, flags, timeoutSec)
}

// toggleAutosubscribeAll flips the autosubscribe-all toggle. On an off→on
// transition, nothing is subscribed retroactively here: the device-added
// callback registered in NewSubscriptionManager handles every device
// discovered from this point on. On-on→off drops every existing record.
func (m *SubscriptionManager) toggleAutosubscribeAll(flags types.SubscribeFlags) {
	m.mu.Lock()
	wasOn := m.autoAll
	m.autoAll = !wasOn
	m.autoAllFlags = flags
	var toDrop []string
	if wasOn {
		for device := range m.records {
			toDrop = append(toDrop, device)
		}
		m.records = make(map[string]types.Subscription)
	}
	m.mu.Unlock()

	for _, device := range toDrop {
		m.sender.SendUnsubscribe(device)
	}
}

// Unsubscribe implements spec.md §4.5's unsubscribe(device): emits
// /unsubscribe and drops the record.
func (m *SubscriptionManager) Unsubscribe(device string) {
	m.mu.Lock()
	delete(m.records, device)
	m.mu.Unlock()
	m.sender.SendUnsubscribe(device)
}

// Poll implements spec.md §4.5's per-tick renewal: every record whose lease
// has expired is resubscribed with a fresh 60s lease.
func (m *SubscriptionManager) Poll() {
	now := m.clock.Now().Seconds()

	m.mu.Lock()
	var due []types.Subscription
	for device, sub := range m.records {
		if sub.LeaseExpirationSec < now {
			sub.LeaseExpirationSec = now + subscriptionLeaseSeconds - autorenewMarginSeconds
			m.records[device] = sub
			due = append(due, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range due {
		m.sender.SendSubscribe(sub.Device, sub.Flags, subscriptionLeaseSeconds)
	}
}

// Active reports the current subscription record for device, if any.
func (m *SubscriptionManager) Active(device string) (types.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.records[device]
	return sub, ok
}

// DropSilently removes a subscription record without emitting /unsubscribe,
// used when the subscribed-to device has already expired out of the
// Replica Database (spec.md §4.4 "silent subscription drop").
func (m *SubscriptionManager) DropSilently(device string) {
	m.mu.Lock()
	delete(m.records, device)
	m.mu.Unlock()
}
