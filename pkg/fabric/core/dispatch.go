package core

import (
	"strings"
	"sync"

	"github.com/sigmap/fabric/pkg/fabric/types"
)

// MessageHandler processes one inbound message, given the sender's mesh
// reply address.
type MessageHandler func(msg types.Message, from string)

// Dispatcher routes inbound bus messages to handlers registered by path,
// with "%s" substitution for the device's own name bound once the ordinal
// locks (spec.md §4.1, design note in spec.md §9: "a registration step that
// substitutes the locked device name into the handler table").
type Dispatcher struct {
	mu sync.RWMutex

	// templates are handlers registered before the device name is known
	// (e.g. "%s/subscribe", since the device name already starts with "/");
	// bound is the substituted path once known.
	templates map[string]MessageHandler
	bound     map[string]MessageHandler

	// global are handlers for bus-wide paths that never carry a device
	// name (e.g. "/who", "/registered", "/port/probe").
	global map[string]MessageHandler

	deviceName string
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		templates: make(map[string]MessageHandler),
		bound:     make(map[string]MessageHandler),
		global:    make(map[string]MessageHandler),
	}
}

// RegisterGlobal registers a handler for a bus-global path.
func (d *Dispatcher) RegisterGlobal(path string, handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global[path] = handler
}

// RegisterTemplate registers a handler for a "%s"-templated,
// device-scoped path. It only becomes routable after BindDeviceName is
// called.
func (d *Dispatcher) RegisterTemplate(template string, handler MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.templates[template] = handler
	if d.deviceName != "" {
		d.bound[strings.Replace(template, "%s", d.deviceName, 1)] = handler
	}
}

// BindDeviceName substitutes the now-locked device name into every
// registered template, making device-scoped handlers routable.
func (d *Dispatcher) BindDeviceName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceName = name
	d.bound = make(map[string]MessageHandler, len(d.templates))
	for template, handler := range d.templates {
		d.bound[strings.Replace(template, "%s", name, 1)] = handler
	}
}

// Route dispatches msg to the matching handler, if any. Returns false when
// no handler is registered for the path (caller drops silently per
// spec.md §7).
func (d *Dispatcher) Route(msg types.Message, from string) bool {
	d.mu.RLock()
	handler, ok := d.global[msg.Path]
	if !ok {
		handler, ok = d.bound[msg.Path]
	}
	d.mu.RUnlock()
	if !ok {
		return false
	}
	handler(msg, from)
	return true
}
