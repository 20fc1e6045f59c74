// Package fabric is the Device Controller facade (spec.md §4.7): it wires
// the transport, allocator, replica database, subscription manager and
// handshake coordinator into the operations a host program calls.
package fabric

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigmap/fabric/pkg/fabric/core"
	"github.com/sigmap/fabric/pkg/fabric/definition"
	"github.com/sigmap/fabric/pkg/fabric/helper"
	"github.com/sigmap/fabric/pkg/fabric/types"
)

const (
	defaultIdentifier = "device"
	defaultInitialOrd = 1
	pollBatchSize     = 10
	libVersionString  = "1.0.0"
)

// Options is the construction struct for a Device (SPEC_FULL.md §6
// expansion): every field has a default, filled in by withDefaults.
type Options struct {
	Identifier  string
	InitialPort int
	Interfaces  []string
	BusAddress  string
	TimeoutSec  float64
	Logger      types.Logger
	Clock       types.Clock

	// Registerer is where the device's Prometheus collectors (core.Metrics)
	// get registered. Defaults to prometheus.DefaultRegisterer; pass
	// prometheus.NewRegistry() for test isolation, or a no-op Registerer to
	// opt out entirely.
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.Identifier == "" {
		o.Identifier = defaultIdentifier
	}
	if o.InitialPort == 0 {
		o.InitialPort = 9000
	}
	if len(o.Interfaces) == 0 {
		o.Interfaces = core.CandidateInterfaces()
	}
	if o.BusAddress == "" {
		o.BusAddress = core.DefaultBusAddress
	}
	if o.TimeoutSec <= 0 {
		o.TimeoutSec = core.DefaultTimeoutSec
	}
	if o.Logger == nil {
		o.Logger = definition.NewDefaultLogger()
	}
	if o.Clock == nil {
		o.Clock = types.WallClock{}
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	return o
}

// Device is the host program's handle on one fabric participant (spec.md
// §4.7's Device Controller facade). Every exported method except the
// Database and Metrics accessors takes mu, so a
// host program may safely call Device methods from a goroutine other than
// the one driving Poll — spec.md §5's single-threaded cooperative model
// still applies logically (Poll and the other calls never run concurrently
// with each other's effects), mu just lets the caller not have to be the
// one enforcing that serialization.
type Device struct {
	mu        sync.Mutex
	opts      Options
	log       types.Logger
	clock     types.Clock
	transport core.Transport

	dispatcher *core.Dispatcher
	allocator  *core.Allocator
	db         *core.Database
	subs       *core.SubscriptionManager
	handshake  *core.HandshakeCoordinator
	metrics    *core.Metrics

	identity types.Device
	ready    bool

	incomingSubs map[string]types.Subscription
}

// NewDevice opens the bus and begins the allocation handshake (spec.md
// §4.7's new(identifier, initial_port) -> Device). The device is not ready
// until enough Poll calls let the allocator converge (is_ready()).
func NewDevice(opts Options) (*Device, error) {
	opts = opts.withDefaults()

	interfaceIP, err := resolveInterfaceIP(opts.Interfaces)
	if err != nil {
		return nil, errors.Wrap(err, "resolving bind interface")
	}
	transport, err := core.NewMulticastTransport(opts.BusAddress, interfaceIP, core.JSONCodec{}, opts.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "opening multicast transport")
	}
	return newDeviceAround(opts, transport)
}

func resolveInterfaceIP(names []string) (string, error) {
	for _, name := range names {
		if ip, err := core.InterfaceIPv4(name); err == nil {
			return ip, nil
		}
	}
	return "", errors.New("no candidate interface with an IPv4 address found")
}

// newDeviceAround builds a device around an already-open transport, the seam
// tests use to inject an in-memory bus instead of real sockets.
func newDeviceAround(opts Options, transport core.Transport) (*Device, error) {
	metrics := core.NewMetrics(opts.Registerer)

	db, err := core.NewDatabase(opts.Clock, opts.TimeoutSec, opts.Logger, metrics)
	if err != nil {
		_ = transport.Close()
		return nil, errors.Wrap(err, "opening replica database")
	}

	d := &Device{
		opts:         opts,
		log:          opts.Logger,
		clock:        opts.Clock,
		transport:    transport,
		dispatcher:   core.NewDispatcher(),
		db:           db,
		metrics:      metrics,
		incomingSubs: make(map[string]types.Subscription),
	}

	seed := time.Now().UnixNano()
	portRand := helper.NewRand(seed)
	ordinalRand := helper.NewRand(seed + 1)

	portResource := core.NewAllocatedResource(core.PortResource, "", opts.InitialPort, opts.Clock, portRand,
		d.sendPortProbe, d.sendPortRegistered, nil).WithMetrics(metrics)
	ordinalResource := core.NewAllocatedResource(core.OrdinalResource, opts.Identifier, defaultInitialOrd, opts.Clock, ordinalRand,
		d.sendNameProbe, d.sendNameRegistered, nil).WithMetrics(metrics)
	d.allocator = &core.Allocator{Port: portResource, Ordinal: ordinalResource}

	d.subs = core.NewSubscriptionManager(opts.Clock, subscribeSender{d}, db)
	d.handshake = core.NewHandshakeCoordinator(db, transport, opts.Clock, opts.Logger)

	d.identity = types.Device{
		Identifier: opts.Identifier,
		LibVersion: libVersionString,
		BusAddress: opts.BusAddress,
	}

	d.registerHandlers()
	d.allocator.Port.Start()
	d.allocator.Ordinal.Start()

	return d, nil
}

// IsReady implements spec.md §4.7's is_ready(): true once both port and
// ordinal are locked.
func (d *Device) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Name returns the locked canonical name, or "" before IsReady().
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity.Name
}

// Port returns the locked data port, or 0 before IsReady().
func (d *Device) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity.Port
}

// Database exposes the replica database for read-only queries by the host
// program (spec.md §4.4's query surface).
func (d *Device) Database() *core.Database { return d.db }

// Metrics exposes the device's Prometheus collectors, registered against
// Options.Registerer at construction, so a host program can serve them
// (e.g. via promhttp.HandlerFor) without reaching into package core.
func (d *Device) Metrics() *core.Metrics { return d.metrics }

// Poll implements spec.md §4.7's poll(block_ms): drains up to 10 bus
// messages, runs the allocator and expiry sweeps, renews subscription
// leases, and locks the device identity once both resources converge.
func (d *Device) Poll(blockMs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drained := d.drainInbound(blockMs)
	if d.metrics != nil {
		d.metrics.PollDrained.Observe(float64(drained))
		d.metrics.PollIterations.Inc()
	}

	if !d.ready {
		if blockMs > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(blockMs)*time.Millisecond)
			if err := d.allocator.PollContext(ctx); err != nil {
				d.log.Debugf("allocator poll aborted: %v", err)
			}
			cancel()
		} else {
			d.allocator.Poll()
		}
		if d.allocator.IsReady() {
			d.lockIdentity()
		}
		return
	}

	expired := d.db.ExpireStale()
	for _, dev := range expired {
		d.subs.DropSilently(dev.Name)
	}
	d.subs.Poll()
}

// drainInbound pulls up to pollBatchSize messages off the transport and
// routes each one, returning how many it actually drained.
func (d *Device) drainInbound(blockMs int) int {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	drained := 0
	for ; drained < pollBatchSize; drained++ {
		var in core.Inbound
		var ok bool
		if blockMs > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return drained
			}
			select {
			case in, ok = <-d.transport.Listen():
			case <-time.After(remaining):
				return drained
			}
		} else {
			select {
			case in, ok = <-d.transport.Listen():
			default:
				return drained
			}
		}
		if !ok {
			return drained
		}
		// Multicast loopback (transport.go enables SetMulticastLoopback) is
		// load-bearing, not noise: the allocator's collision_count = -1
		// sentinel (spec.md §4.3) is defined in terms of exactly one
		// self-echo per probe not counting as a real collision, so probes
		// and announcements are routed back through the normal handlers
		// rather than filtered here. Only handlers that would otherwise
		// mutate state from their own announcement (e.g. /registered,
		// /{name}/signal) guard against self by comparing names.
		if strings.HasSuffix(in.Message.Path, "/signal") {
			d.handleRemoteSignal(in.Message)
			continue
		}
		if !d.dispatcher.Route(in.Message, in.From) {
			d.log.Debugf("dropped unrouted message: %s", in.Message.DebugString())
		}
	}
	return drained
}

// lockIdentity finalizes the device's canonical name once both resources
// have locked, and announces it to the bus (spec.md §4.3 point 4).
func (d *Device) lockIdentity() {
	d.identity.Lock(d.allocator.Ordinal.Value())
	d.identity.Port = d.allocator.Port.Value()
	d.identity.IP = d.transport.MeshAddr()
	d.identity.Version++

	d.db.SetLocalDeviceName(d.identity.Name)
	d.db.AddOrUpdateDevice(d.identity)
	d.handshake.BindLocal(d.identity.Name, d.identity.IP, d.identity.Port)
	d.dispatcher.BindDeviceName(d.identity.Name)
	d.ready = true

	_ = d.transport.Broadcast(d.registeredMessage())
}

// AddSignal implements spec.md §4.7's add_signal(...). The device must be
// ready: a signal's identity is scoped to the locked device name.
func (d *Device) AddSignal(direction types.Direction, name string, length int, elemType types.ElementType, unit string, min, max *float64) (types.Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return types.Signal{}, types.ErrNotReady
	}
	if length <= 0 {
		length = 1
	}
	sig := types.Signal{
		DeviceID:   d.identity.ID,
		DeviceName: d.identity.Name,
		Name:       name,
		Direction:  direction,
		Type:       elemType,
		Length:     length,
		Unit:       unit,
		Minimum:    min,
		Maximum:    max,
	}
	sig, _ = d.db.AddOrUpdateSignal(sig)

	if direction == types.Out {
		d.identity.NumOutputs++
	} else {
		d.identity.NumInputs++
	}
	d.identity.Version++
	d.db.AddOrUpdateDevice(d.identity)

	_ = d.transport.Broadcast(d.signalMessage(sig))
	return sig, nil
}

// NewMap implements spec.md §4.7's new_map(src[], dst) -> Map.
func (d *Device) NewMap(sources []types.SignalKey, destination types.SignalKey) (*types.Map, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, types.ErrNotReady
	}
	return d.handshake.NewMap(sources, destination)
}

// Push implements spec.md §4.7's push(map).
func (d *Device) Push(m *types.Map) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handshake.Push(m)
}

// Unmap implements spec.md §4.7's unmap(map).
func (d *Device) Unmap(m *types.Map) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handshake.Unmap(m)
}

// Subscribe implements spec.md §4.7's subscribe(device|null, flags, timeout).
func (d *Device) Subscribe(device string, flags types.SubscribeFlags, timeoutSec float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs.Subscribe(device, flags, timeoutSec)
}

// Unsubscribe implements spec.md §4.7's unsubscribe(device).
func (d *Device) Unsubscribe(device string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs.Unsubscribe(device)
}

// DiscoverAll broadcasts /who (spec.md §6): every other ready device
// replies with its own /registered, refreshing this device's view without
// waiting for the next periodic announcement.
func (d *Device) DiscoverAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return
	}
	_ = d.transport.Broadcast(types.Message{Path: "/who"})
}

// Close implements the teardown path from spec.md §5: best-effort /logout,
// then release the transport on every path.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		_ = d.transport.Broadcast(types.Message{Path: "/logout", Args: []types.Arg{types.Symbol(d.identity.Name)}})
	}
	return d.transport.Close()
}

// --- subscribeSender adapter ------------------------------------------------

// subscribeSender adapts Device's transport into the core.SubscribeSender
// interface the SubscriptionManager drives.
type subscribeSender struct{ d *Device }

func (s subscribeSender) SendSubscribe(device string, flags types.SubscribeFlags, leaseSec float64) {
	ps := types.NewParamSet()
	ps.Set("lease", types.Int(int64(leaseSec)))
	_ = s.d.transport.Broadcast(types.Message{
		Path: device + "/subscribe",
		Args: append([]types.Arg{types.Int(int64(flags))}, ps.Encode()...),
	})
}

func (s subscribeSender) SendUnsubscribe(device string) {
	_ = s.d.transport.Broadcast(types.Message{Path: device + "/unsubscribe"})
}

// --- allocator probe/registration senders -----------------------------------

func (d *Device) sendPortProbe(value int)      { d.broadcastInt("/port/probe", value) }
func (d *Device) sendPortRegistered(value int) { d.broadcastInt("/port/registered", value) }

func (d *Device) broadcastInt(path string, value int) {
	_ = d.transport.Broadcast(types.Message{Path: path, Args: []types.Arg{types.Int(int64(value))}})
}

func (d *Device) sendNameProbe(value int) {
	name := types.CanonicalName(d.opts.Identifier, value)
	_ = d.transport.Broadcast(types.Message{Path: "/name/probe", Args: []types.Arg{types.Symbol(name)}})
}

func (d *Device) sendNameRegistered(value int) {
	name := types.CanonicalName(d.opts.Identifier, value)
	_ = d.transport.Broadcast(types.Message{Path: "/name/registered", Args: []types.Arg{types.Symbol(name)}})
}

func parseCanonicalName(name string) (identifier string, ordinal int, ok bool) {
	if !strings.HasPrefix(name, "/") {
		return "", 0, false
	}
	trimmed := name[1:]
	idx := strings.LastIndex(trimmed, ".")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return trimmed[:idx], n, true
}

// --- bus-global handlers -----------------------------------------------------

func (d *Device) registerHandlers() {
	d.dispatcher.RegisterGlobal("/who", d.handleWho)
	d.dispatcher.RegisterGlobal("/registered", d.handleRegistered)
	d.dispatcher.RegisterGlobal("/logout", d.handleLogout)
	d.dispatcher.RegisterGlobal("/sync", d.handleSync)
	d.dispatcher.RegisterGlobal("/port/probe", d.handlePortProbe)
	d.dispatcher.RegisterGlobal("/port/registered", d.handlePortRegistered)
	d.dispatcher.RegisterGlobal("/name/probe", d.handleNameProbe)
	d.dispatcher.RegisterGlobal("/name/registered", d.handleNameRegistered)
	// d.identity.Name (bound via BindDeviceName) already carries its own
	// leading slash (e.g. "/solo.1"), so the template must not add another.
	d.dispatcher.RegisterTemplate("%s/subscribe", d.handleSubscribeRequest)
	d.dispatcher.RegisterTemplate("%s/unsubscribe", d.handleUnsubscribeRequest)
	d.handshake.Register(d.dispatcher)
}

func (d *Device) handleWho(msg types.Message, from string) {
	if !d.ready {
		return
	}
	_ = d.transport.Broadcast(d.registeredMessage())
}

// handleRegistered observes a peer's announcement. @libVersion is compared
// against this build's version, not just stored: a mismatched major version
// is logged but never rejected, since there is no consensus or
// compatibility gate in this protocol. @rev is stored as reported, without
// comparison against the stored value.
func (d *Device) handleRegistered(msg types.Message, from string) {
	name, ok := msg.String(0)
	if !ok || name == d.identity.Name {
		return
	}
	ps := types.ParseParamSet(msg.Args[1:])
	identifier, _, _ := parseCanonicalName(name)
	dev := types.Device{
		Identifier: identifier,
		Name:       name,
		ID:         types.HashName(name),
	}
	if ip, ok := ps.GetString("IP"); ok {
		dev.IP = ip
	}
	if port, ok := ps.GetInt("port"); ok {
		dev.Port = int(port)
	}
	if in, ok := ps.GetInt("numInputs"); ok {
		dev.NumInputs = int(in)
	}
	if out, ok := ps.GetInt("numOutputs"); ok {
		dev.NumOutputs = int(out)
	}
	if rev, ok := ps.GetInt("rev"); ok {
		dev.Version = rev
	}
	if lv, ok := ps.GetString("libVersion"); ok {
		dev.LibVersion = lv
		d.checkLibVersion(name, lv)
	}
	d.db.AddOrUpdateDevice(dev)
}

func (d *Device) checkLibVersion(peer, peerVersion string) {
	mine, err := version.NewVersion(libVersionString)
	if err != nil {
		return
	}
	theirs, err := version.NewVersion(peerVersion)
	if err != nil {
		d.log.Debugf("peer %s announced unparseable libVersion %q", peer, peerVersion)
		return
	}
	if mine.Segments()[0] != theirs.Segments()[0] {
		d.log.Warnf("peer %s runs incompatible major protocol version %s (local %s)", peer, theirs, mine)
	}
}

func (d *Device) handleLogout(msg types.Message, from string) {
	name, ok := msg.String(0)
	if !ok {
		return
	}
	d.db.RemoveDevice(name, types.Removed)
	d.subs.DropSilently(name)
}

// handleSync refreshes a peer's synced timetag and reported version without
// waiting for its next full /registered announcement. A /sync from a
// sender this device has never heard of, or has already expired out of the
// database (ExpireStale), resurrects minimal presence (name + reported
// rev) instead of dropping the message: libmapper treats /sync as evidence
// the peer is alive right now, so a stale or missing database entry
// shouldn't have to wait for the sender's next periodic /registered to be
// readded. IP/port/signal counts stay zero until that /registered arrives.
func (d *Device) handleSync(msg types.Message, from string) {
	name, ok := msg.String(0)
	if !ok {
		return
	}
	dev, found := d.db.DeviceByName(name)
	if !found {
		identifier, _, _ := parseCanonicalName(name)
		dev = types.Device{Identifier: identifier, Name: name, ID: types.HashName(name)}
	}
	if rev, ok := msg.Int(1); ok {
		dev.Version = rev
	}
	d.db.AddOrUpdateDevice(dev)
}

func (d *Device) handlePortProbe(msg types.Message, from string) {
	v, ok := msg.Int(0)
	if !ok {
		return
	}
	d.reactToResourceProbe(d.allocator.Port, int(v), "")
}

func (d *Device) handlePortRegistered(msg types.Message, from string) {
	v, ok := msg.Int(0)
	if !ok {
		return
	}
	d.reactToResourceClaim(d.allocator.Port, int(v), "")
}

func (d *Device) handleNameProbe(msg types.Message, from string) {
	name, ok := msg.String(0)
	if !ok {
		return
	}
	identifier, ordinal, ok := parseCanonicalName(name)
	if !ok {
		return
	}
	d.reactToResourceProbe(d.allocator.Ordinal, ordinal, identifier)
}

func (d *Device) handleNameRegistered(msg types.Message, from string) {
	name, ok := msg.String(0)
	if !ok {
		return
	}
	identifier, ordinal, ok := parseCanonicalName(name)
	if !ok {
		return
	}
	d.reactToResourceClaim(d.allocator.Ordinal, ordinal, identifier)
}

// reactToResourceProbe implements spec.md §4.3 step 2: a peer's probe that
// collides with our own locked or in-flight value triggers on_collision.
func (d *Device) reactToResourceProbe(r *core.AllocatedResource, value int, identifier string) {
	if r.Collides(value, identifier) {
		r.HandleCollision(value)
	}
}

// reactToResourceClaim handles an already-locked peer's /…/registered
// announcement, which doubles as the late collision notice a still-probing
// resource needs (spec.md §4.3 step 2), and as the duplicate-claim log line
// for a resource that is itself already locked (spec.md §7).
func (d *Device) reactToResourceClaim(r *core.AllocatedResource, value int, identifier string) {
	if !r.Collides(value, identifier) {
		return
	}
	if r.Locked() {
		d.log.Warnf("duplicate claim for already-locked value %d", value)
		return
	}
	r.HandleCollision(value)
}

func (d *Device) handleSubscribeRequest(msg types.Message, from string) {
	flags := types.FlagAll
	if f, ok := msg.Int(0); ok {
		flags = types.SubscribeFlags(f)
	}
	ps := types.ParseParamSet(msg.Args)
	lease, _ := ps.GetFloat("lease")
	d.incomingSubs[from] = types.Subscription{Device: from, Flags: flags, LeaseExpirationSec: d.clock.Now().Seconds() + lease}
	_ = d.transport.SendTo(d.registeredMessage(), from)
}

func (d *Device) handleUnsubscribeRequest(msg types.Message, from string) {
	delete(d.incomingSubs, from)
}

// handleRemoteSignal ingests a "/{device}/signal" advertisement so the
// replica database holds the global view spec.md §4.4 calls for, not only
// this device's own signals.
func (d *Device) handleRemoteSignal(msg types.Message) {
	devName := strings.TrimSuffix(msg.Path, "/signal")
	if devName == "" || devName == d.identity.Name || len(msg.Args) == 0 {
		return
	}
	name, ok := msg.Args[0].AsString()
	if !ok {
		return
	}
	ps := types.ParseParamSet(msg.Args[1:])
	sig := types.Signal{DeviceName: devName, Name: name}
	if t, ok := ps.GetString("type"); ok {
		sig.Type = types.ElementType(t)
	}
	if ln, ok := ps.GetInt("length"); ok {
		sig.Length = int(ln)
	}
	if dir, ok := ps.GetString("direction"); ok && dir == "output" {
		sig.Direction = types.Out
	}
	if mn, ok := ps.GetFloat("min"); ok {
		sig.Minimum = &mn
	}
	if mx, ok := ps.GetFloat("max"); ok {
		sig.Maximum = &mx
	}
	if u, ok := ps.GetString("units"); ok {
		sig.Unit = u
	}
	d.db.AddOrUpdateSignal(sig)
}

// --- outbound message builders ----------------------------------------------

func (d *Device) registeredMessage() types.Message {
	ps := types.NewParamSet()
	ps.Set("IP", types.Str(d.identity.IP))
	ps.Set("port", types.Int(int64(d.identity.Port)))
	ps.Set("numInputs", types.Int(int64(d.identity.NumInputs)))
	ps.Set("numOutputs", types.Int(int64(d.identity.NumOutputs)))
	ps.Set("rev", types.Int(d.identity.Version))
	ps.Set("libVersion", types.Symbol(d.identity.LibVersion))
	return types.Message{
		Path: "/registered",
		Args: append([]types.Arg{types.Symbol(d.identity.Name)}, ps.Encode()...),
	}
}

func (d *Device) signalMessage(sig types.Signal) types.Message {
	ps := types.NewParamSet()
	ps.Set("type", types.Symbol(string(sig.Type)))
	ps.Set("length", types.Int(int64(sig.Length)))
	ps.Set("direction", types.Symbol(sig.Direction.String()))
	if sig.Minimum != nil {
		ps.Set("min", types.Double(*sig.Minimum))
	}
	if sig.Maximum != nil {
		ps.Set("max", types.Double(*sig.Maximum))
	}
	if sig.Unit != "" {
		ps.Set("units", types.Symbol(sig.Unit))
	}
	return types.Message{
		Path: d.identity.Name + "/signal",
		Args: append([]types.Arg{types.Symbol(sig.Name)}, ps.Encode()...),
	}
}
