package core

import (
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pkg/errors"

	"github.com/sigmap/fabric/pkg/fabric/types"
)

const maxMapSources = 8

// HandshakeSender is the minimal outbound surface the handshake coordinator
// needs, decoupled from Transport so it can be driven by a fake in tests.
type HandshakeSender interface {
	Broadcast(msg types.Message) error
}

// pendingMapTo is a /map_to reply cached because the link to its source
// device hadn't completed yet (spec.md §4.6, "pre-link convergent maps").
type pendingMapTo struct {
	msg  types.Message
	from string
}

// HandshakeCoordinator runs the link and map three-way handshakes for one
// local device (spec.md §4.6): /link -> /link_to -> /linked, and
// /map -> /map_to -> /mapped, plus modify and unmap mirrors.
type HandshakeCoordinator struct {
	db     *Database
	sender HandshakeSender
	clock  types.Clock
	log    types.Logger

	localName string
	localIP   string
	localPort int

	// maps holds every map this local device is the source (authoritative)
	// endpoint for, keyed by id, tracking handshake state beyond what the
	// Replica Database stores (since a STAGED map isn't broadcast yet and so
	// never enters the database).
	maps map[uint64]*types.Map

	// pending is the pre-link convergent-map cache, keyed by the remote
	// device name a link is still pending for.
	pending map[string][]pendingMapTo
}

// NewHandshakeCoordinator creates a coordinator bound to db for its
// required database mutations on /linked, /unlinked, /mapped and /unmapped
// (spec.md §9, Open Question resolution).
func NewHandshakeCoordinator(db *Database, sender HandshakeSender, clock types.Clock, log types.Logger) *HandshakeCoordinator {
	return &HandshakeCoordinator{
		db:      db,
		sender:  sender,
		clock:   clock,
		log:     log,
		maps:    make(map[uint64]*types.Map),
		pending: make(map[string][]pendingMapTo),
	}
}

// BindLocal records this device's locked identity, available once the
// allocator converges.
func (h *HandshakeCoordinator) BindLocal(name, ip string, port int) {
	h.localName = name
	h.localIP = ip
	h.localPort = port
}

// Register wires every handshake handler into dispatcher.
func (h *HandshakeCoordinator) Register(dispatcher *Dispatcher) {
	dispatcher.RegisterGlobal("/link", h.handleLink)
	dispatcher.RegisterGlobal("/link_to", h.handleLinkTo)
	dispatcher.RegisterGlobal("/linked", h.handleLinked)
	dispatcher.RegisterGlobal("/unlink", h.handleUnlink)
	dispatcher.RegisterGlobal("/unlinked", h.handleUnlinked)
	// Legacy aliases: /connected records a link like /linked, /disconnected
	// removes one like /unlinked.
	dispatcher.RegisterGlobal("/connected", h.handleLinked)
	dispatcher.RegisterGlobal("/disconnected", h.handleUnlinked)
	dispatcher.RegisterGlobal("/map", h.handleMap)
	dispatcher.RegisterGlobal("/map_to", h.handleMapTo)
	dispatcher.RegisterGlobal("/mapped", h.handleMapped)
	dispatcher.RegisterGlobal("/map/modify", h.handleMapModify)
	dispatcher.RegisterGlobal("/unmap", h.handleUnmap)
	dispatcher.RegisterGlobal("/unmapped", h.handleUnmapped)
}

// --- link handshake ----------------------------------------------------

func (h *HandshakeCoordinator) requestLink(remote string) {
	_ = h.sender.Broadcast(types.Message{
		Path: "/link",
		Args: []types.Arg{types.Symbol(h.localName), types.Symbol(remote)},
	})
}

func (h *HandshakeCoordinator) handleLink(msg types.Message, from string) {
	src, dst, ok := linkEndpoints(msg)
	if !ok || dst != h.localName {
		return
	}
	reply := types.NewParamSet()
	reply.Set("host", types.Str(h.localIP))
	reply.Set("port", types.Int(int64(h.localPort)))
	_ = h.sender.Broadcast(types.Message{
		Path: "/link_to",
		Args: append([]types.Arg{types.Symbol(src), types.Symbol(dst)}, reply.Encode()...),
	})
}

func (h *HandshakeCoordinator) handleLinkTo(msg types.Message, from string) {
	src, dst, ok := linkEndpoints(msg)
	if !ok || src != h.localName {
		return
	}
	// Idempotence: duplicate /link_to for an already-linked target is
	// ignored (spec.md §4.6).
	if _, already := h.db.LinkBetween(src, dst); already {
		return
	}
	ps := types.ParseParamSet(msg.Args[2:])
	ip, _ := ps.GetString("host")
	port, _ := ps.GetInt("port")
	h.db.AddOrUpdateLink(types.Link{
		LocalDevice:  src,
		RemoteDevice: dst,
		AdminAddr:    from,
		DataAddr:     addrString(ip, int(port)),
		SyncClock:    h.clock.Now(),
	})
	_ = h.sender.Broadcast(types.Message{
		Path: "/linked",
		Args: []types.Arg{types.Symbol(src), types.Symbol(dst)},
	})
	h.flushPending(dst)
}

func (h *HandshakeCoordinator) handleLinked(msg types.Message, from string) {
	src, dst, ok := linkEndpoints(msg)
	if !ok {
		return
	}
	existing, had := h.db.LinkBetween(src, dst)
	link := types.Link{LocalDevice: src, RemoteDevice: dst, SyncClock: h.clock.Now()}
	if had {
		link.AdminAddr, link.DataAddr = existing.AdminAddr, existing.DataAddr
	}
	h.db.AddOrUpdateLink(link)
}

func (h *HandshakeCoordinator) requestUnlink(remote string) {
	_ = h.sender.Broadcast(types.Message{
		Path: "/unlink",
		Args: []types.Arg{types.Symbol(h.localName), types.Symbol(remote)},
	})
}

func (h *HandshakeCoordinator) handleUnlink(msg types.Message, from string) {
	src, dst, ok := linkEndpoints(msg)
	if !ok || (src != h.localName && dst != h.localName) {
		return
	}
	_ = h.sender.Broadcast(types.Message{
		Path: "/unlinked",
		Args: []types.Arg{types.Symbol(src), types.Symbol(dst)},
	})
}

func (h *HandshakeCoordinator) handleUnlinked(msg types.Message, from string) {
	src, dst, ok := linkEndpoints(msg)
	if !ok {
		return
	}
	h.db.RemoveLink(src, dst)
}

func linkEndpoints(msg types.Message) (src, dst string, ok bool) {
	if len(msg.Args) < 2 {
		return "", "", false
	}
	src, ok1 := msg.Args[0].AsString()
	dst, ok2 := msg.Args[1].AsString()
	return src, dst, ok1 && ok2
}

// --- map handshake -------------------------------------------------------

// NewMap implements spec.md §4.7's new_map(src[], dst) -> Map: builds a
// STAGED map tracked locally; the handshake begins on the first Push.
func (h *HandshakeCoordinator) NewMap(sources []types.SignalKey, destination types.SignalKey) (*types.Map, error) {
	if len(sources) == 0 || len(sources) > maxMapSources {
		return nil, types.ErrTooManySources
	}
	m := &types.Map{
		ID:          types.HashMapID(sources, destination),
		Destination: types.Slot{Signal: destination},
		State:       types.Staged,
	}
	for _, s := range sources {
		slot := types.Slot{Signal: s}
		if sig, found := h.db.SignalByKey(s); found {
			slot.Min, slot.Max = sig.Minimum, sig.Maximum
		}
		m.Sources = append(m.Sources, slot)
	}
	m.SortSources()
	h.maps[m.ID] = m
	return m, nil
}

// Push implements spec.md §4.7's push(map): emits /map (first push) or
// /map/modify (subsequent pushes against an already-active map).
func (h *HandshakeCoordinator) Push(m *types.Map) {
	tracked, ok := h.maps[m.ID]
	if !ok {
		tracked = m
		h.maps[m.ID] = tracked
	}
	if tracked.State == types.Active {
		h.pushModify(tracked)
		return
	}

	tracked.State = types.Requested
	destDevice := tracked.Destination.Signal.Device
	if _, linked := h.db.LinkBetween(h.localName, destDevice); !linked && destDevice != h.localName {
		h.requestLink(destDevice)
	}
	_ = h.sender.Broadcast(h.encodeMapMessage("/map", tracked, types.NewParamSet()))
}

func (h *HandshakeCoordinator) handleMap(msg types.Message, from string) {
	sources, dst, _, ok := decodeMapMessage(msg)
	if !ok || dst.Device != h.localName {
		return
	}
	sig, found := h.db.SignalByKey(dst)
	if !found {
		return
	}
	reply := types.NewParamSet()
	reply.Set("type", types.Symbol(string(sig.Type)))
	if sig.Minimum != nil {
		reply.Set("min", types.Double(*sig.Minimum))
	}
	if sig.Maximum != nil {
		reply.Set("max", types.Double(*sig.Maximum))
	}
	_ = h.sender.Broadcast(encodeMapEndpoints("/map_to", sources, dst, reply))
}

func (h *HandshakeCoordinator) handleMapTo(msg types.Message, from string) {
	sources, dst, ps, ok := decodeMapMessage(msg)
	if !ok {
		return
	}
	id := types.HashMapID(sources, dst)
	m, tracked := h.maps[id]
	if !tracked || m.State != types.Requested {
		return
	}

	destDevice := dst.Device
	if _, linked := h.db.LinkBetween(h.localName, destDevice); !linked && destDevice != h.localName {
		h.pending[destDevice] = append(h.pending[destDevice], pendingMapTo{msg: msg, from: from})
		return
	}
	h.resolveMapTo(m, ps)
}

// resolveMapTo applies B's reported destination metadata, picks the default
// scaling rule, and advances the map to ACTIVE (spec.md §4.6).
func (h *HandshakeCoordinator) resolveMapTo(m *types.Map, ps *types.ParamSet) {
	if min, ok := ps.GetFloat("min"); ok {
		m.Destination.Min = &min
	}
	if max, ok := ps.GetFloat("max"); ok {
		m.Destination.Max = &max
	}

	if scaling, ok := ps.GetString("scaling"); ok {
		m.Mode = parseScalingMode(scaling)
	} else {
		m.Mode = defaultScalingMode(m)
	}
	if expr, ok := ps.GetString("expression"); ok {
		m.Mode = types.Expression
		m.Expression = expr
	}

	m.State = types.Ready
	m.Version++
	h.maps[m.ID] = m

	_ = h.sender.Broadcast(h.encodeMapMessage("/mapped", m, mapStateParams(m)))
	m.State = types.Active
}

func (h *HandshakeCoordinator) handleMapped(msg types.Message, from string) {
	sources, dst, ps, ok := decodeMapMessage(msg)
	if !ok {
		return
	}
	id := types.HashMapID(sources, dst)
	m := types.Map{
		ID:          id,
		Destination: types.Slot{Signal: dst},
		State:       types.Active,
	}
	for _, s := range sources {
		m.Sources = append(m.Sources, types.Slot{Signal: s})
	}
	m.SortSources()
	if min, ok := ps.GetFloat("min"); ok {
		m.Destination.Min = &min
	}
	if max, ok := ps.GetFloat("max"); ok {
		m.Destination.Max = &max
	}
	if scaling, ok := ps.GetString("scaling"); ok {
		m.Mode = parseScalingMode(scaling)
	}
	if expr, ok := ps.GetString("expression"); ok {
		m.Mode = types.Expression
		m.Expression = expr
	}
	h.db.AddOrUpdateMap(m)
	if tracked, ok := h.maps[id]; ok {
		*tracked = m
	}
}

// pushModify implements spec.md §4.6's modify flow: only the source
// endpoint is authoritative; a failed expression compile retains the prior
// expression and broadcasts nothing.
func (h *HandshakeCoordinator) pushModify(m *types.Map) {
	ps := mapStateParams(m)
	_ = h.sender.Broadcast(h.encodeMapMessage("/map/modify", m, ps))
}

func (h *HandshakeCoordinator) handleMapModify(msg types.Message, from string) {
	sources, dst, ps, ok := decodeMapMessage(msg)
	if !ok {
		return
	}
	id := types.HashMapID(sources, dst)
	m, tracked := h.maps[id]
	if !tracked {
		return
	}
	// Only the source endpoint is authoritative; a modify directed at the
	// destination is rejected silently (spec.md §4.6).
	if h.localName == m.Destination.Signal.Device {
		return
	}

	if expr, hasExpr := ps.GetString("expression"); hasExpr {
		if err := compileExpression(expr); err != nil {
			h.log.Debugf("modify rejected, expression did not compile: %v", err)
			return
		}
		m.Expression = expr
		m.Mode = types.Expression
	} else if scaling, ok := ps.GetString("scaling"); ok {
		m.Mode = parseScalingMode(scaling)
	}
	if min, ok := ps.GetFloat("min"); ok {
		m.Destination.Min = &min
	}
	if max, ok := ps.GetFloat("max"); ok {
		m.Destination.Max = &max
	}
	m.Version++

	_ = h.sender.Broadcast(h.encodeMapMessage("/mapped", m, mapStateParams(m)))
	h.db.AddOrUpdateMap(*m)
}

// Unmap implements spec.md §4.7's unmap(map): emits /unmap.
func (h *HandshakeCoordinator) Unmap(m *types.Map) {
	_ = h.sender.Broadcast(h.encodeMapMessage("/unmap", m, types.NewParamSet()))
}

func (h *HandshakeCoordinator) handleUnmap(msg types.Message, from string) {
	sources, dst, _, ok := decodeMapMessage(msg)
	if !ok {
		return
	}
	_ = h.sender.Broadcast(encodeMapEndpoints("/unmapped", sources, dst, types.NewParamSet()))
}

func (h *HandshakeCoordinator) handleUnmapped(msg types.Message, from string) {
	sources, dst, _, ok := decodeMapMessage(msg)
	if !ok {
		return
	}
	id := types.HashMapID(sources, dst)
	h.db.RemoveMap(id)
	if m, tracked := h.maps[id]; tracked {
		m.State = types.Removed
		delete(h.maps, id)
	}
}

// flushPending replays every /map_to reply that arrived before the link to
// remote completed (spec.md §4.6, "pre-link convergent maps").
func (h *HandshakeCoordinator) flushPending(remote string) {
	queued := h.pending[remote]
	delete(h.pending, remote)
	for _, p := range queued {
		h.handleMapTo(p.msg, p.from)
	}
}

// --- scaling rule & expression stub --------------------------------------

// defaultScalingMode implements spec.md §4.6's default scaling rule: LINEAR
// when both ranges are non-degenerate, otherwise BYPASS.
func defaultScalingMode(m *types.Map) types.MapMode {
	if len(m.Sources) != 1 {
		return types.Raw
	}
	src := m.Sources[0]
	if src.Min == nil || src.Max == nil || m.Destination.Min == nil || m.Destination.Max == nil {
		return types.Raw
	}
	if *src.Min == *src.Max || *m.Destination.Min == *m.Destination.Max {
		return types.Raw
	}
	return types.Linear
}

func parseScalingMode(s string) types.MapMode {
	switch strings.ToLower(s) {
	case "linear":
		return types.Linear
	case "expression", "calibrate":
		return types.Expression
	default:
		return types.Raw
	}
}

// compileExpression validates a y=f(x) scaling expression by compiling its
// right-hand side with expr-lang (spec.md §4.6's expression scaling mode
// only needs a compile-time check here; the value plane that would
// evaluate it per-sample is out of scope). x and y are left undefined since
// neither is bound until a signal update actually flows through the map.
func compileExpression(source string) error {
	lhs, rhs, found := strings.Cut(source, "=")
	if !found || strings.TrimSpace(lhs) == "" || strings.TrimSpace(rhs) == "" {
		return types.ErrExpressionCompile
	}
	if _, err := expr.Compile(rhs, expr.AllowUndefinedVariables()); err != nil {
		return errors.Wrap(types.ErrExpressionCompile, err.Error())
	}
	return nil
}

// --- wire encoding for variadic-source map messages -----------------------

// encodeMapEndpoints renders one map message: an explicit source count (so
// the variadic source list can be told apart from the single destination
// without an end-of-list sentinel), then each source key, then the
// destination key, then the trailing ParamSet.
func encodeMapEndpoints(path string, sources []types.SignalKey, destination types.SignalKey, ps *types.ParamSet) types.Message {
	args := []types.Arg{types.Int(int64(len(sources)))}
	for _, s := range sources {
		args = append(args, types.Symbol(encodeSignalKey(s)))
	}
	args = append(args, types.Symbol(encodeSignalKey(destination)))
	args = append(args, ps.Encode()...)
	return types.Message{Path: path, Args: args}
}

func (h *HandshakeCoordinator) encodeMapMessage(path string, m *types.Map, ps *types.ParamSet) types.Message {
	sources := make([]types.SignalKey, len(m.Sources))
	for i, s := range m.Sources {
		sources[i] = s.Signal
	}
	return encodeMapEndpoints(path, sources, m.Destination.Signal, ps)
}

// decodeMapMessage is encodeMapEndpoints's inverse.
func decodeMapMessage(msg types.Message) (sources []types.SignalKey, destination types.SignalKey, ps *types.ParamSet, ok bool) {
	if len(msg.Args) < 1 {
		return nil, types.SignalKey{}, nil, false
	}
	n, isInt := msg.Args[0].AsInt()
	if !isInt || n < 0 || int(n)+2 > len(msg.Args) {
		return nil, types.SignalKey{}, nil, false
	}
	idx := 1
	for i := int64(0); i < n; i++ {
		if idx >= len(msg.Args) {
			return nil, types.SignalKey{}, nil, false
		}
		s, isStr := msg.Args[idx].AsString()
		if !isStr {
			return nil, types.SignalKey{}, nil, false
		}
		sources = append(sources, decodeSignalKey(s))
		idx++
	}
	if idx >= len(msg.Args) {
		return nil, types.SignalKey{}, nil, false
	}
	d, isStr := msg.Args[idx].AsString()
	if !isStr {
		return nil, types.SignalKey{}, nil, false
	}
	destination = decodeSignalKey(d)
	idx++
	ps = types.ParseParamSet(msg.Args[idx:])
	return sources, destination, ps, true
}

func encodeSignalKey(k types.SignalKey) string { return k.Device + "\x1f" + k.Name }

func decodeSignalKey(s string) types.SignalKey {
	parts := strings.SplitN(s, "\x1f", 2)
	if len(parts) != 2 {
		return types.SignalKey{Device: s}
	}
	return types.SignalKey{Device: parts[0], Name: parts[1]}
}

// mapStateParams renders a map's canonical state as a ParamSet, used for
// /mapped and /map/modify broadcasts so every observer can reconstruct the
// same Map record (spec.md §8, invariant 5).
func mapStateParams(m *types.Map) *types.ParamSet {
	ps := types.NewParamSet()
	ps.Set("scaling", types.Symbol(m.Mode.String()))
	if m.Mode == types.Expression {
		ps.Set("expression", types.Str(m.Expression))
	}
	if len(m.Sources) == 1 && m.Sources[0].Min != nil && m.Sources[0].Max != nil &&
		m.Destination.Min != nil && m.Destination.Max != nil {
		ps.Set("range", types.Double(*m.Sources[0].Min), types.Double(*m.Sources[0].Max),
			types.Double(*m.Destination.Min), types.Double(*m.Destination.Max))
	}
	if m.Destination.Min != nil {
		ps.Set("min", types.Double(*m.Destination.Min))
	}
	if m.Destination.Max != nil {
		ps.Set("max", types.Double(*m.Destination.Max))
	}
	ps.Set("mute", boolArg(m.Muted))
	ps.Set("rev", types.Int(m.Version))
	return ps
}

func boolArg(v bool) types.Arg {
	if v {
		return types.Int(1)
	}
	return types.Int(0)
}

func addrString(ip string, port int) string {
	if ip == "" {
		return ""
	}
	return ip + ":" + strconv.Itoa(port)
}
