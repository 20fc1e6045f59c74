package core

import (
	"context"

	"github.com/sigmap/fabric/pkg/fabric/helper"
	"github.com/sigmap/fabric/pkg/fabric/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ResourceKind distinguishes the two independently-allocated resources a
// device needs before it can register (spec.md §4.3).
type ResourceKind int

const (
	PortResource ResourceKind = iota
	OrdinalResource
)

const (
	lockWindowSeconds    = 2.0
	collisionWaitSeconds = 0.5
	suggestionRingSize   = 8

	// probeRateLimit caps re-probe retransmits per resource so a pathological
	// run of collisions can't flood the bus (SPEC_FULL.md §4.3 expansion).
	probeRateLimit = 5
	probeBurst     = 2
)

// AllocatedResource is the collision-probed allocation state machine from
// spec.md §4.3: "An Allocated Resource is the tuple {value, locked,
// collision_count, count_time, on_lock, on_collision, suggestion[8]}."
// Port allocation and ordinal allocation are each one instance of this
// machine, run independently and in parallel (spec.md §4.3 point 4).
type AllocatedResource struct {
	kind ResourceKind
	// identifier scopes ordinal collisions: a probe for "/a.3" never
	// collides with a locked "/b.3" (spec.md §9, Open Question resolution).
	// Unused for PortResource, whose namespace is global.
	identifier string

	value          int
	locked         bool
	collisionCount int
	countTime      types.Timetag

	clock   types.Clock
	rand    *helper.Rand
	limiter *rate.Limiter
	metrics *Metrics

	// suggestion is an 8-slot ring recording the values of colliding probes
	// seen while unlocked (SPEC_FULL.md §4.3 expansion). CheckCollisions
	// does not read it: the bump size depends on collisionCount alone.
	suggestion    [suggestionRingSize]int
	suggestionLen int

	sendProbe      func(value int)
	sendRegistered func(value int)
	onLock         func(value int)
}

// NewAllocatedResource creates an allocator instance. Call Start to kick off
// the first probe.
func NewAllocatedResource(kind ResourceKind, identifier string, initial int, clock types.Clock, rnd *helper.Rand, sendProbe, sendRegistered, onLock func(int)) *AllocatedResource {
	return &AllocatedResource{
		kind:           kind,
		identifier:     identifier,
		value:          initial,
		locked:         false,
		collisionCount: -1,
		clock:          clock,
		rand:           rnd,
		limiter:        rate.NewLimiter(rate.Limit(probeRateLimit), probeBurst),
		sendProbe:      sendProbe,
		sendRegistered: sendRegistered,
		onLock:         onLock,
	}
}

// WithMetrics attaches a Metrics sink, wired once by the Device Controller
// facade. Safe to leave unset; every increment is nil-guarded.
func (a *AllocatedResource) WithMetrics(m *Metrics) *AllocatedResource {
	a.metrics = m
	return a
}

// Start seeds count_time and sends the initial probe (spec.md §4.3 step 1).
func (a *AllocatedResource) Start() {
	a.countTime = a.clock.Now()
	a.probe(a.value)
}

// probe sends a probe for value, throttled so a run of reprobes can't flood
// the bus, and counted in metrics when attached.
func (a *AllocatedResource) probe(value int) {
	if a.limiter != nil && !a.limiter.Allow() {
		return
	}
	if a.metrics != nil {
		a.metrics.ProbesSent.Inc()
	}
	a.sendProbe(value)
}

func (a *AllocatedResource) Value() int   { return a.value }
func (a *AllocatedResource) Locked() bool { return a.locked }

// Collides reports whether an incoming probe for (probedValue,
// probedIdentifier) conflicts with this resource's locked or in-flight
// value (spec.md §4.3 step 2).
func (a *AllocatedResource) Collides(probedValue int, probedIdentifier string) bool {
	if a.kind == OrdinalResource && probedIdentifier != a.identifier {
		return false
	}
	return probedValue == a.value
}

// HandleCollision is invoked when a peer's probe collides with this
// resource. Increments collision_count, resets count_time, and — if this
// resource is already locked — emits the /…/registered announcement so the
// prober learns of the conflict directly (spec.md §4.3 step 2).
func (a *AllocatedResource) HandleCollision(probedValue int) {
	a.collisionCount++
	a.countTime = a.clock.Now()
	if a.metrics != nil {
		a.metrics.ProbesCollided.Inc()
	}
	if a.locked {
		a.sendRegistered(a.value)
		return
	}
	a.suggestion[a.suggestionLen%suggestionRingSize] = probedValue
	a.suggestionLen++
}

// CheckCollisions runs the prober's per-poll state transition (spec.md
// §4.3 step 3): lock after a quiet window, or bump-and-reprobe after a
// shorter window if a collision was observed.
func (a *AllocatedResource) CheckCollisions() {
	if a.locked {
		return
	}
	now := a.clock.Now()
	elapsed := now.Sub(a.countTime)

	if elapsed >= lockWindowSeconds {
		a.locked = true
		if a.onLock != nil {
			a.onLock(a.value)
		}
		a.sendRegistered(a.value)
		return
	}

	if elapsed >= collisionWaitSeconds && a.collisionCount > 0 {
		bump := a.rand.Intn(a.collisionCount + 1)
		a.value += bump
		a.collisionCount = -1
		a.countTime = now
		a.probe(a.value)
	}
}

// Allocator owns the two AllocatedResource state machines (port, ordinal)
// a device needs before it can register (spec.md §4.3 point 4): "The
// ordinal and port are allocated independently and in parallel; device
// registration proceeds only once both are locked."
type Allocator struct {
	Port    *AllocatedResource
	Ordinal *AllocatedResource
}

// IsReady reports whether both resources have locked.
func (a *Allocator) IsReady() bool {
	return a.Port.Locked() && a.Ordinal.Locked()
}

// Poll runs both resources' collision checks for one tick. Port and ordinal
// allocation are independent state machines (spec.md §4.3 point 4: "allocated
// independently and in parallel"), each with its own PRNG, so they fan out
// across an errgroup rather than running sequentially.
func (a *Allocator) Poll() {
	var g errgroup.Group
	g.Go(func() error {
		a.Port.CheckCollisions()
		return nil
	})
	g.Go(func() error {
		a.Ordinal.CheckCollisions()
		return nil
	})
	_ = g.Wait()
}

// PollContext is Poll's context-aware form, used by callers (the Device
// Controller's poll(block_ms)) that want cancellation to abort a stalled
// resuggestion cycle rather than run it to completion.
func (a *Allocator) PollContext(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		a.Port.CheckCollisions()
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		a.Ordinal.CheckCollisions()
		return nil
	})
	return g.Wait()
}
