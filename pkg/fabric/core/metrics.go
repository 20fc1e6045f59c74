package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Device Controller exposes.
// Every field is safe to use on a zero-value *Metrics obtained through
// NewMetrics; callers that don't want metrics at all pass a nil *Metrics,
// which every call site guards against.
type Metrics struct {
	DevicesKnown prometheus.Counter
	MapsActive   prometheus.Gauge

	ProbesSent      prometheus.Counter
	ProbesCollided  prometheus.Counter
	PollIterations  prometheus.Counter
	PollDrained     prometheus.Histogram
}

// NewMetrics registers a fresh set of collectors against reg, namespaced
// "sigmap_fabric". Pass prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in a host process. A host process that runs
// several devices (e.g. a local test cluster) shares one set of collectors
// across them, since reg is process-wide: registering a second device
// against the same reg reattaches to the already-registered collectors
// instead of panicking, so counts simply sum across every local device.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DevicesKnown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmap_fabric",
			Name:      "devices_known_total",
			Help:      "Devices ever added to the replica database.",
		}),
		MapsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigmap_fabric",
			Name:      "maps_active",
			Help:      "Maps currently present in the replica database.",
		}),
		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmap_fabric",
			Name:      "allocator_probes_sent_total",
			Help:      "Ordinal/port collision probes broadcast.",
		}),
		ProbesCollided: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmap_fabric",
			Name:      "allocator_probes_collided_total",
			Help:      "Probes or claims that matched a local allocator value, own probe echoes included.",
		}),
		PollIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigmap_fabric",
			Name:      "poll_iterations_total",
			Help:      "Device Controller poll() calls.",
		}),
		PollDrained: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sigmap_fabric",
			Name:      "poll_messages_drained",
			Help:      "Bus messages drained per poll() call.",
			Buckets:   []float64{0, 1, 2, 5, 10},
		}),
	}
	if reg == nil {
		return m
	}
	m.DevicesKnown = registerOrReuse(reg, m.DevicesKnown).(prometheus.Counter)
	m.MapsActive = registerOrReuse(reg, m.MapsActive).(prometheus.Gauge)
	m.ProbesSent = registerOrReuse(reg, m.ProbesSent).(prometheus.Counter)
	m.ProbesCollided = registerOrReuse(reg, m.ProbesCollided).(prometheus.Counter)
	m.PollIterations = registerOrReuse(reg, m.PollIterations).(prometheus.Counter)
	m.PollDrained = registerOrReuse(reg, m.PollDrained).(prometheus.Histogram)
	return m
}

// registerOrReuse registers c against reg, returning reg's existing
// collector of the same name if one is already registered instead of
// panicking the way MustRegister would.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
