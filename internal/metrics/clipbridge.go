package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/host"
	"clipbridge/internal/ingest"
	"clipbridge/internal/logship"
	"clipbridge/internal/pump"
)

// Error codes used as label values for failures that carry no engine code.
const (
	CodeNotReady = "NOT_READY"
	CodeTimeout  = "TIMEOUT"
	CodePanic    = "PANIC"
	CodeOther    = "ERROR"
)

// Metrics holds the daemon's collectors. It implements host.Recorder.
type Metrics struct {
	registry *Registry
	started  time.Time

	// Counters
	HostCallsTotal   *prometheus.CounterVec
	HostCallErrors   *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	IngestDecisions  *prometheus.CounterVec
	IngestFailures   prometheus.Counter
	AppliesTotal     *prometheus.CounterVec
	SweptTotal       prometheus.Counter

	// Gauges
	HostState *prometheus.GaugeVec
	Uptime    prometheus.GaugeFunc

	// Histograms
	HostCallDuration *prometheus.HistogramVec
	EventDuration    *prometheus.HistogramVec
	ApplyDuration    prometheus.Histogram
}

var _ host.Recorder = (*Metrics)(nil)

// New creates and registers the daemon metrics. A nil registry gets a
// fresh one with runtime collectors.
func New(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry(true)
	}
	m := &Metrics{registry: registry, started: time.Now()}

	m.HostCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "host_calls_total",
		Help:      "Engine calls made through the host, by operation and result.",
	}, []string{"op", "result"})
	m.HostCallErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "host_call_errors_total",
		Help:      "Failed engine calls by operation and error code.",
	}, []string{"op", "code"})
	m.StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "host_state_transitions_total",
		Help:      "Host lifecycle transitions by target state.",
	}, []string{"state"})
	m.EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "events_total",
		Help:      "Engine events processed by the pump, by kind and result.",
	}, []string{"kind", "result"})
	m.IngestDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "ingest_decisions_total",
		Help:      "Ingestion policy decisions by reason.",
	}, []string{"reason"})
	m.IngestFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "ingest_failures_total",
		Help:      "Allowed snapshots the engine failed to ingest.",
	})
	m.AppliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "applies_total",
		Help:      "Fetch-and-apply requests by result.",
	}, []string{"result"})
	m.SweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "correlator_swept_total",
		Help:      "Stale stashed transfer outcomes discarded by the sweeper.",
	})

	m.HostState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "host_state",
		Help:      "1 for the host's current lifecycle state, 0 otherwise.",
	}, []string{"state"})
	m.Uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the daemon started.",
	}, func() float64 { return time.Since(m.started).Seconds() })

	m.HostCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "host_call_duration_seconds",
		Help:      "Engine call latency by operation.",
		Buckets:   DurationBuckets,
	}, []string{"op"})
	m.EventDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "event_duration_seconds",
		Help:      "Time to classify and dispatch one engine event.",
		Buckets:   DurationBuckets,
	}, []string{"kind"})
	m.ApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "apply_duration_seconds",
		Help:      "Time from fetch request to clipboard write.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	registry.MustRegister(
		m.HostCallsTotal, m.HostCallErrors, m.StateTransitions,
		m.EventsTotal, m.IngestDecisions, m.IngestFailures,
		m.AppliesTotal, m.SweptTotal,
		m.HostState, m.Uptime,
		m.HostCallDuration, m.EventDuration, m.ApplyDuration,
	)
	m.ObserveState(host.NotLoaded)
	return m
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *Registry { return m.registry }

// ErrorCode maps an error to a low-cardinality label value.
func ErrorCode(err error) string {
	var ce *envelope.CoreError
	var pe *host.PanicError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, host.ErrNotReady):
		return CodeNotReady
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	case errors.As(err, &pe):
		return CodePanic
	default:
		return CodeOther
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCall records one host operation.
func (m *Metrics) ObserveCall(op string, took time.Duration, err error) {
	m.HostCallsTotal.WithLabelValues(op, result(err)).Inc()
	m.HostCallDuration.WithLabelValues(op).Observe(took.Seconds())
	if err != nil {
		m.HostCallErrors.WithLabelValues(op, ErrorCode(err)).Inc()
	}
}

var allStates = []host.State{host.NotLoaded, host.Loading, host.Ready, host.Degraded, host.ShuttingDown}

// ObserveState records a lifecycle transition.
func (m *Metrics) ObserveState(s host.State) {
	m.StateTransitions.WithLabelValues(s.String()).Inc()
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.HostState.WithLabelValues(st.String()).Set(v)
	}
}

// PumpObserver returns a pump.Observer that records processed events.
func (m *Metrics) PumpObserver() pump.Observer {
	return func(ev pump.Event, err error, took time.Duration) {
		kind := ev.Kind.String()
		m.EventsTotal.WithLabelValues(kind, result(err)).Inc()
		m.EventDuration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

// ObserveDecision records one ingestion policy decision and, for an
// allowed snapshot, whether the engine accepted it.
func (m *Metrics) ObserveDecision(d ingest.Decision, err error) {
	m.IngestDecisions.WithLabelValues(string(d.Reason)).Inc()
	if d.Allow && err != nil {
		m.IngestFailures.Inc()
	}
}

// ObserveApply records one fetch-and-apply.
func (m *Metrics) ObserveApply(took time.Duration, err error) {
	m.AppliesTotal.WithLabelValues(result(err)).Inc()
	m.ApplyDuration.Observe(took.Seconds())
}

// ObserveSweep records correlator entries discarded as stale.
func (m *Metrics) ObserveSweep(removed int) {
	m.SweptTotal.Add(float64(removed))
}

// BindPump exposes the pump's backlog and counters.
func (m *Metrics) BindPump(p *pump.Pump) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pump_backlog",
			Help:      "Events queued and not yet processed.",
		}, func() float64 { return float64(p.Backlog()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pump_dropped_total",
			Help:      "Events dropped after the pump stopped.",
		}, func() float64 { return float64(p.Stats().Dropped) }),
	)
}

// BindCorrelator exposes parked waiters and stashed outcomes.
func (m *Metrics) BindCorrelator(c *fetch.Correlator) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "correlator_waiters",
			Help:      "Callers waiting on a transfer outcome.",
		}, func() float64 { return float64(c.Pending().Waiters) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "correlator_stashed",
			Help:      "Transfer outcomes that arrived before anyone waited.",
		}, func() float64 { return float64(c.Pending().Stashed) }),
	)
}

// BindLogship exposes the log shipper's counters.
func (m *Metrics) BindLogship(s *logship.Shipper) {
	counter := func(name, help string, get func(logship.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "logship",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(s.Stats())) })
	}
	m.registry.MustRegister(
		counter("shipped_total", "Log records written to the engine.", func(st logship.Stats) uint64 { return st.Shipped }),
		counter("dropped_total", "Low-level log records dropped on a full queue.", func(st logship.Stats) uint64 { return st.Dropped }),
		counter("stashed_total", "Log records spooled to the local store.", func(st logship.Stats) uint64 { return st.Stashed }),
		counter("replayed_total", "Stashed log records shipped after recovery.", func(st logship.Stats) uint64 { return st.Replayed }),
		counter("failed_total", "Log records the engine rejected.", func(st logship.Stats) uint64 { return st.Failed }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "logship",
			Name:      "queued",
			Help:      "Log records waiting in memory.",
		}, func() float64 { return float64(s.Stats().Queued) }),
	)
}
