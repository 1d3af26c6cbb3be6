// Package metrics exposes marketplace counters and latencies to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/optionmarket/internal/domain"
)

const namespace = "optionmarket"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	commitments  *prometheus.CounterVec
	retirements  *prometheus.CounterVec
	takes        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	settleTime   *prometheus.HistogramVec
	keeperSweeps *prometheus.CounterVec
	keeperTime   prometheus.Histogram
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commitments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commitments_submitted_total",
			Help:      "Commitments submitted, by commitment type and result.",
		}, []string{"type", "result"}),
		retirements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commitments_retired_total",
			Help:      "Commitments retired, by reason.",
		}, []string{"reason"}),
		takes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "takes_total",
			Help:      "Take attempts, by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "option_transitions_total",
			Help:      "Option transitions, by target state and result.",
		}, []string{"state", "result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement executions, by method and result.",
		}, []string{"method", "result"}),
		settleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Settlement execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
		keeperSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_actions_total",
			Help:      "Keeper actions, by action and result.",
		}, []string{"action", "result"}),
		keeperTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keeper_sweep_duration_seconds",
			Help:      "Wall time of one keeper sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.register(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commitments, m.retirements, m.takes, m.transitions,
		m.settlements, m.settleTime, m.keeperSweeps, m.keeperTime,
	)
	return m
}

func (m *Metrics) register(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := m.reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// CommitmentSubmitted counts an accepted or rejected submission.
func (m *Metrics) CommitmentSubmitted(t domain.CommitmentType, err error) {
	m.commitments.WithLabelValues(t.String(), Result(err)).Inc()
}

// CommitmentRetired counts a retirement.
func (m *Metrics) CommitmentRetired(reason string) {
	m.retirements.WithLabelValues(reason).Inc()
}

// Take counts a take attempt.
func (m *Metrics) Take(err error) {
	m.takes.WithLabelValues(Result(err)).Inc()
}

// Transition counts an attempted option transition to state.
func (m *Metrics) Transition(state domain.OptionState, err error) {
	m.transitions.WithLabelValues(string(state), Result(err)).Inc()
}

// ObserveSettlement matches settlement.Observer.
func (m *Metrics) ObserveSettlement(method domain.SettlementMethod, err error, elapsed time.Duration) {
	m.settlements.WithLabelValues(string(method), Result(err)).Inc()
	m.settleTime.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}

// KeeperAction counts one keeper action.
func (m *Metrics) KeeperAction(action string, err error) {
	m.keeperSweeps.WithLabelValues(action, Result(err)).Inc()
}

// KeeperSweep records the duration of a sweep.
func (m *Metrics) KeeperSweep(elapsed time.Duration) {
	m.keeperTime.Observe(elapsed.Seconds())
}

// Result maps an error to a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSignature):
		return "signature"
	case errors.Is(err, domain.ErrCapacity):
		return "capacity"
	case errors.Is(err, domain.ErrDuration):
		return "duration"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrSettlement):
		return "settlement"
	case errors.Is(err, domain.ErrDeadline):
		return "deadline"
	case errors.Is(err, domain.ErrStalePrice):
		return "stale_price"
	default:
		return "error"
	}
}
