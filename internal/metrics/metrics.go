package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	updaterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mycdn",
			Subsystem: "updater",
			Name:      "state",
			Help:      "Current state of each mirror site updater (1 = current state, 0 = not).",
		}, []string{"site", "state"},
	)
	updaterTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mycdn",
			Subsystem: "updater",
			Name:      "transitions_total",
			Help:      "Number of updater state transitions.",
		}, []string{"site", "from", "to"},
	)
	updaterProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mycdn",
			Subsystem: "updater",
			Name:      "progress",
			Help:      "Last progress percentage reported by the running plugin.",
		}, []string{"site"},
	)
	processSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mycdn",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of plugin processes started.",
		}, []string{"site", "kind"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mycdn",
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of plugin process exits by result.",
		}, []string{"site", "kind", "result"},
	)
	schedulerFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mycdn",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Number of scheduler job invocations.",
		}, []string{"job"},
	)
	ipcMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mycdn",
			Subsystem: "ipc",
			Name:      "messages_total",
			Help:      "Number of messages received from plugin processes.",
		}, []string{"kind"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mycdn",
			Subsystem: "ipc",
			Name:      "protocol_violations_total",
			Help:      "Number of plugin protocol violations.",
		}, []string{"site"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		updaterState, updaterTransitions, updaterProgress,
		processSpawns, processExits, schedulerFires,
		ipcMessages, protocolViolations,
		childCPUPercent, childMemoryBytes, childThreads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordTransition(site, from, to string) {
	if regOK.Load() {
		updaterTransitions.WithLabelValues(site, from, to).Inc()
		updaterState.WithLabelValues(site, from).Set(0)
		updaterState.WithLabelValues(site, to).Set(1)
	}
}

func SetState(site, state string) {
	if regOK.Load() {
		updaterState.WithLabelValues(site, state).Set(1)
	}
}

func SetProgress(site string, p int) {
	if regOK.Load() {
		updaterProgress.WithLabelValues(site).Set(float64(p))
	}
}

func IncSpawn(site, kind string) {
	if regOK.Load() {
		processSpawns.WithLabelValues(site, kind).Inc()
	}
}

func IncExit(site, kind string, code int) {
	if regOK.Load() {
		result := "success"
		if code != 0 {
			result = "failure"
		}
		processExits.WithLabelValues(site, kind, result).Inc()
	}
}

func IncSchedulerFire(job string) {
	if regOK.Load() {
		schedulerFires.WithLabelValues(job).Inc()
	}
}

func IncIPCMessage(kind string) {
	if regOK.Load() {
		ipcMessages.WithLabelValues(kind).Inc()
	}
}

func IncProtocolViolation(site string) {
	if regOK.Load() {
		protocolViolations.WithLabelValues(site).Inc()
	}
}
