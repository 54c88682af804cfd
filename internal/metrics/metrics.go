// Package metrics exposes the server's Prometheus instrumentation on a
// dedicated registry, so tests can scrape a fresh instance without global
// state.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
)

const namespace = "dogma"

// Metrics holds every collector the server registers.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	mirrorRuns      *prometheus.CounterVec
}

// New creates a registry with the standard process collectors plus the
// server's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands submitted to the write pipeline, by type and outcome.",
		}, []string{"type", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time from submission to outcome, by command type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		mirrorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_runs_total",
			Help:      "Mirror sync attempts, by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.commands, m.commandDuration, m.mirrorRuns)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterReplication exposes the replication position as gauges. The lag
// is commit minus applied; divergence is 0 or 1.
func (m *Metrics) RegisterReplication(commitSeq, lastApplied func() uint64, diverged func() bool) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_commit_seq",
			Help:      "Highest log sequence known committed by the cluster.",
		}, func() float64 { return float64(commitSeq()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_applied_seq",
			Help:      "Highest log sequence applied locally.",
		}, func() float64 { return float64(lastApplied()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_diverged",
			Help:      "1 when this replica has stopped applying the log.",
		}, func() float64 {
			if diverged() {
				return 1
			}
			return 0
		}),
	)
}

// RegisterLeadership exposes whether this replica currently leads.
func (m *Metrics) RegisterLeadership(isLeader func() bool) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "replication_leader",
		Help:      "1 when this replica is the cluster leader.",
	}, func() float64 {
		if isLeader() {
			return 1
		}
		return 0
	}))
}

// RegisterSessionCache exposes the session store's cache counters.
func (m *Metrics) RegisterSessionCache(stats func() (hits, misses uint64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_hits_total",
			Help:      "Session reads served from the in-memory cache.",
		}, func() float64 { h, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_misses_total",
			Help:      "Session reads that fell through to disk.",
		}, func() float64 { _, mi := stats(); return float64(mi) }),
	)
}

// ObserveMirrorRun counts one mirror sync attempt.
func (m *Metrics) ObserveMirrorRun(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirrorRuns.WithLabelValues(result).Inc()
}

// Commander matches the write pipeline's Execute signature.
type Commander interface {
	Execute(ctx context.Context, cmd command.Command) (executor.Result, error)
}

type instrumentedCommander struct {
	next Commander
	m    *Metrics
}

// InstrumentCommander wraps a commander so every command is counted and
// timed.
func (m *Metrics) InstrumentCommander(next Commander) Commander {
	return &instrumentedCommander{next: next, m: m}
}

func (c *instrumentedCommander) Execute(ctx context.Context, cmd command.Command) (executor.Result, error) {
	start := time.Now()
	res, err := c.next.Execute(ctx, cmd)
	typ := string(cmd.CommandType())
	c.m.commandDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case res.Redundant:
		result = "redundant"
	}
	c.m.commands.WithLabelValues(typ, result).Inc()
	return res, err
}
