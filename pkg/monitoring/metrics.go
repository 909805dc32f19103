// Package monitoring exposes the proxy's Prometheus metrics: query counts
// and latency by shard/role, pool occupancy, cluster health, and failover
// events. Grounded on the donor's pkg/monitoring/prometheus.go for the
// registry/metric-family/Handler() shape and its Start/collectAll periodic
// sampling loop, narrowed from per-shard direct database/sql+lib/pq
// scraping (which pkg/health already does for role detection) down to
// values pkg/pool/pkg/cluster/pkg/engine/pkg/failover can report directly.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/pool"
)

// Collector owns the proxy's metric registry.
type Collector struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	queryTotal    *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	poolActive    *prometheus.GaugeVec
	poolIdle      *prometheus.GaugeVec
	poolWaiting   *prometheus.GaugeVec
	poolExhausted *prometheus.GaugeVec
	poolBanned    *prometheus.GaugeVec

	clusterHealthy *prometheus.GaugeVec
	failoverTotal  *prometheus.CounterVec
	authTotal      *prometheus.CounterVec
}

// New builds a Collector with all metric families registered.
func New(logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()

	labels := []string{"user", "database", "shard", "role"}

	c := &Collector{
		logger:   logger,
		registry: registry,
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardproxy_query_total",
			Help: "Total queries routed to a backend, by shard and role.",
		}, append(labels, "status")),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardproxy_query_duration_seconds",
			Help:    "Backend query latency, by shard and role.",
			Buckets: prometheus.DefBuckets,
		}, labels),
		poolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardproxy_pool_active_connections",
			Help: "Active (checked-out) connections in a pool.",
		}, labels),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardproxy_pool_idle_connections",
			Help: "Idle connections in a pool.",
		}, labels),
		poolWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardproxy_pool_waiting_acquires",
			Help: "Goroutines blocked waiting to acquire a connection.",
		}, labels),
		poolExhausted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardproxy_pool_exhausted_total",
			Help: "Cumulative count of times an acquire found the pool at its connection limit and had to wait.",
		}, labels),
		poolBanned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardproxy_pool_banned",
			Help: "1 if the pool is currently banned (failed health check), else 0.",
		}, labels),
		clusterHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardproxy_shard_primary_healthy",
			Help: "1 if a shard's primary passed its last health check, else 0.",
		}, []string{"user", "database", "shard"}),
		failoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardproxy_failover_total",
			Help: "Failover events, by shard, reason and outcome.",
		}, []string{"user", "database", "shard", "reason", "result"}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardproxy_auth_attempts_total",
			Help: "Client authentication attempts, by outcome.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		c.queryTotal, c.queryDuration,
		c.poolActive, c.poolIdle, c.poolWaiting, c.poolExhausted, c.poolBanned,
		c.clusterHealthy, c.failoverTotal, c.authTotal,
	)
	return c
}

// Handler serves the registry in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordQuery records one routed query's outcome and latency.
func (c *Collector) RecordQuery(user, database string, shardNo int, role, status string, d time.Duration) {
	l := prometheus.Labels{"user": user, "database": database, "shard": shardStr(shardNo), "role": role}
	c.queryTotal.With(withStatus(l, status)).Inc()
	c.queryDuration.With(l).Observe(d.Seconds())
}

// RecordFailover records a primary-flip attempt's outcome.
func (c *Collector) RecordFailover(user, database string, shardNo int, reason string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.failoverTotal.With(prometheus.Labels{
		"user": user, "database": database, "shard": shardStr(shardNo),
		"reason": reason, "result": result,
	}).Inc()
}

// RecordAuthAttempt records a client authentication attempt's outcome.
func (c *Collector) RecordAuthAttempt(result string) {
	c.authTotal.With(prometheus.Labels{"result": result}).Inc()
}

// SetClusterHealthy reports a shard's latest primary health check result.
func (c *Collector) SetClusterHealthy(user, database string, shardNo int, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.clusterHealthy.With(prometheus.Labels{"user": user, "database": database, "shard": shardStr(shardNo)}).Set(v)
}

func withStatus(l prometheus.Labels, status string) prometheus.Labels {
	out := prometheus.Labels{"status": status}
	for k, v := range l {
		out[k] = v
	}
	return out
}

func shardStr(no int) string { return fmt.Sprintf("%d", no) }

// Sampler periodically walks a cluster.Registry and exports pool occupancy
// gauges for every pool of every registered cluster, mirroring the donor's
// PrometheusCollector.Start polling loop but reading pool.Pool.Stats()
// in-process instead of opening a fresh lib/pq connection per shard.
type Sampler struct {
	collector *Collector
	registry  *cluster.Registry
	interval  time.Duration
	logger    *zap.Logger
	stopCh    chan struct{}
}

// NewSampler creates a Sampler over reg, reporting through c every interval.
func NewSampler(c *Collector, reg *cluster.Registry, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{collector: c, registry: reg, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

// Start runs the sampling loop until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sampleAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleAll()
		}
	}
}

// Stop ends the sampling loop.
func (s *Sampler) Stop() { close(s.stopCh) }

func (s *Sampler) sampleAll() {
	for _, cl := range s.registry.All() {
		for _, shard := range cl.Shards() {
			if shard.Primary != nil {
				s.sampleOne(cl.User, cl.Database, shard.No, "primary", shard.Primary)
			}
			for i, r := range shard.Replicas {
				s.sampleOne(cl.User, cl.Database, shard.No, fmt.Sprintf("replica-%d", i), r)
			}
		}
	}
}

func (s *Sampler) sampleOne(user, database string, shardNo int, role string, p *pool.Pool) {
	stats := p.Stats()
	l := prometheus.Labels{"user": user, "database": database, "shard": shardStr(shardNo), "role": role}
	s.collector.poolActive.With(l).Set(float64(stats.Active))
	s.collector.poolIdle.With(l).Set(float64(stats.Idle))
	s.collector.poolWaiting.With(l).Set(float64(stats.Waiting))
	s.collector.poolExhausted.With(l).Set(float64(stats.Exhausted))
	banned := 0.0
	if stats.Banned {
		banned = 1.0
	}
	s.collector.poolBanned.With(l).Set(banned)
}
