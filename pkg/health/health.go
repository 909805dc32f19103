// Package health probes each shard's backend endpoints to determine
// primary/replica role and reachability (spec.md C8/C10's role-detection
// probes), publishing a cluster.HealthSnapshot per shard per cycle.
// Grounded on the donor's health.Controller polling loop, rewritten to
// query `pg_is_in_recovery()` over database/sql+lib/pq — the one
// non-hot-path use of that driver this repo keeps, per DESIGN.md — instead
// of a bare TCP ping, and to report role (not just up/down) so
// pkg/failover can detect a primary/replica flip.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/pool"
)

// Probe is one backend's observed state.
type Probe struct {
	Pool        *pool.Pool
	Reachable   bool
	InRecovery  bool // true on a replica, false on a primary
	ReplayLagMs float64
	CheckedAt   time.Time
	Err         error
}

// Controller polls every shard's pools on an interval and feeds the results
// to the cluster so it can ban/unban and flip primaries.
type Controller struct {
	cl       *cluster.Cluster
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu     sync.RWMutex
	latest map[*pool.Pool]Probe

	stopCh chan struct{}
}

// NewController creates a health Controller for cl.
func NewController(cl *cluster.Cluster, logger *zap.Logger, interval, probeTimeout time.Duration) *Controller {
	return &Controller{
		cl:       cl,
		logger:   logger,
		interval: interval,
		timeout:  probeTimeout,
		latest:   make(map[*pool.Pool]Probe),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// Stop ends the poll loop.
func (c *Controller) Stop() { close(c.stopCh) }

func (c *Controller) checkAll(ctx context.Context) {
	for _, shard := range c.cl.Shards() {
		c.checkShard(ctx, shard)
	}
}

func (c *Controller) checkShard(ctx context.Context, shard *cluster.Shard) {
	snap := cluster.HealthSnapshot{ShardNo: shard.No, CheckedAt: time.Now()}

	if shard.Primary != nil {
		p := c.probe(ctx, shard.Primary)
		snap.PrimaryHealthy = p.Reachable && !p.InRecovery
		if p.Reachable && p.InRecovery {
			c.logger.Warn("configured primary reports in_recovery=true, treating as unhealthy",
				zap.Int("shard", shard.No), zap.String("addr", shard.Primary.Addr()))
		}
	}

	for _, r := range shard.Replicas {
		p := c.probe(ctx, r)
		if p.Reachable {
			snap.HealthyReplicas = append(snap.HealthyReplicas, r)
		} else {
			snap.UnhealthyReplicas = append(snap.UnhealthyReplicas, r)
		}
	}

	if err := c.cl.ApplyHealth(snap); err != nil {
		c.logger.Error("applying health snapshot", zap.Int("shard", shard.No), zap.Error(err))
	}
}

// probe opens a short-lived database/sql connection (lib/pq) and queries
// pg_is_in_recovery() plus replica lag; this is an introspection-only path,
// never used for query execution.
func (c *Controller) probe(ctx context.Context, p *pool.Pool) Probe {
	result := Probe{Pool: p, CheckedAt: time.Now()}

	dsn := fmt.Sprintf("postgres://%s/postgres?sslmode=disable", p.Addr())
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		result.Err = err
		c.record(p, result)
		return result
	}
	defer db.Close()

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var inRecovery bool
	row := db.QueryRowContext(probeCtx, "SELECT pg_is_in_recovery()")
	if err := row.Scan(&inRecovery); err != nil {
		result.Err = err
		c.record(p, result)
		return result
	}
	result.Reachable = true
	result.InRecovery = inRecovery

	if inRecovery {
		var lagSeconds sql.NullFloat64
		lagRow := db.QueryRowContext(probeCtx,
			"SELECT EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp()))")
		if err := lagRow.Scan(&lagSeconds); err == nil && lagSeconds.Valid {
			result.ReplayLagMs = lagSeconds.Float64 * 1000
		}
	}

	c.record(p, result)
	return result
}

func (c *Controller) record(p *pool.Pool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[p] = probe
}

// Latest returns the most recent probe result for p, if any.
func (c *Controller) Latest(p *pool.Pool) (Probe, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	probe, ok := c.latest[p]
	return probe, ok
}
