// Package failover turns pkg/health's role probes into a primary flip: when
// a replica now reports pg_is_in_recovery()=false while the configured
// primary does not, it flips which pool the cluster treats as primary.
// Banning unreachable pools is done by cluster.Cluster.ApplyHealth, not here. It never issues a promotion
// command itself — promotion is an operator/orchestrator action outside a
// stateless proxy's scope; this controller only follows a role change that
// has already happened. Grounded on the donor's FailoverController
// monitor-loop/event-history shape, rewritten off the deleted manager
// control-plane and onto pkg/cluster + pkg/health directly.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/health"
)

// Event records one observed role flip.
type Event struct {
	ID         string
	ShardNo    int
	OldPrimary string
	NewPrimary string
	Reason     string
	OccurredAt time.Time
}

// Controller watches a cluster's health.Controller output and flips
// primaries when warranted.
type Controller struct {
	cl       *cluster.Cluster
	healthC  *health.Controller
	logger   *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	enabled bool
	running bool
	stopCh  chan struct{}
	history []Event
}

// New creates a failover Controller.
func New(cl *cluster.Cluster, healthC *health.Controller, logger *zap.Logger, interval time.Duration) *Controller {
	return &Controller{
		cl:       cl,
		healthC:  healthC,
		logger:   logger,
		interval: interval,
		enabled:  true,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the monitor loop in the background.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	go c.loop()
}

// Stop ends the monitor loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()
	close(c.stopCh)
}

// Enable/Disable toggle whether the loop is allowed to act on what it
// observes; while disabled the loop skips its checks entirely.
func (c *Controller) Enable()  { c.setEnabled(true) }
func (c *Controller) Disable() { c.setEnabled(false) }

func (c *Controller) setEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

func (c *Controller) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Controller) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.IsEnabled() {
				c.checkAndFlip(context.Background())
			}
		}
	}
}

func (c *Controller) checkAndFlip(ctx context.Context) {
	for _, shard := range c.cl.Shards() {
		c.checkShard(shard)
	}
}

func (c *Controller) checkShard(shard *cluster.Shard) {
	if shard.Primary != nil {
		if probe, ok := c.healthC.Latest(shard.Primary); ok && probe.Reachable && !probe.InRecovery {
			return // current primary is healthy and really is a primary
		}
	}

	for _, r := range shard.Replicas {
		probe, ok := c.healthC.Latest(r)
		if !ok || !probe.Reachable || probe.InRecovery {
			continue
		}
		// r now reports primary-shaped state: flip.
		oldAddr := "none"
		if shard.Primary != nil {
			oldAddr = shard.Primary.Addr()
		}
		if err := c.cl.SetPrimary(shard.No, r); err != nil {
			c.logger.Error("flipping primary", zap.Int("shard", shard.No), zap.Error(err))
			return
		}
		c.record(Event{
			ID:         fmt.Sprintf("flip-%d-%d", shard.No, time.Now().UnixNano()),
			ShardNo:    shard.No,
			OldPrimary: oldAddr,
			NewPrimary: r.Addr(),
			Reason:     "replica now reports pg_is_in_recovery()=false",
			OccurredAt: time.Now(),
		})
		c.logger.Warn("primary flipped",
			zap.Int("shard", shard.No), zap.String("old", oldAddr), zap.String("new", r.Addr()))
		return
	}
}

func (c *Controller) record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
}

// History returns a copy of every observed role flip.
func (c *Controller) History() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.history))
	copy(out, c.history)
	return out
}
