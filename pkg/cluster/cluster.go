// Package cluster models a sharded PostgreSQL cluster addressed by
// (user, database): an ordered shard list, each with a primary pool and a
// set of replica pools, a replica load-balancing policy, and the sharding
// schema consumed by pkg/router (spec.md C8). Grounded on the donor's
// pkg/catalog (etcd-backed topology registry, consistent-hash ring) and
// pkg/monitoring/load.go (per-shard metrics feeding load-balancing),
// generalized from a standalone metadata service into the live pool-holding
// cluster the query engine routes against.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shardproxy/shardproxy/internal/errors"
	"github.com/shardproxy/shardproxy/pkg/catalog"
	"github.com/shardproxy/shardproxy/pkg/hashing"
	"github.com/shardproxy/shardproxy/pkg/models"
	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/server"
	"go.uber.org/zap"
)

// ReplicaLBPolicy selects how a replica is picked among several for one
// shard (spec.md §4.8).
type ReplicaLBPolicy int

const (
	LBRandom ReplicaLBPolicy = iota
	LBRoundRobin
	LBLeastActiveConnections
)

// Shard is one shard's live pools plus its catalog metadata.
type Shard struct {
	No       int
	Meta     models.Shard
	Primary  *pool.Pool // nil if this shard currently has no reachable primary
	Replicas []*pool.Pool

	mu  sync.Mutex
	rrI int
}

// Get returns the pool to use for role, applying the replica load-balancing
// policy when role is "replica" and more than one replica pool exists.
func (s *Shard) Get(role string, lb ReplicaLBPolicy) (*pool.Pool, error) {
	if role == "primary" {
		if s.Primary == nil {
			return nil, errors.New(errors.KindPool, fmt.Sprintf("shard %d has no primary", s.No))
		}
		return s.Primary, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Replicas) == 0 {
		if s.Primary == nil {
			return nil, errors.New(errors.KindPool, fmt.Sprintf("shard %d has no replicas and no primary", s.No))
		}
		return s.Primary, nil
	}

	switch lb {
	case LBRoundRobin:
		p := s.Replicas[s.rrI%len(s.Replicas)]
		s.rrI++
		return p, nil
	case LBLeastActiveConnections:
		best := s.Replicas[0]
		bestActive := best.Stats().Active
		for _, r := range s.Replicas[1:] {
			if a := r.Stats().Active; a < bestActive {
				best, bestActive = r, a
			}
		}
		return best, nil
	default:
		return s.Replicas[rand.Intn(len(s.Replicas))], nil
	}
}

// Cluster is a live, poolable view of one (user, database)'s shard set.
type Cluster struct {
	User     string
	Database string

	mu     sync.RWMutex
	shards []*Shard

	ReplicaLB ReplicaLBPolicy
	TwoPC     bool

	Schemas    map[string]router.TableSchema
	OmniTables map[string]bool
	SchemaMap  map[string]int // schema name -> shard number, for schema-sharding

	catalog catalog.Catalog
	logger  *zap.Logger
}

// ShardPoolConfig is one shard's static pool configuration: a primary
// address, zero or more replica addresses, and the pool.Config template
// (mode, sizing, timeouts) shared by every pool dialed for this shard.
type ShardPoolConfig struct {
	ShardNo      int
	PrimaryAddr  string
	ReplicaAddrs []string
	Template     pool.Config
}

// NewStatic builds a Cluster by dialing a pool.Pool per primary/replica
// address given each shard's ShardPoolConfig; this is the "static
// configuration snapshot" topology source spec.md §4.8 names as the
// default, as opposed to catalog-backed dynamic discovery (see
// NewFromCatalog).
func NewStatic(user, database string, shardCfgs []ShardPoolConfig, auth server.Authenticator, lb ReplicaLBPolicy, logger *zap.Logger) (*Cluster, error) {
	shards := make([]*Shard, len(shardCfgs))
	for i, cfg := range shardCfgs {
		primaryCfg := cfg.Template
		primaryCfg.Addr = cfg.PrimaryAddr
		shard := &Shard{No: cfg.ShardNo, Primary: pool.New(primaryCfg, auth)}

		for _, addr := range cfg.ReplicaAddrs {
			replicaCfg := cfg.Template
			replicaCfg.Addr = addr
			shard.Replicas = append(shard.Replicas, pool.New(replicaCfg, auth))
		}
		shards[i] = shard
	}
	return NewFromPools(user, database, shards, lb, logger), nil
}

// NewFromPools assembles a Cluster directly from already-constructed pools,
// used by both the static-config loader and the catalog-driven dynamic
// loader below.
func NewFromPools(user, database string, shards []*Shard, lb ReplicaLBPolicy, logger *zap.Logger) *Cluster {
	return &Cluster{
		User:      user,
		Database:  database,
		shards:    shards,
		ReplicaLB: lb,
		logger:    logger,
	}
}

// NewFromCatalog builds a Cluster whose shard topology is sourced from an
// etcd-backed catalog.Catalog rather than a static config snapshot
// (spec.md §4.8's dynamic-discovery topology source). Reload re-reads the
// catalog and re-dials any shard whose primary endpoint changed.
func NewFromCatalog(user, database string, cat catalog.Catalog, template pool.Config, auth server.Authenticator, lb ReplicaLBPolicy, logger *zap.Logger) (*Cluster, error) {
	c := &Cluster{User: user, Database: database, ReplicaLB: lb, catalog: cat, logger: logger}
	if err := c.Reload(template, auth); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads shard metadata from the catalog and rebuilds the pool set.
// A shard whose primary endpoint is unchanged keeps all its existing pools
// and only has its metadata refreshed, so a change to its replica list alone
// is not applied. A shard whose primary endpoint changed gets fresh pools,
// and every pool of a replaced or removed shard is closed.
func (c *Cluster) Reload(template pool.Config, auth server.Authenticator) error {
	metas, err := c.catalog.ListShards()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "listing shards from catalog")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make([]*Shard, 0, len(metas))
	for _, meta := range metas {
		shard := c.findShardLocked(meta.ID)
		if shard == nil || shard.Primary == nil || shard.Primary.Addr() != meta.PrimaryEndpoint {
			primaryCfg := template
			primaryCfg.Addr = meta.PrimaryEndpoint
			shard = &Shard{Meta: meta, Primary: pool.New(primaryCfg, auth)}
			for _, addr := range meta.Replicas {
				replicaCfg := template
				replicaCfg.Addr = addr
				shard.Replicas = append(shard.Replicas, pool.New(replicaCfg, auth))
			}
		} else {
			shard.Meta = meta
		}
		next = append(next, shard)
	}
	kept := make(map[*Shard]bool, len(next))
	for _, shard := range next {
		kept[shard] = true
	}
	for _, old := range c.shards {
		for _, p := range append([]*pool.Pool{old.Primary}, old.Replicas...) {
			if !kept[old] && p != nil {
				p.Close()
			}
		}
	}
	for i, shard := range next {
		shard.No = i
	}
	c.shards = next
	return nil
}

func (c *Cluster) findShardLocked(id string) *Shard {
	for _, s := range c.shards {
		if s.Meta.ID == id {
			return s
		}
	}
	return nil
}

// Shards returns the ordered shard list.
func (c *Cluster) Shards() []*Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Shard, len(c.shards))
	copy(out, c.shards)
	return out
}

// NumShards reports the shard count.
func (c *Cluster) NumShards() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}

// Shard returns shard no, or an error if out of range.
func (c *Cluster) Shard(no int) (*Shard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if no < 0 || no >= len(c.shards) {
		return nil, errors.New(errors.KindRouting, fmt.Sprintf("shard %d out of range (have %d)", no, len(c.shards)))
	}
	return c.shards[no], nil
}

// Get returns the pool for (shard_no, role), applying the cluster's
// replica load-balancing policy.
func (c *Cluster) Get(shardNo int, role string) (*pool.Pool, error) {
	s, err := c.Shard(shardNo)
	if err != nil {
		return nil, err
	}
	return s.Get(role, c.ReplicaLB)
}

// ReadWriteStrategy reports whether this cluster has any replica pools at
// all, which the router consults to decide whether read-only statements may
// ever be sent to a replica.
func (c *Cluster) ReadWriteStrategy() (hasReplicas bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.shards {
		if len(s.Replicas) > 0 {
			return true
		}
	}
	return false
}

// ReplicationShardingConfig builds the pkg/router.Router configuration for
// this cluster: shard count, per-table sharding schema, omnisharded tables
// and the read/write split policy.
func (c *Cluster) ReplicationShardingConfig() *router.Router {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := router.New()
	r.NumShards = len(c.shards)
	r.Schemas = c.Schemas
	r.OmniTables = c.OmniTables
	r.SchemaShardMap = c.SchemaMap
	r.HasReplicas = c.readWriteStrategyLocked()
	if r.HasReplicas {
		r.ReplicaSplit = router.SplitIncludePrimaryIfReplicaBanned
	} else {
		r.ReplicaSplit = router.SplitIncludePrimary
	}
	r.TwoPCEnabled = c.TwoPC
	return r
}

func (c *Cluster) readWriteStrategyLocked() bool {
	for _, s := range c.shards {
		if len(s.Replicas) > 0 {
			return true
		}
	}
	return false
}

// Stats aggregates Stats() across every shard's pools, keyed by
// "<shard_no>/<primary|replica-N>".
func (c *Cluster) Stats() map[string]pool.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]pool.Stats)
	for _, s := range c.shards {
		if s.Primary != nil {
			out[fmt.Sprintf("%d/primary", s.No)] = s.Primary.Stats()
		}
		for i, r := range s.Replicas {
			out[fmt.Sprintf("%d/replica-%d", s.No, i)] = r.Stats()
		}
	}
	return out
}

// Close closes every pool in the cluster.
func (c *Cluster) Close() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.shards {
		if s.Primary != nil {
			s.Primary.Close()
		}
		for _, r := range s.Replicas {
			r.Close()
		}
	}
}

// SetPrimary swaps which pool a shard treats as primary, e.g. after
// pkg/failover observes a role flip via health probes. The old primary pool
// (if any) is left for the caller to close or demote into the replica set.
func (c *Cluster) SetPrimary(shardNo int, p *pool.Pool) error {
	s, err := c.Shard(shardNo)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Primary = p
	return nil
}

// Registry holds one Cluster per (user, database), with an optional
// wildcard template cluster used to spin up a pool set on first use for
// otherwise-unknown (user, database) pairs (spec.md §4.8 "wildcard
// clusters").
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
	wildcard func(user, database string) (*Cluster, error)
	catalog  catalog.Catalog
	logger   *zap.Logger
}

// NewRegistry creates an empty registry. wildcard may be nil.
func NewRegistry(catalog catalog.Catalog, logger *zap.Logger, wildcard func(user, database string) (*Cluster, error)) *Registry {
	return &Registry{
		clusters: make(map[string]*Cluster),
		wildcard: wildcard,
		catalog:  catalog,
		logger:   logger,
	}
}

// Register adds or replaces the cluster for (user, database).
func (r *Registry) Register(user, database string, c *Cluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters[key(user, database)] = c
}

// Get resolves (user, database) to a Cluster, falling back to the wildcard
// template (if configured) and registering the result for subsequent reuse.
func (r *Registry) Get(user, database string) (*Cluster, error) {
	k := key(user, database)
	r.mu.RLock()
	c, ok := r.clusters[k]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	if r.wildcard == nil {
		return nil, errors.New(errors.KindRouting, fmt.Sprintf("no cluster configured for %s/%s", user, database))
	}
	c, err := r.wildcard(user, database)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindRouting, "creating wildcard cluster")
	}
	r.mu.Lock()
	r.clusters[k] = c
	r.mu.Unlock()
	return c, nil
}

// WatchCatalog subscribes to the catalog's topology change feed and marks
// the affected cluster's routing stale, per spec.md §4.8's RELOAD/LISTEN
// notification requirement. Callers typically run this in its own
// goroutine; it returns when ctx is done or the watch channel closes.
func (r *Registry) WatchCatalog(ctx context.Context, onChange func(*models.ShardCatalog)) error {
	ch, err := r.catalog.Watch(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "starting catalog watch")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-ch:
			if !ok {
				return nil
			}
			if onChange != nil {
				onChange(snapshot)
			}
		}
	}
}

// All returns every registered cluster, keyed by "<user>/<database>", for
// callers that need to walk the whole registry (e.g. pkg/monitoring's
// periodic pool-stats sampler).
func (r *Registry) All() map[string]*Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Cluster, len(r.clusters))
	for k, c := range r.clusters {
		out[k] = c
	}
	return out
}

func key(user, database string) string { return user + "/" + database }

// NewConsistentHashLB builds the replica-selection hash ring reused from
// pkg/hashing's donor-original ConsistentHash for clusters that want
// affinity-based (not random/round-robin) replica selection, e.g. so the
// same client key tends to land on the same replica across requests.
func NewConsistentHashLB(kind hashing.Kind) *hashing.ConsistentHash {
	name := "murmur3"
	if kind == hashing.XXH {
		name = "xxhash"
	}
	return hashing.NewConsistentHash(hashing.NewHashFunction(name))
}

// HealthSnapshot is what pkg/health publishes per check cycle; Cluster
// consumes it to ban/unban pools and flip primaries without depending on
// pkg/health directly (avoiding an import cycle: health depends on cluster).
type HealthSnapshot struct {
	ShardNo           int
	PrimaryHealthy    bool
	HealthyReplicas   []*pool.Pool
	UnhealthyReplicas []*pool.Pool
	CheckedAt         time.Time
}

// ApplyHealth bans/unbans pools per the latest probe results. It never
// executes SQL against the backends itself (that's pkg/health's job); it
// only changes which pools the cluster will hand out.
func (c *Cluster) ApplyHealth(snap HealthSnapshot) error {
	s, err := c.Shard(snap.ShardNo)
	if err != nil {
		return err
	}
	if s.Primary != nil {
		if snap.PrimaryHealthy {
			s.Primary.Unban()
		} else {
			s.Primary.Ban(30*time.Second, "primary health check failed")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	healthy := make(map[*pool.Pool]bool, len(snap.HealthyReplicas))
	for _, p := range snap.HealthyReplicas {
		healthy[p] = true
	}
	for _, r := range s.Replicas {
		if healthy[r] {
			r.Unban()
		} else {
			r.Ban(30*time.Second, "replica health check failed")
		}
	}
	return nil
}
