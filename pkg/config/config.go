// Package config loads the proxy's on-disk configuration: the listener it
// binds, the per-(user,database) clusters it shards, the backend
// credentials it authenticates with, and the admin/monitoring surfaces it
// exposes. Grounded on the donor's pkg/config.Config — the JSON-plus
// duration-string-plus-parseDurations/setDefaults shape survives unchanged;
// every field inside it is new, aimed at pkg/listener/pkg/cluster/pkg/auth
// instead of the donor's HTTP sharding-rule control plane.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shardproxy/shardproxy/pkg/logging"
)

// Config is the root configuration document.
type Config struct {
	Listener   ListenerConfig    `json:"listener"`
	Clusters   []ClusterConfig   `json:"clusters"`
	Users      []UserConfig      `json:"users"`
	Catalog    CatalogConfig     `json:"catalog"`
	RateLimit  RateLimitConfig   `json:"rate_limit"`
	Health     HealthConfig      `json:"health"`
	Failover   FailoverConfig    `json:"failover"`
	Admin      AdminConfig       `json:"admin"`
	Monitoring MonitoringConfig  `json:"monitoring"`
	Logging    logging.LogConfig `json:"logging"`

	// ExternalIssuers maps an OAuth2/OIDC issuer name (as used by a
	// UserConfig's ExternalIssuer) to its userinfo endpoint, which resolves
	// a bearer token to an identity, for AuthType "external".
	ExternalIssuers       map[string]string `json:"external_issuers"`
	ExternalUsernameField string            `json:"external_username_field"`
}

// ListenerConfig configures the client-facing TCP/TLS accept loop
// (pkg/listener.Config).
type ListenerConfig struct {
	Addr             string `json:"addr"`
	TLSCertFile      string `json:"tls_cert_file"`
	TLSKeyFile       string `json:"tls_key_file"`
	Mode             string `json:"mode"` // "session" | "transaction" | "statement"
	PreparedCacheCap int    `json:"prepared_cache_cap"`

	QueryTimeout    time.Duration `json:"-"`
	QueryTimeoutStr string        `json:"query_timeout"`
}

// PoolConfig is the per-pool sizing/timeout template shared by every pool a
// ClusterConfig dials (pkg/pool.Config, minus Addr/Creds/TLS/Mode which are
// filled in per shard/role).
type PoolConfig struct {
	MinConns int `json:"min_conns"`
	MaxConns int `json:"max_conns"`

	IdleTimeout    time.Duration `json:"-"`
	MaxLifetime    time.Duration `json:"-"`
	AcquireTimeout time.Duration `json:"-"`
	DialTimeout    time.Duration `json:"-"`
	HealthCheck    time.Duration `json:"-"`

	IdleTimeoutStr    string `json:"idle_timeout"`
	MaxLifetimeStr    string `json:"max_lifetime"`
	AcquireTimeoutStr string `json:"acquire_timeout"`
	DialTimeoutStr    string `json:"dial_timeout"`
	HealthCheckStr    string `json:"health_check"`
}

// ShardConfig is one shard's static endpoint set, used when a ClusterConfig's
// Topology is "static" rather than "catalog".
type ShardConfig struct {
	No           int      `json:"no"`
	PrimaryAddr  string   `json:"primary_addr"`
	ReplicaAddrs []string `json:"replica_addrs"`
}

// ClusterConfig configures one (user, database)'s shard set
// (pkg/cluster.Cluster).
type ClusterConfig struct {
	User     string `json:"user"`
	Database string `json:"database"`

	// Topology selects the shard-discovery source: "static" reads Shards
	// below; "catalog" sources shard metadata from Catalog (pkg/catalog,
	// etcd-backed), read once when the cluster is built, so later catalog
	// changes are not applied while running; "kubernetes" lists backend Services
	// by label (pkg/discovery) once at startup and treats the result as a
	// static snapshot.
	Topology string        `json:"topology"`
	Shards   []ShardConfig `json:"shards"`

	// KubernetesNamespace/KubernetesLabelSelector configure discovery for
	// Topology "kubernetes".
	KubernetesNamespace     string `json:"kubernetes_namespace"`
	KubernetesLabelSelector string `json:"kubernetes_label_selector"`

	ReplicaLBPolicy string `json:"replica_lb_policy"` // "random" | "round_robin" | "least_conns"
	HashingKind     string `json:"hashing_kind"`      // "murmur3" | "xxhash", for consistent-hash replica affinity
	TwoPC           bool   `json:"two_pc"`

	// BackendUser/BackendPassword are the credentials the proxy itself
	// presents when dialing each shard's postgres, independent of the
	// AuthType a client used to reach the proxy.
	BackendUser     string `json:"backend_user"`
	BackendDatabase string `json:"backend_database"`
	BackendPassword string `json:"backend_password"`

	Pool PoolConfig `json:"pool"`
}

// UserConfig is one proxy-facing user the listener will accept, mirroring
// pkg/auth.UserConfig before password material is derived into verifiers.
type UserConfig struct {
	Username       string `json:"username"`
	Database       string `json:"database"`
	AuthType       string `json:"auth_type"` // "trust" | "cleartext" | "md5" | "scram-sha-256" | "external"
	Password       string `json:"password"`
	ExternalIssuer string `json:"external_issuer"`
}

// CatalogConfig configures the etcd-backed dynamic shard catalog
// (pkg/catalog.EtcdCatalog), used by any ClusterConfig with Topology
// "catalog".
type CatalogConfig struct {
	Enabled   bool     `json:"enabled"`
	Endpoints []string `json:"endpoints"`
}

// RateLimitConfig bounds per-remote-address authentication attempts
// (pkg/auth.RateLimiter).
type RateLimitConfig struct {
	Rate     int `json:"rate"`
	Capacity int `json:"capacity"`

	Period    time.Duration `json:"-"`
	PeriodStr string        `json:"period"`
}

// HealthConfig configures the shard role/reachability poller
// (pkg/health.Controller).
type HealthConfig struct {
	Interval     time.Duration `json:"-"`
	ProbeTimeout time.Duration `json:"-"`

	IntervalStr     string `json:"interval"`
	ProbeTimeoutStr string `json:"probe_timeout"`
}

// FailoverConfig configures the primary-flip watcher (pkg/failover.Controller).
type FailoverConfig struct {
	Interval    time.Duration `json:"-"`
	IntervalStr string        `json:"interval"`
}

// AdminConfig configures the admin console's wire-protocol surface
// (pkg/admin) and its supplementary HTTP surface (pkg/httpapi).
type AdminConfig struct {
	WireAddr  string `json:"wire_addr"`
	HTTPAddr  string `json:"http_addr"`
	JWTSecret string `json:"jwt_secret"`
}

// MonitoringConfig configures the Prometheus metrics surface.
type MonitoringConfig struct {
	Enabled bool `json:"enabled"`
}

// LoadConfig loads configuration from a JSON file, parses its duration
// strings, and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := parseDurations(&config); err != nil {
		return nil, fmt.Errorf("failed to parse durations: %w", err)
	}

	setDefaults(&config)

	return &config, nil
}

func parseDurations(c *Config) error {
	var err error

	if c.Listener.QueryTimeoutStr != "" {
		if c.Listener.QueryTimeout, err = time.ParseDuration(c.Listener.QueryTimeoutStr); err != nil {
			return fmt.Errorf("invalid listener.query_timeout: %w", err)
		}
	}

	for i := range c.Clusters {
		p := &c.Clusters[i].Pool
		if err := parsePoolDurations(p); err != nil {
			return fmt.Errorf("invalid clusters[%d].pool: %w", i, err)
		}
	}

	if c.RateLimit.PeriodStr != "" {
		if c.RateLimit.Period, err = time.ParseDuration(c.RateLimit.PeriodStr); err != nil {
			return fmt.Errorf("invalid rate_limit.period: %w", err)
		}
	}

	if c.Health.IntervalStr != "" {
		if c.Health.Interval, err = time.ParseDuration(c.Health.IntervalStr); err != nil {
			return fmt.Errorf("invalid health.interval: %w", err)
		}
	}
	if c.Health.ProbeTimeoutStr != "" {
		if c.Health.ProbeTimeout, err = time.ParseDuration(c.Health.ProbeTimeoutStr); err != nil {
			return fmt.Errorf("invalid health.probe_timeout: %w", err)
		}
	}

	if c.Failover.IntervalStr != "" {
		if c.Failover.Interval, err = time.ParseDuration(c.Failover.IntervalStr); err != nil {
			return fmt.Errorf("invalid failover.interval: %w", err)
		}
	}

	return nil
}

func parsePoolDurations(p *PoolConfig) error {
	var err error
	if p.IdleTimeoutStr != "" {
		if p.IdleTimeout, err = time.ParseDuration(p.IdleTimeoutStr); err != nil {
			return fmt.Errorf("idle_timeout: %w", err)
		}
	}
	if p.MaxLifetimeStr != "" {
		if p.MaxLifetime, err = time.ParseDuration(p.MaxLifetimeStr); err != nil {
			return fmt.Errorf("max_lifetime: %w", err)
		}
	}
	if p.AcquireTimeoutStr != "" {
		if p.AcquireTimeout, err = time.ParseDuration(p.AcquireTimeoutStr); err != nil {
			return fmt.Errorf("acquire_timeout: %w", err)
		}
	}
	if p.DialTimeoutStr != "" {
		if p.DialTimeout, err = time.ParseDuration(p.DialTimeoutStr); err != nil {
			return fmt.Errorf("dial_timeout: %w", err)
		}
	}
	if p.HealthCheckStr != "" {
		if p.HealthCheck, err = time.ParseDuration(p.HealthCheckStr); err != nil {
			return fmt.Errorf("health_check: %w", err)
		}
	}
	return nil
}

func setDefaults(c *Config) {
	if c.Listener.Addr == "" {
		c.Listener.Addr = "0.0.0.0:6432"
	}
	if c.Listener.Mode == "" {
		c.Listener.Mode = "transaction"
	}
	if c.Listener.PreparedCacheCap == 0 {
		c.Listener.PreparedCacheCap = 1000
	}
	if c.Listener.QueryTimeout == 0 {
		c.Listener.QueryTimeout = 30 * time.Second
	}

	for i := range c.Clusters {
		cl := &c.Clusters[i]
		if cl.Topology == "" {
			cl.Topology = "static"
		}
		if cl.ReplicaLBPolicy == "" {
			cl.ReplicaLBPolicy = "random"
		}
		if cl.HashingKind == "" {
			cl.HashingKind = "murmur3"
		}
		setPoolDefaults(&cl.Pool)
	}

	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 10
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 10000
	}
	if c.RateLimit.Period == 0 {
		c.RateLimit.Period = time.Minute
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = 5 * time.Second
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 2 * time.Second
	}
	if c.Failover.Interval == 0 {
		c.Failover.Interval = 5 * time.Second
	}

	if c.Admin.WireAddr == "" {
		c.Admin.WireAddr = "0.0.0.0:6433"
	}
	if c.Admin.HTTPAddr == "" {
		c.Admin.HTTPAddr = "0.0.0.0:9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logging.LogLevelInfo
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logging.LogFormatJSON
	}
}

func setPoolDefaults(p *PoolConfig) {
	if p.MaxConns == 0 {
		p.MaxConns = 20
	}
	if p.AcquireTimeout == 0 {
		p.AcquireTimeout = 5 * time.Second
	}
	if p.DialTimeout == 0 {
		p.DialTimeout = 5 * time.Second
	}
	if p.HealthCheck == 0 {
		p.HealthCheck = 30 * time.Second
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = 5 * time.Minute
	}
}
