// Command proxy is the PostgreSQL wire-protocol sharding proxy's
// entrypoint: it loads configuration, builds a cluster.Registry (static or
// etcd-catalog backed per cluster), wires pkg/auth's negotiator and
// pkg/engine's two-phase manager, and starts one pkg/listener accept loop
// per configured cluster alongside the health/failover watchers, the
// Prometheus sampler, the HTTP admin surface (pkg/httpapi) and the
// wire-protocol admin console (pkg/admin).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/admin"
	"github.com/shardproxy/shardproxy/pkg/auth"
	"github.com/shardproxy/shardproxy/pkg/catalog"
	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/config"
	"github.com/shardproxy/shardproxy/pkg/discovery"
	"github.com/shardproxy/shardproxy/pkg/engine"
	"github.com/shardproxy/shardproxy/pkg/failover"
	"github.com/shardproxy/shardproxy/pkg/health"
	"github.com/shardproxy/shardproxy/pkg/httpapi"
	"github.com/shardproxy/shardproxy/pkg/listener"
	"github.com/shardproxy/shardproxy/pkg/logging"
	"github.com/shardproxy/shardproxy/pkg/monitoring"
	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/security"
	"github.com/shardproxy/shardproxy/pkg/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("PROXY_CONFIG_PATH"), "path to the proxy's JSON config file")
	flag.Parse()
	if *configPath == "" {
		*configPath = "config.json"
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger := baseLogger.Logger
	defer logger.Sync()

	app, err := build(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build proxy", zap.Error(err))
	}

	if err := app.start(); err != nil {
		logger.Fatal("failed to start proxy", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	app.stop()
}

// application bundles every long-lived component main wires together, so
// start/stop can bring them up and tear them down in one place.
type application struct {
	logger *zap.Logger

	listeners  []*listener.Listener
	healthCs   []*health.Controller
	failoverCs []*failover.Controller

	registry *cluster.Registry
	sampler  *monitoring.Sampler
	probes   *health.ProbeManager

	httpSrv *httpapi.Server
	console *admin.Console

	shuttingDown chan struct{}
}

func build(cfg *config.Config, logger *zap.Logger) (*application, error) {
	var cat catalog.Catalog
	if cfg.Catalog.Enabled {
		ec, err := catalog.NewEtcdCatalog(cfg.Catalog.Endpoints, logger)
		if err != nil {
			return nil, fmt.Errorf("building etcd catalog: %w", err)
		}
		cat = ec
	}

	registry := cluster.NewRegistry(cat, logger, nil)

	app := &application{logger: logger, registry: registry, shuttingDown: make(chan struct{})}

	rateLimiter := auth.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Period, cfg.RateLimit.Capacity)

	var externalVerifier auth.ExternalVerifier
	if len(cfg.ExternalIssuers) > 0 {
		externalVerifier = auth.NewOAuth2TokenVerifier(auth.ExternalIssuers(cfg.ExternalIssuers), cfg.ExternalUsernameField)
	}

	userConfigs, err := buildUserConfigs(cfg.Users)
	if err != nil {
		return nil, err
	}
	store := auth.NewStaticStore(userConfigs)
	negotiator := auth.NewNegotiator(store, rateLimiter, externalVerifier, logger)

	var txnStore engine.TxnStore
	if cfg.Catalog.Enabled {
		etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.Catalog.Endpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("dialing etcd for 2pc store: %w", err)
		}
		txnStore = engine.NewEtcdTxnStore(etcdClient)
	} else {
		txnStore = engine.NewMemTxnStore()
	}
	twoPC := engine.NewTwoPhaseManager(txnStore, logger)

	backendAuth := auth.NewBackendAuthenticator()

	probeCfg := health.ProbeManagerConfig{CheckInterval: cfg.Health.Interval, StartupTimeout: 60 * time.Second}
	app.probes = health.NewProbeManager(logger, probeCfg)

	var metrics *monitoring.Collector
	if cfg.Monitoring.Enabled {
		metrics = monitoring.New(logger)
	}

	listenerTLS, err := loadTLSConfig(cfg.Listener.TLSCertFile, cfg.Listener.TLSKeyFile)
	if err != nil {
		return nil, err
	}

	for i := range cfg.Clusters {
		cc := cfg.Clusters[i]
		lb := replicaLBPolicy(cc.ReplicaLBPolicy)

		var cl *cluster.Cluster
		switch cc.Topology {
		case "catalog":
			if cat == nil {
				return nil, fmt.Errorf("clusters[%d] (%s/%s): topology \"catalog\" requires catalog.enabled", i, cc.User, cc.Database)
			}
			cl, err = cluster.NewFromCatalog(cc.User, cc.Database, cat, poolTemplate(cc), backendAuth, lb, logger)
		case "kubernetes":
			var shards []cluster.ShardPoolConfig
			shards, err = discoverKubernetesShards(cc, logger)
			if err == nil {
				cl, err = cluster.NewStatic(cc.User, cc.Database, shards, backendAuth, lb, logger)
			}
		default:
			cl, err = cluster.NewStatic(cc.User, cc.Database, shardPoolConfigs(cc), backendAuth, lb, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("building cluster %s/%s: %w", cc.User, cc.Database, err)
		}
		cl.TwoPC = cc.TwoPC
		registry.Register(cc.User, cc.Database, cl)

		app.probes.RegisterProbe(databaseProbeFor(cc.User, cc.Database, cl), false, true, true)

		rtr := cl.ReplicationShardingConfig()

		lc := listener.Config{
			Addr:             clusterListenerAddr(cfg.Listener.Addr, i),
			TLS:              listenerTLS,
			Mode:             listenerMode(cfg.Listener.Mode),
			QueryTimeout:     cfg.Listener.QueryTimeout,
			PreparedCacheCap: cfg.Listener.PreparedCacheCap,
		}

		lst := listener.New(lc, cl, rtr, negotiator, twoPC, logger)
		app.listeners = append(app.listeners, lst)

		hc := health.NewController(cl, logger, cfg.Health.Interval, cfg.Health.ProbeTimeout)
		app.healthCs = append(app.healthCs, hc)

		fc := failover.New(cl, hc, logger, cfg.Failover.Interval)
		app.failoverCs = append(app.failoverCs, fc)
	}

	if metrics != nil {
		app.sampler = monitoring.NewSampler(metrics, registry, 15*time.Second, logger)
	}

	users := security.NewUserStore()
	var auditLogger *security.AuditLogger
	if path := os.Getenv("PROXY_AUDIT_LOG_PATH"); path != "" {
		auditLogger, err = security.NewAuditLogger(path)
		if err != nil {
			logger.Warn("audit logging disabled", zap.Error(err))
		}
	}

	if metrics != nil {
		app.httpSrv = httpapi.New(httpapi.Config{Addr: cfg.Admin.HTTPAddr, JWTSecret: cfg.Admin.JWTSecret}, registry, app.probes, metrics, users, nil, logger)
	}

	app.console = admin.New(cfg.Admin.WireAddr, registry, users, auditLogger, nil, app.requestShutdown, logger)

	return app, nil
}

func (a *application) start() error {
	ctx := context.Background()
	for _, hc := range a.healthCs {
		go hc.Start(ctx)
	}
	for _, fc := range a.failoverCs {
		go fc.Start()
	}
	if a.sampler != nil {
		go a.sampler.Start(ctx)
	}
	go a.probes.Start(ctx)
	a.probes.MarkStartupComplete()

	for _, lst := range a.listeners {
		if err := lst.Start(); err != nil {
			return err
		}
	}
	if a.httpSrv != nil {
		if err := a.httpSrv.Start(); err != nil {
			return err
		}
	}
	if err := a.console.Start(); err != nil {
		return err
	}
	a.logger.Info("shardproxy started", zap.Int("clusters", len(a.listeners)))
	return nil
}

func (a *application) stop() {
	for _, lst := range a.listeners {
		if err := lst.Stop(); err != nil {
			a.logger.Warn("listener stop error", zap.Error(err))
		}
	}
	for _, hc := range a.healthCs {
		hc.Stop()
	}
	for _, fc := range a.failoverCs {
		fc.Stop()
	}
	if a.sampler != nil {
		a.sampler.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.httpSrv != nil {
		if err := a.httpSrv.Stop(ctx); err != nil {
			a.logger.Warn("http admin stop error", zap.Error(err))
		}
	}
	a.console.Stop()
}

// requestShutdown is wired to the admin console's SHUTDOWN command.
func (a *application) requestShutdown() {
	select {
	case <-a.shuttingDown:
	default:
		close(a.shuttingDown)
		p, err := os.FindProcess(os.Getpid())
		if err == nil {
			p.Signal(syscall.SIGTERM)
		}
	}
}

func buildUserConfigs(users []config.UserConfig) ([]auth.UserConfig, error) {
	out := make([]auth.UserConfig, 0, len(users))
	for _, u := range users {
		uc := auth.UserConfig{Username: u.Username, Database: u.Database, AuthType: u.AuthType, ExternalIssuer: u.ExternalIssuer}
		switch u.AuthType {
		case "cleartext":
			hash, err := security.HashPassword(u.Password)
			if err != nil {
				return nil, fmt.Errorf("hashing password for user %s: %w", u.Username, err)
			}
			uc.PasswordHash = hash
		case "md5":
			uc.MD5Secret = auth.DeriveMD5Secret(u.Username, u.Password)
		case "scram-sha-256":
			verifier, err := auth.NewScramVerifier(u.Password)
			if err != nil {
				return nil, fmt.Errorf("deriving scram verifier for user %s: %w", u.Username, err)
			}
			uc.Scram = &verifier
		}
		out = append(out, uc)
	}
	return out, nil
}

func shardPoolConfigs(cc config.ClusterConfig) []cluster.ShardPoolConfig {
	out := make([]cluster.ShardPoolConfig, len(cc.Shards))
	for i, s := range cc.Shards {
		out[i] = cluster.ShardPoolConfig{
			ShardNo:      s.No,
			PrimaryAddr:  s.PrimaryAddr,
			ReplicaAddrs: s.ReplicaAddrs,
			Template:     poolTemplate(cc),
		}
	}
	return out
}

// discoverKubernetesShards lists backend Services by label (pkg/discovery)
// and groups the resulting endpoints by their shard label into
// cluster.ShardPoolConfig, treating the one endpoint per shard labeled
// "primary" as the primary and every other as a replica.
func discoverKubernetesShards(cc config.ClusterConfig, logger *zap.Logger) ([]cluster.ShardPoolConfig, error) {
	src, err := discovery.NewKubernetes(cc.KubernetesNamespace, cc.KubernetesLabelSelector)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes discovery client: %w", err)
	}
	endpoints, err := src.Discover(context.Background())
	if err != nil {
		return nil, fmt.Errorf("discovering kubernetes backends: %w", err)
	}

	byShard := make(map[string][]discovery.Endpoint)
	for _, ep := range endpoints {
		byShard[ep.ShardID] = append(byShard[ep.ShardID], ep)
	}

	shardIDs := make([]string, 0, len(byShard))
	for id := range byShard {
		shardIDs = append(shardIDs, id)
	}
	sort.Strings(shardIDs)

	out := make([]cluster.ShardPoolConfig, 0, len(shardIDs))
	for _, id := range shardIDs {
		no, err := strconv.Atoi(id)
		if err != nil {
			logger.Warn("skipping kubernetes shard with non-numeric shard label", zap.String("shard_label", id))
			continue
		}
		spc := cluster.ShardPoolConfig{ShardNo: no, Template: poolTemplate(cc)}
		for _, ep := range byShard[id] {
			addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
			if ep.Role == "primary" {
				spc.PrimaryAddr = addr
			} else {
				spc.ReplicaAddrs = append(spc.ReplicaAddrs, addr)
			}
		}
		out = append(out, spc)
	}
	return out, nil
}

func poolTemplate(cc config.ClusterConfig) pool.Config {
	p := cc.Pool
	return pool.Config{
		Mode:           listenerMode("transaction"),
		MinConns:       p.MinConns,
		MaxConns:       p.MaxConns,
		IdleTimeout:    p.IdleTimeout,
		MaxLifetime:    p.MaxLifetime,
		AcquireTimeout: p.AcquireTimeout,
		DialTimeout:    p.DialTimeout,
		HealthCheck:    p.HealthCheck,
		Creds: server.Credentials{
			User:     cc.BackendUser,
			Database: cc.BackendDatabase,
			Password: cc.BackendPassword,
		},
	}
}

func listenerMode(mode string) pool.Mode {
	switch mode {
	case "session":
		return pool.ModeSession
	case "statement":
		return pool.ModeStatement
	default:
		return pool.ModeTransaction
	}
}

func replicaLBPolicy(policy string) cluster.ReplicaLBPolicy {
	switch policy {
	case "round_robin":
		return cluster.LBRoundRobin
	case "least_conns":
		return cluster.LBLeastActiveConnections
	default:
		return cluster.LBRandom
	}
}

// clusterListenerAddr derives one listener address per configured cluster:
// the first cluster binds the configured address verbatim, subsequent
// clusters bind the same host on addr's port + index (a single
// pkg/listener.Listener is tied to exactly one cluster, so more than one
// cluster needs more than one port).
func clusterListenerAddr(addr string, index int) string {
	if index == 0 {
		return addr
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+index))
}

func databaseProbeFor(user, database string, cl *cluster.Cluster) *health.DatabaseProbe {
	name := fmt.Sprintf("%s/%s", user, database)
	return health.NewDatabaseProbe(name, func(ctx context.Context) error {
		shards := cl.Shards()
		if len(shards) == 0 {
			return fmt.Errorf("cluster %s has no shards", name)
		}
		for _, s := range shards {
			if s.Primary == nil {
				return fmt.Errorf("shard %d has no reachable primary", s.No)
			}
			guard, err := s.Primary.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("shard %d: %w", s.No, err)
			}
			guard.Release(false)
		}
		return nil
	})
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading listener TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
