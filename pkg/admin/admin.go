// Package admin is the proxy's PGBouncer-style "virtual database": a plain
// TCP listener that speaks just enough of the simple query protocol for
// psql (or any Postgres client) to connect and run SHOW/SET/BAN/UNBAN/
// PAUSE/RESUME/RELOAD commands against the live cluster.Registry, without
// the client needing to touch an HTTP API.
//
// Grounded on the donor's pkg/proxy/admin.go for the command-dispatch-table
// shape (there a map of path -> http.HandlerFunc; here a map of verb ->
// handler over a parsed admin command), reading frames with pkg/wire's
// ReadFrame/ParseQuery and replying with its RowDescription/DataRow/
// CommandComplete/ErrorResponse/ReadyForQuery builders instead of JSON.
package admin

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/security"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// ReloadFunc triggers a configuration hot-reload. It may be nil, in which
// case RELOAD completes without reloading anything.
type ReloadFunc func() error

// ShutdownFunc requests the proxy begin a graceful shutdown.
type ShutdownFunc func()

// Console is the admin wire-protocol server.
type Console struct {
	addr     string
	registry *cluster.Registry
	users    *security.UserStore
	audit    *security.AuditLogger
	reload   ReloadFunc
	shutdown ShutdownFunc
	logger   *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}

	settings map[string]string
	mu       sync.Mutex
}

// New builds an admin Console; call Start to begin accepting connections.
func New(addr string, registry *cluster.Registry, users *security.UserStore, audit *security.AuditLogger, reload ReloadFunc, shutdown ShutdownFunc, logger *zap.Logger) *Console {
	return &Console{
		addr:     addr,
		registry: registry,
		users:    users,
		audit:    audit,
		reload:   reload,
		shutdown: shutdown,
		logger:   logger,
		stopCh:   make(chan struct{}),
		settings: make(map[string]string),
	}
}

// Start begins accepting admin connections in the background.
func (c *Console) Start() error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", c.addr, err)
	}
	c.listener = ln
	c.logger.Info("admin console listening", zap.String("addr", c.addr))

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
func (c *Console) Stop() {
	close(c.stopCh)
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
}

func (c *Console) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
				c.logger.Warn("admin accept error", zap.Error(err))
				return
			}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

// handleConn runs a minimal startup handshake (no auth negotiation — the
// admin console is meant to sit behind a trusted network boundary, the way
// PGBouncer's own admin database does by default) and then loops reading
// simple Query frames until the client disconnects.
func (c *Console) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	if err := c.doStartup(conn, r); err != nil {
		c.logger.Debug("admin startup failed", zap.Error(err))
		return
	}

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		switch frame.Type {
		case wire.TagQuery:
			query, err := wire.ParseQuery(frame)
			if err != nil {
				c.writeError(conn, err.Error())
				continue
			}
			c.dispatch(conn, strings.TrimSpace(strings.TrimSuffix(query, ";")))
		case wire.TagTerminate:
			return
		default:
			c.writeError(conn, fmt.Sprintf("unsupported message type %q on admin console", frame.Type))
		}
	}
}

// doStartup accepts the client's StartupMessage and checks that its "user"
// parameter names a provisioned operator account. There's no password
// challenge (the console is meant to sit behind a trusted network
// boundary); this only keeps an unlisted username from opening a session.
func (c *Console) doStartup(conn net.Conn, r *bufio.Reader) error {
	frame, err := wire.ReadUntypedFrame(r)
	if err != nil {
		return err
	}
	startup, err := wire.ParseStartupMessage(frame)
	if err != nil {
		return err
	}
	if c.users != nil {
		if _, err := c.users.GetUser(startup.Parameters["user"]); err != nil {
			wire.WriteFrame(conn, wire.BuildErrorResponse(wire.NewErrorFields("FATAL", "28000", "unknown admin user")))
			return err
		}
	}
	if err := wire.WriteFrame(conn, wire.BuildAuthenticationOK()); err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, wire.BuildParameterStatus("server_version", "15.0 (shardproxy admin)")); err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, wire.BuildBackendKeyData(0, 0)); err != nil {
		return err
	}
	return wire.WriteFrame(conn, wire.BuildReadyForQuery(wire.TxStatusIdle))
}

type handler func(c *Console, conn net.Conn, args []string)

// commands is the donor's admin.go route table, generalized from HTTP verbs
// to admin command names.
var commands = map[string]handler{
	"SHOW":     (*Console).handleShow,
	"SET":      (*Console).handleSet,
	"RELOAD":   (*Console).handleReload,
	"BAN":      (*Console).handleBan,
	"UNBAN":    (*Console).handleUnban,
	"PAUSE":    (*Console).handlePause,
	"RESUME":   (*Console).handleResume,
	"SHUTDOWN": (*Console).handleShutdown,
}

func (c *Console) dispatch(conn net.Conn, query string) {
	if query == "" {
		c.writeEmptyOK(conn)
		return
	}
	fields := strings.Fields(query)
	verb := strings.ToUpper(fields[0])
	h, ok := commands[verb]
	if !ok {
		c.writeError(conn, fmt.Sprintf("unrecognized admin command %q", fields[0]))
		return
	}
	h(c, conn, fields[1:])
}

func (c *Console) handleShow(conn net.Conn, args []string) {
	if len(args) == 0 {
		c.writeError(conn, "SHOW requires a target: STATS, POOLS, SERVERS, CLIENTS, CONFIG")
		return
	}
	switch strings.ToUpper(args[0]) {
	case "POOLS":
		c.showPools(conn)
	case "SERVERS":
		c.showServers(conn)
	case "STATS":
		c.showStats(conn)
	case "CONFIG":
		c.showConfig(conn)
	case "CLIENTS":
		c.showClients(conn)
	default:
		c.writeError(conn, fmt.Sprintf("SHOW %s is not implemented", args[0]))
	}
}

var poolsColumns = []string{"cluster", "shard", "role", "active", "idle", "waiting", "exhausted", "banned"}

func (c *Console) showPools(conn net.Conn) {
	rows := make([][]string, 0)
	for key, cl := range c.registry.All() {
		for _, shard := range cl.Shards() {
			if shard.Primary != nil {
				rows = append(rows, poolRow(key, shard.No, "primary", shard.Primary))
			}
			for i, rep := range shard.Replicas {
				rows = append(rows, poolRow(key, shard.No, fmt.Sprintf("replica-%d", i), rep))
			}
		}
	}
	c.writeRows(conn, poolsColumns, rows)
}

func poolRow(clusterKey string, shardNo int, role string, p *pool.Pool) []string {
	stats := p.Stats()
	banned := "f"
	if stats.Banned {
		banned = "t"
	}
	return []string{
		clusterKey, strconv.Itoa(shardNo), role,
		strconv.Itoa(stats.Active), strconv.Itoa(stats.Idle), strconv.Itoa(stats.Waiting),
		strconv.Itoa(stats.Exhausted), banned,
	}
}

var serversColumns = []string{"cluster", "shard", "role", "addr", "max_conns", "min_conns"}

func (c *Console) showServers(conn net.Conn) {
	rows := make([][]string, 0)
	for key, cl := range c.registry.All() {
		for _, shard := range cl.Shards() {
			if shard.Primary != nil {
				rows = append(rows, serverRow(key, shard.No, "primary", shard.Primary))
			}
			for i, rep := range shard.Replicas {
				rows = append(rows, serverRow(key, shard.No, fmt.Sprintf("replica-%d", i), rep))
			}
		}
	}
	c.writeRows(conn, serversColumns, rows)
}

func serverRow(clusterKey string, shardNo int, role string, p *pool.Pool) []string {
	stats := p.Stats()
	return []string{
		clusterKey, strconv.Itoa(shardNo), role, p.Addr(),
		strconv.Itoa(stats.MaxConns), strconv.Itoa(stats.MinConns),
	}
}

var statsColumns = []string{"cluster", "num_shards", "two_pc"}

func (c *Console) showStats(conn net.Conn) {
	rows := make([][]string, 0)
	for key, cl := range c.registry.All() {
		twoPC := "f"
		if cl.TwoPC {
			twoPC = "t"
		}
		rows = append(rows, []string{key, strconv.Itoa(cl.NumShards()), twoPC})
	}
	c.writeRows(conn, statsColumns, rows)
}

var configColumns = []string{"key", "value"}

func (c *Console) showConfig(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.settings))
	for k := range c.settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, c.settings[k]})
	}
	c.writeRows(conn, configColumns, rows)
}

func (c *Console) showClients(conn net.Conn) {
	// The console doesn't track the proxy's client-facing connections itself
	// (pkg/listener/pkg/engine owns those); report the one admin session.
	c.writeRows(conn, []string{"application_name"}, [][]string{{"admin console session"}})
}

func (c *Console) handleSet(conn net.Conn, args []string) {
	if len(args) < 2 {
		c.writeError(conn, "SET requires a key and a value")
		return
	}
	key := strings.ToLower(args[0])
	value := strings.Join(args[1:], " ")
	c.mu.Lock()
	c.settings[key] = value
	c.mu.Unlock()
	c.auditLog("SET", key, true, "")
	c.writeCommandComplete(conn, "SET")
}

func (c *Console) handleReload(conn net.Conn, args []string) {
	var err error
	if c.reload != nil {
		err = c.reload()
	}
	c.auditLog("RELOAD", "config", err == nil, errString(err))
	if err != nil {
		c.writeError(conn, err.Error())
		return
	}
	c.writeCommandComplete(conn, "RELOAD")
}

func (c *Console) handleBan(conn net.Conn, args []string) {
	p, desc, ok := c.resolvePool(conn, args)
	if !ok {
		return
	}
	reason := "admin ban"
	if len(args) > 3 {
		reason = strings.Join(args[3:], " ")
	}
	p.Ban(10*time.Minute, reason)
	c.auditLog("BAN", desc, true, "")
	c.writeCommandComplete(conn, "BAN")
}

func (c *Console) handleUnban(conn net.Conn, args []string) {
	p, desc, ok := c.resolvePool(conn, args)
	if !ok {
		return
	}
	p.Unban()
	c.auditLog("UNBAN", desc, true, "")
	c.writeCommandComplete(conn, "UNBAN")
}

func (c *Console) handlePause(conn net.Conn, args []string) {
	p, desc, ok := c.resolvePool(conn, args)
	if !ok {
		return
	}
	p.Pause()
	c.auditLog("PAUSE", desc, true, "")
	c.writeCommandComplete(conn, "PAUSE")
}

func (c *Console) handleResume(conn net.Conn, args []string) {
	p, desc, ok := c.resolvePool(conn, args)
	if !ok {
		return
	}
	p.Resume()
	c.auditLog("RESUME", desc, true, "")
	c.writeCommandComplete(conn, "RESUME")
}

func (c *Console) handleShutdown(conn net.Conn, args []string) {
	c.auditLog("SHUTDOWN", "proxy", true, "")
	c.writeCommandComplete(conn, "SHUTDOWN")
	if c.shutdown != nil {
		go c.shutdown()
	}
}

// resolvePool looks up args[0]/args[1]/args[2] as cluster-key/shard/role,
// e.g. "BAN alice/orders 0 primary".
func (c *Console) resolvePool(conn net.Conn, args []string) (*pool.Pool, string, bool) {
	if len(args) < 3 {
		c.writeError(conn, "expected <cluster> <shard> <role>, e.g. BAN alice/orders 0 primary")
		return nil, "", false
	}
	clusterKey, shardArg, role := args[0], args[1], strings.ToLower(args[2])
	all := c.registry.All()
	cl, ok := all[clusterKey]
	if !ok {
		c.writeError(conn, fmt.Sprintf("unknown cluster %q", clusterKey))
		return nil, "", false
	}
	no, err := strconv.Atoi(shardArg)
	if err != nil {
		c.writeError(conn, fmt.Sprintf("invalid shard number %q", shardArg))
		return nil, "", false
	}
	shard, err := cl.Shard(no)
	if err != nil {
		c.writeError(conn, err.Error())
		return nil, "", false
	}
	desc := fmt.Sprintf("%s/%d/%s", clusterKey, no, role)
	if role == "primary" {
		if shard.Primary == nil {
			c.writeError(conn, "shard has no reachable primary")
			return nil, "", false
		}
		return shard.Primary, desc, true
	}
	idx := 0
	if n, err := fmt.Sscanf(role, "replica-%d", &idx); n == 1 && err == nil {
		if idx < 0 || idx >= len(shard.Replicas) {
			c.writeError(conn, fmt.Sprintf("replica %d out of range", idx))
			return nil, "", false
		}
		return shard.Replicas[idx], desc, true
	}
	c.writeError(conn, fmt.Sprintf("unknown role %q, expected primary or replica-N", role))
	return nil, "", false
}

func (c *Console) auditLog(action, resource string, success bool, errMsg string) {
	if c.audit == nil {
		return
	}
	c.audit.Log(security.AuditEvent{
		User:     "admin",
		Action:   action,
		Resource: resource,
		Success:  success,
		Error:    errMsg,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Console) writeRows(conn net.Conn, columns []string, rows [][]string) {
	fields := make([]wire.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = wire.FieldDescription{Name: name, TypeOID: 25} // text
	}
	if err := wire.WriteFrame(conn, wire.BuildRowDescription(fields)); err != nil {
		return
	}
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		if err := wire.WriteFrame(conn, wire.BuildDataRow(values)); err != nil {
			return
		}
	}
	c.writeCommandComplete(conn, fmt.Sprintf("SELECT %d", len(rows)))
}

func (c *Console) writeCommandComplete(conn net.Conn, tag string) {
	wire.WriteFrame(conn, wire.BuildCommandComplete(tag))
	wire.WriteFrame(conn, wire.BuildReadyForQuery(wire.TxStatusIdle))
}

func (c *Console) writeEmptyOK(conn net.Conn) {
	wire.WriteFrame(conn, wire.BuildEmptyQueryResponse())
	wire.WriteFrame(conn, wire.BuildReadyForQuery(wire.TxStatusIdle))
}

func (c *Console) writeError(conn net.Conn, message string) {
	wire.WriteFrame(conn, wire.BuildErrorResponse(wire.NewErrorFields("ERROR", "58000", message)))
	wire.WriteFrame(conn, wire.BuildReadyForQuery(wire.TxStatusIdle))
}
