package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/internal/errors"
	"github.com/shardproxy/shardproxy/pkg/cluster"
	"github.com/shardproxy/shardproxy/pkg/merge"
	"github.com/shardproxy/shardproxy/pkg/params"
	"github.com/shardproxy/shardproxy/pkg/pool"
	"github.com/shardproxy/shardproxy/pkg/prepared"
	"github.com/shardproxy/shardproxy/pkg/router"
	"github.com/shardproxy/shardproxy/pkg/wire"
)

// Stats holds one client's transaction and query counters and its last
// activity time.
type Stats struct {
	TransactionCount int64
	QueryCount       int64
	LastActive       time.Time
}

// Client holds one client connection's engine state (spec.md §4.9): the
// router, prepared-statement cache, session parameters, transaction state
// and the server guards currently checked out on its behalf. One Client is
// driven by exactly one goroutine, matching the donor's one-goroutine-per-
// connection relay loop in other_examples' db-bouncer, generalized here from
// a single backend to a per-shard fan-out.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	cl       *cluster.Cluster
	router   *router.Router
	prepared *prepared.Cache
	twoPC    *TwoPhaseManager
	logger   *zap.Logger

	mode pool.Mode

	mu            sync.Mutex
	params        *params.Set
	guards        map[int]*pool.Guard
	inTransaction bool
	txnReadOnly   bool
	writeOverride bool
	routeOverride *router.Route
	beginStmt     *wire.Frame
	touchedShards map[int]bool
	rollback      bool
	stats         Stats

	queryTimeout time.Duration

	pending []wire.Frame // buffered extended-protocol frames since the last Sync
}

// NewClient wraps an already-authenticated client socket.
func NewClient(conn net.Conn, cl *cluster.Cluster, rtr *router.Router, preparedCache *prepared.Cache, twoPC *TwoPhaseManager, mode pool.Mode, queryTimeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		conn:          conn,
		r:             bufio.NewReader(conn),
		w:             bufio.NewWriter(conn),
		cl:            cl,
		router:        rtr,
		prepared:      preparedCache,
		twoPC:         twoPC,
		mode:          mode,
		queryTimeout:  queryTimeout,
		logger:        logger,
		params:        params.New(),
		guards:        make(map[int]*pool.Guard),
		touchedShards: make(map[int]bool),
	}
}

// Run is the top-level cooperative loop (spec.md §4.9): read frames, buffer
// until a request is complete (a simple Query, or an extended-protocol
// sequence ending in Sync), then handle_request it.
func (c *Client) Run(ctx context.Context) error {
	defer c.releaseAll(true)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := wire.ReadFrame(c.r)
		if err != nil {
			return err
		}

		switch f.Type {
		case wire.TagQuery:
			if err := c.handleSimpleQuery(ctx, f); err != nil {
				return err
			}
		case wire.TagSync:
			c.pending = append(c.pending, f)
			if err := c.handleExtended(ctx); err != nil {
				return err
			}
			c.pending = nil
			if err := c.sendReadyForQuery(); err != nil {
				return err
			}
		case wire.TagTerminate:
			return nil
		default:
			c.pending = append(c.pending, f)
		}
	}
}

// handleSimpleQuery runs the route-and-execute path for a simple-protocol
// Query message, which is always a complete request by itself.
func (c *Client) handleSimpleQuery(ctx context.Context, f wire.Frame) error {
	sql, err := wire.ParseQuery(f)
	if err != nil {
		return c.sendError(errors.Wrap(err, errors.KindProtocol, "malformed Query message"))
	}

	cmd, err := c.router.Route(sql, router.RouteContext{InTransaction: c.inTransaction, WriteOverride: c.writeOverride})
	if err != nil {
		if sendErr := c.sendError(errors.Wrap(err, errors.KindRouting, "routing query")); sendErr != nil {
			return sendErr
		}
		return c.sendReadyForQuery()
	}

	if err := c.dispatch(ctx, cmd, []wire.Frame{f}); err != nil {
		if sendErr := c.sendError(errors.Wrap(err, errors.KindExecution, "executing query")); sendErr != nil {
			return sendErr
		}
	}
	return c.sendReadyForQuery()
}

// handleExtended runs handle_request over one buffered extended-protocol
// sequence (Parse/Bind/Describe/Execute...)*Sync. The router only needs the
// statement text carried by the Parse frame (or the prepared-statement cache
// entry an Execute/Bind refers to) to classify the whole sequence.
func (c *Client) handleExtended(ctx context.Context) error {
	defer func() { c.pending = nil }()

	var sql string
	for _, f := range c.pending {
		if f.Type == wire.TagParse {
			m, err := wire.ParseParse(f)
			if err != nil {
				return c.sendError(errors.Wrap(err, errors.KindProtocol, "malformed Parse message"))
			}
			clientName := m.Name
			entry := c.prepared.Prepare(clientName, m.SQL, m.Types)
			sql = entry.SQL
		}
		if f.Type == wire.TagBind && sql == "" {
			bm, err := wire.ParseBind(f)
			if err == nil {
				if entry, ok := c.prepared.Lookup(bm.Statement); ok {
					sql = entry.SQL
				}
			}
		}
	}

	if sql == "" {
		// Nothing to route (e.g. a bare Sync draining an empty pipeline);
		// forward to the currently bound shard(s) verbatim.
		return c.forwardPending(ctx, router.Route{Selector: c.defaultSelector(), Role: router.RoleAuto})
	}

	cmd, err := c.router.Route(sql, router.RouteContext{InTransaction: c.inTransaction, WriteOverride: c.writeOverride})
	if err != nil {
		return c.sendError(errors.Wrap(err, errors.KindRouting, "routing prepared statement"))
	}
	if err := c.dispatch(ctx, cmd, c.pending); err != nil {
		return c.sendError(errors.Wrap(err, errors.KindExecution, "executing prepared statement"))
	}
	return nil
}

func (c *Client) defaultSelector() router.ShardSelector {
	if len(c.touchedShards) == 1 {
		for s := range c.touchedShards {
			return router.Direct(s)
		}
	}
	return router.All()
}

// dispatch is handle_request's Command switch (spec.md §4.9).
func (c *Client) dispatch(ctx context.Context, cmd *router.Command, frames []wire.Frame) error {
	switch cmd.Kind {
	case router.CmdStartTransaction:
		c.mu.Lock()
		c.inTransaction = true
		c.txnReadOnly = cmd.ReadOnly
		f := frames[0]
		c.beginStmt = &f
		c.mu.Unlock()
		return nil

	case router.CmdCommitTransaction:
		return c.commitOrRollback(ctx, true, frames)

	case router.CmdRollbackTransaction:
		return c.commitOrRollback(ctx, false, frames)

	case router.CmdSet:
		c.params.Insert(cmd.SetName, params.String(cmd.SetValue))
		if c.inTransaction {
			return c.forwardPending(ctx, router.Route{Selector: c.defaultSelector(), Role: router.RolePrimary})
		}
		return c.forwardPending(ctx, router.Route{Selector: c.defaultSelector(), Role: router.RoleAuto})

	case router.CmdSetRoute:
		c.mu.Lock()
		c.routeOverride = cmd.SetRoute
		c.mu.Unlock()
		return nil

	case router.CmdQuery:
		route := cmd.Route
		c.mu.Lock()
		if c.routeOverride != nil {
			route = *c.routeOverride
		}
		c.mu.Unlock()
		return c.routeAndExecute(ctx, route, frames)

	case router.CmdCopy:
		return c.runCopy(ctx, cmd.CopyPlan, frames)

	case router.CmdInsertSplit:
		return c.runInsertSplit(ctx, cmd.InsertSplit)

	case router.CmdShardKeyRewrite:
		p := cmd.ShardKeyRewrite
		if p.NewShard != p.OldShard {
			return fmt.Errorf("engine: UPDATE changes the sharding key across shards (%d -> %d), which is not supported", p.OldShard, p.NewShard)
		}
		return c.routeAndExecute(ctx, router.Route{Selector: router.Direct(p.NewShard), Role: router.RolePrimary}, []wire.Frame{wire.BuildQuery(p.SQL)})

	case router.CmdListen, router.CmdNotify, router.CmdUnlisten:
		return c.routeAndExecute(ctx, router.Route{Selector: router.Direct(cmd.Shard), Role: router.RolePrimary}, frames)

	case router.CmdDeallocate:
		c.prepared.DeallocateAll()
		return c.forwardPending(ctx, router.Route{Selector: router.All(), Role: router.RolePrimary})

	case router.CmdPreparedStatement:
		return c.forwardPending(ctx, router.Route{Selector: c.defaultSelector(), Role: router.RoleAuto})

	case router.CmdShards:
		return nil

	case router.CmdBlocked:
		return fmt.Errorf("engine: statement blocked by plugin %q", cmd.BlockedBy)
	}
	return nil
}

func (c *Client) commitOrRollback(ctx context.Context, commit bool, frames []wire.Frame) error {
	c.mu.Lock()
	touched := make([]int, 0, len(c.touchedShards))
	for s := range c.touchedShards {
		touched = append(touched, s)
	}
	c.mu.Unlock()

	var err error
	switch {
	case len(touched) == 0:
		tag := "ROLLBACK"
		if commit {
			tag = "COMMIT"
		}
		err = c.emit(&merge.Result{Tag: tag, TxState: wire.TxStatusIdle})
	case commit && c.twoPC != nil && c.cl.TwoPC && len(touched) > 1:
		if err = c.twoPhaseCommit(ctx, touched); err == nil {
			err = c.emit(&merge.Result{Tag: "COMMIT", TxState: wire.TxStatusIdle})
		}
	default:
		err = c.routeAndExecute(ctx, router.Route{Selector: router.Multi(touched), Role: router.RolePrimary}, frames)
	}

	c.mu.Lock()
	c.inTransaction = false
	c.txnReadOnly = false
	c.beginStmt = nil
	c.routeOverride = nil
	c.touchedShards = make(map[int]bool)
	c.stats.TransactionCount++
	c.mu.Unlock()

	if c.mode == pool.ModeTransaction {
		c.releaseAll(false)
	}
	return err
}

func (c *Client) twoPhaseCommit(ctx context.Context, shards []int) error {
	id := c.twoPC.NewID()
	return c.twoPC.Execute(ctx, id, shards, func(shard int, sql string) error {
		guard, err := c.guardFor(ctx, shard, router.RolePrimary)
		if err != nil {
			return err
		}
		return c.execOnGuard(ctx, guard, wire.BuildQuery(sql))
	})
}

// routeAndExecute implements spec.md §4.9's "Route-and-execute": acquire
// guards for the route's shard set, link params, forward, and merge.
func (c *Client) routeAndExecute(ctx context.Context, route router.Route, frames []wire.Frame) error {
	shards, err := c.shardsFor(route.Selector)
	if err != nil {
		return err
	}

	role := route.Role
	if role == router.RoleAuto {
		role = router.RolePrimary
	}

	streams := make([]merge.ShardStream, 0, len(shards))
	for _, shard := range shards {
		guard, err := c.guardFor(ctx, shard, role)
		if err != nil {
			return err
		}
		c.markTouched(shard)

		stream, err := c.forwardAndCollect(ctx, guard, frames)
		if err != nil {
			return err
		}
		stream.Shard = shard
		streams = append(streams, stream)
	}

	opts := merge.Options{OrderBy: route.OrderBy}
	result, err := merge.Merge(streams, opts)
	if err != nil {
		return err
	}
	return c.emit(result)
}

func (c *Client) forwardPending(ctx context.Context, route router.Route) error {
	if len(c.pending) == 0 {
		return nil
	}
	return c.routeAndExecute(ctx, route, c.pending)
}

func (c *Client) shardsFor(sel router.ShardSelector) ([]int, error) {
	switch sel.Kind {
	case router.SelectorDirect:
		return []int{sel.Shard}, nil
	case router.SelectorMulti:
		return sel.Shards, nil
	default:
		n := c.cl.NumShards()
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
}

func (c *Client) markTouched(shard int) {
	c.mu.Lock()
	c.touchedShards[shard] = true
	c.mu.Unlock()
}

// guardFor returns an already-checked-out guard for shard if one is held
// (session/transaction pinning), otherwise acquires one and links params.
func (c *Client) guardFor(ctx context.Context, shard int, role router.Role) (*pool.Guard, error) {
	c.mu.Lock()
	if g, ok := c.guards[shard]; ok {
		c.mu.Unlock()
		return g, nil
	}
	c.mu.Unlock()

	roleName := "primary"
	if role == router.RoleReplica {
		roleName = "replica"
	}
	p, err := c.cl.Get(shard, roleName)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindPool, "no pool for shard")
	}
	guard, err := p.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindPool, "acquiring server connection")
	}

	if err := c.linkClient(guard); err != nil {
		guard.Release(true)
		return nil, err
	}

	c.mu.Lock()
	c.guards[shard] = guard
	c.mu.Unlock()
	return guard, nil
}

// linkClient reconciles a freshly checked-out server connection's session
// parameters to match the client's, and replays any buffered BEGIN
// (spec.md §4.9 step 2).
func (c *Client) linkClient(guard *pool.Guard) error {
	conn := guard.Conn()
	current := conn.Params
	for _, stmt := range c.params.ResetQueries(current) {
		if err := c.execRaw(conn, stmt); err != nil {
			return err
		}
	}
	for _, stmt := range c.params.SetQueries(current) {
		if err := c.execRaw(conn, stmt); err != nil {
			return err
		}
	}

	c.mu.Lock()
	begin := c.beginStmt
	c.mu.Unlock()
	if begin != nil {
		if err := c.execOnGuardFrame(conn, *begin); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) execRaw(conn interface {
	Send(wire.Frame) error
	Flush() error
	Receive() (wire.Frame, error)
}, sql string) error {
	if err := conn.Send(wire.BuildQuery(sql)); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}
	for {
		f, err := conn.Receive()
		if err != nil {
			return err
		}
		if f.Type == wire.TagReadyForQuery {
			return nil
		}
	}
}

func (c *Client) execOnGuardFrame(conn interface {
	Send(wire.Frame) error
	Flush() error
	Receive() (wire.Frame, error)
}, f wire.Frame) error {
	if err := conn.Send(f); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}
	for {
		rf, err := conn.Receive()
		if err != nil {
			return err
		}
		if rf.Type == wire.TagReadyForQuery || rf.Type == wire.TagCommandComplete {
			return nil
		}
	}
}

func (c *Client) execOnGuard(ctx context.Context, guard *pool.Guard, f wire.Frame) error {
	return c.execOnGuardFrame(guard.Conn(), f)
}

// forwardAndCollect sends frames to one backend and drains its response into
// a ShardStream, honoring c.queryTimeout.
func (c *Client) forwardAndCollect(ctx context.Context, guard *pool.Guard, frames []wire.Frame) (merge.ShardStream, error) {
	conn := guard.Conn()
	for _, f := range frames {
		if err := conn.Send(f); err != nil {
			return merge.ShardStream{}, err
		}
	}
	if err := conn.Flush(); err != nil {
		return merge.ShardStream{}, err
	}

	timeoutCtx := ctx
	var cancel context.CancelFunc
	if c.queryTimeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	var stream merge.ShardStream
	for {
		select {
		case <-timeoutCtx.Done():
			return stream, errors.Wrap(timeoutCtx.Err(), errors.KindExecution, "query_timeout exceeded").WithCode(errors.SQLStateQueryCanceled)
		default:
		}

		f, err := conn.Receive()
		if err != nil {
			return stream, err
		}
		switch f.Type {
		case wire.TagRowDescription:
			fields, err := wire.ParseRowDescription(f)
			if err != nil {
				return stream, err
			}
			stream.Fields = fields
		case wire.TagDataRow:
			row, err := wire.ParseDataRow(f)
			if err != nil {
				return stream, err
			}
			stream.Rows = append(stream.Rows, row)
		case wire.TagCommandComplete:
			tag, err := wire.ParseCommandComplete(f)
			if err != nil {
				return stream, err
			}
			stream.Tag = tag
		case wire.TagErrorResponse:
			fields, _ := wire.ParseErrorResponse(f)
			stream.Err = &fields
		case wire.TagReadyForQuery:
			status, err := wire.ParseReadyForQuery(f)
			if err != nil {
				return stream, err
			}
			stream.TxState = status
			return stream, nil
		}
	}
}

// emit writes a merged Result to the client.
func (c *Client) emit(res *merge.Result) error {
	if res.Fields != nil {
		if err := wire.WriteFrame(c.w, wire.BuildRowDescription(res.Fields)); err != nil {
			return err
		}
		for _, row := range res.Rows {
			if err := wire.WriteFrame(c.w, wire.BuildDataRow(row)); err != nil {
				return err
			}
		}
	}
	if res.Err != nil {
		if err := wire.WriteFrame(c.w, wire.BuildErrorResponse(*res.Err)); err != nil {
			return err
		}
	} else if res.Tag != "" {
		if err := wire.WriteFrame(c.w, wire.BuildCommandComplete(res.Tag)); err != nil {
			return err
		}
	}
	c.stats.QueryCount++
	c.stats.LastActive = time.Now()
	return c.w.Flush()
}

func (c *Client) sendError(err error) error {
	code := errors.SQLStateSyntaxError
	msg := err.Error()
	if ae, ok := err.(*errors.Error); ok {
		code = ae.Code
		msg = ae.Message
	}
	if werr := wire.WriteFrame(c.w, wire.BuildErrorResponse(wire.NewErrorFields("ERROR", code, msg))); werr != nil {
		return werr
	}
	return c.w.Flush()
}

func (c *Client) sendReadyForQuery() error {
	status := byte(wire.TxStatusIdle)
	if c.inTransaction {
		status = wire.TxStatusInTxn
	}
	if c.rollback {
		status = wire.TxStatusInFailedTx
	}
	if err := wire.WriteFrame(c.w, wire.BuildReadyForQuery(status)); err != nil {
		return err
	}
	return c.w.Flush()
}

// releaseAll returns every held guard to its pool, whatever the pooling
// mode. force (client disconnect/shutdown) is passed to Release as its dirty
// flag, so those connections are flagged for reconciliation.
func (c *Client) releaseAll(force bool) {
	c.mu.Lock()
	guards := c.guards
	c.guards = make(map[int]*pool.Guard)
	c.mu.Unlock()

	for _, g := range guards {
		g.Release(force)
	}
}

// ReleaseIfStatementMode releases every held guard after a statement
// completes, when pooling in Statement mode (only valid outside a
// transaction).
func (c *Client) ReleaseIfStatementMode() {
	if c.mode == pool.ModeStatement && !c.inTransaction {
		c.releaseAll(false)
	}
}

// Snapshot returns a copy of this client's stats.
func (c *Client) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
