package router

import (
	"fmt"
	"strings"

	"github.com/shardproxy/shardproxy/pkg/hashing"
)

// SelectorKind enumerates the three shapes a shard selector can take.
type SelectorKind int

const (
	SelectorDirect SelectorKind = iota
	SelectorAll
	SelectorMulti
)

// ShardSelector names the shard(s) a Route targets.
type ShardSelector struct {
	Kind   SelectorKind
	Shard  int   // valid when Kind == SelectorDirect
	Shards []int // valid when Kind == SelectorMulti
}

func Direct(n int) ShardSelector       { return ShardSelector{Kind: SelectorDirect, Shard: n} }
func All() ShardSelector               { return ShardSelector{Kind: SelectorAll} }
func Multi(shards []int) ShardSelector { return ShardSelector{Kind: SelectorMulti, Shards: shards} }

// Role is the backend role a Route targets.
type Role int

const (
	RoleAuto Role = iota
	RolePrimary
	RoleReplica
)

// Route is the per-request routing decision (spec.md §3 "Route").
type Route struct {
	Selector         ShardSelector
	Role             Role
	Read             bool
	LockSession      bool
	OrderBy          []OrderByCol
	WriteOverride    string
	NoShardingKeyHit bool // annotated for EXPLAIN (spec.md §8 scenario 6)
}

// CommandKind tags the union returned by Router.Route.
type CommandKind int

const (
	CmdQuery CommandKind = iota
	CmdStartTransaction
	CmdCommitTransaction
	CmdRollbackTransaction
	CmdSet
	CmdCopy
	CmdRewrite
	CmdShardKeyRewrite
	CmdInsertSplit
	CmdListen
	CmdNotify
	CmdUnlisten
	CmdDeallocate
	CmdDiscard
	CmdPreparedStatement
	CmdShards
	CmdSetRoute
	CmdBlocked
)

// Command is the tagged-variant result of routing one statement, matching
// spec.md §4.4 step 6. Not every field is meaningful for every Kind.
type Command struct {
	Kind CommandKind

	Route Route // CmdQuery, CmdSetRoute

	ReadOnly bool // CmdStartTransaction

	SetName  string // CmdSet
	SetValue string
	SetLocal bool
	SetRoute *Route

	CopyPlan *CopyPlan // CmdCopy

	InsertSplit *InsertSplitPlan // CmdInsertSplit

	ShardKeyRewrite *ShardKeyRewritePlan // CmdShardKeyRewrite

	Channel string // CmdListen/Notify/Unlisten
	Shard   int

	NumShards int // CmdShards

	BlockedBy string // CmdBlocked: plugin name that blocked the request

	Statement *Statement
}

// CopyPlan describes per-row shard routing for a COPY statement. CSV-only
// when the target table is sharded, per spec.md §4.4 step 3.
type CopyPlan struct {
	Table       string
	ShardColumn string
	CSVOnly     bool
}

// ShardKeyRewritePlan carries the old/new shard for a sharding-key UPDATE.
type ShardKeyRewritePlan struct {
	OldShard int
	NewShard int
	SQL      string
}

// Mapping is an explicit range/list shard assignment for a table (spec.md
// §4.4.1).
type Mapping struct {
	Kind   string // "list" | "range"
	Start  string
	End    string
	Values []string
	Shard  int
}

// TableSchema is the per-table sharding configuration the cluster owns and
// hands to the router.
type TableSchema struct {
	Table     string
	Column    string
	DataType  string // "bigint" | "uuid" | "varchar" | "vector"
	Hasher    hashing.Kind
	Mappings  []Mapping
	Centroids [][]float64 // for DataType == "vector"
}

// PluginContext is passed to every loaded plugin (spec.md §4.4.2).
type PluginContext struct {
	Statement     *Statement
	Shards        int
	HasPrimary    bool
	HasReplicas   bool
	InTransaction bool
	WriteOverride bool
}

// PluginShardKind mirrors the Unknown|All|Direct(n)|Blocked union a plugin
// returns.
type PluginShardKind int

const (
	PluginUnknown PluginShardKind = iota
	PluginAll
	PluginDirect
	PluginBlocked
)

type PluginReadWrite int

const (
	PluginRWUnknown PluginReadWrite = iota
	PluginRead
	PluginWrite
)

// PluginResult is what a Plugin.Evaluate call returns.
type PluginResult struct {
	Shard     PluginShardKind
	DirectNo  int
	ReadWrite PluginReadWrite
}

// Plugin is the router's plugin hook.
type Plugin interface {
	Name() string
	Evaluate(ctx PluginContext) PluginResult
}

// ReplicaSplit enumerates the read/write split policy (spec.md §4.4 step 5).
type ReplicaSplit int

const (
	SplitIncludePrimary ReplicaSplit = iota
	SplitExcludePrimary
	SplitIncludePrimaryIfReplicaBanned
)

// Router is stateless across statements but holds the process-wide AST
// cache, the per-cluster routing configuration, and any loaded plugins.
type Router struct {
	NumShards      int
	Schemas        map[string]TableSchema // table name -> schema
	OmniTables     map[string]bool
	SchemaShardMap map[string]int // schema name -> shard, for DDL schema-sharding
	TenantColumn   string
	Plugins        []Plugin
	ReplicaSplit   ReplicaSplit
	HasReplicas    bool
	TwoPCEnabled   bool
	ASTCache       *ASTCache
}

// New creates a Router. The caller (pkg/cluster) fills Schemas/OmniTables
// from its configuration snapshot.
func New() *Router {
	return &Router{
		Schemas:        map[string]TableSchema{},
		OmniTables:     map[string]bool{},
		SchemaShardMap: map[string]int{},
		ASTCache:       GlobalASTCache(),
	}
}

// RouteContext carries the request-scoped state the pipeline needs beyond
// the statement itself.
type RouteContext struct {
	InTransaction bool
	WriteOverride bool
}

// Route runs the full pipeline of spec.md §4.4 over one SQL statement and
// returns the Command the engine should execute.
func (r *Router) Route(sql string, rc RouteContext) (*Command, error) {
	st := r.ASTCache.Get(sql)
	return r.classify(st, rc)
}

func (r *Router) classify(st *Statement, rc RouteContext) (*Command, error) {
	switch st.Kind {
	case KindTransaction:
		switch st.Txn {
		case TxnBegin:
			return &Command{Kind: CmdStartTransaction, Statement: st}, nil
		case TxnCommit:
			return &Command{Kind: CmdCommitTransaction, Statement: st}, nil
		case TxnRollback:
			return &Command{Kind: CmdRollbackTransaction, Statement: st}, nil
		case TxnPrepareTwoPhase, TxnCommitPrepared, TxnRollbackPrepared:
			if r.TwoPCEnabled {
				return nil, fmt.Errorf("router: explicit PREPARE/COMMIT PREPARED/ROLLBACK PREPARED is not permitted when two-phase commit is proxy-managed")
			}
			return &Command{Kind: CmdQuery, Route: Route{Selector: All(), Role: RolePrimary}, Statement: st}, nil
		}

	case KindVariableSet:
		if st.VarName == "pgdog.shard" || st.VarName == "pgdog.sharding_key" {
			if !rc.InTransaction {
				return nil, fmt.Errorf("router: %s requires an open transaction", st.VarName)
			}
			route := Route{Selector: All(), Role: RoleAuto}
			if st.VarName == "pgdog.shard" {
				if n, err := atoiLoose(st.VarValue); err == nil {
					route.Selector = Direct(n)
				}
			}
			return &Command{Kind: CmdSetRoute, SetRoute: &route, Statement: st}, nil
		}
		if _, tracked := trackedLocal[st.VarName]; tracked {
			return &Command{Kind: CmdSet, SetName: st.VarName, SetValue: st.VarValue, Statement: st}, nil
		}
		return &Command{Kind: CmdSet, SetName: st.VarName, SetValue: st.VarValue, SetLocal: false, Statement: st}, nil

	case KindVariableShow:
		if strings.HasPrefix(st.VarName, "pgdog.") {
			return &Command{Kind: CmdQuery, Route: Route{Selector: Direct(0), Role: RoleAuto}, Statement: st}, nil
		}
		return &Command{Kind: CmdQuery, Route: Route{Selector: Direct(0), Role: RoleAuto}, Statement: st}, nil

	case KindPrepare, KindExecuteStmt:
		return &Command{Kind: CmdPreparedStatement, Statement: st}, nil

	case KindDeallocate:
		return &Command{Kind: CmdDeallocate, Statement: st}, nil

	case KindCopy:
		schema, sharded := r.Schemas[st.Table]
		plan := &CopyPlan{Table: st.Table, CSVOnly: sharded}
		if sharded {
			plan.ShardColumn = schema.Column
		}
		return &Command{Kind: CmdCopy, CopyPlan: plan, Statement: st}, nil

	case KindListen:
		return &Command{Kind: CmdListen, Channel: st.Channel, Shard: r.channelShard(st.Channel), Statement: st}, nil
	case KindNotify:
		return &Command{Kind: CmdNotify, Channel: st.Channel, Shard: r.channelShard(st.Channel), Statement: st}, nil
	case KindUnlisten:
		return &Command{Kind: CmdUnlisten, Channel: st.Channel, Shard: r.channelShard(st.Channel), Statement: st}, nil
	}

	// Select/Insert/Update/Delete/Merge/DDL all go through shard-set + role
	// resolution.
	route, err := r.resolveRoute(st, rc)
	if err != nil {
		if blocked, ok := err.(*pluginBlockedError); ok {
			return &Command{Kind: CmdBlocked, BlockedBy: blocked.plugin, Statement: st}, nil
		}
		return nil, err
	}

	if st.Kind == KindInsert && len(st.ValueTuples) > 1 {
		if schema, sharded := r.Schemas[st.Table]; sharded {
			plan, err := r.planInsertSplit(st, schema)
			if err != nil {
				return nil, err
			}
			return &Command{Kind: CmdInsertSplit, InsertSplit: plan, Statement: st}, nil
		}
	}

	return &Command{Kind: CmdQuery, Route: *route, Statement: st}, nil
}

var trackedLocal = map[string]bool{
	"statement_timeout": true, "lock_timeout": true, "idle_in_transaction_session_timeout": true,
	"application_name": true, "search_path": true, "datestyle": true, "timezone": true,
	"standard_conforming_strings": true, "extra_float_digits": true, "client_encoding": true,
}

type pluginBlockedError struct{ plugin string }

func (e *pluginBlockedError) Error() string {
	return fmt.Sprintf("router: blocked by plugin %q", e.plugin)
}

// resolveRoute implements spec.md §4.4 steps 4 ("determine the shard set")
// and 5 ("choose role").
func (r *Router) resolveRoute(st *Statement, rc RouteContext) (*Route, error) {
	route := &Route{}

	isWrite := st.Kind == KindInsert || st.Kind == KindUpdate || st.Kind == KindDelete || st.Kind == KindMerge || st.Kind == KindDDL
	route.Read = !isWrite

	// Step 1: comment override.
	if st.CommentShard != nil {
		route.Selector = Direct(*st.CommentShard)
	} else if st.CommentShardingKey != "" {
		if schema, ok := r.tableSchema(st.Table); ok {
			shard := hashing.Shard(schema.Hasher, st.CommentShardingKey, r.NumShards)
			route.Selector = Direct(shard)
		}
	}

	// Step 2: plugin override.
	selectorSet := st.CommentShard != nil || st.CommentShardingKey != ""
	if !selectorSet {
		for _, p := range r.Plugins {
			res := p.Evaluate(PluginContext{
				Statement: st, Shards: r.NumShards, HasPrimary: true,
				HasReplicas: r.HasReplicas, InTransaction: rc.InTransaction, WriteOverride: rc.WriteOverride,
			})
			switch res.Shard {
			case PluginBlocked:
				return nil, &pluginBlockedError{plugin: p.Name()}
			case PluginAll:
				route.Selector = All()
				selectorSet = true
			case PluginDirect:
				route.Selector = Direct(res.DirectNo)
				selectorSet = true
			}
			if res.ReadWrite == PluginWrite {
				route.Read = false
			} else if res.ReadWrite == PluginRead {
				route.Read = true
			}
			if selectorSet {
				break
			}
		}
	}

	// Step 3: sharding-key extraction.
	if !selectorSet && st.Table != "" {
		if schema, ok := r.tableSchema(st.Table); ok {
			if shard, matched, err := r.matchMapping(schema, st); err != nil {
				return nil, err
			} else if matched {
				route.Selector = Direct(shard)
				selectorSet = true
			} else if val, ok := st.Equalities[schema.Column]; ok && !strings.HasPrefix(val, "$") {
				route.Selector = Direct(hashing.Shard(schema.Hasher, val, r.NumShards))
				selectorSet = true
			}
		}
	}

	// Step 4: multi-tenant.
	if !selectorSet && r.TenantColumn != "" {
		if val, ok := st.Equalities[r.TenantColumn]; ok {
			route.Selector = Direct(hashing.Shard(hashing.Murmur3, val, r.NumShards))
			selectorSet = true
		}
	}

	// DDL: schema->shard map, else broadcast.
	if !selectorSet && st.Kind == KindDDL {
		if shard, ok := r.SchemaShardMap[st.Table]; ok {
			route.Selector = Direct(shard)
			selectorSet = true
		}
	}

	// Step 5: otherwise.
	if !selectorSet {
		if r.OmniTables[st.Table] {
			route.Selector = Direct(0)
		} else {
			route.Selector = All()
			route.NoShardingKeyHit = true
		}
	}

	if st.Kind == KindSelect {
		route.OrderBy = st.OrderBy
	}

	// Choose role.
	switch {
	case !route.Read || rc.WriteOverride:
		route.Role = RolePrimary
	case r.HasReplicas && r.replicaSplitPermits():
		route.Role = RoleReplica
	default:
		route.Role = RolePrimary
	}

	return route, nil
}

// replicaSplitPermits reports whether the configured split policy allows
// this read to be sent to a replica at all. Every defined policy does:
// SplitExcludePrimary sends reads to replicas only, and the two
// include-primary policies allow replicas alongside the primary.
func (r *Router) replicaSplitPermits() bool {
	switch r.ReplicaSplit {
	case SplitIncludePrimary, SplitExcludePrimary, SplitIncludePrimaryIfReplicaBanned:
		return true
	}
	return false
}

func (r *Router) tableSchema(table string) (TableSchema, bool) {
	s, ok := r.Schemas[table]
	return s, ok
}

func (r *Router) channelShard(channel string) int {
	if r.NumShards <= 0 {
		return 0
	}
	return hashing.Shard(hashing.Murmur3, channel, r.NumShards)
}

// matchMapping applies explicit range/list mappings ahead of hashing
// (spec.md §4.4.1: "Precedence: explicit mappings first, then hash.").
func (r *Router) matchMapping(schema TableSchema, st *Statement) (int, bool, error) {
	val, ok := st.Equalities[schema.Column]
	if !ok || strings.HasPrefix(val, "$") || len(schema.Mappings) == 0 {
		return 0, false, nil
	}
	for _, m := range schema.Mappings {
		switch m.Kind {
		case "list":
			for _, v := range m.Values {
				if v == val {
					return m.Shard, true, nil
				}
			}
		case "range":
			if val >= m.Start && val < m.End {
				return m.Shard, true, nil
			}
		}
	}
	return 0, false, nil
}
