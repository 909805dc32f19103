package router

import (
	"testing"

	"github.com/shardproxy/shardproxy/pkg/hashing"
)

func newTestRouter() *Router {
	r := New()
	r.NumShards = 4
	r.Schemas["users"] = TableSchema{Table: "users", Column: "id", Hasher: hashing.Murmur3}
	r.Schemas["regions"] = TableSchema{
		Table: "regions", Column: "region", Hasher: hashing.Murmur3,
		Mappings: []Mapping{{Kind: "list", Values: []string{"us-east"}, Shard: 0}, {Kind: "list", Values: []string{"eu-west"}, Shard: 1}},
	}
	r.OmniTables["plans"] = true
	return r
}

func TestRouteSelectWithShardingKey(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("SELECT * FROM users WHERE id = '42'", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdQuery {
		t.Fatalf("expected CmdQuery, got %v", cmd.Kind)
	}
	if cmd.Route.Selector.Kind != SelectorDirect {
		t.Fatalf("expected direct selector, got %v", cmd.Route.Selector.Kind)
	}
	want := hashing.Shard(hashing.Murmur3, "42", 4)
	if cmd.Route.Selector.Shard != want {
		t.Fatalf("expected shard %d, got %d", want, cmd.Route.Selector.Shard)
	}
}

func TestRouteOrderByKeepsDirection(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("SELECT * FROM users WHERE id = '42' ORDER BY created_at DESC, id ASC", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(cmd.Route.OrderBy) != 2 {
		t.Fatalf("expected 2 order-by columns, got %d", len(cmd.Route.OrderBy))
	}
	if cmd.Route.OrderBy[0] != (OrderByCol{Name: "created_at", Desc: true}) {
		t.Fatalf("expected created_at DESC, got %+v", cmd.Route.OrderBy[0])
	}
	if cmd.Route.OrderBy[1] != (OrderByCol{Name: "id", Desc: false}) {
		t.Fatalf("expected id ASC, got %+v", cmd.Route.OrderBy[1])
	}
}

func TestRouteNoShardingKeyBroadcasts(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("SELECT * FROM users WHERE name = 'bob'", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Selector.Kind != SelectorAll {
		t.Fatalf("expected broadcast selector, got %v", cmd.Route.Selector.Kind)
	}
	if !cmd.Route.NoShardingKeyHit {
		t.Fatal("expected NoShardingKeyHit to be set")
	}
}

func TestRouteOmniTableGoesToShardZero(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("SELECT * FROM plans", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Selector.Kind != SelectorDirect || cmd.Route.Selector.Shard != 0 {
		t.Fatalf("expected direct shard 0 for omni table, got %+v", cmd.Route.Selector)
	}
}

func TestRouteExplicitMappingBeforeHash(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("SELECT * FROM regions WHERE region = 'eu-west'", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Selector.Shard != 1 {
		t.Fatalf("expected mapped shard 1, got %d", cmd.Route.Selector.Shard)
	}
}

func TestRouteCommentShardOverride(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("/* pgdog_shard: 3 */ SELECT * FROM users WHERE id = '42'", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Selector.Shard != 3 {
		t.Fatalf("expected comment-overridden shard 3, got %d", cmd.Route.Selector.Shard)
	}
}

func TestRouteWriteGoesToPrimary(t *testing.T) {
	r := newTestRouter()
	r.HasReplicas = true
	cmd, err := r.Route("UPDATE users SET name = 'x' WHERE id = '1'", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Role != RolePrimary {
		t.Fatalf("expected write routed to primary, got %v", cmd.Route.Role)
	}
}

func TestRouteTransactionControl(t *testing.T) {
	r := newTestRouter()
	cmd, err := r.Route("BEGIN", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdStartTransaction {
		t.Fatalf("expected CmdStartTransaction, got %v", cmd.Kind)
	}
}

type blockAllPlugin struct{}

func (blockAllPlugin) Name() string { return "blockall" }
func (blockAllPlugin) Evaluate(ctx PluginContext) PluginResult {
	return PluginResult{Shard: PluginBlocked}
}

func TestRoutePluginCanBlock(t *testing.T) {
	r := newTestRouter()
	r.Plugins = []Plugin{blockAllPlugin{}}
	cmd, err := r.Route("SELECT * FROM users WHERE id = '1'", RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdBlocked || cmd.BlockedBy != "blockall" {
		t.Fatalf("expected blocked command, got %+v", cmd)
	}
}

func TestInsertSplitGroupsByShard(t *testing.T) {
	r := newTestRouter()
	sql := "INSERT INTO users (id, name) VALUES ('1', 'a'), ('2', 'b'), ('3', 'c')"
	cmd, err := r.Route(sql, RouteContext{})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CmdInsertSplit {
		t.Fatalf("expected CmdInsertSplit, got %v", cmd.Kind)
	}
	total := 0
	for _, s := range cmd.InsertSplit.Shards {
		total += len(s.TupleIdxs)
	}
	if total != 3 {
		t.Fatalf("expected 3 tuples distributed across shards, got %d", total)
	}
}
